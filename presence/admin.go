package presence

import (
	"context"
	"errors"
	"strings"

	apperrors "github.com/vinayprograms/echohub/errors"
	"github.com/vinayprograms/echohub/events"
	"github.com/vinayprograms/echohub/nodestore"
	"github.com/vinayprograms/echohub/telemetry"
)

// CreateParams describes a node added by an operator before it connects.
type CreateParams struct {
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description,omitempty" validate:"max=1000"`
	Host        string `json:"host" validate:"required,max=255"`
}

// List returns every node ordered by name.
func (s *Service) List(ctx context.Context) ([]nodestore.Node, error) {
	nodes, err := s.store.List(ctx)
	if err != nil {
		return nil, storeError(err, "list nodes", "")
	}
	return nodes, nil
}

// Get returns the node with id.
func (s *Service) Get(ctx context.Context, id string) (*nodestore.Node, error) {
	node, err := s.store.GetByID(ctx, id)
	if errors.Is(err, nodestore.ErrNotFound) {
		return nil, apperrors.New(apperrors.ErrCodeNotFound, "node not found", apperrors.WithMetadata("id", id))
	}
	if err != nil {
		return nil, storeError(err, "load node", "")
	}
	return node, nil
}

// Create adds an offline node. It fails with a CONFLICT error if the host is
// already known; the node comes online when it registers.
func (s *Service) Create(ctx context.Context, p CreateParams) (node *nodestore.Node, err error) {
	p.Host = strings.TrimSpace(p.Host)
	p.Name = strings.TrimSpace(p.Name)
	if err := s.validate.Struct(p); err != nil {
		return nil, apperrors.WrapWithCode(err, apperrors.ErrCodeInvalidInput, "invalid node")
	}

	ctx, span := s.tracer.StartPresenceSpan(ctx, "create", p.Host, "")
	defer func() {
		telemetry.End(span, err)
		s.recordOp("create", err)
	}()

	unlock := s.lockHost(p.Host)
	defer unlock()

	_, err = s.store.GetByHost(ctx, p.Host)
	switch {
	case err == nil:
		return nil, apperrors.New(apperrors.ErrCodeConflict, "host already registered", apperrors.WithHost(p.Host))
	case !errors.Is(err, nodestore.ErrNotFound):
		return nil, storeError(err, "load node", p.Host)
	}

	now := s.Now()
	node, err = s.store.Upsert(ctx, nodestore.Node{
		ID:          s.newID(),
		Name:        p.Name,
		Description: p.Description,
		Host:        p.Host,
		LastSeen:    now,
		CreatedAt:   now,
	})
	if err != nil {
		return nil, storeError(err, "save node", p.Host)
	}
	s.publish(ctx, events.NodeUpdated(*node, now))
	return node, nil
}

// Delete removes the node with id. Observers see NodeOffline if it was
// online. Live connections keep their claims; a later register recreates
// the node.
func (s *Service) Delete(ctx context.Context, id string) (err error) {
	node, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	ctx, span := s.tracer.StartPresenceSpan(ctx, "delete", node.Host, "")
	defer func() {
		telemetry.End(span, err)
		s.recordOp("delete", err)
	}()

	unlock := s.lockHost(node.Host)
	err = s.store.Delete(ctx, id)
	unlock()
	if errors.Is(err, nodestore.ErrNotFound) {
		return apperrors.New(apperrors.ErrCodeNotFound, "node not found", apperrors.WithMetadata("id", id))
	}
	if err != nil {
		return storeError(err, "delete node", node.Host)
	}

	s.logger.Info("node_deleted", map[string]interface{}{"host": node.Host, "id": id})
	if node.Online {
		s.publish(ctx, events.NodeOffline(node.Host, s.Now()))
	}
	return nil
}
