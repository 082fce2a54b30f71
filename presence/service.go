package presence

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"

	"github.com/vinayprograms/echohub/conns"
	apperrors "github.com/vinayprograms/echohub/errors"
	"github.com/vinayprograms/echohub/events"
	"github.com/vinayprograms/echohub/logging"
	"github.com/vinayprograms/echohub/metrics"
	"github.com/vinayprograms/echohub/nodestore"
	"github.com/vinayprograms/echohub/telemetry"
)

// Offline reasons reported in logs and metrics.
const (
	ReasonDisconnected = "last_connection_dropped"
	ReasonMoved        = "connection_moved"
	ReasonUnresponsive = "unresponsive"
	ReasonNoConnection = "no_live_connection"
	ReasonManual       = "manual"
)

// hostLockStripes is the number of per-host lock stripes.
const hostLockStripes = 64

// maxUpsertAttempts bounds retries when another writer claims the same host.
const maxUpsertAttempts = 3

// RegisterParams is what a node reports when it registers.
type RegisterParams struct {
	Host        string `json:"host" validate:"required,max=255"`
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description,omitempty" validate:"max=1000"`
	Occupancy   int    `json:"occupancy"`
}

// Service implements the presence operations.
type Service struct {
	store     nodestore.Store
	registry  *conns.Registry
	publisher events.Publisher

	clock    clock.Clock
	logger   *logging.Logger
	metrics  *metrics.Registry
	tracer   *telemetry.Tracer
	validate *validator.Validate
	newID    func() string

	locks [hostLockStripes]sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source. Default: the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) { s.logger = l.WithComponent("presence") }
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// WithIDGenerator overrides node ID generation. Default: random UUIDs.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// New creates a presence service.
func New(store nodestore.Store, registry *conns.Registry, publisher events.Publisher, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("presence: nil store")
	}
	if registry == nil {
		return nil, errors.New("presence: nil registry")
	}
	if publisher == nil {
		return nil, errors.New("presence: nil publisher")
	}

	s := &Service{
		store:     store,
		registry:  registry,
		publisher: publisher,
		clock:     clock.New(),
		logger:    logging.Nop(),
		tracer:    telemetry.Noop(),
		validate:  validator.New(),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Registry returns the connection registry the service maintains.
func (s *Service) Registry() *conns.Registry {
	return s.registry
}

// Store returns the node store the service writes to.
func (s *Service) Store() nodestore.Store {
	return s.store
}

// Now returns the current time of the service clock in UTC.
func (s *Service) Now() time.Time {
	return s.clock.Now().UTC()
}

func (s *Service) lockHost(host string) func() {
	mu := &s.locks[murmur3.Sum32([]byte(host))%hostLockStripes]
	mu.Lock()
	return mu.Unlock
}

// Register records that connID represents the node described by p.
//
// A missing host or name, or an empty connection ID, is ignored: the result
// is (nil, nil) and nothing changes. Negative occupancy is stored as 0.
func (s *Service) Register(ctx context.Context, connID string, p RegisterParams) (node *nodestore.Node, err error) {
	p.Host = strings.TrimSpace(p.Host)
	p.Name = strings.TrimSpace(p.Name)
	if connID == "" || s.validate.Struct(p) != nil {
		s.metrics.RecordPresenceOp("register", "ignored")
		return nil, nil
	}
	if p.Occupancy < 0 {
		p.Occupancy = 0
	}

	ctx, span := s.tracer.StartPresenceSpan(ctx, "register", p.Host, connID)
	defer func() {
		telemetry.End(span, err)
		s.recordOp("register", err)
	}()

	var released conns.Released
	var moved bool

	unlock := s.lockHost(p.Host)
	node, err = s.upsertRegistration(ctx, p)
	if err == nil {
		released, moved, err = s.registry.Claim(connID, p.Host)
	}
	unlock()
	if err != nil {
		return nil, err
	}

	s.updateConnectionGauges()
	if moved {
		s.logger.ConnectionDropped(released.Host, connID, released.Remaining)
		if released.Last {
			s.releaseMovedHost(ctx, released.Host)
		}
	}
	s.logger.NodeRegistered(node.Name, node.Host, connID)
	s.publish(ctx, events.NodeUpdated(*node, s.Now()))
	return node, nil
}

// releaseMovedHost takes host offline after a re-register moved its last
// connection elsewhere. Failures are logged; the registration itself stands
// and the liveness sweep demotes the host later.
func (s *Service) releaseMovedHost(ctx context.Context, host string) {
	_, err := s.transition(ctx, host, ReasonMoved, func(*nodestore.Node) bool {
		return s.registry.CountForHost(host) == 0
	})
	if err != nil {
		s.logger.OperationFailed("release_moved_host", err, map[string]interface{}{"host": host})
	}
}

// upsertRegistration creates or refreshes the node for p. Caller holds the host lock.
func (s *Service) upsertRegistration(ctx context.Context, p RegisterParams) (*nodestore.Node, error) {
	for attempt := 1; ; attempt++ {
		now := s.Now()
		node, err := s.store.GetByHost(ctx, p.Host)
		switch {
		case errors.Is(err, nodestore.ErrNotFound):
			node = &nodestore.Node{
				ID:        s.newID(),
				Host:      p.Host,
				CreatedAt: now,
			}
		case err != nil:
			return nil, storeError(err, "load node", p.Host)
		}

		node.Name = p.Name
		node.Description = p.Description
		node.Occupancy = p.Occupancy
		node.Online = true
		node.LastSeen = now

		stored, err := s.store.Upsert(ctx, *node)
		if errors.Is(err, nodestore.ErrConflict) && attempt < maxUpsertAttempts {
			// Another process created the host first; reload and retry.
			continue
		}
		if err != nil {
			return nil, storeError(err, "save node", p.Host)
		}
		return stored, nil
	}
}

// Heartbeat refreshes the last-seen time of the node behind connID.
// Unknown connections and missing nodes are ignored. No event is published.
func (s *Service) Heartbeat(ctx context.Context, connID string) (err error) {
	host, ok := s.registry.HostForConnection(connID)
	if !ok {
		s.metrics.RecordPresenceOp("heartbeat", "ignored")
		return nil
	}

	ctx, span := s.tracer.StartPresenceSpan(ctx, "heartbeat", host, connID)
	defer func() {
		telemetry.End(span, err)
		s.recordOp("heartbeat", err)
	}()

	unlock := s.lockHost(host)
	defer unlock()

	node, err := s.store.GetByHost(ctx, host)
	if errors.Is(err, nodestore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeError(err, "load node", host)
	}
	node.LastSeen = s.Now()
	if _, err := s.store.Upsert(ctx, *node); err != nil {
		return storeError(err, "save node", host)
	}
	return nil
}

// UpdateOccupancy sets the occupancy reported over connID.
//
// Unknown connections are ignored. A node that was demoted while its
// connection stayed open comes back online, since it just proved it is
// alive. NodeUpdated is published only if the node record still exists.
func (s *Service) UpdateOccupancy(ctx context.Context, connID string, occupancy int) (node *nodestore.Node, err error) {
	host, ok := s.registry.HostForConnection(connID)
	if !ok {
		s.metrics.RecordPresenceOp("update_occupancy", "ignored")
		return nil, nil
	}
	if occupancy < 0 {
		occupancy = 0
	}

	ctx, span := s.tracer.StartPresenceSpan(ctx, "update_occupancy", host, connID)
	defer func() {
		telemetry.End(span, err)
		s.recordOp("update_occupancy", err)
	}()

	unlock := s.lockHost(host)
	node, err = s.store.GetByHost(ctx, host)
	if errors.Is(err, nodestore.ErrNotFound) {
		unlock()
		return nil, nil
	}
	if err != nil {
		unlock()
		return nil, storeError(err, "load node", host)
	}
	node.Occupancy = occupancy
	node.Online = true
	node.LastSeen = s.Now()
	node, err = s.store.Upsert(ctx, *node)
	unlock()
	if err != nil {
		return nil, storeError(err, "save node", host)
	}

	s.publish(ctx, events.NodeUpdated(*node, s.Now()))
	return node, nil
}

// Disconnect releases the claim held by connID. When it was the host's last
// live connection the node goes offline and NodeOffline is published.
func (s *Service) Disconnect(ctx context.Context, connID string) (err error) {
	released, ok := s.registry.Release(connID)
	if !ok {
		return nil
	}
	s.updateConnectionGauges()

	if !released.Last {
		s.logger.ConnectionDropped(released.Host, connID, released.Remaining)
		return nil
	}

	ctx, span := s.tracer.StartPresenceSpan(ctx, "disconnect", released.Host, connID)
	defer func() {
		telemetry.End(span, err)
		s.recordOp("disconnect", err)
	}()

	_, err = s.transition(ctx, released.Host, ReasonDisconnected, func(*nodestore.Node) bool {
		// A reconnect may have claimed the host since the release.
		return s.registry.CountForHost(released.Host) == 0
	})
	return err
}

// SetOffline marks the node for host offline with zero occupancy.
// Only an existing online node transitions; the result reports whether it
// did. Calling it again, or for an unknown host, changes nothing.
func (s *Service) SetOffline(ctx context.Context, host string) (bool, error) {
	return s.transition(ctx, host, ReasonManual, nil)
}

// Demote is SetOffline for the liveness sweep: the node transitions only if
// it has not been seen since observedLastSeen, so a node that re-registered
// or answered a ping after the sweep read it stays online.
func (s *Service) Demote(ctx context.Context, host string, observedLastSeen time.Time, reason string) (bool, error) {
	return s.transition(ctx, host, reason, func(n *nodestore.Node) bool {
		return !n.LastSeen.After(observedLastSeen)
	})
}

// transition moves an online node offline when allow (if set) agrees.
func (s *Service) transition(ctx context.Context, host, reason string, allow func(*nodestore.Node) bool) (changed bool, err error) {
	unlock := s.lockHost(host)
	node, err := s.store.GetByHost(ctx, host)
	if errors.Is(err, nodestore.ErrNotFound) {
		unlock()
		return false, nil
	}
	if err != nil {
		unlock()
		return false, storeError(err, "load node", host)
	}
	if !node.Online || (allow != nil && !allow(node)) {
		unlock()
		return false, nil
	}

	node.Online = false
	node.Occupancy = 0
	_, err = s.store.Upsert(ctx, *node)
	unlock()
	if err != nil {
		return false, storeError(err, "save node", host)
	}

	s.logger.NodeOffline(host, reason)
	s.metrics.RecordNodeOffline(reason)
	s.publish(ctx, events.NodeOffline(host, s.Now()))
	return true, nil
}

// Ping sends an alive check to connID. Failures are logged and returned for
// counting; they are never retried.
func (s *Service) Ping(ctx context.Context, connID string) error {
	if err := s.publisher.Ping(ctx, connID); err != nil {
		s.metrics.RecordPublishFailure("ping")
		s.logger.OperationFailed("ping", err, map[string]interface{}{"conn": connID})
		return err
	}
	return nil
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.metrics.RecordPublishFailure(string(event.Kind))
		s.logger.OperationFailed("publish", err, map[string]interface{}{
			"kind": string(event.Kind),
			"host": event.Host,
		})
	}
}

func (s *Service) updateConnectionGauges() {
	if s.metrics == nil {
		return
	}
	s.metrics.SetConnections(s.registry.Stats())
}

func (s *Service) recordOp(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		s.logger.OperationFailed(op, err, nil)
	}
	s.metrics.RecordPresenceOp(op, status)
}

// storeError classifies a store failure.
func storeError(err error, op, host string) error {
	switch {
	case errors.Is(err, nodestore.ErrConflict):
		return apperrors.WrapWithCode(err, apperrors.ErrCodeConflict, op, apperrors.WithHost(host))
	case errors.Is(err, nodestore.ErrInvalidNode):
		return apperrors.WrapWithCode(err, apperrors.ErrCodeInvalidInput, op, apperrors.WithHost(host))
	default:
		return apperrors.WrapWithCode(err, apperrors.ErrCodeUnavailable, op, apperrors.WithHost(host))
	}
}
