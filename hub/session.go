package hub

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/echohub/bus"
	apperrors "github.com/vinayprograms/echohub/errors"
	"github.com/vinayprograms/echohub/events"
	"github.com/vinayprograms/echohub/presence"
	"github.com/vinayprograms/echohub/transport"
)

// session is one node connection.
type session struct {
	id        string
	hub       *Hub
	transport *transport.WebSocketTransport
	observer  atomic.Bool
}

func newSession(id string, h *Hub, t *transport.WebSocketTransport) *session {
	return &session{id: id, hub: h, transport: t}
}

func (s *session) isObserver() bool {
	return s.observer.Load()
}

// run serves the session until the socket closes, then disconnects it.
func (s *session) run(ctx context.Context) {
	h := s.hub
	log := h.logger
	log.Debug("session_opened", map[string]interface{}{"conn": s.id})

	pingSub, err := h.bus.Subscribe(h.subjects.Ping(s.id))
	if err != nil {
		log.OperationFailed("subscribe_pings", err, map[string]interface{}{"conn": s.id})
	} else {
		go s.forwardPings(pingSub)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- s.transport.Run(ctx) }()

	// Messages are handled one at a time, in arrival order.
	for msg := range s.transport.Recv() {
		s.dispatch(ctx, msg)
	}

	if err := <-runErr; err != nil {
		log.Debug("session_read_error", map[string]interface{}{"conn": s.id, "error": err.Error()})
	}
	if pingSub != nil {
		pingSub.Unsubscribe()
	}
	h.removeSession(s)

	// The hub context may already be cancelled; the disconnect still has
	// to reach the store.
	dctx, cancel := context.WithTimeout(context.Background(), h.cfg.DisconnectTimeout)
	defer cancel()
	if err := h.svc.Disconnect(dctx, s.id); err != nil {
		log.OperationFailed("disconnect", err, map[string]interface{}{"conn": s.id})
	}
	log.Debug("session_closed", map[string]interface{}{"conn": s.id})
}

// forwardPings turns bus pings into ping notifications.
func (s *session) forwardPings(sub bus.Subscription) {
	for msg := range sub.Messages() {
		ping, err := events.DecodePing(msg.Data)
		if err != nil {
			continue
		}
		n := transport.NewNotification(NotifyPing, PingParams{At: ping.At.UTC().Format(time.RFC3339Nano)})
		if err := s.transport.Send(&transport.OutboundMessage{Notification: n}); err != nil {
			return
		}
	}
}

func (s *session) dispatch(ctx context.Context, msg *transport.InboundMessage) {
	if !s.hub.limiter.Allow(s.id) {
		s.reject(msg)
		return
	}

	switch {
	case msg.Request != nil:
		result, err := s.handle(ctx, msg.Request.Method, msg.Request.Params)
		resp := transport.NewResult(msg.Request.ID, result)
		if err != nil {
			resp = &transport.Response{JSONRPC: transport.Version, ID: msg.Request.ID, Error: rpcError(err)}
		}
		s.transport.Send(&transport.OutboundMessage{Response: resp})
	case msg.Notification != nil:
		params, _ := msg.Notification.Params.(json.RawMessage)
		if _, err := s.handle(ctx, msg.Notification.Method, params); err != nil {
			s.hub.logger.OperationFailed(msg.Notification.Method, err, map[string]interface{}{"conn": s.id})
		}
	}
	// Responses from a node are not expected and are dropped.
}

// reject answers a message over the connection's rate limit. Notifications
// are dropped.
func (s *session) reject(msg *transport.InboundMessage) {
	var method string
	switch {
	case msg.Request != nil:
		method = msg.Request.Method
		err := apperrors.FromCode(apperrors.ErrCodeRateLimited, apperrors.WithConnection(s.id))
		resp := &transport.Response{JSONRPC: transport.Version, ID: msg.Request.ID, Error: rpcError(err)}
		s.transport.Send(&transport.OutboundMessage{Response: resp})
	case msg.Notification != nil:
		method = msg.Notification.Method
	default:
		return
	}
	s.hub.metrics.RecordRPC(methodLabel(method), "rate_limited")
	s.hub.logger.Debug("message_rate_limited", map[string]interface{}{"conn": s.id, "method": method})
}

func (s *session) handle(ctx context.Context, method string, params json.RawMessage) (result interface{}, err error) {
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.hub.metrics.RecordRPC(methodLabel(method), status)
	}()

	svc := s.hub.svc
	switch method {
	case MethodRegister:
		var p presence.RegisterParams
		if err := transport.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		node, err := svc.Register(ctx, s.id, p)
		if err != nil || node == nil {
			return nil, err
		}
		return node, nil

	case MethodHeartbeat:
		if err := svc.Heartbeat(ctx, s.id); err != nil {
			return nil, err
		}
		return true, nil

	case MethodUpdateOccupancy, MethodUpdateUserCount:
		var p OccupancyParams
		if err := transport.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		occupancy, ok := p.value()
		if !ok {
			return nil, &transport.Error{Code: transport.InvalidParams, Message: "Invalid params", Data: "occupancy required"}
		}
		node, err := svc.UpdateOccupancy(ctx, s.id, occupancy)
		if err != nil || node == nil {
			return nil, err
		}
		return node, nil

	case MethodJoinObservers, MethodJoinWebClients:
		s.observer.Store(true)
		return true, nil
	}

	return nil, &transport.Error{Code: transport.MethodNotFound, Message: "Method not found", Data: method}
}

// methodLabel keeps arbitrary method names out of metric labels.
func methodLabel(method string) string {
	switch method {
	case MethodRegister, MethodHeartbeat, MethodUpdateOccupancy, MethodUpdateUserCount,
		MethodJoinObservers, MethodJoinWebClients:
		return method
	}
	return "unknown"
}
