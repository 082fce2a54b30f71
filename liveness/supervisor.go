package liveness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	apperrors "github.com/vinayprograms/echohub/errors"
	"github.com/vinayprograms/echohub/logging"
	"github.com/vinayprograms/echohub/metrics"
	"github.com/vinayprograms/echohub/nodestore"
	"github.com/vinayprograms/echohub/presence"
	"github.com/vinayprograms/echohub/telemetry"
)

// Result summarizes one sweep.
type Result struct {
	Purged   int           `json:"purged"`
	Pinged   int           `json:"pinged"`
	Demoted  int           `json:"demoted"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// Status reports what the supervisor has done so far.
type Status struct {
	Running   bool      `json:"running"`
	Sweeps    int64     `json:"sweeps"`
	LastSweep time.Time `json:"lastSweep,omitempty"`
	Last      Result    `json:"last"`
	LastError string    `json:"lastError,omitempty"`
}

// Supervisor periodically sweeps the node store for stale and expired nodes.
type Supervisor struct {
	svc *presence.Service
	cfg Config

	clock   clock.Clock
	logger  *logging.Logger
	metrics *metrics.Registry
	tracer  *telemetry.Tracer

	// sweepMu keeps sweeps from overlapping.
	sweepMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	doneCh chan struct{}
	status Status
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock sets the time source. It should match the presence service clock.
func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Supervisor) { s.logger = l.WithComponent("liveness") }
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(s *Supervisor) { s.tracer = t }
}

// New creates a supervisor. Zero durations in cfg take their defaults.
func New(svc *presence.Service, cfg Config, opts ...Option) (*Supervisor, error) {
	if svc == nil {
		return nil, fmt.Errorf("%w: nil presence service", ErrInvalidConfig)
	}

	defaults := DefaultConfig()
	if cfg.Stale <= 0 {
		cfg.Stale = defaults.Stale
	}
	if cfg.Unresponsive <= 0 {
		cfg.Unresponsive = defaults.Unresponsive
	}
	if cfg.OfflineCleanup <= 0 {
		cfg.OfflineCleanup = defaults.OfflineCleanup
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Supervisor{
		svc:    svc,
		cfg:    cfg,
		clock:  clock.New(),
		logger: logging.Nop(),
		tracer: telemetry.Noop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Supervisor) Config() Config {
	return s.cfg
}

// Start begins sweeping once per interval in the background.
// The first sweep happens one interval after Start.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doneCh != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.doneCh = make(chan struct{})
	s.status.Running = true

	// The ticker is created here so a mock clock advanced right after
	// Start still fires it.
	ticker := s.clock.Ticker(s.cfg.Interval)
	go s.run(ctx, ticker, s.doneCh)

	s.logger.Info("supervisor_started", map[string]interface{}{
		"interval":     s.cfg.Interval.String(),
		"stale":        s.cfg.Stale.String(),
		"unresponsive": s.cfg.Unresponsive.String(),
		"cleanup":      s.cfg.OfflineCleanup.String(),
	})
	return nil
}

// Stop cancels any sweep in flight and waits for the loop to exit.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.doneCh == nil {
		s.mu.Unlock()
		return ErrNotStarted
	}
	cancel, done := s.cancel, s.doneCh
	s.cancel, s.doneCh = nil, nil
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("supervisor_stopped")
	return nil
}

// Run starts the supervisor and blocks until ctx is cancelled or Stop is
// called.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	done := s.doneCh
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	return nil
}

func (s *Supervisor) run(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	defer func() {
		s.mu.Lock()
		s.status.Running = false
		// Cancelling the Start context ends the loop without Stop.
		if s.doneCh == done {
			s.cancel()
			s.cancel, s.doneCh = nil, nil
		}
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepSafely(ctx)
		}
	}
}

// sweepSafely runs one sweep from the loop. Sweep logs and records its own
// failures, panics included.
func (s *Supervisor) sweepSafely(ctx context.Context) {
	_, _ = s.Sweep(ctx)
}

// Status returns a snapshot of the supervisor state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Supervisor) recordStatus(result Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Sweeps++
	s.status.LastSweep = s.clock.Now().UTC()
	s.status.Last = result
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
	}
}

// Sweep runs one purge and online pass immediately.
//
// Per-node failures are counted in Result.Failed and do not fail the sweep.
// The returned error reports a step that could not run at all, such as the
// store refusing to list nodes. A panic inside the sweep is returned as a
// PANIC error.
func (s *Supervisor) Sweep(ctx context.Context) (result Result, err error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	start := s.clock.Now()
	now := start.UTC()

	ctx, span := s.tracer.StartSweepSpan(ctx)
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.RecoverPanic(r)
			s.logger.OperationFailed("sweep", err, nil)
		}
		result.Duration = s.clock.Since(start)
		s.tracer.EndSweepSpan(span, telemetry.SweepSpanOptions{
			Purged:  result.Purged,
			Pinged:  result.Pinged,
			Demoted: result.Demoted,
			Failed:  result.Failed,
		}, err)

		status := "ok"
		if err != nil {
			status = "error"
		}
		s.metrics.RecordSweep(status, result.Duration, result.Purged, result.Pinged, result.Demoted, result.Failed)
		s.logger.SweepComplete(result.Duration, result.Purged, result.Pinged, result.Demoted, result.Failed)
		s.recordStatus(result, err)
	}()

	purgeErr := s.purge(ctx, now, &result)
	onlineErr := s.checkOnline(ctx, now, &result)
	return result, errors.Join(purgeErr, onlineErr)
}

// purge deletes nodes offline since at least the cleanup threshold.
func (s *Supervisor) purge(ctx context.Context, now time.Time, result *Result) error {
	store := s.svc.Store()
	cutoff := now.Add(-s.cfg.OfflineCleanup)

	expired, err := store.ListOfflineOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.OperationFailed("list_expired", err, nil)
		return apperrors.Wrap(err, "list expired nodes")
	}

	for _, node := range expired {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Skip a node that came back since the listing.
		current, err := store.GetByID(ctx, node.ID)
		if errors.Is(err, nodestore.ErrNotFound) {
			continue
		}
		if err != nil {
			result.Failed++
			s.logger.OperationFailed("purge", err, map[string]interface{}{"host": node.Host})
			continue
		}
		if current.Online || current.LastSeen.After(cutoff) {
			continue
		}

		if err := store.Delete(ctx, node.ID); err != nil {
			if errors.Is(err, nodestore.ErrNotFound) {
				continue
			}
			result.Failed++
			s.logger.OperationFailed("purge", err, map[string]interface{}{"host": node.Host})
			continue
		}
		result.Purged++
		s.logger.Info("node_purged", map[string]interface{}{
			"host": node.Host,
			"name": node.Name,
		})
	}
	return nil
}

// checkOnline pings or demotes every online node silent for the stale threshold.
func (s *Supervisor) checkOnline(ctx context.Context, now time.Time, result *Result) error {
	stale, err := s.svc.Store().ListOnlineStaleSince(ctx, now.Add(-s.cfg.Stale))
	if err != nil {
		s.logger.OperationFailed("list_stale", err, nil)
		return apperrors.Wrap(err, "list stale nodes")
	}

	registry := s.svc.Registry()
	for _, node := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		age := now.Sub(node.LastSeen)
		connIDs := registry.ConnectionsForHost(node.Host)

		switch {
		case age >= s.cfg.Unresponsive:
			s.demote(ctx, node, presence.ReasonUnresponsive, result)
		case len(connIDs) == 0:
			s.demote(ctx, node, presence.ReasonNoConnection, result)
		default:
			s.logger.PingSent(node.Host, len(connIDs), age)
			for _, connID := range connIDs {
				if err := s.svc.Ping(ctx, connID); err != nil {
					result.Failed++
					continue
				}
				result.Pinged++
			}
		}
	}
	return nil
}

func (s *Supervisor) demote(ctx context.Context, node nodestore.Node, reason string, result *Result) {
	changed, err := s.svc.Demote(ctx, node.Host, node.LastSeen, reason)
	if err != nil {
		result.Failed++
		s.logger.OperationFailed("demote", err, map[string]interface{}{
			"host":   node.Host,
			"reason": reason,
		})
		return
	}
	if changed {
		result.Demoted++
	}
}
