package shutdown

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/vinayprograms/echohub/logging"
)

// Coordinator runs registered handlers phase by phase, once.
type Coordinator struct {
	config Config
	logger *logging.Logger
	clock  clock.Clock

	mu       sync.Mutex
	handlers []registration
	started  bool
	done     chan struct{}
	err      error
	result   *Result
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger used for progress.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) { c.logger = l.WithComponent("shutdown") }
}

// WithClock sets the clock used to time handlers.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

// NewCoordinator creates a coordinator. Zero config fields take defaults.
func NewCoordinator(config Config, opts ...Option) *Coordinator {
	defaults := DefaultConfig()
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = defaults.DefaultPhase
	}

	c := &Coordinator{
		config: config,
		logger: logging.Nop(),
		clock:  clock.New(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a handler. A zero phase selects Config.DefaultPhase.
// Handlers registered after Shutdown started are ignored.
func (c *Coordinator) Register(name string, phase int, h Handler) {
	if phase == 0 {
		phase = c.config.DefaultPhase
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		c.logger.Warn("late_registration", map[string]interface{}{"handler": name})
		return
	}
	c.handlers = append(c.handlers, registration{name: name, handler: h, phase: phase})
}

// RegisterFunc registers fn as a handler.
func (c *Coordinator) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) {
	c.Register(name, phase, Func(fn))
}

// Shutdown runs every phase in order. A second call while the first is
// running returns ErrAlreadyShutdown; after it finished, its error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		select {
		case <-c.done:
			return c.err
		default:
			return ErrAlreadyShutdown
		}
	}
	c.started = true
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	start := c.clock.Now()
	c.logger.Info("shutdown_started", map[string]interface{}{"handlers": len(handlers)})

	result := c.run(ctx, handlers)
	result.TotalDuration = c.clock.Since(start)

	fields := map[string]interface{}{"duration_ms": result.TotalDuration.Milliseconds()}
	if result.Err != nil {
		fields["error"] = result.Err.Error()
		c.logger.Warn("shutdown_incomplete", fields)
	} else {
		c.logger.Info("shutdown_complete", fields)
	}

	c.mu.Lock()
	c.result = result
	c.err = result.Err
	c.mu.Unlock()
	close(c.done)
	return result.Err
}

// ShutdownWithTimeout runs Shutdown under a deadline. Zero selects
// Config.Timeout.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout == 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// Done is closed when Shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error once Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Result returns the per-handler outcome once Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context, handlers []registration) *Result {
	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &Result{Results: make([]HandlerResult, 0, len(handlers))}
	var failures error

	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			result.Err = multierr.Append(wrapFailures(failures), ErrTimeout)
			return result
		}

		for _, hr := range c.runPhase(ctx, group) {
			result.Results = append(result.Results, hr)
			if hr.Err != nil {
				failures = multierr.Append(failures, fmt.Errorf("%s: %w", hr.Name, hr.Err))
			}
		}
		if failures != nil && !c.config.ContinueOnError {
			break
		}
	}

	result.Err = wrapFailures(failures)
	return result
}

func wrapFailures(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrHandlerFailed, err)
}

// runPhase runs one phase's handlers concurrently and waits for all of them.
func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup

	for i, r := range group {
		wg.Add(1)
		go func(idx int, r registration) {
			defer wg.Done()

			start := c.clock.Now()
			err := r.handler.OnShutdown(ctx)
			results[idx] = HandlerResult{
				Name:     r.name,
				Phase:    r.phase,
				Duration: c.clock.Since(start),
				Err:      err,
			}

			fields := map[string]interface{}{
				"handler":     r.name,
				"phase":       r.phase,
				"duration_ms": results[idx].Duration.Milliseconds(),
			}
			if err != nil {
				c.logger.OperationFailed("shutdown_"+r.name, err, fields)
				return
			}
			c.logger.Debug("handler_stopped", fields)
		}(i, r)
	}

	wg.Wait()
	return results
}

// groupByPhase splits handlers, already sorted by phase, into phases.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}
