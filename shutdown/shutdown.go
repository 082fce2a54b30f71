package shutdown

import (
	"context"
	"errors"
	"io"
	"time"
)

// Phases used by echohub. Any int works; lower runs first.
const (
	PhaseIngress  = 10
	PhaseWorkers  = 20
	PhaseBackends = 30
)

var (
	// ErrAlreadyShutdown is returned by Shutdown while a shutdown is running.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout means the context expired before every phase ran.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed wraps the combined handler errors.
	ErrHandlerFailed = errors.New("one or more handlers failed")

	ErrInvalidConfig = errors.New("invalid configuration")
)

// Handler is implemented by components that need an orderly stop.
// The context carries the shutdown deadline.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// Func adapts a function to Handler.
type Func func(ctx context.Context) error

// OnShutdown implements Handler.
func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// Closer adapts an io.Closer, such as a node store or bus, to Handler.
func Closer(c io.Closer) Handler {
	return Func(func(context.Context) error { return c.Close() })
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a whole shutdown.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult
	Err           error
}

// Failed reports whether any handler failed or the deadline passed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of the handlers that returned an error.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures a Coordinator.
type Config struct {
	// Timeout bounds ShutdownWithTimeout(0). Default: 30s
	Timeout time.Duration `toml:"timeout" yaml:"timeout"`

	// DefaultPhase is used by Register when phase is 0. Default: 100
	DefaultPhase int `toml:"-" yaml:"-"`

	// ContinueOnError keeps running later phases after a handler fails.
	// Default: true
	ContinueOnError bool `toml:"continue_on_error" yaml:"continue_on_error"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		DefaultPhase:    100,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
