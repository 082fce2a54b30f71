package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/vinayprograms/echohub/liveness"
	"github.com/vinayprograms/echohub/logging"
	"github.com/vinayprograms/echohub/metrics"
	"github.com/vinayprograms/echohub/presence"
	"github.com/vinayprograms/echohub/ratelimit"
)

// APIKeyHeader carries the operator key on mutating requests.
const APIKeyHeader = "X-Api-Key"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// StatusReporter is implemented by the liveness supervisor.
type StatusReporter interface {
	Status() liveness.Status
}

// Server routes operator requests to the presence service.
type Server struct {
	svc        *presence.Service
	apiKey     string
	metrics    *metrics.Registry
	logger     *logging.Logger
	supervisor StatusReporter
	limiter    *ratelimit.Limiter
	router     *mux.Router
}

// Option configures a Server.
type Option func(*Server)

// WithAPIKey requires key on mutating routes. Empty leaves them open.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = key }
}

// WithMetrics records request metrics and serves /metrics.
func WithMetrics(m *metrics.Registry) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l.WithComponent("api") }
}

// WithSupervisor reports sweep status on /healthz.
func WithSupervisor(r StatusReporter) Option {
	return func(s *Server) { s.supervisor = r }
}

// WithRateLimiter limits mutating requests per client address.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// New builds the router.
func New(svc *presence.Service, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, errors.New("api: nil presence service")
	}
	s := &Server{
		svc:    svc,
		logger: logging.Nop(),
		router: mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.recoverMiddleware, s.metricsMiddleware, s.loggingMiddleware)

	servers := r.PathPrefix("/api/servers").Subrouter()
	servers.HandleFunc("", s.listServers).Methods(http.MethodGet)
	servers.HandleFunc("/{id}", s.getServer).Methods(http.MethodGet)
	servers.Handle("", s.mutating(s.createServer)).Methods(http.MethodPost)
	servers.Handle("/{id}", s.mutating(s.deleteServer)).Methods(http.MethodDelete)

	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusNotFound, "not found", "")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed", "")
	})
}

// mutating guards a write route with the rate limit and the API key.
func (s *Server) mutating(h http.HandlerFunc) http.Handler {
	return s.rateLimit(s.requireAPIKey(h))
}

// Handle mounts h at path, for the hub endpoints that share the listener.
func (s *Server) Handle(path string, h http.Handler) {
	s.router.Handle(path, h)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
