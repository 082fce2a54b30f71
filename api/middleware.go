package api

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	apperrors "github.com/vinayprograms/echohub/errors"
)

// requireAPIKey rejects requests without the configured operator key.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		provided := r.Header.Get(APIKeyHeader)
		if provided == "" {
			respondError(w, http.StatusUnauthorized, "API key is required", apperrors.ErrCodeUnauthorized.String())
			return
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.apiKey)) != 1 {
			s.logger.Warn("api_key_rejected", map[string]interface{}{"remote": r.RemoteAddr, "path": r.URL.Path})
			respondError(w, http.StatusUnauthorized, "Invalid API key", apperrors.ErrCodeUnauthorized.String())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit rejects clients that exceed their request budget.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	retryAfter := int(math.Ceil(s.limiter.Config().RetryAfter().Seconds()))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientAddr(r)
		if !s.limiter.Allow(client) {
			s.logger.Warn("api_rate_limited", map[string]interface{}{"remote": client, "path": r.URL.Path})
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			respondError(w, http.StatusTooManyRequests, "Rate limit exceeded", apperrors.ErrCodeRateLimited.String())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientAddr is the request's remote host without the port.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// metricsMiddleware records request counts and latency per route template.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		s.metrics.RecordHTTPRequest(r.Method, routeLabel(r), strconv.Itoa(wrapper.statusCode), time.Since(start))
	})
}

// loggingMiddleware logs every request at debug level.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		s.logger.Debug("http_request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapper.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}

// recoverMiddleware turns a handler panic into a 500 response.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := apperrors.RecoverPanic(recover()); p != nil {
				s.logger.OperationFailed("api_panic", p, map[string]interface{}{"path": r.URL.Path})
				respondError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError), p.Code().String())
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// routeLabel keeps metric labels bounded: the route template, never the raw path.
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Flush lets streaming handlers such as the event stream pass through.
func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the WebSocket upgrade take over the connection.
func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	return h.Hijack()
}
