package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	apperrors "github.com/vinayprograms/echohub/errors"
	"github.com/vinayprograms/echohub/liveness"
	"github.com/vinayprograms/echohub/presence"
)

// Response is the envelope of every /api response.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status      string           `json:"status"`
	Time        string           `json:"time"`
	Connections int              `json:"connections"`
	Hosts       int              `json:"hosts"`
	Liveness    *liveness.Status `json:"liveness,omitempty"`
}

func (s *Server) listServers(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.svc.List(r.Context())
	if err != nil {
		s.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, Response{Success: true, Data: nodes})
}

func (s *Server) getServer(w http.ResponseWriter, r *http.Request) {
	id, ok := nodeID(w, r)
	if !ok {
		return
	}
	node, err := s.svc.Get(r.Context(), id)
	if err != nil {
		s.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, Response{Success: true, Data: node})
}

func (s *Server) createServer(w http.ResponseWriter, r *http.Request) {
	var req presence.CreateParams
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", apperrors.ErrCodeInvalidInput.String())
		return
	}

	node, err := s.svc.Create(r.Context(), req)
	if err != nil {
		s.respondAppError(w, err)
		return
	}
	w.Header().Set("Location", "/api/servers/"+node.ID)
	respondJSON(w, http.StatusCreated, Response{Success: true, Data: node})
}

func (s *Server) deleteServer(w http.ResponseWriter, r *http.Request) {
	id, ok := nodeID(w, r)
	if !ok {
		return
	}
	if err := s.svc.Delete(r.Context(), id); err != nil {
		s.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, Response{Success: true, Message: "Server deleted"})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	connections, hosts := s.svc.Registry().Stats()
	resp := HealthResponse{
		Status:      "ok",
		Time:        s.svc.Now().Format("2006-01-02T15:04:05Z07:00"),
		Connections: connections,
		Hosts:       hosts,
	}
	if s.supervisor != nil {
		st := s.supervisor.Status()
		resp.Liveness = &st
		if !st.Running {
			resp.Status = "degraded"
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// nodeID extracts {id}. Anything that is not a UUID cannot name a node.
func nodeID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["id"]
	if _, err := uuid.Parse(id); err != nil {
		respondError(w, http.StatusNotFound, "node not found", apperrors.ErrCodeNotFound.String())
		return "", false
	}
	return id, true
}

func (s *Server) respondAppError(w http.ResponseWriter, err error) {
	code := apperrors.Code(err)
	status := statusFor(code)

	msg := err.Error()
	if status >= http.StatusInternalServerError {
		// Store details stay in the log.
		s.logger.OperationFailed("api", err, nil)
		msg = http.StatusText(status)
	}
	respondError(w, status, msg, code.String())
}

func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case apperrors.ErrCodeConflict:
		return http.StatusConflict
	case apperrors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case apperrors.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case apperrors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, message, code string) {
	respondJSON(w, status, Response{Success: false, Error: message, Code: code})
}
