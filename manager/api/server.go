// Package api exposes the lifecycle manager's operations over a JSON HTTP
// API. The handlers are thin: request parsing, a single manager call, and an
// error-to-status mapping. All blocking semantics (create waits for Running,
// stop waits for terminal) come from the manager itself.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loradepo/loradb-manager/httputils"
	"github.com/loradepo/loradb-manager/manager/lifecycle"
	"github.com/loradepo/loradb-manager/manager/ports"
	"github.com/loradepo/loradb-manager/manager/registry"
)

// Server wires the admin API handlers to a lifecycle manager.
type Server struct {
	manager *lifecycle.Manager
	logger  *slog.Logger
}

// NewServer creates the API server. Logger is optional.
func NewServer(manager *lifecycle.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		manager: manager,
		logger:  logger.With("component", "AdminAPI"),
	}
}

// Routes returns the handler for the admin API.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/instances", s.handleCreate)
	mux.HandleFunc("GET /api/instances", s.handleList)
	mux.HandleFunc("GET /api/instances/{name}", s.handleStatus)
	mux.HandleFunc("DELETE /api/instances/{name}", s.handleStop)
	mux.HandleFunc("POST /api/instances/{name}/remove", s.handleRemove)
	mux.HandleFunc("GET /api/instances/{name}/token", s.handleToken)
	mux.HandleFunc("GET /api/instances/{name}/logs", s.handleLogs)
	return mux
}

// NewHTTPServer builds an http.Server for the admin API. Create and stop
// block until bring-up or teardown completes, so the write timeout is sized
// to the lifecycle operation budget rather than the ordinary request budget.
func NewHTTPServer(addr string, handler http.Handler, requestTimeout, operationBudget time.Duration) *http.Server {
	if operationBudget < requestTimeout {
		operationBudget = requestTimeout
	}
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       requestTimeout,
		WriteTimeout:      operationBudget,
		IdleTimeout:       2 * requestTimeout,
	}
}

type createRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputils.HandleAPIResponse(w, r, nil, err, http.StatusBadRequest)
			return
		}
	}

	inst, err := s.manager.Create(r.Context(), req.Name)
	if err != nil {
		// The record may still exist in a Failed state; surface the error,
		// the caller can fetch details through the status endpoint.
		httputils.HandleAPIResponse(w, r, nil, err, errorStatus(err))
		return
	}
	httputils.HandleAPIResponse(w, r, inst, nil, http.StatusCreated)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	httputils.HandleAPIResponse(w, r, s.manager.List(), nil, http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	inst, err := s.manager.Get(r.PathValue("name"))
	if err != nil {
		httputils.HandleAPIResponse(w, r, nil, err, errorStatus(err))
		return
	}
	httputils.HandleAPIResponse(w, r, inst, nil, http.StatusOK)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	inst, err := s.manager.Stop(r.Context(), r.PathValue("name"))
	if err != nil {
		httputils.HandleAPIResponse(w, r, nil, err, errorStatus(err))
		return
	}
	httputils.HandleAPIResponse(w, r, inst, nil, http.StatusOK)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.manager.Remove(name); err != nil {
		httputils.HandleAPIResponse(w, r, nil, err, errorStatus(err))
		return
	}
	httputils.HandleAPIResponse(w, r, map[string]string{"removed": name}, nil, http.StatusOK)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.manager.Token(r.PathValue("name"))
	if err != nil {
		httputils.HandleAPIResponse(w, r, nil, err, errorStatus(err))
		return
	}
	httputils.HandleAPIResponse(w, r, token, nil, http.StatusOK)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	count := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httputils.HandleAPIResponse(w, r, nil, errors.New("lines must be a positive integer"), http.StatusBadRequest)
			return
		}
		count = n
	}

	lines, err := s.manager.Tail(r.PathValue("name"), count)
	if err != nil {
		httputils.HandleAPIResponse(w, r, nil, err, errorStatus(err))
		return
	}
	httputils.HandleAPIResponse(w, r, lines, nil, http.StatusOK)
}

// errorStatus maps the manager's sentinel errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, registry.ErrNotTerminal):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, ports.ErrExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
