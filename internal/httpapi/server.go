// Package httpapi exposes the council over HTTP: invocation, status, audit
// reads, Prometheus metrics, and live event streams.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Yufok1/Djinn-Council-Chat/internal/config"
	"github.com/Yufok1/Djinn-Council-Chat/internal/orchestrator"
)

// invokeTimeout bounds one deliberation end to end. Local models are slow;
// this is a backstop, not a target.
const invokeTimeout = 10 * time.Minute

// InvokeRequest is the POST /api/v1/council payload.
type InvokeRequest struct {
	Query     string `json:"query"`
	Mode      string `json:"mode,omitempty"`
	Isolation string `json:"isolation,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Server routes HTTP traffic to the orchestrator.
type Server struct {
	orch   *orchestrator.Orchestrator
	cfg    config.ServerConfig
	logger *zap.Logger
}

func NewServer(orch *orchestrator.Orchestrator, cfg config.ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{orch: orch, cfg: cfg, logger: logger}
}

// Handler builds the full route table with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	api := http.NewServeMux()
	api.HandleFunc("/api/v1/council", s.handleInvoke)
	api.HandleFunc("/api/v1/status", s.handleStatus)
	api.HandleFunc("/api/v1/sessions/recent", s.handleRecentSessions)
	mux.Handle("/api/", s.withAPIMiddleware(api))

	stream := http.NewServeMux()
	stream.HandleFunc("/stream/ws", s.handleWS)
	stream.HandleFunc("/stream/sse", s.handleSSE)
	mux.Handle("/stream/", s.withAuth(stream))

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), invokeTimeout)
	defer cancel()

	session, err := s.orch.Invoke(ctx, orchestrator.Request{
		Input:     req.Query,
		Mode:      req.Mode,
		Isolation: req.Isolation,
		SessionID: req.SessionID,
	})
	switch {
	case errors.Is(err, orchestrator.ErrRecursionLimit):
		writeJSON(w, http.StatusTooManyRequests, session)
	case errors.Is(err, orchestrator.ErrNoResponses):
		writeJSON(w, http.StatusServiceUnavailable, session)
	case err != nil:
		s.logger.Error("invocation failed", zap.Error(err))
		if session != nil {
			writeJSON(w, http.StatusInternalServerError, session)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusOK, session)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Status())
}

func (s *Server) handleRecentSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	led := s.orch.Ledger()
	if led == nil {
		writeError(w, http.StatusNotFound, "ledger disabled")
		return
	}

	n := 10
	if q := r.URL.Query().Get("limit"); q != "" {
		if v, err := strconv.Atoi(q); err == nil && v > 0 && v <= 100 {
			n = v
		}
	}
	sessions, err := led.Recent(n)
	if err != nil {
		s.logger.Error("ledger read failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "ledger read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.orch.Status()
	status := http.StatusOK
	if st.ActiveWorkers == 0 {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status":         http.StatusText(status),
		"active_workers": st.ActiveWorkers,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are gone; nothing useful left to do.
		_ = err
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
