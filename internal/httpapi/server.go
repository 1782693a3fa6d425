package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/beacon-analytics/beacon/go/orchestrator/internal/config"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/models"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/pipeline"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/session"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/streaming"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/workerpool"
)

// Server is the public HTTP surface: query submission, result polling,
// and the SSE/WebSocket streaming endpoints.
type Server struct {
	logger   *zap.Logger
	orch     *pipeline.Orchestrator
	pool     *workerpool.Pool
	streams  *streaming.Manager
	sessions *session.Manager
	tunables func() config.PipelineConfig
	auth     config.AuthConfig

	httpServer *http.Server
}

// NewServer wires the handlers onto a mux and builds the http.Server.
func NewServer(port int, orch *pipeline.Orchestrator, pool *workerpool.Pool, streams *streaming.Manager, sessions *session.Manager, tunables func() config.PipelineConfig, auth config.AuthConfig, logger *zap.Logger) *Server {
	s := &Server{
		logger:   logger,
		orch:     orch,
		pool:     pool,
		streams:  streams,
		sessions: sessions,
		tunables: tunables,
		auth:     auth,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/queries", s.handleSubmit)
	mux.HandleFunc("GET /api/v1/queries/{session_id}/result", s.handleResult)
	mux.HandleFunc("GET /stream/sse", s.handleSSE)
	mux.HandleFunc("GET /stream/ws", s.handleWS)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.authMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler with middleware applied; used by
// tests to serve through httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks serving HTTP until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleSubmit accepts a query, ensures a conversation session, and
// hands the pipeline run to the worker pool. The client follows up on
// the streaming endpoints or the result poll using the returned
// session ID.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req models.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	sess, err := s.sessions.GetOrCreate(r.Context(), req.SessionID, req.UserID, req.WorkspaceID)
	if err != nil {
		s.logger.Error("session lookup failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "session store unavailable"})
		return
	}
	req.SessionID = sess.ID
	if len(req.ConversationHistory) == 0 {
		req.ConversationHistory = sess.RecentHistory(10)
	}

	if err := s.sessions.AppendTurn(r.Context(), sess.ID, models.ConversationTurn{
		Role:      "user",
		Content:   req.Query,
		Timestamp: time.Now(),
	}); err != nil {
		s.logger.Warn("failed to record user turn", zap.Error(err), zap.String("session_id", sess.ID))
	}

	if err := s.pool.Submit(func(ctx context.Context) error {
		answer := s.orch.Run(ctx, req)
		if err := s.sessions.AppendTurn(ctx, req.SessionID, models.ConversationTurn{
			Role:       "assistant",
			Content:    answer.Content,
			TokensUsed: answer.TokensUsed,
			Timestamp:  time.Now(),
		}); err != nil {
			s.logger.Warn("failed to record assistant turn", zap.Error(err), zap.String("session_id", req.SessionID))
		}
		return nil
	}); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "query queue full, retry later"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": sess.ID})
}

// handleResult serves the last synthesized answer for a session, for
// clients that poll instead of streaming.
// GET /api/v1/queries/{session_id}/result
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		http.Error(w, `{"error":"session_id required"}`, http.StatusBadRequest)
		return
	}

	answer, ok := s.streams.LastResult(sessionID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "done",
		"result": answer,
	})
}

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
