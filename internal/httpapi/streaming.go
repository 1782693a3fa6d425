package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/beacon-analytics/beacon/go/orchestrator/internal/streaming"
)

// handleSSE streams pipeline events for a session via Server-Sent
// Events. Each connection gets its own subscriber; a slow reader only
// loses its own stream. There is no replay: clients see events
// published after they connect.
// GET /stream/sse?session_id=<id>&client_id=<id>
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, `{"error":"session_id required"}`, http.StatusBadRequest)
		return
	}
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = r.RemoteAddr
	}

	// Optional: type filter (comma-separated)
	typeFilter := map[streaming.EventType]struct{}{}
	if q := r.URL.Query().Get("types"); q != "" {
		for _, t := range strings.Split(q, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				typeFilter[streaming.EventType(t)] = struct{}{}
			}
		}
	}

	// CORS (dev-friendly)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sub := s.streams.Subscribe(sessionID, clientID)
	defer s.streams.Unsubscribe(sessionID, sub)

	fmt.Fprintf(w, ": connected to session %s\n\n", sessionID)
	flusher.Flush()

	ping := time.NewTicker(s.pingInterval())
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("SSE client disconnected",
				zap.String("session_id", sessionID), zap.String("client_id", clientID))
			return
		case evt, open := <-sub.Ch:
			if !open {
				// Buffer overflow eviction or manager shutdown.
				return
			}
			if len(typeFilter) > 0 {
				if _, ok := typeFilter[evt.Type]; !ok {
					continue
				}
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, string(evt.Marshal()))
			flusher.Flush()
			if evt.Type == streaming.EventFinalResult {
				return
			}
		case <-ping.C:
			// Keeps intermediaries from closing idle streams.
			pingEvt := streaming.Ping(sessionID)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", pingEvt.Type, string(pingEvt.Marshal()))
			flusher.Flush()
		}
	}
}

func (s *Server) pingInterval() time.Duration {
	if d := s.tunables().PingInterval(); d > 0 {
		return d
	}
	return 30 * time.Second
}
