package session

import (
	"errors"
	"time"

	"github.com/beacon-analytics/beacon/go/orchestrator/internal/models"
)

var (
	// ErrSessionNotFound is returned when a session does not exist
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired is returned when a session has expired
	ErrSessionExpired = errors.New("session expired")
)

// Session is one conversation: who is asking, in which workspace, and
// the turns exchanged so far.
type Session struct {
	ID              string                    `json:"id"`
	UserID          string                    `json:"user_id"`
	WorkspaceID     string                    `json:"workspace_id"`
	CreatedAt       time.Time                 `json:"created_at"`
	UpdatedAt       time.Time                 `json:"updated_at"`
	ExpiresAt       time.Time                 `json:"expires_at"`
	History         []models.ConversationTurn `json:"history"`
	TotalTokensUsed int                       `json:"total_tokens_used"`
	Metadata        map[string]interface{}    `json:"metadata,omitempty"`
}

// IsExpired reports whether the session's TTL has elapsed.
func (s *Session) IsExpired() bool {
	return !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}

// RecentHistory returns up to n of the most recent turns.
func (s *Session) RecentHistory(n int) []models.ConversationTurn {
	if n <= 0 || len(s.History) <= n {
		return s.History
	}
	return s.History[len(s.History)-n:]
}
