package streaming

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/beacon-analytics/beacon/go/orchestrator/internal/models"
)

// EventType tags a streaming event. The set is closed; consumers must
// switch exhaustively over it so a new event kind forces a review of
// every handler.
type EventType string

const (
	EventAgentStart    EventType = "agent_start"
	EventAgentProgress EventType = "agent_progress"
	EventAgentComplete EventType = "agent_complete"
	EventAgentError    EventType = "agent_error"
	EventFinalResult   EventType = "final_result"
	EventPing          EventType = "ping"
)

// Event is one lifecycle event of a query's pipeline run. Fields beyond
// SessionID/Type/Timestamp are populated per type:
//
//	agent_start     AgentName
//	agent_progress  AgentName, Progress, Message
//	agent_complete  AgentName
//	agent_error     AgentName, Reason
//	final_result    Answer
//	ping            (none)
//
// Events are ordered by emission time within a session and are never
// replayed to late subscribers.
type Event struct {
	SessionID string                    `json:"session_id"`
	Type      EventType                 `json:"type"`
	AgentName string                    `json:"agent_name,omitempty"`
	Progress  int                       `json:"progress,omitempty"` // 0-100
	Message   string                    `json:"message,omitempty"`
	Reason    string                    `json:"reason,omitempty"`
	Answer    *models.SynthesizedAnswer `json:"answer,omitempty"`
	Timestamp time.Time                 `json:"timestamp"`
}

// Validate rejects events whose tag/payload combination is malformed.
func (e Event) Validate() error {
	switch e.Type {
	case EventAgentStart, EventAgentComplete:
		if e.AgentName == "" {
			return fmt.Errorf("%s event requires agent_name", e.Type)
		}
	case EventAgentProgress:
		if e.AgentName == "" {
			return fmt.Errorf("agent_progress event requires agent_name")
		}
		if e.Progress < 0 || e.Progress > 100 {
			return fmt.Errorf("agent_progress out of range: %d", e.Progress)
		}
	case EventAgentError:
		if e.AgentName == "" || e.Reason == "" {
			return fmt.Errorf("agent_error event requires agent_name and reason")
		}
	case EventFinalResult:
		if e.Answer == nil {
			return fmt.Errorf("final_result event requires answer")
		}
	case EventPing:
		// no payload
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// Marshal returns JSON for event payloads in SSE frames or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// AgentStart builds an agent_start event.
func AgentStart(sessionID, agentName string) Event {
	return Event{SessionID: sessionID, Type: EventAgentStart, AgentName: agentName, Timestamp: time.Now()}
}

// AgentProgress builds an agent_progress event.
func AgentProgress(sessionID, agentName string, progress int, message string) Event {
	return Event{SessionID: sessionID, Type: EventAgentProgress, AgentName: agentName, Progress: progress, Message: message, Timestamp: time.Now()}
}

// AgentComplete builds an agent_complete event.
func AgentComplete(sessionID, agentName string) Event {
	return Event{SessionID: sessionID, Type: EventAgentComplete, AgentName: agentName, Timestamp: time.Now()}
}

// AgentError builds an agent_error event.
func AgentError(sessionID, agentName, reason string) Event {
	return Event{SessionID: sessionID, Type: EventAgentError, AgentName: agentName, Reason: reason, Timestamp: time.Now()}
}

// FinalResult builds the session's terminal final_result event.
func FinalResult(sessionID string, answer *models.SynthesizedAnswer) Event {
	return Event{SessionID: sessionID, Type: EventFinalResult, Answer: answer, Timestamp: time.Now()}
}

// Ping builds a keep-alive event.
func Ping(sessionID string) Event {
	return Event{SessionID: sessionID, Type: EventPing, Timestamp: time.Now()}
}
