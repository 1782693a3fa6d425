package streaming

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/beacon-analytics/beacon/go/orchestrator/internal/metrics"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/models"
)

// DefaultIdleTTL is how long a session with no subscribers and no writer
// survives before the janitor collects it.
const DefaultIdleTTL = 30 * time.Minute

// DefaultSubscriberBuffer is the per-subscriber channel depth.
const DefaultSubscriberBuffer = 256

// SessionState tracks one session's position in its lifecycle.
type SessionState int

const (
	StateActive   SessionState = iota // >=1 subscriber
	StateDraining                     // 0 subscribers, pipeline still writing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Subscriber is one observer's delivery handle. The owner must drain Ch
// and call Unsubscribe when done.
type Subscriber struct {
	ClientID string
	Ch       chan Event
}

type session struct {
	id          string
	subscribers map[*Subscriber]struct{}
	writers     int // pipelines currently emitting into this session
	lastEventAt time.Time
	lastResult  *models.SynthesizedAnswer
}

func (s *session) state() SessionState {
	if len(s.subscribers) > 0 {
		return StateActive
	}
	if s.writers > 0 {
		return StateDraining
	}
	return StateClosed
}

// Manager is the session registry: it maps session IDs to subscriber
// sets and fans pipeline events out to them. It is constructed at
// service start and injected into the pipeline and the transport layer.
//
// Delivery is isolated per handle: a subscriber that cannot accept an
// event (full buffer) is implicitly unsubscribed and never blocks
// delivery to the others. The registry lock is held only for set
// mutation and snapshotting, never across a channel send.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	logger   *zap.Logger
	idleTTL  time.Duration
	buffer   int

	stopJanitor chan struct{}
	janitorOnce sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithIdleTTL overrides the idle garbage-collection TTL.
func WithIdleTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.idleTTL = ttl }
}

// WithSubscriberBuffer overrides the per-subscriber channel depth.
func WithSubscriberBuffer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.buffer = n
		}
	}
}

// NewManager creates the session registry.
func NewManager(logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		sessions:    make(map[string]*session),
		logger:      logger,
		idleTTL:     DefaultIdleTTL,
		buffer:      DefaultSubscriberBuffer,
		stopJanitor: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartJanitor launches the periodic sweep of idle sessions. Call once
// at service start; Close stops it.
func (m *Manager) StartJanitor(interval time.Duration) {
	m.janitorOnce.Do(func() {
		go func() {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-m.stopJanitor:
					return
				case <-t.C:
					m.sweep()
				}
			}
		}()
	})
}

// Close stops the janitor and drops all sessions, closing every
// subscriber channel.
func (m *Manager) Close() {
	close(m.stopJanitor)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		for sub := range s.subscribers {
			close(sub.Ch)
		}
		delete(m.sessions, id)
	}
	metrics.StreamSubscribers.Set(0)
}

// Subscribe registers an observer for sessionID, creating the session if
// it does not exist yet. A session outlives any single subscriber.
func (m *Manager) Subscribe(sessionID, clientID string) *Subscriber {
	sub := &Subscriber{ClientID: clientID, Ch: make(chan Event, m.buffer)}
	m.mu.Lock()
	s := m.getOrCreateLocked(sessionID)
	s.subscribers[sub] = struct{}{}
	m.mu.Unlock()
	metrics.StreamSubscribers.Inc()
	m.logger.Debug("subscriber added",
		zap.String("session_id", sessionID),
		zap.String("client_id", clientID),
	)
	return sub
}

// Unsubscribe removes the handle and closes its channel. If it was the
// last subscriber and no pipeline holds a writer reference, the session
// is dropped; with a writer still attached it moves to draining and
// subsequent events are discarded.
func (m *Manager) Unsubscribe(sessionID string, sub *Subscriber) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, ok := s.subscribers[sub]; !ok {
		m.mu.Unlock()
		return
	}
	delete(s.subscribers, sub)
	close(sub.Ch)
	st := s.state()
	if st == StateClosed && s.lastResult == nil {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	metrics.StreamSubscribers.Dec()
	m.logger.Debug("subscriber removed",
		zap.String("session_id", sessionID),
		zap.String("client_id", sub.ClientID),
		zap.String("session_state", st.String()),
	)
}

// AcquireWriter registers a pipeline as a writer of sessionID, creating
// the session on first use. Every Acquire must be paired with a
// ReleaseWriter.
func (m *Manager) AcquireWriter(sessionID string) {
	m.mu.Lock()
	s := m.getOrCreateLocked(sessionID)
	s.writers++
	m.mu.Unlock()
}

// ReleaseWriter drops the pipeline's reference. Sessions that end up
// with no subscribers and no writers linger until the sweep so the
// result poll endpoint can still serve their final answer.
func (m *Manager) ReleaseWriter(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	if s.writers > 0 {
		s.writers--
	}
}

// Publish fans evt out to every current subscriber of sessionID. Events
// published into a session nobody watches are dropped, not queued. A
// handle whose buffer is full is implicitly unsubscribed.
func (m *Manager) Publish(sessionID string, evt Event) {
	if err := evt.Validate(); err != nil {
		m.logger.Warn("dropping malformed event", zap.Error(err))
		return
	}
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		// First event may precede the first subscriber.
		s = m.getOrCreateLocked(sessionID)
	}
	s.lastEventAt = time.Now()
	if evt.Type == EventFinalResult {
		s.lastResult = evt.Answer
	}
	// Deliveries are non-blocking sends, which never suspend, so they may
	// run under the lock. This also keeps Unsubscribe's channel close from
	// racing an in-flight send.
	var failed []*Subscriber
	for sub := range s.subscribers {
		select {
		case sub.Ch <- evt:
		default:
			// Slow consumer: cut it loose rather than block the rest.
			failed = append(failed, sub)
		}
	}
	for _, sub := range failed {
		delete(s.subscribers, sub)
		close(sub.Ch)
	}
	m.mu.Unlock()

	metrics.StreamEventsPublished.WithLabelValues(string(evt.Type)).Inc()
	for _, sub := range failed {
		metrics.StreamDeliveryFailures.Inc()
		metrics.StreamSubscribers.Dec()
		m.logger.Warn("subscriber delivery failed, unsubscribing",
			zap.String("session_id", sessionID),
			zap.String("client_id", sub.ClientID),
		)
	}
}

// LastResult returns the session's final answer, if synthesis has
// completed and the session has not been garbage-collected.
func (m *Manager) LastResult(sessionID string) (*models.SynthesizedAnswer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.lastResult == nil {
		return nil, false
	}
	return s.lastResult, true
}

// State reports the lifecycle state of sessionID.
func (m *Manager) State(sessionID string) SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return StateClosed
	}
	return s.state()
}

// SubscriberCount returns the number of live handles on sessionID.
func (m *Manager) SubscriberCount(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		return len(s.subscribers)
	}
	return 0
}

func (m *Manager) getOrCreateLocked(sessionID string) *session {
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &session{
			id:          sessionID,
			subscribers: make(map[*Subscriber]struct{}),
			lastEventAt: time.Now(),
		}
		m.sessions[sessionID] = s
		metrics.StreamSessionsActive.Set(float64(len(m.sessions)))
	}
	return s
}

// sweep drops sessions that have no subscribers, no writer, and no
// recent activity.
func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.idleTTL)
	m.mu.Lock()
	removed := 0
	for id, s := range m.sessions {
		if len(s.subscribers) == 0 && s.writers == 0 && s.lastEventAt.Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	metrics.StreamSessionsActive.Set(float64(len(m.sessions)))
	m.mu.Unlock()
	if removed > 0 {
		m.logger.Info("swept idle streaming sessions", zap.Int("count", removed))
	}
}
