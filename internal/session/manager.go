package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/beacon-analytics/beacon/go/orchestrator/internal/metrics"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/models"
)

// maxHistoryTurns bounds a conversation's stored history; older turns
// roll off the front.
const maxHistoryTurns = 100

// Manager stores conversation sessions in Redis with a local
// read-through cache.
type Manager struct {
	client      *redis.Client
	logger      *zap.Logger
	ttl         time.Duration
	mu          sync.RWMutex
	localCache  map[string]*Session
	cacheAccess map[string]time.Time
	maxCached   int

	// turnMu serializes AppendTurn's read-modify-write so concurrent
	// appends to one session cannot lose turns.
	turnMu sync.Mutex
}

// NewManager connects to Redis and verifies the connection.
func NewManager(redisAddr, redisPassword string, logger *zap.Logger) (*Manager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     redisPassword,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewManagerWithClient(client, logger), nil
}

// NewManagerWithClient wraps an existing client; used by tests.
func NewManagerWithClient(client *redis.Client, logger *zap.Logger) *Manager {
	return &Manager{
		client:      client,
		logger:      logger,
		ttl:         24 * time.Hour,
		localCache:  make(map[string]*Session),
		cacheAccess: make(map[string]time.Time),
		maxCached:   10000,
	}
}

// GetOrCreate returns the session with the given ID, creating it when
// absent. An empty sessionID always creates a fresh session. A session
// owned by a different user is never reused; the caller gets a new one.
func (m *Manager) GetOrCreate(ctx context.Context, sessionID, userID, workspaceID string) (*Session, error) {
	if sessionID != "" {
		existing, err := m.Get(ctx, sessionID)
		switch {
		case err == nil:
			if existing.UserID != userID {
				m.logger.Warn("session ID reuse across users, issuing new session",
					zap.String("requested_session_id", sessionID),
					zap.String("requesting_user", userID),
				)
				return m.create(ctx, uuid.New().String(), userID, workspaceID)
			}
			return existing, nil
		case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionExpired):
			return m.create(ctx, sessionID, userID, workspaceID)
		default:
			return nil, err
		}
	}
	return m.create(ctx, uuid.New().String(), userID, workspaceID)
}

func (m *Manager) create(ctx context.Context, sessionID, userID, workspaceID string) (*Session, error) {
	now := time.Now()
	s := &Session{
		ID:          sessionID,
		UserID:      userID,
		WorkspaceID: workspaceID,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(m.ttl),
		History:     make([]models.ConversationTurn, 0),
	}
	if err := m.save(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	m.cachePut(s)

	m.logger.Info("created session",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
		zap.String("workspace_id", workspaceID),
	)
	metrics.SessionsCreated.Inc()
	return s, nil
}

// Get retrieves a session by ID, checking the local cache first. The
// returned session is the caller's copy; mutations do not land until
// Update.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	cached, ok := m.localCache[sessionID]
	m.mu.RUnlock()
	if ok {
		metrics.SessionCacheHits.Inc()
		if cached.IsExpired() {
			_ = m.Delete(ctx, sessionID)
			return nil, ErrSessionExpired
		}
		m.mu.Lock()
		m.cacheAccess[sessionID] = time.Now()
		m.mu.Unlock()
		return cloneSession(cached), nil
	}
	metrics.SessionCacheMisses.Inc()

	data, err := m.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if s.IsExpired() {
		_ = m.Delete(ctx, sessionID)
		return nil, ErrSessionExpired
	}

	m.cachePut(&s)
	return cloneSession(&s), nil
}

// AppendTurn adds one conversation turn, bounds the history, folds the
// turn's token count into the session total, and persists. Appends to
// one session are serialized; concurrent callers never clobber each
// other's turns.
func (m *Manager) AppendTurn(ctx context.Context, sessionID string, turn models.ConversationTurn) error {
	m.turnMu.Lock()
	defer m.turnMu.Unlock()

	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	s.History = append(s.History, turn)
	if len(s.History) > maxHistoryTurns {
		s.History = s.History[len(s.History)-maxHistoryTurns:]
	}
	s.TotalTokensUsed += turn.TokensUsed
	return m.Update(ctx, s)
}

// Update persists a modified session and refreshes the cache.
func (m *Manager) Update(ctx context.Context, s *Session) error {
	if s == nil {
		return fmt.Errorf("session is nil")
	}
	s.UpdatedAt = time.Now()
	if err := m.save(ctx, s); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	m.cachePut(s)
	return nil
}

// Delete removes a session from Redis and the local cache.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	if err := m.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	m.mu.Lock()
	delete(m.localCache, sessionID)
	delete(m.cacheAccess, sessionID)
	metrics.SessionCacheSize.Set(float64(len(m.localCache)))
	m.mu.Unlock()
	return nil
}

// Ping reports Redis connectivity; used by the readiness check.
func (m *Manager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (m *Manager) Close() error {
	return m.client.Close()
}

func sessionKey(sessionID string) string {
	return "session:" + sessionID
}

func (m *Manager) save(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		ttl = m.ttl
	}
	return m.client.Set(ctx, sessionKey(s.ID), data, ttl).Err()
}

// cachePut stores its own copy so callers holding the pointer cannot
// mutate the cached struct behind readers.
func (m *Manager) cachePut(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localCache[s.ID] = cloneSession(s)
	m.cacheAccess[s.ID] = time.Now()
	m.evictLocked()
	metrics.SessionCacheSize.Set(float64(len(m.localCache)))
}

// cloneSession deep-copies the mutable parts of a session.
func cloneSession(s *Session) *Session {
	cp := *s
	cp.History = append([]models.ConversationTurn(nil), s.History...)
	if s.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// evictLocked drops the least recently used half of the cache once it
// outgrows maxCached. Caller holds m.mu.
func (m *Manager) evictLocked() {
	if len(m.localCache) <= m.maxCached {
		return
	}
	type entry struct {
		id string
		at time.Time
	}
	entries := make([]entry, 0, len(m.localCache))
	for id := range m.localCache {
		entries = append(entries, entry{id: id, at: m.cacheAccess[id]})
	}
	for i := 0; i < len(entries)-1; i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].at.Before(entries[i].at) {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}
	for i := 0; i < m.maxCached/2 && i < len(entries); i++ {
		delete(m.localCache, entries[i].id)
		delete(m.cacheAccess, entries[i].id)
	}
}
