package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/beacon-analytics/beacon/go/orchestrator/internal/models"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	m := NewManagerWithClient(client, zap.NewNop())
	t.Cleanup(func() { m.Close() })
	return m
}

func TestGetOrCreateNewSession(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s, err := m.GetOrCreate(ctx, "", "user-1", "ws-1")
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "user-1", s.UserID)
	assert.Equal(t, "ws-1", s.WorkspaceID)
	assert.Empty(t, s.History)
}

func TestGetOrCreateExistingSession(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	created, err := m.GetOrCreate(ctx, "sess-1", "user-1", "ws-1")
	require.NoError(t, err)
	require.Equal(t, "sess-1", created.ID)

	got, err := m.GetOrCreate(ctx, "sess-1", "user-1", "ws-1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, created.CreatedAt.Unix(), got.CreatedAt.Unix())
}

func TestGetOrCreateRejectsCrossUserReuse(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, "sess-1", "user-1", "ws-1")
	require.NoError(t, err)

	// A different user presenting the same session ID gets a fresh one.
	other, err := m.GetOrCreate(ctx, "sess-1", "user-2", "ws-1")
	require.NoError(t, err)
	assert.NotEqual(t, "sess-1", other.ID)
	assert.Equal(t, "user-2", other.UserID)
}

func TestAppendTurnBoundsHistoryAndSumsTokens(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s, err := m.GetOrCreate(ctx, "sess-1", "user-1", "ws-1")
	require.NoError(t, err)

	for i := 0; i < maxHistoryTurns+10; i++ {
		require.NoError(t, m.AppendTurn(ctx, s.ID, models.ConversationTurn{
			Role:       "user",
			Content:    "turn",
			TokensUsed: 2,
			Timestamp:  time.Now(),
		}))
	}

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, got.History, maxHistoryTurns)
	assert.Equal(t, (maxHistoryTurns+10)*2, got.TotalTokensUsed,
		"token totals survive even when old turns roll off")
}

func TestAppendTurnConcurrent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, "sess-1", "user-1", "ws-1")
	require.NoError(t, err)

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.AppendTurn(ctx, "sess-1", models.ConversationTurn{
				Role: "user", Content: "q", TokensUsed: 5, Timestamp: time.Now(),
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := m.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, got.History, writers, "no appended turn may be lost")
	assert.Equal(t, writers*5, got.TotalTokensUsed)
}

func TestGetReturnsIsolatedCopy(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, "sess-1", "user-1", "ws-1")
	require.NoError(t, err)
	require.NoError(t, m.AppendTurn(ctx, "sess-1", models.ConversationTurn{Role: "user", Content: "original"}))

	first, err := m.Get(ctx, "sess-1")
	require.NoError(t, err)
	first.History[0].Content = "tampered"
	first.TotalTokensUsed = 999

	second, err := m.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "original", second.History[0].Content, "caller mutations must not leak into the store")
	assert.Zero(t, second.TotalTokensUsed)
}

func TestGetSurvivesLocalCacheMiss(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s, err := m.GetOrCreate(ctx, "sess-1", "user-1", "ws-1")
	require.NoError(t, err)
	require.NoError(t, m.AppendTurn(ctx, s.ID, models.ConversationTurn{Role: "user", Content: "hello"}))

	// Drop the local cache to force the Redis read path.
	m.mu.Lock()
	m.localCache = make(map[string]*Session)
	m.cacheAccess = make(map[string]time.Time)
	m.mu.Unlock()

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, got.History, 1)
	assert.Equal(t, "hello", got.History[0].Content)
}

func TestGetUnknownSession(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDeleteSession(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s, err := m.GetOrCreate(ctx, "sess-1", "user-1", "ws-1")
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, s.ID))

	_, err = m.Get(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRecentHistory(t *testing.T) {
	s := &Session{History: []models.ConversationTurn{
		{Content: "1"}, {Content: "2"}, {Content: "3"},
	}}
	assert.Len(t, s.RecentHistory(2), 2)
	assert.Equal(t, "2", s.RecentHistory(2)[0].Content)
	assert.Len(t, s.RecentHistory(0), 3)
	assert.Len(t, s.RecentHistory(10), 3)
}
