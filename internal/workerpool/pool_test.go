package workerpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSubmitAndRun(t *testing.T) {
	p := New(2, 8, zap.NewNop())
	defer p.Shutdown()

	var mu sync.Mutex
	ran := 0
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func(ctx context.Context) error {
			defer wg.Done()
			mu.Lock()
			ran++
			mu.Unlock()
			return nil
		}))
	}
	wg.Wait()
	assert.Equal(t, 5, ran)
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	p := New(1, 8, zap.NewNop())
	defer p.Shutdown()

	done := make(chan struct{})
	require.NoError(t, p.Submit(func(ctx context.Context) error {
		panic("bad query")
	}))
	// The single worker must survive the panic and run the next job.
	require.NoError(t, p.Submit(func(ctx context.Context) error {
		close(done)
		return nil
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}
}

func TestJobErrorsGoToSupervisor(t *testing.T) {
	p := New(1, 8, zap.NewNop())
	defer p.Shutdown()

	done := make(chan struct{})
	require.NoError(t, p.Submit(func(ctx context.Context) error {
		defer close(done)
		return errors.New("pipeline degraded")
	}))
	<-done
}

func TestQueueFull(t *testing.T) {
	p := New(1, 1, zap.NewNop())
	defer p.Shutdown()

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}))
	<-started // worker is busy; next job occupies the queue
	require.NoError(t, p.Submit(func(ctx context.Context) error { return nil }))

	err := p.Submit(func(ctx context.Context) error { return nil })
	assert.ErrorContains(t, err, "queue full")
	close(block)
}

func TestSubmitAfterShutdown(t *testing.T) {
	p := New(1, 1, zap.NewNop())
	p.Shutdown()
	err := p.Submit(func(ctx context.Context) error { return nil })
	assert.ErrorContains(t, err, "shutting down")
}

func TestSubmitRacingShutdown(t *testing.T) {
	p := New(2, 16, zap.NewNop())

	// Hammer Submit from many goroutines while Shutdown closes the
	// queue; every call must return an error or enqueue, never panic.
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = p.Submit(func(ctx context.Context) error { return nil })
			}
		}()
	}
	time.Sleep(time.Millisecond)
	p.Shutdown()
	wg.Wait()

	err := p.Submit(func(ctx context.Context) error { return nil })
	assert.ErrorContains(t, err, "shutting down")
}
