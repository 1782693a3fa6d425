package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Manager holds the live configuration snapshot and hot-reloads the
// pipeline tunables when features.yaml changes on disk. Structural
// settings (ports, connection endpoints) are only read at startup.
type Manager struct {
	mu       sync.RWMutex
	current  *Config
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	onReload []func(PipelineConfig)
	stopped  chan struct{}
}

// NewManager loads the initial configuration and returns the manager.
func NewManager(logger *zap.Logger) (*Manager, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	return &Manager{
		current: cfg,
		logger:  logger,
		stopped: make(chan struct{}),
	}, nil
}

// Get returns the current configuration snapshot.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Pipeline returns the current pipeline tunables.
func (m *Manager) Pipeline() PipelineConfig {
	return m.Get().Pipeline
}

// OnPipelineReload registers a callback invoked after each successful
// reload with the new pipeline tunables. Register before Watch.
func (m *Manager) OnPipelineReload(fn func(PipelineConfig)) {
	m.onReload = append(m.onReload, fn)
}

// Watch starts watching the config file for changes. No-op if the file
// does not exist.
func (m *Manager) Watch() error {
	path := Path()
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(path); err != nil {
		// Missing file: run on defaults without hot-reload.
		m.logger.Info("config file not watchable, hot-reload disabled",
			zap.String("path", path), zap.Error(err))
		_ = w.Close()
		return nil
	}
	m.watcher = w

	go func() {
		// Editors often emit bursts of events; debounce.
		var pending <-chan time.Time
		for {
			select {
			case <-m.stopped:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					pending = time.After(250 * time.Millisecond)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				m.logger.Warn("config watcher error", zap.Error(err))
			case <-pending:
				pending = nil
				m.reload()
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (m *Manager) Close() {
	close(m.stopped)
	if m.watcher != nil {
		_ = m.watcher.Close()
	}
}

func (m *Manager) reload() {
	cfg, err := Load()
	if err != nil {
		m.logger.Warn("config reload failed, keeping previous", zap.Error(err))
		return
	}
	m.mu.Lock()
	m.current = cfg
	m.mu.Unlock()
	m.logger.Info("configuration reloaded",
		zap.Int("source_timeout_seconds", cfg.Pipeline.SourceTimeoutSeconds),
		zap.Int("max_parallel_sources", cfg.Pipeline.MaxParallelSources),
	)
	for _, fn := range m.onReload {
		fn(cfg.Pipeline)
	}
}
