package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadHandler receives the freshly loaded configuration after a change on
// disk. Handlers run on the watch goroutine; keep them quick.
type ReloadHandler func(cfg *Config)

// Manager watches the config file and hot-reloads it on change. A reload that
// fails validation keeps the previous configuration in place.
type Manager struct {
	path    string
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	logger  *zap.Logger

	mu       sync.RWMutex
	current  *Config
	handlers []ReloadHandler
	started  bool
}

// NewManager loads the configuration at path and prepares the file watcher.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := Load(path, logger)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	return &Manager{
		path:    path,
		watcher: watcher,
		stopCh:  make(chan struct{}),
		logger:  logger,
		current: cfg,
	}, nil
}

// Current returns the active configuration.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnReload registers a handler invoked after each successful reload.
func (m *Manager) OnReload(h ReloadHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Start begins watching. Watching the parent directory, not the file itself,
// survives editors that replace the file via rename.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	if err := m.watcher.Add(filepath.Dir(m.path)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}
	go m.watchLoop()
	m.logger.Info("config hot-reload started", zap.String("path", m.path))
	return nil
}

// Stop ends watching. The last loaded configuration stays available.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false
	close(m.stopCh)
	return m.watcher.Close()
}

func (m *Manager) watchLoop() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("config watch loop panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(m.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	// Editors often fire several events per save; a short pause lets the
	// final write land.
	time.Sleep(50 * time.Millisecond)
	m.Reload()
}

// Reload re-reads the file and notifies handlers. Manual trigger for tests
// and for an operator SIGHUP path.
func (m *Manager) Reload() {
	cfg, err := Load(m.path, m.logger)
	if err != nil {
		m.logger.Warn("config reload failed, keeping previous", zap.Error(err))
		return
	}

	m.mu.Lock()
	m.current = cfg
	handlers := make([]ReloadHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, h := range handlers {
		h(cfg)
	}
	m.logger.Info("configuration reloaded",
		zap.String("path", m.path),
		zap.Int("roles", len(cfg.Roles)),
		zap.String("default_mode", cfg.Consensus.DefaultMode),
	)
}
