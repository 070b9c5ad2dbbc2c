package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Manager loads the model table and credentials and keeps the model table
// fresh while the file changes on disk.
type Manager struct {
	modelPath string
	keysPath  string
	logger    *slog.Logger

	mu     sync.RWMutex
	models []ModelEntry
	keys   Keys

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewManager(modelPath, keysPath string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{modelPath: modelPath, keysPath: keysPath, logger: logger}
}

// Load reads both files. Credentials are read once; the model table can be
// reloaded later by the watcher.
func (m *Manager) Load() error {
	models, err := loadModelTable(m.modelPath)
	if err != nil {
		return err
	}
	keys, err := loadKeys(m.keysPath)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.models = models
	m.keys = keys
	m.mu.Unlock()
	return nil
}

// Watch reloads the model table when its file changes. Editors replace files
// via rename, so the parent directory is watched rather than the file itself.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(m.modelPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config dir: %w", err)
	}
	watchCtx, cancel := context.WithCancel(ctx)
	m.watcher = watcher
	m.cancel = cancel

	m.wg.Add(1)
	go m.watchLoop(watchCtx)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	defer m.wg.Done()

	const debounce = 250 * time.Millisecond
	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			models, err := loadModelTable(m.modelPath)
			if err != nil {
				m.logger.Warn("model config reload failed", "path", m.modelPath, "error", err)
				return
			}
			m.mu.Lock()
			m.models = models
			m.mu.Unlock()
			m.logger.Info("model config reloaded", "models", len(models))
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Name != m.modelPath {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("config watcher error", "error", err)
		}
	}
}

// Close stops the watcher, if one was started.
func (m *Manager) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	var err error
	if m.watcher != nil {
		err = m.watcher.Close()
	}
	m.wg.Wait()
	return err
}

// Models returns a copy of the current model table.
func (m *Manager) Models() []ModelEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ModelEntry, len(m.models))
	copy(out, m.models)
	return out
}

// Lookup finds a model table entry by name.
func (m *Manager) Lookup(name string) (ModelEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, entry := range m.models {
		if entry.Name == name {
			return entry, true
		}
	}
	return ModelEntry{}, false
}

func (m *Manager) Keys() Keys {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keys
}
