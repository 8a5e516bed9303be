package detect

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ReloadStats tracks rule reload activity.
type ReloadStats struct {
	LastReloadTime time.Time `json:"last_reload_time,omitempty"`
	ReloadCount    int64     `json:"reload_count"`
	LastError      string    `json:"last_error,omitempty"`
}

// Manager serves the active detection rules. It starts from the
// embedded defaults, optionally overlays a YAML file, and can watch
// that file for changes. Reads are lock-free via atomic.Value.
type Manager struct {
	embedded     *Rules
	current      atomic.Value // *Rules
	externalPath string
	watcher      *fsnotify.Watcher
	stopCh       chan struct{}
	wg           sync.WaitGroup

	mu     sync.Mutex // guards reloads and stats
	stats  ReloadStats
	closed bool
}

// NewManager creates a rules manager. With an empty externalPath only
// the embedded rules are used. A bad external file at startup logs a
// warning and falls back to the defaults; it never fails construction.
func NewManager(externalPath string, hotReload bool) *Manager {
	embedded := defaultRules()
	embedded.compile()

	m := &Manager{
		embedded:     embedded,
		externalPath: externalPath,
		stopCh:       make(chan struct{}),
	}
	m.current.Store(embedded)

	if externalPath == "" {
		return m
	}

	if err := m.reload(); err != nil {
		log.Warn().
			Err(err).
			Str("path", externalPath).
			Msg("Failed to load detection rules file, using embedded defaults")
	} else {
		log.Info().Str("path", externalPath).Msg("Loaded detection rules file")
	}

	if hotReload {
		if err := m.startWatcher(); err != nil {
			log.Warn().
				Err(err).
				Str("path", externalPath).
				Msg("Failed to start rules watcher, hot-reload disabled")
		} else {
			log.Info().Str("path", externalPath).Msg("Hot-reload enabled for detection rules")
		}
	}

	return m
}

// Get returns the active rule set. Safe for concurrent use.
func (m *Manager) Get() *Rules {
	return m.current.Load().(*Rules)
}

// Stats returns reload statistics.
func (m *Manager) Stats() ReloadStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Close stops the watcher. Safe to call multiple times.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

// reload reads, validates, and swaps in the external rules. On failure
// the previous rules stay active.
func (m *Manager) reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.externalPath)
	if err != nil {
		m.stats.LastError = err.Error()
		return fmt.Errorf("failed to read rules file: %w", err)
	}

	var external Rules
	if err := yaml.Unmarshal(data, &external); err != nil {
		m.stats.LastError = err.Error()
		return fmt.Errorf("invalid YAML: %w", err)
	}
	if err := external.Validate(); err != nil {
		m.stats.LastError = err.Error()
		return err
	}

	merged := merge(m.embedded, &external)
	merged.compile()
	m.current.Store(merged)

	m.stats.LastReloadTime = time.Now()
	m.stats.ReloadCount++
	m.stats.LastError = ""

	log.Info().Int64("reload_count", m.stats.ReloadCount).Msg("Detection rules reloaded")
	return nil
}

func (m *Manager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(m.externalPath); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch file: %w", err)
	}
	m.watcher = watcher

	m.wg.Add(1)
	go m.watchFile()
	return nil
}

// watchFile debounces rapid write events before reloading.
func (m *Manager) watchFile() {
	defer m.wg.Done()

	const debounceDelay = 100 * time.Millisecond
	var debounceTimer *time.Timer

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			log.Debug().Str("event", event.Op.String()).Str("file", event.Name).Msg("Detection rules file changed")

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, func() {
				if err := m.reload(); err != nil {
					log.Warn().
						Err(err).
						Str("path", m.externalPath).
						Msg("Rules hot-reload failed, keeping previous rules")
				}
			})

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Rules watcher error")

		case <-m.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}
