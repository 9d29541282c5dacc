package config

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 250 * time.Millisecond

// Store holds the live configuration. Sessions read it when they start, so
// a reload applies from the next session on.
type Store struct {
	cur  atomic.Pointer[Config]
	mu   sync.Mutex
	subs []func(old, cur *Config)
}

// NewStore returns a Store holding cfg.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	if cfg == nil {
		cfg = Empty()
	}
	s.cur.Store(cfg)
	return s
}

// Current returns the live configuration. Callers must not modify it.
func (s *Store) Current() *Config { return s.cur.Load() }

// Replace installs cfg and notifies subscribers.
func (s *Store) Replace(cfg *Config) {
	old := s.cur.Swap(cfg)
	s.mu.Lock()
	subs := slices.Clone(s.subs)
	s.mu.Unlock()
	for _, f := range subs {
		f(old, cfg)
	}
}

// Subscribe registers f to run after every Replace.
func (s *Store) Subscribe(f func(old, cur *Config)) {
	s.mu.Lock()
	s.subs = append(s.subs, f)
	s.mu.Unlock()
}

// RestartRequired lists the keys that differ between old and cur and only
// take effect when the process restarts.
func RestartRequired(old, cur *Config) []string {
	var keys []string
	diff := func(key string, a, b any) {
		if a != b {
			keys = append(keys, key)
		}
	}
	diff("listen_address", old.GetListenAddress(), cur.GetListenAddress())
	diff("listen_port", old.GetListenPort(), cur.GetListenPort())
	diff("max_clients", old.GetMaxClients(), cur.GetMaxClients())
	diff("reuse_port", old.GetReusePort(), cur.GetReusePort())
	diff("send_timeout", old.GetSendTimeout(), cur.GetSendTimeout())
	diff("accept_wait", old.GetAcceptWait(), cur.GetAcceptWait())
	diff("restart_delay", old.GetRestartDelay(), cur.GetRestartDelay())
	diff("admin_listen", old.GetAdminListen(), cur.GetAdminListen())
	diff("health_listen", old.GetHealthListen(), cur.GetHealthListen())
	diff("journal_path", old.GetJournalPath(), cur.GetJournalPath())
	diff("log_level", old.GetLogLevel(), cur.GetLogLevel())
	diff("log_format", old.GetLogFormat(), cur.GetLogFormat())
	return keys
}

// Watcher reloads a config file into a Store whenever it changes on disk.
// Files that fail to load or validate are logged and ignored.
type Watcher struct {
	Path     string
	Store    *Store
	Debounce time.Duration
	Logger   zerolog.Logger
	// Overlay, if set, is applied to every reloaded file before it is
	// validated and installed. Command-line overrides use it to survive
	// reloads.
	Overlay func(*Config) error
}

// Run watches until ctx is cancelled. The parent directory is watched so
// that editors which replace the file by rename are followed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer fw.Close()

	path := filepath.Clean(w.Path)
	if err := fw.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			fire = time.After(debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.Logger.Warn().Err(err).Msg("config watcher error")
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.Path)
	if err == nil && w.Overlay != nil {
		if err = w.Overlay(cfg); err == nil {
			err = cfg.Validate()
		}
	}
	if err != nil {
		w.Logger.Error().Err(err).Msg("config reload rejected; keeping previous settings")
		return
	}
	old := w.Store.Current()
	w.Store.Replace(cfg)
	ev := w.Logger.Info().Str("path", w.Path)
	if keys := RestartRequired(old, cfg); len(keys) > 0 {
		ev = ev.Strs("restart_required", keys)
	}
	ev.Msg("config reloaded")
}
