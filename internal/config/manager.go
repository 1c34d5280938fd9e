package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"slotwork/pkg/logx"
)

// Manager loads the config file and watches it for changes. A change is
// committed only after it parses and validates; callbacks then run with
// the new snapshot. Most fields require a restart; callbacks decide what
// they can hot-apply (logging level is the main one).
type Manager struct {
	path string
	log  logx.Logger

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	cbMu sync.Mutex
	cbs  []func(*Config)
}

func NewManager(path string, log logx.Logger) *Manager {
	return &Manager{path: path, log: log.With(logx.String("component", "config"))}
}

// Parse reads and strictly decodes the file without committing it.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, err := coerceToJSONBytes(m.path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// Reject trailing tokens such as concatenated documents.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

// Load parses, validates and commits the file. Used at startup.
func (m *Manager) Load() (*Config, Durations, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, Durations{}, err
	}
	dur, err := cfg.Validate()
	if err != nil {
		return nil, Durations{}, err
	}
	m.commit(cfg)
	return cfg, dur, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// OnChange registers a callback invoked after every committed reload.
// Callbacks run on the watcher goroutine and must not block.
func (m *Manager) OnChange(fn func(*Config)) {
	m.cbMu.Lock()
	m.cbs = append(m.cbs, fn)
	m.cbMu.Unlock()
}

func (m *Manager) commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// reload is the debounced change handler: parse, skip unchanged content,
// validate, commit, notify.
func (m *Manager) reload() {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		return
	}

	if _, err := cfg.Validate(); err != nil {
		m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
		return
	}

	m.commit(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path))

	m.cbMu.Lock()
	cbs := make([]func(*Config), len(m.cbs))
	copy(cbs, m.cbs)
	m.cbMu.Unlock()
	for _, fn := range cbs {
		fn(cfg)
	}
}

// Watch monitors the config file until ctx ends. The watcher self-heals:
// if fsnotify stops delivering events it is recreated with jittered
// backoff. Reloads are debounced so editors doing write-then-rename do
// not trigger parses of partial files.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	const (
		backoffBase = 250 * time.Millisecond
		backoffMax  = 5 * time.Second
	)
	backoff := backoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var timerMu sync.Mutex
	var timer *time.Timer
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, m.reload)
	}

	wait := func() bool {
		d := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < backoffMax {
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			m.log.Warn("config watch init failed", logx.Err(err))
			if !wait() {
				return nil
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			m.log.Warn("config watch add failed", logx.Err(err), logx.String("dir", dir))
			if !wait() {
				return nil
			}
			continue
		}
		backoff = backoffBase

		alive := m.watchOnce(ctx, w, file, debounce)
		_ = w.Close()
		if !alive || ctx.Err() != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.log.Warn("config watcher stopped, restarting", logx.String("dir", dir))
			if !wait() {
				return nil
			}
		}
	}
	return nil
}

// watchOnce consumes one watcher's lifetime. Returns false when the
// watcher broke and needs recreating.
func (m *Manager) watchOnce(ctx context.Context, w *fsnotify.Watcher, file string, debounce func()) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case ev, ok := <-w.Events:
			if !ok {
				return false
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) &&
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return false
			}
			if err == nil {
				continue
			}
			// Overflow means missed events; force one reload and continue.
			low := strings.ToLower(err.Error())
			if strings.Contains(low, "overflow") {
				debounce()
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
			if strings.Contains(low, "closed") {
				return false
			}
		}
	}
}
