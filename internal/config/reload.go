package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

var ErrReloadInProgress = errors.New("reload already in progress")

// ReloadableConfig watches a config file and swaps in new versions that
// differ only in settings that can change while sessions are running.
type ReloadableConfig struct {
	path      string
	current   atomic.Pointer[Config]
	mu        sync.RWMutex
	watchers  []func(old, new *Config)
	watcher   *fsnotify.Watcher
	log       zerolog.Logger
	stopCh    chan struct{}
	closeOnce sync.Once
	reloading atomic.Bool
}

// NewReloadable loads path and starts watching its directory, so editors
// that replace the file by rename are noticed too.
func NewReloadable(path string, log zerolog.Logger) (*ReloadableConfig, error) {
	r, err := newReloadable(path, log)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config file: %w", err)
	}

	r.watcher = watcher
	go r.watchLoop()

	return r, nil
}

func newReloadable(path string, log zerolog.Logger) (*ReloadableConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("initial config load: %w", err)
	}
	r := &ReloadableConfig{
		path:   filepath.Clean(path),
		log:    log,
		stopCh: make(chan struct{}),
	}
	r.current.Store(cfg)
	return r, nil
}

func (r *ReloadableConfig) Get() *Config {
	return r.current.Load()
}

// Watch registers fn to run after every accepted reload.
func (r *ReloadableConfig) Watch(fn func(old, new *Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, fn)
}

// Reload loads the file again. A file that fails to load or changes a
// restart-only setting leaves the current config in place.
func (r *ReloadableConfig) Reload() error {
	if !r.reloading.CompareAndSwap(false, true) {
		return ErrReloadInProgress
	}
	defer r.reloading.Store(false)

	newCfg, err := Load(r.path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	oldCfg := r.Get()
	if err := validateTransition(oldCfg, newCfg); err != nil {
		return fmt.Errorf("validate transition: %w", err)
	}

	r.current.Store(newCfg)

	r.mu.RLock()
	watchers := make([]func(old, new *Config), len(r.watchers))
	copy(watchers, r.watchers)
	r.mu.RUnlock()

	for _, fn := range watchers {
		fn(oldCfg, newCfg)
	}
	return nil
}

// validateTransition rejects changes to the sockets, the protocol tables
// and the relay limits, which are fixed for the lifetime of the process.
func validateTransition(old, new *Config) error {
	if old.Upstream != new.Upstream {
		return fmt.Errorf("upstream change requires restart")
	}
	if old.Listen.RuntimeDir != new.Listen.RuntimeDir ||
		old.Listen.Name != new.Listen.Name ||
		old.Listen.Prefix != new.Listen.Prefix {
		return fmt.Errorf("listen socket change requires restart")
	}
	if old.Relay != new.Relay {
		return fmt.Errorf("relay settings change requires restart")
	}
	if !reflect.DeepEqual(old.Protocol, new.Protocol) {
		return fmt.Errorf("protocol tables change requires restart")
	}
	if old.Capture != new.Capture {
		return fmt.Errorf("capture change requires restart")
	}
	if old.Metrics != new.Metrics {
		return fmt.Errorf("metrics endpoint change requires restart")
	}
	return nil
}

func (r *ReloadableConfig) watchLoop() {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := r.Reload(); err != nil {
				r.log.Warn().Err(err).Str("path", r.path).Msg("config reload rejected")
				continue
			}
			r.log.Info().Str("path", r.path).Msg("config reloaded")
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn().Err(err).Msg("config watcher error")
		case <-r.stopCh:
			return
		}
	}
}

// Close stops the file watcher.
func (r *ReloadableConfig) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stopCh)
		if r.watcher != nil {
			err = r.watcher.Close()
		}
	})
	return err
}
