// Package watcher provides filesystem monitoring for the gateway's hot-reload
// surface: the YAML config file and the per-account credentials directory.
// An fsnotify event loop narrowed from a multi-provider client cache
// invalidator down to two callbacks: a config reload and a single-account
// credential invalidation.
package watcher

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/kiro-gateway/kirogate/internal/config"
)

const debounceWindow = 250 * time.Millisecond

// Watcher watches the config file and credentials directory for changes and
// invokes the configured callbacks after a short debounce window, collapsing
// the burst of events a single atomic file write or editor save can produce.
type Watcher struct {
	configPath string
	authDir    string

	onConfigChange     func(*config.Config)
	onCredentialChange func(accountID string)

	fsw *fsnotify.Watcher

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New builds a Watcher. onConfigChange is invoked with the freshly reloaded
// config after the config file settles; onCredentialChange is invoked with
// the account ID derived from the changed file's basename after a
// credentials file under authDir settles. Either callback may be nil.
func New(configPath, authDir string, onConfigChange func(*config.Config), onCredentialChange func(accountID string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		configPath:         configPath,
		authDir:            authDir,
		onConfigChange:     onConfigChange,
		onCredentialChange: onCredentialChange,
		fsw:                fsw,
		timers:             make(map[string]*time.Timer),
	}, nil
}

// Start watches the config file's parent directory and the credentials
// directory, then processes events until ctx is cancelled. Watching the
// parent directory (rather than the file directly) survives editors and
// atomic-replace writers that rename a temp file over the target.
func (w *Watcher) Start(ctx context.Context) error {
	if w.configPath != "" {
		dir := filepath.Dir(w.configPath)
		if err := w.fsw.Add(dir); err != nil {
			return err
		}
		log.WithField("dir", dir).Debug("watcher: watching config directory")
	}
	if w.authDir != "" {
		if err := w.fsw.Add(w.authDir); err != nil {
			return err
		}
		log.WithField("dir", w.authDir).Debug("watcher: watching credentials directory")
	}

	go w.loop(ctx)
	return nil
}

// Stop closes the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	return w.fsw.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("watcher: fsnotify error")
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	switch {
	case ev.Name == w.configPath:
		w.debounce(ev.Name, w.reloadConfig)
	case filepath.Dir(ev.Name) == filepath.Clean(w.authDir) && strings.HasSuffix(ev.Name, ".json"):
		accountID := strings.TrimSuffix(filepath.Base(ev.Name), ".json")
		w.debounce(ev.Name, func() { w.reloadCredential(accountID) })
	}
}

// debounce collapses repeated events for the same path into a single
// callback invocation, fired debounceWindow after the most recent event.
func (w *Watcher) debounce(key string, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[key]; ok {
		t.Stop()
	}
	w.timers[key] = time.AfterFunc(debounceWindow, fn)
}

func (w *Watcher) reloadConfig() {
	if w.onConfigChange == nil {
		return
	}
	cfg, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.WithError(err).Warn("watcher: config reload failed, keeping previous config")
		return
	}
	log.Info("watcher: config file changed, reloaded")
	w.onConfigChange(cfg)
}

func (w *Watcher) reloadCredential(accountID string) {
	if w.onCredentialChange == nil {
		return
	}
	log.WithField("account", accountID).Info("watcher: credentials file changed")
	w.onCredentialChange(accountID)
}
