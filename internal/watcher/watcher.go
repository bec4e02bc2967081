// Package watcher hot-reloads the pieces of runtime state that live on
// disk: the YAML config, the API key file and the tiered auth profile
// directories. Events are debounced and content-hashed so editors that
// write-then-rename or touch files repeatedly trigger a single reload.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const debounceDelay = 300 * time.Millisecond

// Callbacks are invoked after the corresponding file settled. All callbacks
// run on the watcher goroutine; keep them quick.
type Callbacks struct {
	OnConfigChange   func()
	OnKeysChange     func()
	OnProfilesChange func()
}

// Watcher monitors the config file, the key file and the auth directory.
type Watcher struct {
	configPath string
	keyPath    string
	authDir    string
	callbacks  Callbacks

	watcher *fsnotify.Watcher

	mu         sync.Mutex
	lastHashes map[string]string
	timers     map[string]*time.Timer
}

// New builds the watcher. Empty paths are skipped.
func New(configPath, keyPath, authDir string, callbacks Callbacks) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		configPath: configPath,
		keyPath:    keyPath,
		authDir:    authDir,
		callbacks:  callbacks,
		watcher:    fsw,
		lastHashes: make(map[string]string),
		timers:     make(map[string]*time.Timer),
	}, nil
}

// Start registers the watch points and begins processing events.
func (w *Watcher) Start(ctx context.Context) error {
	for _, path := range []string{w.configPath, w.keyPath} {
		if path == "" {
			continue
		}
		// Watch the parent directory so rename-style saves are seen even
		// when the inode changes.
		if err := w.watcher.Add(filepath.Dir(path)); err != nil {
			return err
		}
		w.lastHashes[path] = hashFile(path)
	}

	if w.authDir != "" {
		if err := w.watcher.Add(w.authDir); err != nil {
			log.Warnf("watcher: auth dir %s not watchable: %v", w.authDir, err)
		} else {
			entries, _ := os.ReadDir(w.authDir)
			for _, entry := range entries {
				if entry.IsDir() {
					if err := w.watcher.Add(filepath.Join(w.authDir, entry.Name())); err != nil {
						log.Debugf("watcher: tier dir %s: %v", entry.Name(), err)
					}
				}
			}
		}
	}

	go w.processEvents(ctx)
	log.Debugf("watcher: active on config=%s keys=%s auth=%s", w.configPath, w.keyPath, w.authDir)
	return nil
}

// Stop closes the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("watcher: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}

	switch {
	case w.configPath != "" && event.Name == w.configPath:
		w.debounce(w.configPath, func() {
			if !w.changed(w.configPath) {
				return
			}
			log.Infof("watcher: config file changed, reloading")
			if w.callbacks.OnConfigChange != nil {
				w.callbacks.OnConfigChange()
			}
		})

	case w.keyPath != "" && event.Name == w.keyPath:
		w.debounce(w.keyPath, func() {
			if !w.changed(w.keyPath) {
				return
			}
			log.Infof("watcher: API key file changed, reloading")
			if w.callbacks.OnKeysChange != nil {
				w.callbacks.OnKeysChange()
			}
		})

	case w.authDir != "" && strings.HasPrefix(event.Name, w.authDir):
		// A new tier directory needs its own watch.
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err = w.watcher.Add(event.Name); err != nil {
				log.Debugf("watcher: add %s: %v", event.Name, err)
			}
			return
		}
		if !strings.HasSuffix(event.Name, ".json") {
			return
		}
		w.debounce(w.authDir, func() {
			log.Infof("watcher: auth profiles changed, rescanning")
			if w.callbacks.OnProfilesChange != nil {
				w.callbacks.OnProfilesChange()
			}
		})
	}
}

// debounce coalesces bursts of events on the same key into one callback.
func (w *Watcher) debounce(key string, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[key]; ok {
		timer.Stop()
	}
	w.timers[key] = time.AfterFunc(debounceDelay, fn)
}

// changed re-hashes the file and reports whether the content differs from
// the last observation.
func (w *Watcher) changed(path string) bool {
	sum := hashFile(path)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastHashes[path] == sum && sum != "" {
		return false
	}
	w.lastHashes[path] = sum
	return true
}

func hashFile(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
