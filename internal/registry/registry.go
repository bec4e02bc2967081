// Package registry tracks the models the page actually offers and shapes
// them into the OpenAI model list. The picker is the source of truth: the
// set is refreshed whenever the page is (re)opened or a profile rotation
// lands, then filtered by the exclusion file and extended with the
// configured injected ids.
package registry

import (
	"bufio"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/config"
)

// ModelInfo is one entry of the /v1/models listing.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// Registry is the process-wide model set.
type Registry struct {
	mu       sync.RWMutex
	observed []string
	excluded map[string]struct{}
	injected []string
	created  int64
}

// New builds the registry from config, loading the exclusion file when one
// is configured.
func New(cfg *config.Config) *Registry {
	r := &Registry{
		excluded: make(map[string]struct{}),
		injected: append([]string(nil), cfg.InjectedModels...),
		created:  time.Now().Unix(),
	}
	if cfg.ExcludedModelsFile != "" {
		if err := r.LoadExclusions(cfg.ExcludedModelsFile); err != nil {
			log.Warnf("registry: exclusion file %s: %v", cfg.ExcludedModelsFile, err)
		}
	}
	return r
}

// LoadExclusions replaces the exclusion set from the file, one model id per
// line, blank lines and #-comments ignored. Reloaded by the file watcher.
func (r *Registry) LoadExclusions(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	excluded := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		excluded[line] = struct{}{}
	}
	if err = scanner.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.excluded = excluded
	r.mu.Unlock()
	log.Infof("registry: %d models excluded", len(excluded))
	return nil
}

// UpdateObserved replaces the page-observed model set.
func (r *Registry) UpdateObserved(ids []string) {
	r.mu.Lock()
	r.observed = append([]string(nil), ids...)
	r.mu.Unlock()
	log.Debugf("registry: page offers %d models", len(ids))
}

// List returns the advertised models, sorted by id.
func (r *Registry) List() []ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var ids []string
	for _, id := range r.observed {
		if _, excluded := r.excluded[id]; excluded {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, id := range r.injected {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	models := make([]ModelInfo, 0, len(ids))
	for _, id := range ids {
		models = append(models, ModelInfo{
			ID:      id,
			Object:  "model",
			Created: r.created,
			OwnedBy: "google",
		})
	}
	return models
}

// Has reports whether id is advertised. Requests for unknown models are
// rejected before they reach the queue.
func (r *Registry) Has(id string) bool {
	for _, model := range r.List() {
		if model.ID == id {
			return true
		}
	}
	return false
}
