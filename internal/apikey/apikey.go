// Package apikey implements the API key store backing request
// authentication. Keys live in a plain text file (one key per line,
// '#' comments and blank lines ignored); an empty or missing file leaves the
// server open, which is the debug default.
package apikey

import (
	"bufio"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"
)

// MinKeyLength is the minimum accepted key length in bytes.
const MinKeyLength = 8

// Store holds the active key set. Reload swaps the whole set atomically so
// the auth middleware never observes a partial update.
type Store struct {
	path string

	mu   sync.RWMutex
	keys map[string]struct{}
}

// NewStore creates a store bound to path and performs the initial load.
// A missing file is not an error; it yields an empty set.
func NewStore(path string) *Store {
	s := &Store{path: path, keys: make(map[string]struct{})}
	if err := s.Reload(); err != nil {
		log.Warnf("api key store: initial load failed: %v", err)
	}
	return s
}

// Reload re-reads the key file and replaces the active set.
func (s *Store) Reload() error {
	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.keys = make(map[string]struct{})
			s.mu.Unlock()
			return nil
		}
		return err
	}
	defer func() { _ = file.Close() }()

	keys := make(map[string]struct{})
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if len(line) < MinKeyLength {
			log.Warnf("api key store: ignoring key shorter than %d characters", MinKeyLength)
			continue
		}
		if !utf8.ValidString(line) {
			log.Warn("api key store: ignoring non-UTF-8 key")
			continue
		}
		keys[line] = struct{}{}
	}
	if err = scanner.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
	log.Debugf("api key store: loaded %d keys", len(keys))
	return nil
}

// Empty reports whether no keys are configured. With an empty store all
// endpoints are open.
func (s *Store) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys) == 0
}

// Valid reports whether key is in the active set.
func (s *Store) Valid(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[key]
	return ok
}

// Count returns the number of loaded keys.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Path returns the backing file path, used by the file watcher.
func (s *Store) Path() string {
	return s.path
}
