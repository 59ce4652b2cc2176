package relay

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// persistedState is the backend snapshot: the configured server address and
// the full correlation table. Both outlive a single process run.
type persistedState struct {
	ServerURL string                      `json:"serverUrl,omitempty"`
	Entries   map[string]CorrelationEntry `json:"entries"`
}

type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

// CorrelationStore owns the normalized-key → tracking-identifier table and
// the configured server address. All mutation goes through its mutex; the
// backend is written after every change so a crash loses at most the write
// in flight.
type CorrelationStore struct {
	mu        sync.Mutex
	backend   StateBackend
	serverURL string
	entries   map[string]CorrelationEntry
	logger    Logger
}

func NewCorrelationStore(backend StateBackend, logger Logger) (*CorrelationStore, error) {
	store := &CorrelationStore{
		backend: backend,
		entries: map[string]CorrelationEntry{},
		logger:  logger,
	}
	if backend == nil {
		return store, nil
	}
	snapshot, err := backend.Load()
	if err != nil {
		return nil, err
	}
	if snapshot != nil {
		store.serverURL = strings.TrimSpace(snapshot.ServerURL)
		if snapshot.Entries != nil {
			store.entries = snapshot.Entries
		}
	}
	return store, nil
}

// Put overwrites any existing entry for key. Last write wins; there is never
// more than one entry per key.
func (s *CorrelationStore) Put(key string, entry CorrelationEntry) error {
	key = strings.TrimSpace(key)
	if key == "" || strings.TrimSpace(entry.TrackingID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry
	return s.saveLocked()
}

func (s *CorrelationStore) Get(key string) (CorrelationEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	return entry, ok
}

// Snapshot returns the entries for the given keys; keys with no entry are
// absent from the result.
func (s *CorrelationStore) Snapshot(keys []string) map[string]CorrelationEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]CorrelationEntry, len(keys))
	for _, key := range keys {
		if entry, ok := s.entries[key]; ok {
			out[key] = entry
		}
	}
	return out
}

func (s *CorrelationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// ServerURL returns the configured tracking server base address, falling back
// to DefaultServerURL when unset.
func (s *CorrelationStore) ServerURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serverURL == "" {
		return DefaultServerURL
	}
	return s.serverURL
}

func (s *CorrelationStore) SetServerURL(url string) error {
	url = strings.TrimRight(strings.TrimSpace(url), "/")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverURL = url
	return s.saveLocked()
}

// Close releases the backend if it holds external resources.
func (s *CorrelationStore) Close() error {
	if closer, ok := s.backend.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (s *CorrelationStore) saveLocked() error {
	if s.backend == nil {
		return nil
	}
	snapshot := &persistedState{
		ServerURL: s.serverURL,
		Entries:   make(map[string]CorrelationEntry, len(s.entries)),
	}
	for key, entry := range s.entries {
		snapshot.Entries[key] = entry
	}
	if err := s.backend.Save(snapshot); err != nil {
		if s.logger != nil {
			s.logger.Printf("state backend save failed: %v", err)
		}
		return err
	}
	return nil
}

type JSONFileStateBackend struct {
	path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || b.path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || b.path == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(b.path, data, 0o644)
}

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot *persistedState
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return cloneState(b.snapshot)
}

func (b *InMemoryStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	clone, err := cloneState(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = clone
	return nil
}

func cloneState(state *persistedState) (*persistedState, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var clone persistedState
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
