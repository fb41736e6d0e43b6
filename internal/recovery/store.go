// Package recovery keeps in-progress uploads alive across restarts.
//
// The recovery plugin records every file an engine tracks, together with its
// content when it is small enough, and restores the files into a new engine
// with the same id. Entries expire after a retention window (24h by
// default). Recovery is an optimization: store failures are logged and
// never break an upload.
package recovery

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Entry is one persisted file.
type Entry struct {
	EngineID  string
	FileID    string
	Name      string
	Type      string
	Size      int64
	State     string
	URL       string
	Data      []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store persists recovery entries.
type Store interface {
	// Save inserts or replaces the entry keyed by (EngineID, FileID).
	Save(ctx context.Context, e Entry) error
	// Load returns the entries of one engine that have not expired at now.
	Load(ctx context.Context, engineID string, now time.Time) ([]Entry, error)
	// Delete removes one entry. Deleting a missing entry is not an error.
	Delete(ctx context.Context, engineID, fileID string) error
	// Purge removes every entry expired at now and reports how many.
	Purge(ctx context.Context, now time.Time) (int64, error)
}

type key struct{ engine, file string }

// MemoryStore is a Store held in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[key]Entry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[key]Entry)}
}

func (s *MemoryStore) Save(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{e.EngineID, e.FileID}
	if prev, ok := s.entries[k]; ok {
		e.CreatedAt = prev.CreatedAt
		if e.Data == nil {
			e.Data = prev.Data
		}
	}
	s.entries[k] = e
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, engineID string, now time.Time) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for k, e := range s.entries {
		if k.engine == engineID && now.Before(e.ExpiresAt) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, engineID, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key{engineID, fileID})
	return nil
}

func (s *MemoryStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.entries {
		if !now.Before(e.ExpiresAt) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
