// Package ownership persists the session-to-user mapping. The file is the
// durable source of truth for who may touch a session; it is reloaded on
// process start and rewritten atomically on every mutation.
package ownership

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/moby/sys/atomicwriter"
)

type Record struct {
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

type Store struct {
	mu     sync.Mutex
	path   string
	owners map[string]Record
}

// Open loads the ownership file at path, creating parent directories as
// needed. A missing file yields an empty store; unreadable content or
// malformed entries are dropped with a warning rather than failing startup.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create ownership dir: %w", err)
	}

	s := &Store{path: path, owners: make(map[string]Record)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read ownership file: %w", err)
	}
	s.load(data)
	return s, nil
}

func (s *Store) load(data []byte) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Printf("WARNING: ownership file %s is not valid JSON, starting empty: %v", s.path, err)
		return
	}

	for id, entry := range raw {
		var rec Record
		if err := json.Unmarshal(entry, &rec); err != nil {
			// Earlier versions stored a bare username string.
			var username string
			if err := json.Unmarshal(entry, &username); err != nil || username == "" {
				log.Printf("WARNING: dropping malformed ownership entry for session %s", id)
				continue
			}
			rec = Record{Username: username}
		}
		if rec.Username == "" {
			log.Printf("WARNING: dropping ownership entry with empty username for session %s", id)
			continue
		}
		s.owners[id] = rec
	}
}

func (s *Store) flush() error {
	data, err := json.MarshalIndent(s.owners, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ownership file: %w", err)
	}
	if err := atomicwriter.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("write ownership file: %w", err)
	}
	return nil
}

// Put records that username owns the session. A flush failure leaves the
// store unchanged and is reported to the caller.
func (s *Store) Put(id, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.owners[id]
	s.owners[id] = Record{Username: username, CreatedAt: time.Now()}
	if err := s.flush(); err != nil {
		if existed {
			s.owners[id] = prev
		} else {
			delete(s.owners, id)
		}
		return err
	}
	return nil
}

// Get returns the owning username for a session.
func (s *Store) Get(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.owners[id]
	return rec.Username, ok
}

// Remove deletes the ownership record. Removing an absent id is a no-op.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.owners[id]
	if !ok {
		return nil
	}
	delete(s.owners, id)
	if err := s.flush(); err != nil {
		s.owners[id] = prev
		return err
	}
	return nil
}

// ListByUser returns the ids of every session the user owns.
func (s *Store) ListByUser(username string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, rec := range s.owners {
		if rec.Username == username {
			ids = append(ids, id)
		}
	}
	return ids
}

// Count returns how many sessions the user owns.
func (s *Store) Count(username string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rec := range s.owners {
		if rec.Username == username {
			n++
		}
	}
	return n
}

// All returns every tracked session id.
func (s *Store) All() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.owners))
	for id := range s.owners {
		ids = append(ids, id)
	}
	return ids
}
