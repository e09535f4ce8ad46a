package retryqueue

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bytedance/sonic"
)

const storeFileName = "retry-queue.json"

type storeDocument struct {
	SchemaVersion int     `json:"schema_version"`
	Entries       []Entry `json:"entries"`
}

// fileStore persists queue entries as a single JSON document, rewritten
// atomically on every mutation so a crash mid-write never corrupts the queue.
type fileStore struct {
	path string
	mu   sync.Mutex
}

func newFileStore(dir string) (*fileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}
	return &fileStore{path: filepath.Join(dir, storeFileName)}, nil
}

func (s *fileStore) load() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *fileStore) loadLocked() ([]Entry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read queue file: %w", err)
	}

	var doc storeDocument
	if err := sonic.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode queue file: %w", err)
	}
	if doc.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("queue file has schema version %d, this engine supports up to %d", doc.SchemaVersion, SchemaVersion)
	}

	return doc.Entries, nil
}

// update applies fn to the persisted entry list as a single atomic
// transaction. Enqueue and replay can race; each mutation reloads, mutates
// and rewrites under the lock.
func (s *fileStore) update(fn func(entries []Entry) []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.loadLocked()
	if err != nil {
		return err
	}

	data, err := sonic.Marshal(storeDocument{SchemaVersion: SchemaVersion, Entries: fn(entries)})
	if err != nil {
		return fmt.Errorf("encode queue file: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write queue file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace queue file: %w", err)
	}

	return nil
}
