// Package docstore is the document Entity Store backend: six collections held
// in memory and persisted to one JSON file guarded by a cross-process file lock.
// Steps live inside their case document and every query fans out over a
// collection.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"redstone/internal/domain"
	"redstone/internal/store"
)

const formatVersion = "1"

// lockTimeout bounds how long a transaction waits for another process.
const lockTimeout = 3 * time.Second

type entry[T any] struct {
	Seq int64 `json:"seq"`
	Doc T     `json:"doc"`
}

type collections struct {
	Version     string                              `json:"version"`
	Seq         int64                               `json:"seq"`
	Projects    map[string]entry[domain.Project]    `json:"projects"`
	Epics       map[string]entry[domain.Epic]       `json:"epics"`
	Features    map[string]entry[domain.Feature]    `json:"features"`
	Definitions map[string]entry[domain.Definition] `json:"test_case_definitions"`
	Runs        map[string]entry[domain.Run]        `json:"test_runs"`
	Cases       map[string]entry[domain.Case]       `json:"test_cases"`
	Events      []domain.Event                      `json:"events"`
}

func emptyCollections() *collections {
	return &collections{
		Version:     formatVersion,
		Projects:    map[string]entry[domain.Project]{},
		Epics:       map[string]entry[domain.Epic]{},
		Features:    map[string]entry[domain.Feature]{},
		Definitions: map[string]entry[domain.Definition]{},
		Runs:        map[string]entry[domain.Run]{},
		Cases:       map[string]entry[domain.Case]{},
	}
}

// clone copies the collection maps. Documents are values and are replaced,
// never mutated, so sharing them between snapshots is safe.
func (c *collections) clone() *collections {
	return &collections{
		Version:     c.Version,
		Seq:         c.Seq,
		Projects:    maps.Clone(c.Projects),
		Epics:       maps.Clone(c.Epics),
		Features:    maps.Clone(c.Features),
		Definitions: maps.Clone(c.Definitions),
		Runs:        maps.Clone(c.Runs),
		Cases:       maps.Clone(c.Cases),
		Events:      slices.Clip(c.Events),
	}
}

func (c *collections) fill() {
	if c.Version == "" {
		c.Version = formatVersion
	}
	if c.Projects == nil {
		c.Projects = map[string]entry[domain.Project]{}
	}
	if c.Epics == nil {
		c.Epics = map[string]entry[domain.Epic]{}
	}
	if c.Features == nil {
		c.Features = map[string]entry[domain.Feature]{}
	}
	if c.Definitions == nil {
		c.Definitions = map[string]entry[domain.Definition]{}
	}
	if c.Runs == nil {
		c.Runs = map[string]entry[domain.Run]{}
	}
	if c.Cases == nil {
		c.Cases = map[string]entry[domain.Case]{}
	}
}

// Store implements store.Store. Writers are serialized; readers work on an
// immutable snapshot and never block a writer.
type Store struct {
	path     string
	fileLock *flock.Flock
	mu       sync.Mutex
	data     *collections
	modTime  time.Time
	size     int64
	newID    func() string
}

var _ store.Store = (*Store)(nil)

// Open returns a store persisted at path, loading existing contents. An empty
// path keeps everything in memory.
func Open(path string) (*Store, error) {
	s := &Store{path: path, data: emptyCollections(), newID: newID}
	if path == "" {
		return s, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	s.fileLock = flock.New(path + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	unlock, err := s.lock(ctx, false)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := s.refresh(); err != nil {
		return nil, err
	}
	return s, nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := s.lock(ctx, true)
	if err != nil {
		return err
	}
	defer unlock()
	if err := s.refresh(); err != nil {
		return err
	}
	work := s.data.clone()
	if err := fn(&txn{data: work, newID: s.newID}); err != nil {
		return err
	}
	if err := s.persist(work); err != nil {
		return err
	}
	s.data = work
	return nil
}

func (s *Store) View(ctx context.Context, fn func(store.Reader) error) error {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return err
	}
	return fn(&txn{data: snap})
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) snapshot(ctx context.Context) (*collections, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := s.lock(ctx, false)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := s.refresh(); err != nil {
		return nil, err
	}
	return s.data, nil
}

func (s *Store) lock(ctx context.Context, exclusive bool) (func(), error) {
	if s.fileLock == nil {
		return func() {}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	var (
		locked bool
		err    error
	)
	if exclusive {
		locked, err = s.fileLock.TryLockContext(ctx, 100*time.Millisecond)
	} else {
		locked, err = s.fileLock.TryRLockContext(ctx, 100*time.Millisecond)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return nil, errors.New("could not acquire file lock")
	}
	return func() { _ = s.fileLock.Unlock() }, nil
}

// refresh reloads the file when another process changed it. The caller holds
// both locks.
func (s *Store) refresh() error {
	if s.path == "" {
		return nil
	}
	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.ModTime().Equal(s.modTime) && info.Size() == s.size {
		return nil
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	data := emptyCollections()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, data); err != nil {
			return fmt.Errorf("failed to parse JSON: %w", err)
		}
		data.fill()
	}
	s.data = data
	s.modTime = info.ModTime()
	s.size = info.Size()
	return nil
}

func (s *Store) persist(data *collections) error {
	if s.path == "" {
		return nil
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	tmpFile := s.path + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpFile, s.path); err != nil {
		_ = os.Remove(tmpFile)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return err
	}
	s.modTime = info.ModTime()
	s.size = info.Size()
	return nil
}
