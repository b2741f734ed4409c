// Package memstore provides an in-memory snapstore.Store fake for tests.
//
// Content and working copies are plain file maps, which makes the
// byte-identical discard property directly checkable.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/grovekit/grove/internal/snapstore"
)

// Store is an in-memory snapshot store.
type Store struct {
	mu      sync.Mutex
	content map[uint64]map[string][]byte
	work    map[uint64]map[string][]byte

	// CreateErr, when set, is returned by Create. Error injection for
	// service tests.
	CreateErr error

	// PromoteErr, when set, is returned by Promote.
	PromoteErr error
}

var _ snapstore.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		content: make(map[uint64]map[string][]byte),
		work:    make(map[uint64]map[string][]byte),
	}
}

// SeedContent installs a content file map for id, replacing any existing.
func (s *Store) SeedContent(id uint64, files map[string][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content[id] = copyFiles(files)
}

// Content returns a copy of id's content file map.
func (s *Store) Content(id uint64) map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyFiles(s.content[id])
}

// WriteWork mutates one file in id's working copy, simulating what a
// package transaction would do to the mount.
func (s *Store) WriteWork(id uint64, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.work[id]
	if !ok {
		return fmt.Errorf("%w: id %d", snapstore.ErrNoWork, id)
	}
	w[name] = append([]byte(nil), data...)
	return nil
}

// Create duplicates srcID's content.
func (s *Store) Create(ctx context.Context, newID, srcID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return s.CreateErr
	}
	src, ok := s.content[srcID]
	if !ok {
		return fmt.Errorf("%w: id %d", snapstore.ErrNotExist, srcID)
	}
	if _, exists := s.content[newID]; exists {
		return fmt.Errorf("memstore: content for id %d already exists", newID)
	}
	s.content[newID] = copyFiles(src)
	return nil
}

// CreateEmpty creates empty content for id.
func (s *Store) CreateEmpty(ctx context.Context, id uint64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.content[id]; exists {
		return "", fmt.Errorf("memstore: content for id %d already exists", id)
	}
	s.content[id] = map[string][]byte{}
	return s.path("content", id), nil
}

// Delete removes content and any working copy.
func (s *Store) Delete(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.content[id]; !ok {
		return fmt.Errorf("%w: id %d", snapstore.ErrNotExist, id)
	}
	delete(s.content, id)
	delete(s.work, id)
	return nil
}

// Exists reports whether id has content.
func (s *Store) Exists(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.content[id]
	return ok
}

// Size sums content file sizes.
func (s *Store) Size(ctx context.Context, id uint64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	files, ok := s.content[id]
	if !ok {
		return 0, fmt.Errorf("%w: id %d", snapstore.ErrNotExist, id)
	}
	var total int64
	for _, data := range files {
		total += int64(len(data))
	}
	return total, nil
}

// MountRO returns a fake read-only path.
func (s *Store) MountRO(ctx context.Context, id uint64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.content[id]; !ok {
		return "", fmt.Errorf("%w: id %d", snapstore.ErrNotExist, id)
	}
	return s.path("content", id), nil
}

// MountRW creates the working copy and returns its fake path.
func (s *Store) MountRW(ctx context.Context, id uint64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.content[id]
	if !ok {
		return "", fmt.Errorf("%w: id %d", snapstore.ErrNotExist, id)
	}
	if _, exists := s.work[id]; exists {
		return "", fmt.Errorf("%w: id %d", snapstore.ErrWorkExists, id)
	}
	s.work[id] = copyFiles(src)
	return s.path("work", id), nil
}

// Promote replaces content with the working copy.
func (s *Store) Promote(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PromoteErr != nil {
		return s.PromoteErr
	}
	w, ok := s.work[id]
	if !ok {
		return fmt.Errorf("%w: id %d", snapstore.ErrNoWork, id)
	}
	s.content[id] = w
	delete(s.work, id)
	return nil
}

// DiscardWork drops the working copy.
func (s *Store) DiscardWork(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.work[id]; !ok {
		return fmt.Errorf("%w: id %d", snapstore.ErrNoWork, id)
	}
	delete(s.work, id)
	return nil
}

// Unmount is a no-op.
func (s *Store) Unmount(ctx context.Context, id uint64) error {
	return nil
}

// HasWork reports whether id has a working copy.
func (s *Store) HasWork(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.work[id]
	return ok
}

func (s *Store) path(kind string, id uint64) string {
	return fmt.Sprintf("mem://%s/%d", kind, id)
}

func copyFiles(files map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(files))
	for name, data := range files {
		out[name] = append([]byte(nil), data...)
	}
	return out
}
