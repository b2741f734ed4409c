package snapstore

import (
	"context"
	"errors"
	"fmt"
)

// Store is the copy-on-write backend capability interface.
//
// Mount paths are stable directories; Unmount is idempotent and releasing a
// never-mounted id is not an error. Read-write access is exclusive per id:
// a second MountRW fails with ErrWorkExists until the working copy is
// promoted or discarded.
type Store interface {
	// Create duplicates srcID's content as newID's content.
	Create(ctx context.Context, newID, srcID uint64) error

	// CreateEmpty creates an empty content area for id and returns its
	// path. Used by state bootstrap and archive import.
	CreateEmpty(ctx context.Context, id uint64) (string, error)

	// Delete removes id's content and any working copy.
	Delete(ctx context.Context, id uint64) error

	// Exists reports whether id has content.
	Exists(id uint64) bool

	// Size returns the content size in bytes.
	Size(ctx context.Context, id uint64) (int64, error)

	// MountRO returns a read-only access path for id's content.
	MountRO(ctx context.Context, id uint64) (string, error)

	// MountRW creates the working copy for id and returns its path.
	MountRW(ctx context.Context, id uint64) (string, error)

	// Promote makes the working copy id's permanent content.
	Promote(ctx context.Context, id uint64) error

	// DiscardWork drops the working copy; content is untouched.
	DiscardWork(ctx context.Context, id uint64) error

	// Unmount releases any access path for id. Idempotent.
	Unmount(ctx context.Context, id uint64) error

	// HasWork reports whether id has a working copy. Orphan detection
	// uses this to find sessions left by crashed processes.
	HasWork(id uint64) bool
}

// Store errors.
var (
	// ErrNotExist indicates the id has no content.
	ErrNotExist = errors.New("snapstore: snapshot content does not exist")

	// ErrWorkExists indicates the id already has a working copy.
	ErrWorkExists = errors.New("snapstore: working copy already exists")

	// ErrNoWork indicates the id has no working copy to promote or discard.
	ErrNoWork = errors.New("snapstore: no working copy")
)

// New builds a store for the configured backend.
func New(backend, root string) (Store, error) {
	switch backend {
	case "btrfs":
		return NewBtrfs(root), nil
	case "dir", "":
		return NewDir(root), nil
	default:
		return nil, fmt.Errorf("snapstore: unknown backend %q", backend)
	}
}
