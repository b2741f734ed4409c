package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/spaolacci/murmur3"
)

// BaseID is the id of the protected base snapshot. It is created once at
// state bootstrap, has no parent, and can never be deleted.
const BaseID uint64 = 0

// Snapshot represents one node in the snapshot forest.
//
// A snapshot is an independently mountable filesystem state. Its position in
// the forest is given by ParentID: nil marks a tree root. Content is mutated
// only inside a transaction; Sealed is false exactly while one is open.
type Snapshot struct {
	// ID is the globally unique snapshot id, allocated from a persisted
	// monotonically increasing counter.
	ID uint64 `json:"id"`

	// ParentID is the parent node id; nil marks a tree root.
	ParentID *uint64 `json:"parent_id,omitempty"`

	// Description is free-text metadata, settable at any time.
	Description string `json:"description,omitempty"`

	// Sealed is false exactly while a transaction holds this node open.
	Sealed bool `json:"sealed"`

	// IsBase is true only for the base snapshot (id 0).
	IsBase bool `json:"is_base,omitempty"`

	// CreatedAt is the creation timestamp (Unix milliseconds).
	CreatedAt int64 `json:"created_at"`

	// UpdatedAt is the last metadata/content change timestamp (Unix milliseconds).
	UpdatedAt int64 `json:"updated_at"`

	// PkgFingerprint is the fingerprint of the installed-package list as of
	// the last seal. Zero until the first committed package transaction.
	PkgFingerprint uint64 `json:"pkg_fingerprint,omitempty"`

	// LastDelta is the package-state delta recorded by the last committed
	// package transaction on this node. Replayed by sync onto descendants.
	LastDelta PackageDelta `json:"last_delta,omitempty"`

	// SyncedFrom is the source fingerprint last replayed onto this node by
	// sync. A node whose SyncedFrom equals its ancestor's PkgFingerprint is
	// skipped, which makes repeated sync runs idempotent.
	SyncedFrom uint64 `json:"synced_from,omitempty"`
}

// PackageDelta describes a package-state change: the sets applied and
// removed by one committed transaction.
type PackageDelta struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// IsZero reports whether the delta carries no change.
func (d PackageDelta) IsZero() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// NewSnapshot creates a sealed snapshot node with the given id and parent.
func NewSnapshot(id uint64, parentID *uint64) *Snapshot {
	now := time.Now().UnixMilli()
	return &Snapshot{
		ID:        id,
		ParentID:  parentID,
		Sealed:    true,
		IsBase:    id == BaseID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsRoot reports whether the snapshot is a tree root.
func (s *Snapshot) IsRoot() bool {
	return s.ParentID == nil
}

// Touch updates the UpdatedAt timestamp.
func (s *Snapshot) Touch() {
	s.UpdatedAt = time.Now().UnixMilli()
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	if s.ParentID != nil {
		pid := *s.ParentID
		c.ParentID = &pid
	}
	c.LastDelta = PackageDelta{
		Added:   append([]string(nil), s.LastDelta.Added...),
		Removed: append([]string(nil), s.LastDelta.Removed...),
	}
	return &c
}

// CreatedAtTime returns CreatedAt as time.Time.
func (s *Snapshot) CreatedAtTime() time.Time {
	return time.UnixMilli(s.CreatedAt)
}

// PackageFingerprint computes the 64-bit fingerprint of an installed-package
// list. The list is sorted first, so the fingerprint is order-independent.
func PackageFingerprint(pkgs []string) uint64 {
	if len(pkgs) == 0 {
		return 0
	}
	sorted := append([]string(nil), pkgs...)
	sort.Strings(sorted)
	return murmur3.Sum64([]byte(strings.Join(sorted, "\n")))
}

// Ptr returns a pointer to the given id. Convenience for ParentID fields.
func Ptr(id uint64) *uint64 {
	return &id
}

// BootPointers holds the persisted deployment pointers.
//
// DefaultID references the snapshot chosen to boot next; PreviousDefaultID
// holds one level of deploy history for rollback. The currently booted
// snapshot is read from the running environment, never stored.
type BootPointers struct {
	DefaultID         *uint64 `json:"default_id,omitempty"`
	PreviousDefaultID *uint64 `json:"previous_default_id,omitempty"`
}

// HasDefault reports whether a default snapshot has been deployed.
func (p BootPointers) HasDefault() bool {
	return p.DefaultID != nil
}

// IsDefault reports whether id is the current default.
func (p BootPointers) IsDefault(id uint64) bool {
	return p.DefaultID != nil && *p.DefaultID == id
}
