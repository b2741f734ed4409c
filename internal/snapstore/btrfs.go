package snapstore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Btrfs shells out to the btrfs command for true copy-on-write snapshots.
// Content subvolumes are created read-only; working copies are read-write
// snapshots of content.
type Btrfs struct {
	root string

	// bin is the btrfs binary. Overridable for tests.
	bin string
}

// NewBtrfs returns a btrfs-backed store rooted at root. The root must live
// on a btrfs filesystem.
func NewBtrfs(root string) *Btrfs {
	return &Btrfs{root: root, bin: "btrfs"}
}

func (b *Btrfs) contentPath(id uint64) string {
	return filepath.Join(b.root, "content", strconv.FormatUint(id, 10))
}

func (b *Btrfs) workPath(id uint64) string {
	return filepath.Join(b.root, "work", strconv.FormatUint(id, 10))
}

// Create takes a read-only snapshot of srcID's content as newID's content.
func (b *Btrfs) Create(ctx context.Context, newID, srcID uint64) error {
	if !dirExists(b.contentPath(srcID)) {
		return fmt.Errorf("%w: id %d", ErrNotExist, srcID)
	}
	if dirExists(b.contentPath(newID)) {
		return fmt.Errorf("snapstore: content for id %d already exists", newID)
	}
	if err := os.MkdirAll(filepath.Dir(b.contentPath(newID)), 0o755); err != nil {
		return fmt.Errorf("snapstore: mkdir: %w", err)
	}
	return b.run(ctx, "subvolume", "snapshot", "-r", b.contentPath(srcID), b.contentPath(newID))
}

// CreateEmpty creates an empty subvolume for id.
func (b *Btrfs) CreateEmpty(ctx context.Context, id uint64) (string, error) {
	path := b.contentPath(id)
	if dirExists(path) {
		return "", fmt.Errorf("snapstore: content for id %d already exists", id)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("snapstore: mkdir: %w", err)
	}
	if err := b.run(ctx, "subvolume", "create", path); err != nil {
		return "", err
	}
	return path, nil
}

// Delete removes id's content and working copy subvolumes.
func (b *Btrfs) Delete(ctx context.Context, id uint64) error {
	if !dirExists(b.contentPath(id)) {
		return fmt.Errorf("%w: id %d", ErrNotExist, id)
	}
	if dirExists(b.workPath(id)) {
		if err := b.deleteSubvolume(ctx, b.workPath(id)); err != nil {
			return err
		}
	}
	return b.deleteSubvolume(ctx, b.contentPath(id))
}

// Exists reports whether id has content.
func (b *Btrfs) Exists(id uint64) bool {
	return dirExists(b.contentPath(id))
}

// Size reports the content size. Without quota groups enabled btrfs has no
// cheap per-subvolume accounting, so this walks the tree like the dir
// backend.
func (b *Btrfs) Size(ctx context.Context, id uint64) (int64, error) {
	path := b.contentPath(id)
	if !dirExists(path) {
		return 0, fmt.Errorf("%w: id %d", ErrNotExist, id)
	}
	var total int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("snapstore: size %d: %w", id, err)
	}
	return total, nil
}

// MountRO returns the read-only content subvolume path.
func (b *Btrfs) MountRO(ctx context.Context, id uint64) (string, error) {
	path := b.contentPath(id)
	if !dirExists(path) {
		return "", fmt.Errorf("%w: id %d", ErrNotExist, id)
	}
	return path, nil
}

// MountRW snapshots content into a read-write working copy.
func (b *Btrfs) MountRW(ctx context.Context, id uint64) (string, error) {
	if !dirExists(b.contentPath(id)) {
		return "", fmt.Errorf("%w: id %d", ErrNotExist, id)
	}
	work := b.workPath(id)
	if dirExists(work) {
		return "", fmt.Errorf("%w: id %d", ErrWorkExists, id)
	}
	if err := os.MkdirAll(filepath.Dir(work), 0o755); err != nil {
		return "", fmt.Errorf("snapstore: mkdir: %w", err)
	}
	if err := b.run(ctx, "subvolume", "snapshot", b.contentPath(id), work); err != nil {
		return "", err
	}
	return work, nil
}

// Promote replaces content with a read-only snapshot of the working copy.
// Subvolume renames are plain renames, so the retire/replace pair never
// exposes a half-written content path.
func (b *Btrfs) Promote(ctx context.Context, id uint64) error {
	work := b.workPath(id)
	if !dirExists(work) {
		return fmt.Errorf("%w: id %d", ErrNoWork, id)
	}
	content := b.contentPath(id)
	old := content + ".old"
	if dirExists(old) {
		if err := b.deleteSubvolume(ctx, old); err != nil {
			return err
		}
	}
	if err := os.Rename(content, old); err != nil {
		return fmt.Errorf("snapstore: retire content %d: %w", id, err)
	}
	if err := b.run(ctx, "subvolume", "snapshot", "-r", work, content); err != nil {
		os.Rename(old, content)
		return err
	}
	if err := b.deleteSubvolume(ctx, work); err != nil {
		return err
	}
	return b.deleteSubvolume(ctx, old)
}

// DiscardWork deletes the working copy subvolume.
func (b *Btrfs) DiscardWork(ctx context.Context, id uint64) error {
	work := b.workPath(id)
	if !dirExists(work) {
		return fmt.Errorf("%w: id %d", ErrNoWork, id)
	}
	return b.deleteSubvolume(ctx, work)
}

// Unmount is a no-op: subvolume paths are always reachable.
func (b *Btrfs) Unmount(ctx context.Context, id uint64) error {
	return nil
}

// HasWork reports whether id has a working copy.
func (b *Btrfs) HasWork(id uint64) bool {
	return dirExists(b.workPath(id))
}

// deleteSubvolume retries transient busy failures: a subvolume can be
// briefly unremovable right after a process that used it exits.
func (b *Btrfs) deleteSubvolume(ctx context.Context, path string) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second

	return backoff.Retry(func() error {
		err := b.run(ctx, "subvolume", "delete", path)
		if err == nil {
			return nil
		}
		if bytes.Contains([]byte(err.Error()), []byte("busy")) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx))
}

func (b *Btrfs) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, b.bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("snapstore: %s %v: %w: %s", b.bin, args, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}
