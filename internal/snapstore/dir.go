package snapstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// Dir is the portable backend: plain directories, recursive copy instead of
// CoW. Slower than btrfs but correct on any filesystem, and the backend the
// integration tests run against.
type Dir struct {
	root string
}

// NewDir returns a directory-copy store rooted at root.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

func (d *Dir) contentPath(id uint64) string {
	return filepath.Join(d.root, "content", strconv.FormatUint(id, 10))
}

func (d *Dir) workPath(id uint64) string {
	return filepath.Join(d.root, "work", strconv.FormatUint(id, 10))
}

// Create copies srcID's content to newID.
func (d *Dir) Create(ctx context.Context, newID, srcID uint64) error {
	src := d.contentPath(srcID)
	if !dirExists(src) {
		return fmt.Errorf("%w: id %d", ErrNotExist, srcID)
	}
	dst := d.contentPath(newID)
	if dirExists(dst) {
		return fmt.Errorf("snapstore: content for id %d already exists", newID)
	}
	// Copy into a staging path first so a partial copy never looks like
	// finished content.
	staging := dst + ".tmp"
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("snapstore: clear staging: %w", err)
	}
	if err := copyTree(ctx, src, staging); err != nil {
		os.RemoveAll(staging)
		return err
	}
	return os.Rename(staging, dst)
}

// CreateEmpty creates an empty content directory for id.
func (d *Dir) CreateEmpty(ctx context.Context, id uint64) (string, error) {
	path := d.contentPath(id)
	if dirExists(path) {
		return "", fmt.Errorf("snapstore: content for id %d already exists", id)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("snapstore: create %s: %w", path, err)
	}
	return path, nil
}

// Delete removes id's content and working copy.
func (d *Dir) Delete(ctx context.Context, id uint64) error {
	if !dirExists(d.contentPath(id)) {
		return fmt.Errorf("%w: id %d", ErrNotExist, id)
	}
	if err := os.RemoveAll(d.workPath(id)); err != nil {
		return fmt.Errorf("snapstore: delete work %d: %w", id, err)
	}
	if err := os.RemoveAll(d.contentPath(id)); err != nil {
		return fmt.Errorf("snapstore: delete content %d: %w", id, err)
	}
	return nil
}

// Exists reports whether id has content.
func (d *Dir) Exists(id uint64) bool {
	return dirExists(d.contentPath(id))
}

// Size walks id's content and sums file sizes.
func (d *Dir) Size(ctx context.Context, id uint64) (int64, error) {
	path := d.contentPath(id)
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

// MountRO returns the content path.
func (d *Dir) MountRO(ctx context.Context, id uint64) (string, error) {
	path := d.contentPath(id)
	if !dirExists(path) {
		return "", fmt.Errorf("%w: id %d", ErrNotExist, id)
	}
	return path, nil
}

// MountRW copies content into the working area and returns its path.
func (d *Dir) MountRW(ctx context.Context, id uint64) (string, error) {
	src := d.contentPath(id)
	if !dirExists(src) {
		return "", fmt.Errorf("%w: id %d", ErrNotExist, id)
	}
	work := d.workPath(id)
	if dirExists(work) {
		return "", fmt.Errorf("%w: id %d", ErrWorkExists, id)
	}
	staging := work + ".tmp"
	if err := os.RemoveAll(staging); err != nil {
		return "", fmt.Errorf("snapstore: clear staging: %w", err)
	}
	if err := copyTree(ctx, src, staging); err != nil {
		os.RemoveAll(staging)
		return "", err
	}
	if err := os.Rename(staging, work); err != nil {
		return "", fmt.Errorf("snapstore: publish work %d: %w", id, err)
	}
	return work, nil
}

// Promote makes the working copy the permanent content.
func (d *Dir) Promote(ctx context.Context, id uint64) error {
	work := d.workPath(id)
	if !dirExists(work) {
		return fmt.Errorf("%w: id %d", ErrNoWork, id)
	}
	content := d.contentPath(id)
	old := content + ".old"
	if err := os.RemoveAll(old); err != nil {
		return fmt.Errorf("snapstore: clear old content: %w", err)
	}
	if err := os.Rename(content, old); err != nil {
		return fmt.Errorf("snapstore: retire content %d: %w", id, err)
	}
	if err := os.Rename(work, content); err != nil {
		// Put the old content back; the commit did not happen.
		os.Rename(old, content)
		return fmt.Errorf("snapstore: promote work %d: %w", id, err)
	}
	return os.RemoveAll(old)
}

// DiscardWork drops the working copy.
func (d *Dir) DiscardWork(ctx context.Context, id uint64) error {
	work := d.workPath(id)
	if !dirExists(work) {
		return fmt.Errorf("%w: id %d", ErrNoWork, id)
	}
	return os.RemoveAll(work)
}

// Unmount is a no-op: dir paths are plain directories.
func (d *Dir) Unmount(ctx context.Context, id uint64) error {
	return nil
}

// HasWork reports whether id has a working copy.
func (d *Dir) HasWork(id uint64) bool {
	return dirExists(d.workPath(id))
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// copyTree recursively copies src to dst, preserving permissions and
// symlinks.
func copyTree(ctx context.Context, src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			// Devices, sockets, fifos: skipped by the portable backend.
			return nil
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
