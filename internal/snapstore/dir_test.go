package snapstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestDir(t *testing.T) *Dir {
	t.Helper()
	d := NewDir(t.TempDir())
	if _, err := d.CreateEmpty(context.Background(), 0); err != nil {
		t.Fatalf("CreateEmpty failed: %v", err)
	}
	writeFile(t, d.contentPath(0), "etc/os-release", "NAME=grove\n")
	writeFile(t, d.contentPath(0), "usr/bin/true", "#!/bin/sh\n")
	return d
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, rel))
	if err != nil {
		t.Fatalf("read %s failed: %v", rel, err)
	}
	return string(data)
}

// TestDir_Create tests CoW duplication.
func TestDir_Create(t *testing.T) {
	d := newTestDir(t)
	ctx := context.Background()

	if err := d.Create(ctx, 1, 0); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	t.Run("content copied", func(t *testing.T) {
		if got := readFile(t, d.contentPath(1), "etc/os-release"); got != "NAME=grove\n" {
			t.Errorf("copied content = %q", got)
		}
	})

	t.Run("copies are independent", func(t *testing.T) {
		writeFile(t, d.contentPath(1), "etc/os-release", "NAME=changed\n")
		if got := readFile(t, d.contentPath(0), "etc/os-release"); got != "NAME=grove\n" {
			t.Error("mutating the copy must not affect the source")
		}
	})

	t.Run("missing source", func(t *testing.T) {
		if err := d.Create(ctx, 2, 77); !errors.Is(err, ErrNotExist) {
			t.Errorf("err = %v, want ErrNotExist", err)
		}
	})

	t.Run("duplicate target", func(t *testing.T) {
		if err := d.Create(ctx, 1, 0); err == nil {
			t.Error("creating over existing content should fail")
		}
	})
}

// TestDir_TransactionCycle tests mount/promote/discard semantics.
func TestDir_TransactionCycle(t *testing.T) {
	ctx := context.Background()

	t.Run("promote keeps mutations", func(t *testing.T) {
		d := newTestDir(t)
		work, err := d.MountRW(ctx, 0)
		if err != nil {
			t.Fatalf("MountRW failed: %v", err)
		}
		writeFile(t, work, "etc/hostname", "staging\n")

		if err := d.Promote(ctx, 0); err != nil {
			t.Fatalf("Promote failed: %v", err)
		}
		if got := readFile(t, d.contentPath(0), "etc/hostname"); got != "staging\n" {
			t.Errorf("promoted content = %q", got)
		}
		if d.HasWork(0) {
			t.Error("working copy should be gone after promote")
		}
	})

	t.Run("discard restores byte-identical content", func(t *testing.T) {
		d := newTestDir(t)
		work, err := d.MountRW(ctx, 0)
		if err != nil {
			t.Fatalf("MountRW failed: %v", err)
		}
		writeFile(t, work, "etc/os-release", "NAME=mutated\n")
		writeFile(t, work, "etc/new-file", "junk\n")

		if err := d.DiscardWork(ctx, 0); err != nil {
			t.Fatalf("DiscardWork failed: %v", err)
		}
		if got := readFile(t, d.contentPath(0), "etc/os-release"); got != "NAME=grove\n" {
			t.Errorf("content after discard = %q, want original", got)
		}
		if _, err := os.Stat(filepath.Join(d.contentPath(0), "etc/new-file")); !os.IsNotExist(err) {
			t.Error("file created in the working copy must not leak into content")
		}
	})

	t.Run("rw mount is exclusive", func(t *testing.T) {
		d := newTestDir(t)
		if _, err := d.MountRW(ctx, 0); err != nil {
			t.Fatalf("MountRW failed: %v", err)
		}
		if _, err := d.MountRW(ctx, 0); !errors.Is(err, ErrWorkExists) {
			t.Errorf("second MountRW err = %v, want ErrWorkExists", err)
		}
	})

	t.Run("promote without work", func(t *testing.T) {
		d := newTestDir(t)
		if err := d.Promote(ctx, 0); !errors.Is(err, ErrNoWork) {
			t.Errorf("err = %v, want ErrNoWork", err)
		}
	})
}

// TestDir_DeleteSize tests deletion and size accounting.
func TestDir_DeleteSize(t *testing.T) {
	d := newTestDir(t)
	ctx := context.Background()

	t.Run("size sums regular files", func(t *testing.T) {
		size, err := d.Size(ctx, 0)
		if err != nil {
			t.Fatalf("Size failed: %v", err)
		}
		want := int64(len("NAME=grove\n") + len("#!/bin/sh\n"))
		if size != want {
			t.Errorf("Size = %d, want %d", size, want)
		}
	})

	t.Run("delete removes content and work", func(t *testing.T) {
		if _, err := d.MountRW(ctx, 0); err != nil {
			t.Fatalf("MountRW failed: %v", err)
		}
		if err := d.Delete(ctx, 0); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if d.Exists(0) || d.HasWork(0) {
			t.Error("nothing should remain after delete")
		}
	})

	t.Run("delete missing", func(t *testing.T) {
		if err := d.Delete(ctx, 42); !errors.Is(err, ErrNotExist) {
			t.Errorf("err = %v, want ErrNotExist", err)
		}
	})
}

// TestDir_MountRO tests read-only access and unmount idempotence.
func TestDir_MountRO(t *testing.T) {
	d := newTestDir(t)
	ctx := context.Background()

	path, err := d.MountRO(ctx, 0)
	if err != nil {
		t.Fatalf("MountRO failed: %v", err)
	}
	if path != d.contentPath(0) {
		t.Errorf("MountRO path = %s", path)
	}

	if err := d.Unmount(ctx, 0); err != nil {
		t.Errorf("Unmount failed: %v", err)
	}
	if err := d.Unmount(ctx, 0); err != nil {
		t.Errorf("repeated Unmount failed: %v", err)
	}
}

// TestNew tests backend selection.
func TestNew(t *testing.T) {
	tests := []struct {
		backend string
		wantErr bool
	}{
		{"dir", false},
		{"", false},
		{"btrfs", false},
		{"zfs", true},
	}
	for _, tt := range tests {
		_, err := New(tt.backend, t.TempDir())
		if (err != nil) != tt.wantErr {
			t.Errorf("New(%q) err = %v", tt.backend, err)
		}
	}
}
