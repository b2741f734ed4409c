package bootcfg

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		EntriesDir:  filepath.Join(dir, "entries"),
		PointerFile: filepath.Join(dir, "grove-default"),
		CmdlinePath: filepath.Join(dir, "cmdline"),
		MarkerPath:  filepath.Join(dir, "marker"),
	}
	return NewManager(cfg), dir
}

func sampleEntry() Entry {
	return Entry{
		Title:   "grove snapshot 6",
		Linux:   "/vmlinuz-linux",
		Initrd:  "/initramfs-linux.img",
		Options: "root=LABEL=grove rw grove.snapshot=6",
	}
}

// TestManager_EntryRoundTrip tests entry write/read/verify.
func TestManager_EntryRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)

	if err := m.WriteEntry(6, sampleEntry()); err != nil {
		t.Fatalf("WriteEntry failed: %v", err)
	}

	t.Run("read back", func(t *testing.T) {
		e, err := m.ReadEntry(6)
		if err != nil {
			t.Fatalf("ReadEntry failed: %v", err)
		}
		if e.Title != "grove snapshot 6" || e.Linux != "/vmlinuz-linux" {
			t.Errorf("entry = %+v", e)
		}
		if e.Initrd != "/initramfs-linux.img" {
			t.Errorf("initrd = %q", e.Initrd)
		}
	})

	t.Run("verify passes", func(t *testing.T) {
		if err := m.VerifyEntry(6); err != nil {
			t.Errorf("VerifyEntry failed: %v", err)
		}
	})

	t.Run("verify rejects wrong snapshot option", func(t *testing.T) {
		bad := sampleEntry()
		if err := m.WriteEntry(7, bad); err != nil {
			t.Fatalf("WriteEntry failed: %v", err)
		}
		// Entry 7 carries grove.snapshot=6 in its options.
		if err := m.VerifyEntry(7); err == nil {
			t.Error("VerifyEntry should reject an entry selecting another snapshot")
		}
	})

	t.Run("verify rejects empty kernel", func(t *testing.T) {
		e := sampleEntry()
		e.Linux = ""
		e.Options = "grove.snapshot=8"
		if err := m.WriteEntry(8, e); err != nil {
			t.Fatalf("WriteEntry failed: %v", err)
		}
		if err := m.VerifyEntry(8); err == nil {
			t.Error("VerifyEntry should reject an empty linux line")
		}
	})
}

// TestManager_DefaultPointer tests the atomic pointer flip.
func TestManager_DefaultPointer(t *testing.T) {
	m, _ := newTestManager(t)

	t.Run("unset", func(t *testing.T) {
		_, ok, err := m.Default()
		if err != nil {
			t.Fatalf("Default failed: %v", err)
		}
		if ok {
			t.Error("fresh pointer should be unset")
		}
	})

	t.Run("set and read", func(t *testing.T) {
		if err := m.SetDefault(6); err != nil {
			t.Fatalf("SetDefault failed: %v", err)
		}
		id, ok, err := m.Default()
		if err != nil {
			t.Fatalf("Default failed: %v", err)
		}
		if !ok || id != 6 {
			t.Errorf("Default = (%d, %v), want (6, true)", id, ok)
		}
	})

	t.Run("pointer content is a complete entry name", func(t *testing.T) {
		data, err := os.ReadFile(m.cfg.PointerFile)
		if err != nil {
			t.Fatalf("read pointer: %v", err)
		}
		if strings.TrimSpace(string(data)) != "grove-6.conf" {
			t.Errorf("pointer content = %q", data)
		}
	})

	t.Run("flip replaces wholesale", func(t *testing.T) {
		if err := m.SetDefault(4); err != nil {
			t.Fatalf("SetDefault failed: %v", err)
		}
		id, ok, _ := m.Default()
		if !ok || id != 4 {
			t.Errorf("Default after flip = (%d, %v), want (4, true)", id, ok)
		}
	})

	t.Run("no temp files left behind", func(t *testing.T) {
		entries, err := os.ReadDir(filepath.Dir(m.cfg.PointerFile))
		if err != nil {
			t.Fatalf("readdir: %v", err)
		}
		for _, e := range entries {
			if strings.Contains(e.Name(), ".tmp-") {
				t.Errorf("stray temp file %s", e.Name())
			}
		}
	})
}

// TestManager_Current tests current-snapshot detection.
func TestManager_Current(t *testing.T) {
	t.Run("from cmdline", func(t *testing.T) {
		m, dir := newTestManager(t)
		cmdline := "BOOT_IMAGE=/vmlinuz root=LABEL=grove rw grove.snapshot=4 quiet"
		if err := os.WriteFile(filepath.Join(dir, "cmdline"), []byte(cmdline), 0o644); err != nil {
			t.Fatalf("write cmdline: %v", err)
		}
		id, ok := m.Current()
		if !ok || id != 4 {
			t.Errorf("Current = (%d, %v), want (4, true)", id, ok)
		}
	})

	t.Run("marker fallback", func(t *testing.T) {
		m, dir := newTestManager(t)
		if err := os.WriteFile(filepath.Join(dir, "marker"), []byte("9\n"), 0o644); err != nil {
			t.Fatalf("write marker: %v", err)
		}
		id, ok := m.Current()
		if !ok || id != 9 {
			t.Errorf("Current = (%d, %v), want (9, true)", id, ok)
		}
	})

	t.Run("not a grove boot", func(t *testing.T) {
		m, _ := newTestManager(t)
		if _, ok := m.Current(); ok {
			t.Error("Current should report ok=false without cmdline or marker")
		}
	})
}

// TestManager_RemoveEntry tests entry removal idempotence.
func TestManager_RemoveEntry(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.WriteEntry(3, sampleEntry()); err != nil {
		t.Fatalf("WriteEntry failed: %v", err)
	}
	if err := m.RemoveEntry(3); err != nil {
		t.Fatalf("RemoveEntry failed: %v", err)
	}
	if err := m.RemoveEntry(3); err != nil {
		t.Errorf("RemoveEntry should be idempotent: %v", err)
	}
}

// TestEntryName tests name mapping.
func TestEntryName(t *testing.T) {
	if got := EntryName(12); got != "grove-12.conf" {
		t.Errorf("EntryName(12) = %s", got)
	}
	id, err := parseEntryName("grove-12.conf")
	if err != nil || id != 12 {
		t.Errorf("parseEntryName = (%d, %v)", id, err)
	}
	if _, err := parseEntryName("other-1.conf"); err == nil {
		t.Error("parseEntryName should reject foreign entries")
	}
}
