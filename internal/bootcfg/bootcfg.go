package bootcfg

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// CmdlineParam is the kernel command-line parameter naming the booted
// snapshot.
const CmdlineParam = "grove.snapshot"

// Entry is one boot entry.
type Entry struct {
	Title   string
	Linux   string
	Initrd  string
	Options string
}

// Config locates the boot-configuration files.
type Config struct {
	// EntriesDir holds the per-snapshot .conf entries.
	EntriesDir string

	// PointerFile names the active entry; flipping it is the atomic
	// deployment step.
	PointerFile string

	// CmdlinePath is the kernel command line (default /proc/cmdline).
	CmdlinePath string

	// MarkerPath is the fallback current-snapshot marker inside the
	// running root, for environments without the cmdline parameter.
	MarkerPath string
}

// DefaultConfig returns production paths.
func DefaultConfig() Config {
	return Config{
		EntriesDir:  "/boot/loader/entries",
		PointerFile: "/boot/loader/grove-default",
		CmdlinePath: "/proc/cmdline",
		MarkerPath:  "/etc/grove-snapshot",
	}
}

// Manager reads and writes boot configuration.
type Manager struct {
	cfg Config
}

// NewManager returns a manager over the given paths.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// EntryName returns the entry file name for a snapshot.
func EntryName(id uint64) string {
	return fmt.Sprintf("grove-%d.conf", id)
}

// WriteEntry writes the boot entry for id without touching any other entry
// or the pointer file.
func (m *Manager) WriteEntry(id uint64, e Entry) error {
	if err := os.MkdirAll(m.cfg.EntriesDir, 0o755); err != nil {
		return fmt.Errorf("bootcfg: mkdir entries: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "title %s\n", e.Title)
	fmt.Fprintf(&b, "linux %s\n", e.Linux)
	if e.Initrd != "" {
		fmt.Fprintf(&b, "initrd %s\n", e.Initrd)
	}
	fmt.Fprintf(&b, "options %s\n", e.Options)

	path := filepath.Join(m.cfg.EntriesDir, EntryName(id))
	return atomicWrite(path, []byte(b.String()))
}

// ReadEntry parses the boot entry for id.
func (m *Manager) ReadEntry(id uint64) (Entry, error) {
	path := filepath.Join(m.cfg.EntriesDir, EntryName(id))
	data, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, fmt.Errorf("bootcfg: read entry: %w", err)
	}

	var e Entry
	for _, line := range strings.Split(string(data), "\n") {
		key, value, found := strings.Cut(strings.TrimSpace(line), " ")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "title":
			e.Title = value
		case "linux":
			e.Linux = value
		case "initrd":
			e.Initrd = value
		case "options":
			e.Options = value
		}
	}
	return e, nil
}

// VerifyEntry re-reads id's entry and checks it is structurally sound: a
// title, a kernel, and options that select this snapshot.
func (m *Manager) VerifyEntry(id uint64) error {
	e, err := m.ReadEntry(id)
	if err != nil {
		return err
	}
	if e.Title == "" {
		return fmt.Errorf("bootcfg: entry %d: empty title", id)
	}
	if e.Linux == "" {
		return fmt.Errorf("bootcfg: entry %d: empty linux image", id)
	}
	want := fmt.Sprintf("%s=%d", CmdlineParam, id)
	if !optionsContain(e.Options, want) {
		return fmt.Errorf("bootcfg: entry %d: options missing %s", id, want)
	}
	return nil
}

// RemoveEntry deletes id's entry file. Missing entries are not an error.
func (m *Manager) RemoveEntry(id uint64) error {
	err := os.Remove(filepath.Join(m.cfg.EntriesDir, EntryName(id)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("bootcfg: remove entry: %w", err)
	}
	return nil
}

// SetDefault flips the pointer file to id's entry. This is the single
// atomic step that changes what boots next.
func (m *Manager) SetDefault(id uint64) error {
	if err := os.MkdirAll(filepath.Dir(m.cfg.PointerFile), 0o755); err != nil {
		return fmt.Errorf("bootcfg: mkdir pointer dir: %w", err)
	}
	return atomicWrite(m.cfg.PointerFile, []byte(EntryName(id)+"\n"))
}

// Default returns the snapshot id the pointer file selects, or ok=false if
// no default has ever been deployed.
func (m *Manager) Default() (id uint64, ok bool, err error) {
	data, err := os.ReadFile(m.cfg.PointerFile)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("bootcfg: read pointer: %w", err)
	}
	name := strings.TrimSpace(string(data))
	id, perr := parseEntryName(name)
	if perr != nil {
		return 0, false, fmt.Errorf("bootcfg: pointer names %q: %w", name, perr)
	}
	return id, true, nil
}

// Current reads the presently booted snapshot from the kernel command line,
// falling back to the marker file. ok is false outside a grove-booted
// environment.
func (m *Manager) Current() (id uint64, ok bool) {
	if data, err := os.ReadFile(m.cfg.CmdlinePath); err == nil {
		for _, field := range strings.Fields(string(data)) {
			if value, found := strings.CutPrefix(field, CmdlineParam+"="); found {
				if id, err := strconv.ParseUint(value, 10, 64); err == nil {
					return id, true
				}
			}
		}
	}
	if data, err := os.ReadFile(m.cfg.MarkerPath); err == nil {
		if id, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64); err == nil {
			return id, true
		}
	}
	return 0, false
}

func optionsContain(options, want string) bool {
	for _, field := range strings.Fields(options) {
		if field == want {
			return true
		}
	}
	return false
}

func parseEntryName(name string) (uint64, error) {
	trimmed, ok := strings.CutPrefix(name, "grove-")
	if !ok {
		return 0, fmt.Errorf("not a grove entry")
	}
	trimmed, ok = strings.CutSuffix(trimmed, ".conf")
	if !ok {
		return 0, fmt.Errorf("not a grove entry")
	}
	return strconv.ParseUint(trimmed, 10, 64)
}

// atomicWrite writes data via a temp file and rename(2) in the target
// directory, fsyncing before the rename.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("bootcfg: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("bootcfg: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("bootcfg: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("bootcfg: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("bootcfg: rename: %w", err)
	}
	return nil
}
