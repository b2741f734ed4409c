package journal

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oklog/ulid/v2"
)

// FileName is the journal file name under the state directory.
const FileName = "journal.log"

// Entry is one journal record.
type Entry struct {
	// ID is a ULID, which also gives entries a sortable timestamp.
	ID string `json:"id"`

	// Op is the operation name (clone, branch, del, deploy, commit, ...).
	Op string `json:"op"`

	// Snapshots are the snapshot ids the operation touched.
	Snapshots []uint64 `json:"snapshots,omitempty"`

	// Outcome is an optional result marker (commit, discard, rollback, ...).
	Outcome string `json:"outcome,omitempty"`

	// At is the record timestamp (Unix milliseconds).
	At int64 `json:"at"`
}

// Journal appends and reads JSON-lines entries in a single file.
type Journal struct {
	path string
	mu   sync.Mutex
}

// Open returns a journal at the given path. The file is created lazily on
// first append.
func Open(path string) *Journal {
	return &Journal{path: path}
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Append writes one entry. ID and At are filled in if unset.
func (j *Journal) Append(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if e.ID == "" {
		id, err := ulid.New(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0))
		if err != nil {
			return fmt.Errorf("journal: id: %w", err)
		}
		e.ID = strings.ToLower(id.String())
	}
	if e.At == 0 {
		e.At = time.Now().UnixMilli()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: marshal: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return fmt.Errorf("journal: mkdir: %w", err)
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	return f.Sync()
}

// Recent returns the last n entries, oldest first. A missing journal file
// yields an empty slice.
func (j *Journal) Recent(n int) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	defer f.Close()

	entries, err := decodeAll(f)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// Follow tails the journal, invoking fn for each entry appended after the
// call. It returns when the context is cancelled.
func (j *Journal) Follow(ctx context.Context, fn func(Entry)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("journal: watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: the file may not exist yet, and appends on some
	// platforms surface as Create+Write pairs.
	dir := filepath.Dir(j.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("journal: mkdir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("journal: watch %s: %w", dir, err)
	}

	offset := int64(0)
	if fi, err := os.Stat(j.path); err == nil {
		offset = fi.Size()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != j.path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			next, err := j.readFrom(offset, fn)
			if err != nil {
				return err
			}
			offset = next
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("journal: watch: %w", err)
		}
	}
}

// readFrom decodes complete lines starting at offset and returns the new
// offset past the last complete line.
func (j *Journal) readFrom(offset int64, fn func(Entry)) (int64, error) {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return offset, nil
		}
		return offset, fmt.Errorf("journal: open: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, fmt.Errorf("journal: seek: %w", err)
	}

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			// Partial trailing line: leave it for the next event.
			return offset, nil
		}
		offset += int64(len(line))
		var e Entry
		if jsonErr := json.Unmarshal(line, &e); jsonErr == nil {
			fn(e)
		}
	}
}

func decodeAll(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// Tolerate a torn last line from a crashed writer.
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("journal: scan: %w", err)
	}
	return entries, nil
}
