package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/grovekit/grove/internal/bootcfg"
	"github.com/grovekit/grove/internal/core/domain"
	"github.com/grovekit/grove/internal/lockfile"
	"github.com/grovekit/grove/internal/snapstore"
	"github.com/grovekit/grove/internal/snapstore/memstore"
	"github.com/grovekit/grove/internal/storage"
	"github.com/grovekit/grove/internal/storage/journal"
)

// fakePM is an in-memory package manager keyed by mount path.
type fakePM struct {
	mu        sync.Mutex
	installed map[string][]string

	installErr error
	removeErr  error
	upgradeErr error
	runStatus  int
	runErr     error

	upgrades []string
	runs     [][]string
}

func newFakePM() *fakePM {
	return &fakePM{installed: make(map[string][]string)}
}

func (f *fakePM) seed(root string, pkgs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed[root] = append([]string(nil), pkgs...)
}

func (f *fakePM) Install(ctx context.Context, root string, pkgs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.installErr != nil {
		return f.installErr
	}
	f.installed[root] = append(f.installed[root], pkgs...)
	return nil
}

func (f *fakePM) Remove(ctx context.Context, root string, pkgs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	drop := make(map[string]bool, len(pkgs))
	for _, p := range pkgs {
		drop[p] = true
	}
	var kept []string
	for _, p := range f.installed[root] {
		if !drop[p] {
			kept = append(kept, p)
		}
	}
	f.installed[root] = kept
	return nil
}

func (f *fakePM) Upgrade(ctx context.Context, root string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upgradeErr != nil {
		return f.upgradeErr
	}
	f.upgrades = append(f.upgrades, root)
	return nil
}

func (f *fakePM) ListInstalled(ctx context.Context, root string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.installed[root]...), nil
}

func (f *fakePM) Run(ctx context.Context, root string, argv []string) (int, error) {
	return f.RunEnv(ctx, root, argv, nil)
}

func (f *fakePM) RunEnv(ctx context.Context, root string, argv []string, env []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return 0, f.runErr
	}
	f.runs = append(f.runs, append([]string{root}, argv...))
	return f.runStatus, nil
}

// workPath is the memstore working-copy path for id.
func workPath(id uint64) string {
	return fmt.Sprintf("mem://work/%d", id)
}

// testEnv wires every service over a temp state directory.
type testEnv struct {
	idx    *storage.Index
	mem    *memstore.Store
	locks  *lockfile.Manager
	jrnl   *journal.Journal
	pm     *fakePM
	boot   *bootcfg.Manager
	runDir string
	tree   *TreeService
	tx     *TxService
	sync   *SyncService
	deploy *DeployService
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newEnvWithStore(t, memstore.New(), nil)
}

// newEnvWithStore builds the environment over an arbitrary store; mem
// may be nil when the store is not the in-memory fake.
func newEnvWithStore(t *testing.T, store snapstore.Store, mem *memstore.Store) *testEnv {
	t.Helper()
	dir := t.TempDir()

	idx, err := storage.Open(filepath.Join(dir, "index"), quietLogger())
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	if m, ok := store.(*memstore.Store); ok && mem == nil {
		mem = m
	}

	deps := Deps{
		Index:   idx,
		Store:   store,
		Locks:   lockfile.NewManager(filepath.Join(dir, "locks")),
		Journal: journal.Open(filepath.Join(dir, "journal.log")),
		Logger:  quietLogger(),
	}

	pm := newFakePM()
	boot := bootcfg.NewManager(bootcfg.Config{
		EntriesDir:  filepath.Join(dir, "entries"),
		PointerFile: filepath.Join(dir, "grove-default"),
		CmdlinePath: filepath.Join(dir, "cmdline"),
		MarkerPath:  filepath.Join(dir, "marker"),
	})

	runDir := filepath.Join(dir, "run")
	tx := NewTxService(deps, pm, runDir)
	env := &testEnv{
		idx:    idx,
		mem:    mem,
		locks:  deps.Locks,
		jrnl:   deps.Journal,
		pm:     pm,
		boot:   boot,
		runDir: runDir,
		tree:   NewTreeService(deps),
		tx:     tx,
		sync:   NewSyncService(deps, tx, 0),
		deploy: NewDeployService(deps, boot, tx, EntryTemplate{Linux: "/vmlinuz-linux", Options: "root=LABEL=grove rw"}),
	}
	return env
}

// mustInit bootstraps the base snapshot.
func (e *testEnv) mustInit(t *testing.T) *domain.Snapshot {
	t.Helper()
	base, err := e.tree.Init(context.Background())
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return base
}

// mustBranch creates a child of src.
func (e *testEnv) mustBranch(t *testing.T, src uint64) *domain.Snapshot {
	t.Helper()
	snap, err := e.tree.Branch(context.Background(), src)
	if err != nil {
		t.Fatalf("Branch(%d) failed: %v", src, err)
	}
	return snap
}

// mustClone creates an independent root from src.
func (e *testEnv) mustClone(t *testing.T, src uint64) *domain.Snapshot {
	t.Helper()
	snap, err := e.tree.Clone(context.Background(), src)
	if err != nil {
		t.Fatalf("Clone(%d) failed: %v", src, err)
	}
	return snap
}

// exampleForest builds the documentation example: tree 0 → 1 → 4 with 4's
// children {5, 6}, plus independent root 2 (a clone of 1) and its child 3.
// Returns the allocated ids keyed by that description.
func (e *testEnv) exampleForest(t *testing.T) map[string]uint64 {
	t.Helper()
	base := e.mustInit(t)            // 0
	n1 := e.mustBranch(t, base.ID)   // 1
	c := e.mustClone(t, n1.ID)       // 2 (independent root)
	c2 := e.mustBranch(t, c.ID)      // 3
	n4 := e.mustBranch(t, n1.ID)     // 4
	n5 := e.mustBranch(t, n4.ID)     // 5
	n6 := e.mustBranch(t, n4.ID)     // 6
	return map[string]uint64{
		"base": base.ID, "n1": n1.ID, "root2": c.ID, "n3": c2.ID,
		"n4": n4.ID, "n5": n5.ID, "n6": n6.ID,
	}
}

func (e *testEnv) mustGet(t *testing.T, id uint64) *domain.Snapshot {
	t.Helper()
	snap, err := e.idx.Get(id)
	if err != nil {
		t.Fatalf("Get(%d) failed: %v", id, err)
	}
	return snap
}
