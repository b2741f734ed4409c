package command

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/grovekit/grove/internal/bootcfg"
	"github.com/grovekit/grove/internal/cli/config"
	"github.com/grovekit/grove/internal/core/service"
	"github.com/grovekit/grove/internal/infra/sessionguard"
	"github.com/grovekit/grove/internal/lockfile"
	"github.com/grovekit/grove/internal/snapstore/memstore"
	"github.com/grovekit/grove/internal/storage"
	"github.com/grovekit/grove/internal/storage/journal"
	"github.com/grovekit/grove/internal/telemetry/metric"
)

// fakePM is a package manager stub keyed by mount path.
type fakePM struct {
	mu        sync.Mutex
	installed map[string][]string
	runStatus int
}

func newFakePM() *fakePM {
	return &fakePM{installed: make(map[string][]string)}
}

func (f *fakePM) Install(ctx context.Context, root string, pkgs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed[root] = append(f.installed[root], pkgs...)
	return nil
}

func (f *fakePM) Remove(ctx context.Context, root string, pkgs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
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

func (f *fakePM) Upgrade(ctx context.Context, root string) error { return nil }

func (f *fakePM) ListInstalled(ctx context.Context, root string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.installed[root]...)
	sort.Strings(out)
	return out, nil
}

func (f *fakePM) Run(ctx context.Context, root string, argv []string) (int, error) {
	return f.runStatus, nil
}

func (f *fakePM) RunEnv(ctx context.Context, root string, argv []string, env []string) (int, error) {
	return f.runStatus, nil
}

// testApp builds the CLI app over a temp state directory with the
// in-memory store and a stubbed package manager. Output is captured.
type testApp struct {
	app *cli.App
	env *Env
	pm  *fakePM
	out *bytes.Buffer
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	dir := t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	idx, err := storage.Open(filepath.Join(dir, "index"), log)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	store := memstore.New()
	deps := service.Deps{
		Index:   idx,
		Store:   store,
		Locks:   lockfile.NewManager(filepath.Join(dir, "locks")),
		Journal: journal.Open(filepath.Join(dir, "journal.log")),
		Logger:  log,
		Metrics: metric.NewRegistry(),
	}

	cfg := config.Default()
	cfg.StateDir = dir
	cfg.RuntimeDir = filepath.Join(dir, "run")

	pm := newFakePM()
	boot := bootcfg.NewManager(bootcfg.Config{
		EntriesDir:  filepath.Join(dir, "entries"),
		PointerFile: filepath.Join(dir, "grove-default"),
		CmdlinePath: filepath.Join(dir, "cmdline"),
		MarkerPath:  filepath.Join(dir, "marker"),
	})
	tx := service.NewTxService(deps, pm, cfg.RuntimeDir)

	env := &Env{
		Config:  cfg,
		Index:   idx,
		Store:   store,
		Locks:   deps.Locks,
		Journal: deps.Journal,
		Metrics: deps.Metrics,
		Boot:    boot,
		Guard:   sessionguard.New(),
		Tree:    service.NewTreeService(deps),
		Tx:      tx,
		Sync:    service.NewSyncService(deps, tx, 0),
		Deploy:  service.NewDeployService(deps, boot, tx, service.EntryTemplate{Linux: "/vmlinuz-linux"}),
	}
	env.Guard.OnInterrupt(interruptHook(env))

	out := &bytes.Buffer{}
	app := App()
	app.Writer = out
	app.ErrWriter = io.Discard
	app.Metadata[envKey] = env

	return &testApp{app: app, env: env, pm: pm, out: out}
}

// run executes one grove command line.
func (a *testApp) run(args ...string) error {
	a.out.Reset()
	return a.app.Run(append([]string{"grove"}, args...))
}

// mustRun executes a command line and fails the test on error.
func (a *testApp) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	if err := a.run(args...); err != nil {
		t.Fatalf("grove %v failed: %v", args, err)
	}
	return a.out.String()
}
