package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/grovekit/grove/internal/lockfile"
	"github.com/grovekit/grove/internal/snapstore"
	"github.com/grovekit/grove/internal/storage"
	"github.com/grovekit/grove/internal/storage/journal"
	"github.com/grovekit/grove/internal/telemetry/metric"
)

// structuralLockWait bounds how long a structural operation waits for the
// index lock before giving up. Two brief invocations overlap for well
// under this.
const structuralLockWait = 30 * time.Second

// PackageManager is the package-manager capability the transaction and
// sync engines consume. Satisfied by pacman.Exec; tests use a fake.
type PackageManager interface {
	Install(ctx context.Context, root string, pkgs []string) error
	Remove(ctx context.Context, root string, pkgs []string) error
	Upgrade(ctx context.Context, root string) error
	ListInstalled(ctx context.Context, root string) ([]string, error)
	Run(ctx context.Context, root string, argv []string) (int, error)
	RunEnv(ctx context.Context, root string, argv []string, env []string) (int, error)
}

// Deps bundles the collaborators every service shares.
type Deps struct {
	Index   *storage.Index
	Store   snapstore.Store
	Locks   *lockfile.Manager
	Journal *journal.Journal
	Logger  *slog.Logger
	Metrics *metric.Registry
}

func (d Deps) log() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// lockStructural takes the index-wide structural lock.
func (d Deps) lockStructural(ctx context.Context, reason string) (*lockfile.Lock, error) {
	return d.Locks.AcquireWait(ctx, lockfile.StructuralLock, reason, structuralLockWait)
}

// record appends a journal entry, logging instead of failing the
// operation: the index, not the journal, is the source of truth.
func (d Deps) record(e journal.Entry) {
	if d.Journal == nil {
		return
	}
	if err := d.Journal.Append(e); err != nil {
		d.log().Warn("journal append failed", "op", e.Op, "error", err)
	}
}
