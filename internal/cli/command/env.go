package command

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/grovekit/grove/internal/bootcfg"
	"github.com/grovekit/grove/internal/cli/config"
	"github.com/grovekit/grove/internal/core/service"
	"github.com/grovekit/grove/internal/infra/sessionguard"
	"github.com/grovekit/grove/internal/lockfile"
	"github.com/grovekit/grove/internal/pacman"
	"github.com/grovekit/grove/internal/snapstore"
	"github.com/grovekit/grove/internal/storage"
	"github.com/grovekit/grove/internal/storage/journal"
	"github.com/grovekit/grove/internal/telemetry/logger"
	"github.com/grovekit/grove/internal/telemetry/metric"
)

// metadata keys on the cli.App.
const (
	envKey      = "groveEnv"
	envOwnedKey = "groveEnvOwned"
)

// Env carries the opened state directory and the wired services for
// one CLI invocation. Tests inject a prebuilt Env through app metadata.
type Env struct {
	Config  *config.Config
	Index   *storage.Index
	Store   snapstore.Store
	Locks   *lockfile.Manager
	Journal *journal.Journal
	Metrics *metric.Registry
	Boot    *bootcfg.Manager
	Guard   *sessionguard.Guard

	Tree   *service.TreeService
	Tx     *service.TxService
	Sync   *service.SyncService
	Deploy *service.DeployService
}

// Close releases the index.
func (e *Env) Close() error {
	if e.Index != nil {
		return e.Index.Close()
	}
	return nil
}

// OpenEnv loads configuration and opens every collaborator.
func OpenEnv(c *cli.Context) (*Env, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	logCfg := logger.DefaultConfig()
	logCfg.Level = cfg.Log.Level
	logCfg.Format = cfg.Log.Format
	if c.Bool("verbose") {
		logCfg.Level = "debug"
	}
	if c.Bool("quiet") {
		logCfg.Level = "error"
	}
	log := logger.New(logCfg)

	store, err := snapstore.New(cfg.Store.Backend, cfg.Store.Root)
	if err != nil {
		return nil, err
	}
	idx, err := storage.Open(filepath.Join(cfg.StateDir, "index"), log)
	if err != nil {
		return nil, err
	}

	deps := service.Deps{
		Index:   idx,
		Store:   store,
		Locks:   lockfile.NewManager(filepath.Join(cfg.RuntimeDir, "locks")),
		Journal: journal.Open(filepath.Join(cfg.StateDir, "journal.log")),
		Logger:  log,
		Metrics: metric.NewRegistry(),
	}

	pm := pacman.NewExec(cfg.PacmanExecConfig())
	boot := bootcfg.NewManager(cfg.BootcfgConfig())

	tx := service.NewTxService(deps, pm, cfg.RuntimeDir)
	tx.Shell = cfg.Shell

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
		Sync:    service.NewSyncService(deps, tx, cfg.Sync.OpsPerMinute),
		Deploy: service.NewDeployService(deps, boot, tx, service.EntryTemplate{
			Linux:   cfg.Boot.Linux,
			Initrd:  cfg.Boot.Initrd,
			Options: cfg.Boot.Options,
		}),
	}
	env.Guard.OnInterrupt(interruptHook(env))

	// A crash may have torn a deploy between the boot pointer flip and
	// the index write; heal the index before any command trusts it.
	if err := env.Deploy.Reconcile(c.Context); err != nil {
		_ = env.Close()
		return nil, err
	}
	return env, nil
}

// interruptHook journals the open sessions when a signal lands mid
// operation, so the dirty state shows up in events before tmp sweeps it.
func interruptHook(env *Env) func(context.Context) error {
	return func(context.Context) error {
		sessions, err := env.Tx.Sessions()
		if err != nil || len(sessions) == 0 {
			return err
		}
		ids := make([]uint64, len(sessions))
		for i, tx := range sessions {
			ids[i] = tx.SnapshotID
		}
		return env.Journal.Append(journal.Entry{Op: "interrupt", Snapshots: ids, Outcome: "dirty"})
	}
}

// getEnv returns the invocation environment, opening it on first use.
func getEnv(c *cli.Context) (*Env, error) {
	if e, ok := c.App.Metadata[envKey].(*Env); ok && e != nil {
		return e, nil
	}
	e, err := OpenEnv(c)
	if err != nil {
		return nil, err
	}
	c.App.Metadata[envKey] = e
	c.App.Metadata[envOwnedKey] = true
	return e, nil
}

// closeOwnedEnv closes an environment opened by getEnv, not one
// injected by tests.
func closeOwnedEnv(c *cli.Context) error {
	owned, _ := c.App.Metadata[envOwnedKey].(bool)
	if !owned {
		return nil
	}
	if e, ok := c.App.Metadata[envKey].(*Env); ok && e != nil {
		return e.Close()
	}
	return nil
}

// invoke runs one operation against the environment: the signal guard
// is armed so an interrupt cancels the context instead of tearing the
// process down mid-mutation, the duration is observed, and the metrics
// registry is flushed to the textfile directory when configured.
func invoke(c *cli.Context, op string, fn func(context.Context, *Env) error) error {
	env, err := getEnv(c)
	if err != nil {
		return err
	}

	ctx := env.Guard.Arm(c.Context)
	defer env.Guard.Disarm()

	start := time.Now()
	err = fn(ctx, env)
	env.Metrics.ObserveOp(op, err, time.Since(start))

	if dir := env.Config.Telemetry.Textfile; dir != "" {
		if werr := env.Metrics.WriteTextfile(dir); werr != nil {
			fmt.Fprintf(c.App.ErrWriter, "warning: metrics textfile: %v\n", werr)
		}
	}
	return err
}
