package command

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/grovekit/grove/internal/core/domain"
)

// syncCommands returns the fan-out commands.
func syncCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:      "sync",
			Category:  categorySync,
			Usage:     "Replay a node's package delta onto its descendants and upgrade them",
			ArgsUsage: "ID",
			Action:    syncRun,
		},
		{
			Name:      "force-sync",
			Category:  categorySync,
			Usage:     "Replay a node's package delta without the upgrade pass",
			ArgsUsage: "ID",
			Action:    syncForce,
		},
		{
			Name:      "tree-run",
			Category:  categorySync,
			Usage:     "Run one command on every node of a tree",
			ArgsUsage: "ID -- COMMAND...",
			Action:    syncTreeRun,
		},
		{
			Name:      "tree-upgrade",
			Category:  categorySync,
			Usage:     "Run a full package upgrade on every node of a tree",
			ArgsUsage: "ID",
			Action:    syncTreeUpgrade,
		},
		{
			Name:      "tree-rmpkg",
			Category:  categorySync,
			Usage:     "Remove packages from every node of a tree",
			ArgsUsage: "ID PACKAGES...",
			Action:    syncTreeRemove,
		},
	}
}

func syncRun(c *cli.Context) error {
	return invoke(c, "sync", func(ctx context.Context, env *Env) error {
		id, err := snapshotArg(c, 0, "id")
		if err != nil {
			return err
		}
		if err := env.Sync.Sync(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "descendants of %d synchronized\n", id)
		return nil
	})
}

func syncForce(c *cli.Context) error {
	return invoke(c, "force-sync", func(ctx context.Context, env *Env) error {
		id, err := snapshotArg(c, 0, "id")
		if err != nil {
			return err
		}
		if err := env.Sync.ForceSync(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "descendants of %d synchronized (no upgrade)\n", id)
		return nil
	})
}

func syncTreeRun(c *cli.Context) error {
	return invoke(c, "tree-run", func(ctx context.Context, env *Env) error {
		id, err := snapshotArg(c, 0, "id")
		if err != nil {
			return err
		}
		argv := c.Args().Slice()[1:]
		if len(argv) == 0 {
			return domain.ErrMissingArgument.WithDetails("command")
		}
		if err := env.Sync.TreeRun(ctx, id, argv); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "command committed on every node of tree %d\n", id)
		return nil
	})
}

func syncTreeUpgrade(c *cli.Context) error {
	return invoke(c, "tree-upgrade", func(ctx context.Context, env *Env) error {
		id, err := snapshotArg(c, 0, "id")
		if err != nil {
			return err
		}
		if err := env.Sync.TreeUpgrade(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "tree %d upgraded\n", id)
		return nil
	})
}

func syncTreeRemove(c *cli.Context) error {
	return invoke(c, "tree-rmpkg", func(ctx context.Context, env *Env) error {
		id, pkgs, err := packagesArgs(c)
		if err != nil {
			return err
		}
		if err := env.Sync.TreeRemove(ctx, id, pkgs); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "removed %d package(s) across tree %d\n", len(pkgs), id)
		return nil
	})
}
