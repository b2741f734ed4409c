package command

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/grovekit/grove/internal/core/domain"
)

// txnCommands returns the transaction commands.
func txnCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:      "chroot",
			Category:  categoryTxn,
			Usage:     "Open an interactive transaction shell inside a snapshot",
			ArgsUsage: "ID",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "force",
					Usage: "Allow nesting inside another transaction",
				},
			},
			Action: txnChroot,
		},
		{
			Name:     "live-chroot",
			Category: categoryTxn,
			Usage:    "Open a shell on the live root (changes die at next deploy)",
			Action:   txnLiveChroot,
		},
		{
			Name:      "run",
			Category:  categoryTxn,
			Usage:     "Run one command in a snapshot transaction (exit 0 commits)",
			ArgsUsage: "ID -- COMMAND...",
			Action:    txnRun,
		},
		{
			Name:      "install",
			Category:  categoryTxn,
			Usage:     "Install packages into a snapshot",
			ArgsUsage: "ID PACKAGES...",
			Action:    txnInstall,
		},
		{
			Name:      "remove",
			Category:  categoryTxn,
			Usage:     "Remove packages from a snapshot",
			ArgsUsage: "ID PACKAGES...",
			Action:    txnRemove,
		},
		{
			Name:      "upgrade",
			Category:  categoryTxn,
			Usage:     "Run a full package upgrade on a snapshot",
			ArgsUsage: "ID",
			Action:    txnUpgrade,
		},
		{
			Name:     "tmp",
			Category: categoryTxn,
			Usage:    "Sweep sessions left behind by dead processes",
			Action:   txnCleanup,
		},
		{
			Name:     "etc-update",
			Category: categoryTxn,
			Usage:    "Commit the live /etc into the default snapshot",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:   "etc-dir",
					Usage:  "Source /etc directory",
					Value:  "/etc",
					Hidden: true,
				},
			},
			Action: txnEtcUpdate,
		},
	}
}

func txnChroot(c *cli.Context) error {
	return invoke(c, "chroot", func(ctx context.Context, env *Env) error {
		id, err := snapshotArg(c, 0, "id")
		if err != nil {
			return err
		}
		outcome, err := env.Tx.Chroot(ctx, id, c.Bool("force"))
		if err != nil {
			return err
		}
		switch outcome {
		case domain.OutcomeCommit:
			fmt.Fprintf(c.App.Writer, "snapshot %d committed\n", id)
		case domain.OutcomeDiscard:
			fmt.Fprintf(c.App.Writer, "snapshot %d discarded\n", id)
		}
		return nil
	})
}

func txnLiveChroot(c *cli.Context) error {
	return invoke(c, "live-chroot", func(ctx context.Context, env *Env) error {
		status, err := env.Tx.LiveChroot(ctx)
		if err != nil {
			return err
		}
		if status != 0 {
			return cli.Exit("", status)
		}
		return nil
	})
}

func txnRun(c *cli.Context) error {
	return invoke(c, "run", func(ctx context.Context, env *Env) error {
		id, err := snapshotArg(c, 0, "id")
		if err != nil {
			return err
		}
		argv := c.Args().Slice()[1:]
		if len(argv) == 0 {
			return domain.ErrMissingArgument.WithDetails("command")
		}
		status, err := env.Tx.RunOnce(ctx, id, argv)
		if err != nil {
			return err
		}
		if status != 0 {
			fmt.Fprintf(c.App.Writer, "command exited with status %d, snapshot %d discarded\n", status, id)
			return cli.Exit("", status)
		}
		fmt.Fprintf(c.App.Writer, "snapshot %d committed\n", id)
		return nil
	})
}

func txnInstall(c *cli.Context) error {
	return invoke(c, "install", func(ctx context.Context, env *Env) error {
		id, pkgs, err := packagesArgs(c)
		if err != nil {
			return err
		}
		if err := env.Tx.Install(ctx, id, pkgs); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "installed %d package(s) into snapshot %d\n", len(pkgs), id)
		return nil
	})
}

func txnRemove(c *cli.Context) error {
	return invoke(c, "remove", func(ctx context.Context, env *Env) error {
		id, pkgs, err := packagesArgs(c)
		if err != nil {
			return err
		}
		if err := env.Tx.RemovePkgs(ctx, id, pkgs); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "removed %d package(s) from snapshot %d\n", len(pkgs), id)
		return nil
	})
}

func txnUpgrade(c *cli.Context) error {
	return invoke(c, "upgrade", func(ctx context.Context, env *Env) error {
		id, err := snapshotArg(c, 0, "id")
		if err != nil {
			return err
		}
		if err := env.Tx.UpgradeNode(ctx, id, false); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "snapshot %d upgraded\n", id)
		return nil
	})
}

func txnCleanup(c *cli.Context) error {
	return invoke(c, "tmp", func(ctx context.Context, env *Env) error {
		swept, err := env.Tx.Cleanup(ctx)
		if err != nil {
			return err
		}
		if len(swept) == 0 {
			fmt.Fprintln(c.App.Writer, "nothing to sweep")
			return nil
		}
		for _, r := range swept {
			fmt.Fprintf(c.App.Writer, "swept snapshot %d\n", r.SnapshotID)
		}
		return nil
	})
}

func txnEtcUpdate(c *cli.Context) error {
	return invoke(c, "etc-update", func(ctx context.Context, env *Env) error {
		id, err := env.Tx.EtcUpdate(ctx, c.String("etc-dir"))
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "committed /etc into snapshot %d\n", id)
		return nil
	})
}

// packagesArgs parses "<id> <pkgs...>" positionals.
func packagesArgs(c *cli.Context) (uint64, []string, error) {
	id, err := snapshotArg(c, 0, "id")
	if err != nil {
		return 0, nil, err
	}
	pkgs := c.Args().Slice()[1:]
	if len(pkgs) == 0 {
		return 0, nil, domain.ErrMissingArgument.WithDetails("packages")
	}
	return id, pkgs, nil
}
