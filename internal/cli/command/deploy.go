package command

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"
)

// deployCommands returns the deployment commands.
func deployCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:      "deploy",
			Category:  categoryDeploy,
			Usage:     "Publish a snapshot as the next boot target",
			ArgsUsage: "ID",
			Action:    deployRun,
		},
		{
			Name:     "rollback",
			Category: categoryDeploy,
			Usage:    "Swap the default and previous-default boot targets",
			Action:   deployRollback,
		},
		{
			Name:     "base-update",
			Category: categoryDeploy,
			Usage:    "Upgrade the base snapshot",
			Action:   deployBaseUpdate,
		},
		{
			Name:     "current",
			Category: categoryDeploy,
			Usage:    "Show the currently booted snapshot",
			Action:   deployCurrent,
		},
	}
}

func deployRun(c *cli.Context) error {
	return invoke(c, "deploy", func(ctx context.Context, env *Env) error {
		id, err := snapshotArg(c, 0, "id")
		if err != nil {
			return err
		}
		if err := env.Deploy.Deploy(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "snapshot %d will boot next\n", id)
		return nil
	})
}

func deployRollback(c *cli.Context) error {
	return invoke(c, "rollback", func(ctx context.Context, env *Env) error {
		target, err := env.Deploy.Rollback(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "rolled back, snapshot %d will boot next\n", target)
		return nil
	})
}

func deployBaseUpdate(c *cli.Context) error {
	return invoke(c, "base-update", func(ctx context.Context, env *Env) error {
		if err := env.Deploy.BaseUpdate(ctx); err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, "base snapshot upgraded")
		return nil
	})
}

func deployCurrent(c *cli.Context) error {
	return invoke(c, "current", func(ctx context.Context, env *Env) error {
		id, ok := env.Deploy.Current()
		if !ok {
			fmt.Fprintln(c.App.Writer, "not booted from a grove snapshot")
			return nil
		}
		fmt.Fprintf(c.App.Writer, "%d\n", id)
		return nil
	})
}
