// Package command provides the CLI command definitions for grove.
//
// It uses urfave/cli/v2 with a flat command surface grouped into
// categories; every command runs one logical operation against the
// state directory and exits.
package command

import (
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/grovekit/grove/internal/cli/config"
	"github.com/grovekit/grove/internal/cli/output"
	"github.com/grovekit/grove/internal/core/domain"
	"github.com/grovekit/grove/internal/infra/buildinfo"
)

// Command categories.
const (
	categoryForest = "Forest"
	categoryDeploy = "Deployment"
	categoryTxn    = "Transactions"
	categorySync   = "Synchronization"
	categorySystem = "System"
)

// App creates the CLI application.
func App() *cli.App {
	app := &cli.App{
		Name:     "grove",
		Usage:    "snapshot-forest system manager",
		Version:  buildinfo.String(),
		Flags:    globalFlags(),
		Metadata: map[string]any{},
		Commands: concat(
			forestCommands(),
			deployCommands(),
			txnCommands(),
			syncCommands(),
			systemCommands(),
		),
		After: func(c *cli.Context) error {
			return closeOwnedEnv(c)
		},
	}
	return app
}

func concat(groups ...[]*cli.Command) []*cli.Command {
	var all []*cli.Command
	for _, g := range groups {
		all = append(all, g...)
	}
	return all
}

// globalFlags returns the flags available to every command.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Config file path",
			EnvVars: []string{"GROVE_CONFIG"},
			Value:   config.DefaultConfigPath,
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "Output format: table, json, yaml",
			Value:   "table",
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"V"},
			Usage:   "Enable debug logging",
		},
		&cli.BoolFlag{
			Name:    "quiet",
			Aliases: []string{"q"},
			Usage:   "Log errors only",
		},
	}
}

// formatter builds the output formatter selected by --output.
func formatter(c *cli.Context) output.Formatter {
	return output.NewFormatter(output.Format(c.String("output")))
}

// snapshotArg parses the positional snapshot id at index i.
func snapshotArg(c *cli.Context, i int, name string) (uint64, error) {
	raw := c.Args().Get(i)
	if raw == "" {
		return 0, domain.ErrMissingArgument.WithDetails(name)
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, domain.ErrInvalidArgument.WithDetails(fmt.Sprintf("%s %q is not a snapshot id", name, raw))
	}
	return id, nil
}

// PrintError prints an error message to stderr.
func PrintError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
}
