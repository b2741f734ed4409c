package command

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/grovekit/grove/internal/cli/output"
	"github.com/grovekit/grove/internal/infra/buildinfo"
	"github.com/grovekit/grove/internal/storage/journal"
)

// systemCommands returns status, journal and maintenance commands.
func systemCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:     "status",
			Category: categorySystem,
			Usage:    "Show deployment pointers, open sessions and store usage",
			Action:   systemStatus,
		},
		{
			Name:     "events",
			Category: categorySystem,
			Usage:    "Show recent operations from the journal",
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:    "limit",
					Aliases: []string{"n"},
					Usage:   "Number of entries to show",
					Value:   20,
				},
				&cli.BoolFlag{
					Name:    "follow",
					Aliases: []string{"f"},
					Usage:   "Keep printing entries as they are appended",
				},
			},
			Action: systemEvents,
		},
		{
			Name:     "version",
			Category: categorySystem,
			Usage:    "Show build information",
			Action:   systemVersion,
		},
		{
			Name:     "config",
			Category: categorySystem,
			Usage:    "Inspect effective configuration",
			Subcommands: []*cli.Command{
				{
					Name:   "show",
					Usage:  "Show the effective configuration",
					Action: systemConfigShow,
				},
			},
		},
	}
}

// statusReport is the structured grove status output.
type statusReport struct {
	DefaultID  *uint64         `json:"default_id" yaml:"default_id"`
	PreviousID *uint64         `json:"previous_id" yaml:"previous_id"`
	CurrentID  *uint64         `json:"current_id" yaml:"current_id"`
	Snapshots  int             `json:"snapshots" yaml:"snapshots"`
	StoreBytes int64           `json:"store_bytes" yaml:"store_bytes"`
	Sessions   []sessionStatus `json:"sessions" yaml:"sessions"`
}

type sessionStatus struct {
	SnapshotID uint64 `json:"snapshot_id" yaml:"snapshot_id"`
	TxID       string `json:"tx_id" yaml:"tx_id"`
	Mode       string `json:"mode" yaml:"mode"`
	PID        int    `json:"pid" yaml:"pid"`
}

func systemStatus(c *cli.Context) error {
	return invoke(c, "status", func(ctx context.Context, env *Env) error {
		pointers, err := env.Index.Pointers()
		if err != nil {
			return err
		}
		all, err := env.Index.All()
		if err != nil {
			return err
		}
		sessions, err := env.Tx.Sessions()
		if err != nil {
			return err
		}

		report := statusReport{
			DefaultID:  pointers.DefaultID,
			PreviousID: pointers.PreviousDefaultID,
			Snapshots:  len(all),
		}
		if id, ok := env.Boot.Current(); ok {
			report.CurrentID = &id
		}
		for _, snap := range all {
			size, err := env.Store.Size(ctx, snap.ID)
			if err != nil {
				continue
			}
			report.StoreBytes += size
		}
		for _, tx := range sessions {
			report.Sessions = append(report.Sessions, sessionStatus{
				SnapshotID: tx.SnapshotID,
				TxID:       tx.ID,
				Mode:       string(tx.Mode),
				PID:        tx.PID,
			})
		}

		if output.Format(c.String("output")) != output.FormatTable {
			return formatter(c).Format(c.App.Writer, report)
		}
		return renderStatus(c, report)
	})
}

func renderStatus(c *cli.Context, report statusReport) error {
	w := c.App.Writer
	fmt.Fprintf(w, "default:   %s\n", formatPointer(report.DefaultID))
	fmt.Fprintf(w, "previous:  %s\n", formatPointer(report.PreviousID))
	fmt.Fprintf(w, "current:   %s\n", formatPointer(report.CurrentID))
	fmt.Fprintf(w, "snapshots: %d (%d bytes)\n", report.Snapshots, report.StoreBytes)

	if len(report.Sessions) == 0 {
		fmt.Fprintln(w, "sessions:  none")
		return nil
	}
	fmt.Fprintln(w, "sessions:")
	table := &output.Table{Headers: []string{"  SNAPSHOT", "TXN", "MODE", "PID"}}
	for _, s := range report.Sessions {
		table.AddRow(fmt.Sprintf("  %d", s.SnapshotID), s.TxID, s.Mode, fmt.Sprintf("%d", s.PID))
	}
	return table.Render(w)
}

func formatPointer(id *uint64) string {
	if id == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *id)
}

func systemEvents(c *cli.Context) error {
	return invoke(c, "events", func(ctx context.Context, env *Env) error {
		entries, err := env.Journal.Recent(c.Int("limit"))
		if err != nil {
			return err
		}

		if output.Format(c.String("output")) != output.FormatTable {
			if err := formatter(c).Format(c.App.Writer, entries); err != nil {
				return err
			}
		} else {
			for _, e := range entries {
				printEvent(c, e)
			}
		}

		if !c.Bool("follow") {
			return nil
		}
		return env.Journal.Follow(ctx, func(e journal.Entry) {
			printEvent(c, e)
		})
	})
}

func printEvent(c *cli.Context, e journal.Entry) {
	at := time.UnixMilli(e.At).Format("2006-01-02 15:04:05")
	line := fmt.Sprintf("%s  %-12s %v", at, e.Op, e.Snapshots)
	if e.Outcome != "" {
		line += "  " + e.Outcome
	}
	fmt.Fprintln(c.App.Writer, line)
}

func systemVersion(c *cli.Context) error {
	info := buildinfo.Get()
	if output.Format(c.String("output")) != output.FormatTable {
		return formatter(c).Format(c.App.Writer, info)
	}
	fmt.Fprintf(c.App.Writer, "grove %s\n", buildinfo.String())
	return nil
}

func systemConfigShow(c *cli.Context) error {
	return invoke(c, "config-show", func(ctx context.Context, env *Env) error {
		f := formatter(c)
		if output.Format(c.String("output")) == output.FormatTable {
			f = &output.YAMLFormatter{}
		}
		return f.Format(c.App.Writer, env.Config)
	})
}
