package command

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/grovekit/grove/internal/cli/output"
	"github.com/grovekit/grove/internal/core/domain"
)

// forestCommands returns the forest-structure commands.
func forestCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:     "init",
			Category: categoryForest,
			Usage:    "Initialize the state directory with an empty base snapshot",
			Action:   forestInit,
		},
		{
			Name:     "tree",
			Category: categoryForest,
			Usage:    "Show the snapshot forest",
			Action:   forestTree,
		},
		{
			Name:      "desc",
			Category:  categoryForest,
			Usage:     "Set a snapshot description",
			ArgsUsage: "ID TEXT...",
			Action:    forestDesc,
		},
		{
			Name:      "del",
			Category:  categoryForest,
			Usage:     "Delete the whole tree containing a snapshot",
			ArgsUsage: "ID",
			Action:    forestDel,
		},
		{
			Name:      "clone",
			Category:  categoryForest,
			Usage:     "Copy a snapshot into a new independent tree root",
			ArgsUsage: "ID",
			Action:    makeCopyAction("clone", func(ctx context.Context, env *Env, id uint64) (*domain.Snapshot, error) {
				return env.Tree.Clone(ctx, id)
			}),
		},
		{
			Name:      "clone-tree",
			Category:  categoryForest,
			Usage:     "Copy a snapshot and all its descendants into a new tree",
			ArgsUsage: "ID",
			Action:    makeCopyAction("clone-tree", func(ctx context.Context, env *Env, id uint64) (*domain.Snapshot, error) {
				return env.Tree.CloneTree(ctx, id)
			}),
		},
		{
			Name:      "branch",
			Category:  categoryForest,
			Usage:     "Copy a snapshot into a new child of itself",
			ArgsUsage: "ID",
			Action:    makeCopyAction("branch", func(ctx context.Context, env *Env, id uint64) (*domain.Snapshot, error) {
				return env.Tree.Branch(ctx, id)
			}),
		},
		{
			Name:      "cbranch",
			Category:  categoryForest,
			Usage:     "Copy a snapshot into a new sibling of itself",
			ArgsUsage: "ID",
			Action:    makeCopyAction("cbranch", func(ctx context.Context, env *Env, id uint64) (*domain.Snapshot, error) {
				return env.Tree.CBranch(ctx, id)
			}),
		},
		{
			Name:      "ubranch",
			Category:  categoryForest,
			Usage:     "Copy a snapshot into a new child of an arbitrary parent",
			ArgsUsage: "PARENT ID",
			Action:    forestUBranch,
		},
		{
			Name:     "new",
			Category: categoryForest,
			Usage:    "Create a fresh tree from the base snapshot",
			Action:   forestNew,
		},
		{
			Name:      "export",
			Category:  categoryForest,
			Usage:     "Export a snapshot into an archive file",
			ArgsUsage: "ID",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "out",
					Aliases:  []string{"f"},
					Usage:    "Archive file to write",
					Required: true,
				},
				&cli.StringFlag{
					Name:    "passphrase",
					Aliases: []string{"p"},
					Usage:   "Encrypt with this passphrase",
					EnvVars: []string{"GROVE_PASSPHRASE"},
				},
			},
			Action: forestExport,
		},
		{
			Name:      "import",
			Category:  categoryForest,
			Usage:     "Import an archive as a new tree root",
			ArgsUsage: "FILE",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "passphrase",
					Aliases: []string{"p"},
					Usage:   "Decrypt with this passphrase",
					EnvVars: []string{"GROVE_PASSPHRASE"},
				},
			},
			Action: forestImport,
		},
	}
}

func forestInit(c *cli.Context) error {
	return invoke(c, "init", func(ctx context.Context, env *Env) error {
		base, err := env.Tree.Init(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "initialized, base snapshot %d\n", base.ID)
		return nil
	})
}

func forestTree(c *cli.Context) error {
	return invoke(c, "tree", func(ctx context.Context, env *Env) error {
		all, err := env.Index.All()
		if err != nil {
			return err
		}
		pointers, err := env.Index.Pointers()
		if err != nil {
			return err
		}
		currentID, booted := env.Boot.Current()

		if output.Format(c.String("output")) != output.FormatTable {
			return formatter(c).Format(c.App.Writer, all)
		}

		roots := buildForest(all, func(s *domain.Snapshot) []string {
			var badges []string
			if pointers.IsDefault(s.ID) {
				badges = append(badges, output.BadgeDefault)
			}
			if booted && currentID == s.ID {
				badges = append(badges, output.BadgeCurrent)
			}
			if !s.Sealed {
				badges = append(badges, output.BadgeUnsealed)
			}
			return badges
		})
		return output.RenderForest(c.App.Writer, roots)
	})
}

// buildForest assembles render nodes from the flat snapshot list,
// ordered by id at every level.
func buildForest(all []*domain.Snapshot, badges func(*domain.Snapshot) []string) []*output.TreeNode {
	nodes := make(map[uint64]*output.TreeNode, len(all))
	for _, s := range all {
		nodes[s.ID] = &output.TreeNode{
			ID:          s.ID,
			Description: s.Description,
			Badges:      badges(s),
		}
	}

	sorted := append([]*domain.Snapshot(nil), all...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var roots []*output.TreeNode
	for _, s := range sorted {
		if s.ParentID == nil {
			roots = append(roots, nodes[s.ID])
			continue
		}
		if parent, ok := nodes[*s.ParentID]; ok {
			parent.Children = append(parent.Children, nodes[s.ID])
		}
	}
	return roots
}

func forestDesc(c *cli.Context) error {
	return invoke(c, "desc", func(ctx context.Context, env *Env) error {
		id, err := snapshotArg(c, 0, "id")
		if err != nil {
			return err
		}
		text := strings.Join(c.Args().Slice()[1:], " ")
		if text == "" {
			return domain.ErrMissingArgument.WithDetails("description text")
		}
		return env.Tree.Desc(ctx, id, text)
	})
}

func forestDel(c *cli.Context) error {
	return invoke(c, "del", func(ctx context.Context, env *Env) error {
		id, err := snapshotArg(c, 0, "id")
		if err != nil {
			return err
		}
		return env.Tree.Del(ctx, id)
	})
}

// makeCopyAction wraps the shared parse-copy-print shape of the copy
// commands.
func makeCopyAction(op string, do func(context.Context, *Env, uint64) (*domain.Snapshot, error)) cli.ActionFunc {
	return func(c *cli.Context) error {
		return invoke(c, op, func(ctx context.Context, env *Env) error {
			id, err := snapshotArg(c, 0, "id")
			if err != nil {
				return err
			}
			snap, err := do(ctx, env, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "created snapshot %d\n", snap.ID)
			return nil
		})
	}
}

func forestUBranch(c *cli.Context) error {
	return invoke(c, "ubranch", func(ctx context.Context, env *Env) error {
		parent, err := snapshotArg(c, 0, "parent")
		if err != nil {
			return err
		}
		id, err := snapshotArg(c, 1, "id")
		if err != nil {
			return err
		}
		snap, err := env.Tree.UBranch(ctx, parent, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "created snapshot %d\n", snap.ID)
		return nil
	})
}

func forestNew(c *cli.Context) error {
	return invoke(c, "new", func(ctx context.Context, env *Env) error {
		snap, err := env.Tree.New(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "created snapshot %d\n", snap.ID)
		return nil
	})
}

func forestExport(c *cli.Context) error {
	return invoke(c, "export", func(ctx context.Context, env *Env) error {
		id, err := snapshotArg(c, 0, "id")
		if err != nil {
			return err
		}
		var passphrase []byte
		if p := c.String("passphrase"); p != "" {
			passphrase = []byte(p)
		}
		if err := env.Tree.Export(ctx, id, c.String("out"), passphrase); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "exported snapshot %d to %s\n", id, c.String("out"))
		return nil
	})
}

func forestImport(c *cli.Context) error {
	return invoke(c, "import", func(ctx context.Context, env *Env) error {
		path := c.Args().First()
		if path == "" {
			return domain.ErrMissingArgument.WithDetails("archive file")
		}
		var passphrase []byte
		if p := c.String("passphrase"); p != "" {
			passphrase = []byte(p)
		}
		snap, err := env.Tree.Import(ctx, path, passphrase)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "imported as snapshot %d\n", snap.ID)
		return nil
	})
}
