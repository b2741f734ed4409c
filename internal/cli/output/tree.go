package output

import (
	"fmt"
	"io"
	"strings"
)

// Badges shown next to forest nodes.
const (
	BadgeDefault  = "default"
	BadgeCurrent  = "current"
	BadgeUnsealed = "open"
)

// TreeNode is one rendered forest node.
type TreeNode struct {
	ID          uint64
	Description string
	Badges      []string
	Children    []*TreeNode
}

// Label formats the node's own line content.
func (n *TreeNode) Label() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d", n.ID)
	if n.Description != "" {
		fmt.Fprintf(&b, "  %s", n.Description)
	}
	if len(n.Badges) > 0 {
		fmt.Fprintf(&b, "  [%s]", strings.Join(n.Badges, ","))
	}
	return b.String()
}

// RenderForest writes every tree, roots in the given order.
func RenderForest(w io.Writer, roots []*TreeNode) error {
	for i, root := range roots {
		if i > 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w, root.Label()); err != nil {
			return err
		}
		if err := renderChildren(w, root.Children, ""); err != nil {
			return err
		}
	}
	return nil
}

func renderChildren(w io.Writer, children []*TreeNode, prefix string) error {
	for i, child := range children {
		connector, childPrefix := "├─ ", prefix+"│  "
		if i == len(children)-1 {
			connector, childPrefix = "└─ ", prefix+"   "
		}
		if _, err := fmt.Fprintln(w, prefix+connector+child.Label()); err != nil {
			return err
		}
		if err := renderChildren(w, child.Children, childPrefix); err != nil {
			return err
		}
	}
	return nil
}
