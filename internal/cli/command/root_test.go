package command

import (
	"testing"
)

// TestAppCommandSurface pins the verb list so renames are deliberate.
func TestAppCommandSurface(t *testing.T) {
	app := App()

	want := []string{
		"init", "tree", "desc", "del", "clone", "clone-tree", "branch",
		"cbranch", "ubranch", "new", "export", "import",
		"deploy", "rollback", "base-update", "current",
		"chroot", "live-chroot", "run", "install", "remove", "upgrade",
		"tmp", "etc-update",
		"sync", "force-sync", "tree-run", "tree-upgrade", "tree-rmpkg",
		"status", "events", "version", "config",
	}

	have := make(map[string]bool, len(app.Commands))
	for _, cmd := range app.Commands {
		have[cmd.Name] = true
		if cmd.Category == "" {
			t.Errorf("command %s has no category", cmd.Name)
		}
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("command %s not registered", name)
		}
	}
	if len(app.Commands) != len(want) {
		t.Errorf("app has %d commands, want %d", len(app.Commands), len(want))
	}
}

func TestSnapshotArg(t *testing.T) {
	a := newTestApp(t)
	a.mustRun(t, "init")

	tests := []struct {
		name string
		args []string
		ok   bool
	}{
		{"numeric id", []string{"desc", "0", "base", "image"}, true},
		{"negative id", []string{"desc", "-1", "x"}, false},
		{"text id", []string{"desc", "zero", "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.run(tt.args...)
			if tt.ok && err != nil {
				t.Errorf("run %v failed: %v", tt.args, err)
			}
			if !tt.ok && err == nil {
				t.Errorf("run %v succeeded, want error", tt.args)
			}
		})
	}
}
