package command

import (
	"encoding/json"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/grovekit/grove/internal/storage/journal"
)

func TestSystemStatus(t *testing.T) {
	a := newTestApp(t)
	a.mustRun(t, "init")
	a.mustRun(t, "branch", "0")
	a.mustRun(t, "deploy", "1")

	t.Run("table", func(t *testing.T) {
		out := a.mustRun(t, "status")
		if !strings.Contains(out, "default:   1") {
			t.Errorf("status output:\n%s", out)
		}
		if !strings.Contains(out, "snapshots: 2") {
			t.Errorf("status output:\n%s", out)
		}
		if !strings.Contains(out, "sessions:  none") {
			t.Errorf("status output:\n%s", out)
		}
	})

	t.Run("json", func(t *testing.T) {
		out := a.mustRun(t, "--output", "json", "status")
		var report struct {
			DefaultID *uint64 `json:"default_id"`
			Snapshots int     `json:"snapshots"`
		}
		if err := json.Unmarshal([]byte(out), &report); err != nil {
			t.Fatalf("status --output json is not JSON: %v", err)
		}
		if report.DefaultID == nil || *report.DefaultID != 1 {
			t.Errorf("default_id = %v, want 1", report.DefaultID)
		}
		if report.Snapshots != 2 {
			t.Errorf("snapshots = %d, want 2", report.Snapshots)
		}
	})
}

func TestSystemEvents(t *testing.T) {
	a := newTestApp(t)
	a.mustRun(t, "init")
	a.mustRun(t, "branch", "0")

	out := a.mustRun(t, "events")
	if !strings.Contains(out, "init") || !strings.Contains(out, "branch") {
		t.Errorf("events output:\n%s", out)
	}

	t.Run("json", func(t *testing.T) {
		out := a.mustRun(t, "--output", "json", "events")
		var entries []journal.Entry
		if err := json.Unmarshal([]byte(out), &entries); err != nil {
			t.Fatalf("events --output json is not JSON: %v", err)
		}
		if len(entries) != 2 {
			t.Errorf("got %d entries, want 2", len(entries))
		}
	})

	t.Run("limit", func(t *testing.T) {
		out := a.mustRun(t, "events", "--limit", "1")
		lines := strings.Split(strings.TrimSpace(out), "\n")
		if len(lines) != 1 {
			t.Errorf("got %d lines with --limit 1:\n%s", len(lines), out)
		}
	})
}

func TestSystemVersion(t *testing.T) {
	a := newTestApp(t)

	out := a.mustRun(t, "version")
	if !strings.Contains(out, "grove ") {
		t.Errorf("version output = %q", out)
	}
}

func TestSystemConfigShow(t *testing.T) {
	a := newTestApp(t)

	out := a.mustRun(t, "config", "show")
	var cfg map[string]any
	if err := yaml.Unmarshal([]byte(out), &cfg); err != nil {
		t.Fatalf("config show is not YAML: %v", err)
	}
	if _, ok := cfg["store"]; !ok {
		t.Errorf("config show missing store section:\n%s", out)
	}
}
