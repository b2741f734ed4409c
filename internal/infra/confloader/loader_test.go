package confloader

import (
	"os"
	"path/filepath"
	"testing"
)

type testConfig struct {
	StateDir string `koanf:"state_dir"`
	Store    struct {
		Backend string `koanf:"backend"`
		Root    string `koanf:"root"`
	} `koanf:"store"`
	Sync struct {
		OpsPerMinute int `koanf:"ops_per_minute"`
	} `koanf:"sync"`
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "grove.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// TestLoader_File tests YAML file loading.
func TestLoader_File(t *testing.T) {
	path := writeConfigFile(t, `
state_dir: /var/lib/grove
store:
  backend: btrfs
  root: /.grove
sync:
  ops_per_minute: 30
`)

	var cfg testConfig
	l := NewLoader(WithConfigFile(path))
	if err := l.Load(&cfg); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.StateDir != "/var/lib/grove" {
		t.Errorf("state_dir = %s", cfg.StateDir)
	}
	if cfg.Store.Backend != "btrfs" || cfg.Store.Root != "/.grove" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Sync.OpsPerMinute != 30 {
		t.Errorf("ops_per_minute = %d", cfg.Sync.OpsPerMinute)
	}
}

// TestLoader_EnvOverridesFile tests source priority.
func TestLoader_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "store:\n  backend: dir\nstate_dir: /var/lib/grove\n")
	t.Setenv("GROVE_STORE__BACKEND", "btrfs")
	t.Setenv("GROVE_STATE_DIR", "/srv/grove")

	var cfg testConfig
	l := NewLoader(WithConfigFile(path))
	if err := l.Load(&cfg); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Backend != "btrfs" {
		t.Errorf("backend = %s, env should override file", cfg.Store.Backend)
	}
	if cfg.StateDir != "/srv/grove" {
		t.Errorf("state_dir = %s, flat env key should map through", cfg.StateDir)
	}
}

// TestLoader_MapOverridesAll tests flag-style overrides.
func TestLoader_MapOverridesAll(t *testing.T) {
	t.Setenv("GROVE_STORE__BACKEND", "dir")

	var cfg testConfig
	l := NewLoader()
	if err := l.LoadEnv(); err != nil {
		t.Fatalf("LoadEnv failed: %v", err)
	}
	if err := l.LoadMap(map[string]any{"store.backend": "btrfs"}); err != nil {
		t.Fatalf("LoadMap failed: %v", err)
	}
	if err := l.k.Unmarshal("", &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cfg.Store.Backend != "btrfs" {
		t.Errorf("backend = %s, map should override env", cfg.Store.Backend)
	}
}

// TestLoader_MissingFile tests that an absent config file is not fatal.
func TestLoader_MissingFile(t *testing.T) {
	var cfg testConfig
	l := NewLoader(WithConfigFile(filepath.Join(t.TempDir(), "absent.yaml")))
	if err := l.Load(&cfg); err != nil {
		t.Fatalf("Load with missing file should succeed: %v", err)
	}
}

// TestLoader_Defaults tests that target initial values survive.
func TestLoader_Defaults(t *testing.T) {
	cfg := testConfig{StateDir: "/var/lib/grove"}
	cfg.Sync.OpsPerMinute = 60

	l := NewLoader()
	if err := l.Load(&cfg); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.StateDir != "/var/lib/grove" || cfg.Sync.OpsPerMinute != 60 {
		t.Errorf("defaults clobbered: %+v", cfg)
	}
}
