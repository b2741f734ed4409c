// Package config defines the grove configuration structure.
package config

import (
	"fmt"

	"github.com/grovekit/grove/internal/bootcfg"
	"github.com/grovekit/grove/internal/pacman"
)

// Config is the full grove configuration, loaded from
// /etc/grove/grove.yaml with GROVE_* environment overrides.
type Config struct {
	// StateDir holds the index, the journal and (for the dir backend)
	// snapshot content.
	StateDir string `koanf:"state_dir" yaml:"state_dir"`

	// RuntimeDir holds lock files and session records.
	RuntimeDir string `koanf:"runtime_dir" yaml:"runtime_dir"`

	// Shell is the interactive chroot shell.
	Shell string `koanf:"shell" yaml:"shell"`

	Store     StoreConfig     `koanf:"store" yaml:"store"`
	Boot      BootConfig      `koanf:"boot" yaml:"boot"`
	Pacman    PacmanConfig    `koanf:"pacman" yaml:"pacman"`
	Sync      SyncConfig      `koanf:"sync" yaml:"sync"`
	Log       LogConfig       `koanf:"log" yaml:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry" yaml:"telemetry"`
}

// StoreConfig selects and locates the snapshot store.
type StoreConfig struct {
	// Backend is btrfs or dir.
	Backend string `koanf:"backend" yaml:"backend"`

	// Root is the directory holding snapshot content.
	Root string `koanf:"root" yaml:"root"`
}

// BootConfig locates the boot-loader surface and the shared entry
// fields.
type BootConfig struct {
	EntriesDir  string `koanf:"entries_dir" yaml:"entries_dir"`
	PointerFile string `koanf:"pointer_file" yaml:"pointer_file"`
	CmdlinePath string `koanf:"cmdline_path" yaml:"cmdline_path"`
	MarkerPath  string `koanf:"marker_path" yaml:"marker_path"`

	Linux   string `koanf:"linux" yaml:"linux"`
	Initrd  string `koanf:"initrd" yaml:"initrd"`
	Options string `koanf:"options" yaml:"options"`
}

// PacmanConfig tunes the package-manager collaborator.
type PacmanConfig struct {
	Bin       string `koanf:"bin" yaml:"bin"`
	NoConfirm bool   `koanf:"no_confirm" yaml:"no_confirm"`
}

// SyncConfig tunes fan-out operations.
type SyncConfig struct {
	// OpsPerMinute paces node transactions during fan-out; 0 disables
	// pacing.
	OpsPerMinute int `koanf:"ops_per_minute" yaml:"ops_per_minute"`
}

// LogConfig tunes the logger.
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
}

// TelemetryConfig tunes metrics output.
type TelemetryConfig struct {
	// Textfile, when set, is the node-exporter textfile collector
	// directory the metrics registry is written into after each
	// invocation.
	Textfile string `koanf:"textfile" yaml:"textfile"`
}

// DefaultConfigPath is the system config file location.
const DefaultConfigPath = "/etc/grove/grove.yaml"

// Default returns the built-in configuration.
func Default() *Config {
	boot := bootcfg.DefaultConfig()
	pm := pacman.DefaultConfig()
	return &Config{
		StateDir:   "/var/lib/grove",
		RuntimeDir: "/run/grove",
		Shell:      "/bin/bash",
		Store: StoreConfig{
			Backend: "btrfs",
			Root:    "/var/lib/grove/snapshots",
		},
		Boot: BootConfig{
			EntriesDir:  boot.EntriesDir,
			PointerFile: boot.PointerFile,
			CmdlinePath: boot.CmdlinePath,
			MarkerPath:  boot.MarkerPath,
			Linux:       "/vmlinuz-linux",
			Initrd:      "/initramfs-linux.img",
			Options:     "root=LABEL=grove rw",
		},
		Pacman: PacmanConfig{
			Bin:       pm.Bin,
			NoConfirm: pm.NoConfirm,
		},
		Sync: SyncConfig{OpsPerMinute: 0},
		Log:  LogConfig{Level: "info", Format: "auto"},
	}
}

// Validate checks the loaded configuration for unusable values.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir must not be empty")
	}
	if c.RuntimeDir == "" {
		return fmt.Errorf("runtime_dir must not be empty")
	}
	switch c.Store.Backend {
	case "btrfs", "dir":
	default:
		return fmt.Errorf("store.backend %q is not supported (btrfs, dir)", c.Store.Backend)
	}
	if c.Store.Root == "" {
		return fmt.Errorf("store.root must not be empty")
	}
	if c.Sync.OpsPerMinute < 0 {
		return fmt.Errorf("sync.ops_per_minute must not be negative")
	}
	return nil
}

// BootcfgConfig converts the boot section for bootcfg.
func (c *Config) BootcfgConfig() bootcfg.Config {
	return bootcfg.Config{
		EntriesDir:  c.Boot.EntriesDir,
		PointerFile: c.Boot.PointerFile,
		CmdlinePath: c.Boot.CmdlinePath,
		MarkerPath:  c.Boot.MarkerPath,
	}
}

// PacmanExecConfig converts the pacman section for the collaborator.
func (c *Config) PacmanExecConfig() pacman.Config {
	return pacman.Config{
		Bin:       c.Pacman.Bin,
		NoConfirm: c.Pacman.NoConfirm,
	}
}
