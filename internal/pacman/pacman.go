package pacman

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

// LiveRoot runs commands against the live environment instead of a chroot.
const LiveRoot = "/"

// Config configures the wrapped package manager.
type Config struct {
	// Bin is the package-manager binary inside the snapshot (default pacman).
	Bin string

	// NoConfirm passes the non-interactive flag on install/remove/upgrade.
	NoConfirm bool
}

// DefaultConfig returns the default package-manager configuration.
func DefaultConfig() Config {
	return Config{Bin: "pacman", NoConfirm: true}
}

// Exec invokes the package manager via chroot into a snapshot root.
type Exec struct {
	cfg Config

	// Stdout and Stderr receive streamed command output. Defaults to the
	// process's own streams.
	Stdout io.Writer
	Stderr io.Writer
}

// NewExec returns an exec-backed package manager.
func NewExec(cfg Config) *Exec {
	if cfg.Bin == "" {
		cfg.Bin = "pacman"
	}
	return &Exec{cfg: cfg, Stdout: os.Stdout, Stderr: os.Stderr}
}

// Install applies packages inside root.
func (e *Exec) Install(ctx context.Context, root string, pkgs []string) error {
	if len(pkgs) == 0 {
		return nil
	}
	args := append([]string{"-S"}, e.confirmArgs()...)
	return e.manage(ctx, root, append(args, pkgs...))
}

// Remove removes packages inside root.
func (e *Exec) Remove(ctx context.Context, root string, pkgs []string) error {
	if len(pkgs) == 0 {
		return nil
	}
	args := append([]string{"-Rns"}, e.confirmArgs()...)
	return e.manage(ctx, root, append(args, pkgs...))
}

// Upgrade runs a full system upgrade inside root.
func (e *Exec) Upgrade(ctx context.Context, root string) error {
	args := append([]string{"-Syu"}, e.confirmArgs()...)
	return e.manage(ctx, root, args)
}

// ListInstalled returns the sorted installed-package names inside root.
func (e *Exec) ListInstalled(ctx context.Context, root string) ([]string, error) {
	var stdout bytes.Buffer
	cmd := e.command(ctx, root, append([]string{e.cfg.Bin}, "-Qq"))
	cmd.Stdout = &stdout
	cmd.Stderr = e.Stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pacman: list installed: %w", err)
	}

	var pkgs []string
	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		if name := strings.TrimSpace(scanner.Text()); name != "" {
			pkgs = append(pkgs, name)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("pacman: list installed: %w", err)
	}
	sort.Strings(pkgs)
	return pkgs, nil
}

// Run executes an arbitrary command inside root and returns its exit
// status. A non-zero status is not an error; a failure to start is.
func (e *Exec) Run(ctx context.Context, root string, argv []string) (int, error) {
	return e.RunEnv(ctx, root, argv, nil)
}

// RunEnv is Run with extra environment variables appended to the
// inherited environment.
func (e *Exec) RunEnv(ctx context.Context, root string, argv []string, env []string) (int, error) {
	if len(argv) == 0 {
		return 0, fmt.Errorf("pacman: empty command")
	}
	cmd := e.command(ctx, root, argv)
	cmd.Stdin = os.Stdin
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("pacman: run %v: %w", argv, err)
}

// manage runs one package-manager invocation and converts a non-zero exit
// into an error: the transaction layer discards on any failure.
func (e *Exec) manage(ctx context.Context, root string, args []string) error {
	status, err := e.Run(ctx, root, append([]string{e.cfg.Bin}, args...))
	if err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("pacman: %s %s exited with status %d", e.cfg.Bin, strings.Join(args, " "), status)
	}
	return nil
}

// command builds the (possibly chrooted) command. The live root runs
// directly; anything else is entered via chroot.
func (e *Exec) command(ctx context.Context, root string, argv []string) *exec.Cmd {
	if root == LiveRoot || root == "" {
		return exec.CommandContext(ctx, argv[0], argv[1:]...)
	}
	return exec.CommandContext(ctx, "chroot", append([]string{root}, argv...)...)
}

func (e *Exec) confirmArgs() []string {
	if e.cfg.NoConfirm {
		return []string{"--noconfirm"}
	}
	return nil
}
