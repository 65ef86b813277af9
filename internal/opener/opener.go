// Package opener opens a directory in the desktop file manager.
package opener

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// Runner starts an external command.
type Runner func(ctx context.Context, name string, args ...string) error

// Opener creates and opens directories.
type Opener struct {
	goos string
	run  Runner
}

// New returns an Opener for the current platform.
func New() *Opener {
	return &Opener{goos: runtime.GOOS, run: execRunner}
}

// NewWithRunner returns an Opener that uses run for the given platform.
func NewWithRunner(goos string, run Runner) *Opener {
	return &Opener{goos: goos, run: run}
}

// Open creates dir if absent and opens it.
func (o *Opener) Open(ctx context.Context, dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("opener: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return fmt.Errorf("opener: ensure directory: %w", err)
	}

	name, args := o.command(abs)
	if err := o.run(ctx, name, args...); err != nil {
		return fmt.Errorf("opener: %s %s: %w", name, abs, err)
	}
	return nil
}

func (o *Opener) command(path string) (string, []string) {
	switch o.goos {
	case "windows":
		return "explorer", []string{path}
	case "darwin":
		return "open", []string{path}
	default:
		return "xdg-open", []string{path}
	}
}

func execRunner(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}
