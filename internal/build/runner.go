// Package build compiles a repository's solution before deployment.
package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rancher/deployd/internal/process"
)

// ErrNoSolution is returned by Build when no solution has been loaded.
var ErrNoSolution = errors.New("no solution loaded")

const (
	DefaultCommand = "dotnet"
	DefaultTimeout = 30 * time.Minute
)

// DefaultArgs is the argument template for DefaultCommand. {solution} and
// {configuration} are expanded before the command runs.
var DefaultArgs = []string{"build", "{solution}", "--configuration", "{configuration}"}

// Runner loads a solution and builds it with a named configuration.
type Runner interface {
	LoadSolution(ctx context.Context, path string) error
	Build(ctx context.Context, configuration string) error
}

// CommandRunner builds the loaded solution by running an external command in
// the solution's directory.
type CommandRunner struct {
	Command string
	Args    []string
	Timeout time.Duration
	Logger  *zap.Logger

	solution string
}

// NewCommandRunner returns a runner using command and args, falling back to the
// dotnet defaults for empty values.
func NewCommandRunner(command string, args []string, timeout time.Duration, logger *zap.Logger) *CommandRunner {
	if command == "" {
		command = DefaultCommand
		if len(args) == 0 {
			args = DefaultArgs
		}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandRunner{Command: command, Args: args, Timeout: timeout, Logger: logger}
}

func (r *CommandRunner) LoadSolution(ctx context.Context, path string) error {
	r.solution = ""
	if path == "" {
		return fmt.Errorf("load solution: %w", ErrNoSolution)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("load solution: %w", err)
	}
	info, err := f.Stat()
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("load solution: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("load solution: %s is a directory", path)
	}
	r.solution = path
	return nil
}

// Solution returns the currently loaded solution path.
func (r *CommandRunner) Solution() string {
	return r.solution
}

func (r *CommandRunner) Build(ctx context.Context, configuration string) error {
	if r.solution == "" {
		return ErrNoSolution
	}

	args := expandArgs(r.Args, r.solution, configuration)
	cmd := exec.Command(r.Command, args...)
	cmd.Dir = filepath.Dir(r.solution)

	runCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	start := time.Now()
	out, err := process.Run(runCtx, cmd)
	log := r.Logger.With(
		zap.String("solution", r.solution),
		zap.String("configuration", configuration),
		zap.Duration("elapsed", time.Since(start)),
	)
	if err != nil {
		if process.IsTimeout(err) {
			log.Warn("build timed out", zap.Duration("timeout", r.Timeout))
			return fmt.Errorf("build %s: timed out after %s", r.solution, r.Timeout)
		}
		log.Warn("build failed", zap.Error(err), zap.String("output", tail(out, 4096)))
		return fmt.Errorf("build %s: %w", r.solution, err)
	}
	log.Info("build succeeded")
	return nil
}

func expandArgs(tmpl []string, solution, configuration string) []string {
	replacer := strings.NewReplacer("{solution}", solution, "{configuration}", configuration)
	out := make([]string, len(tmpl))
	for i, a := range tmpl {
		out[i] = replacer.Replace(a)
	}
	return out
}

func tail(out []byte, n int) string {
	if len(out) <= n {
		return string(out)
	}
	return string(out[len(out)-n:])
}

// NoopRunner accepts every solution and build. It backs dry runs.
type NoopRunner struct {
	Logger *zap.Logger
}

func (n NoopRunner) LoadSolution(ctx context.Context, path string) error {
	return nil
}

func (n NoopRunner) Build(ctx context.Context, configuration string) error {
	if n.Logger != nil {
		n.Logger.Info("dry run: skipping build", zap.String("configuration", configuration))
	}
	return nil
}
