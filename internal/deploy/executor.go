package deploy

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rancher/deployd/internal/process"
)

// DefaultProcessWait bounds how long an ExecuteFile action may run.
const DefaultProcessWait = 60 * time.Second

// Runner executes a single action. The bool reports whether the action
// succeeded; an error is returned only when it could not be attempted.
type Runner interface {
	Execute(ctx context.Context, a Action) (bool, error)
}

// Executor runs actions on the local host.
type Executor struct {
	// ProcessWait bounds ExecuteFile actions. Defaults to DefaultProcessWait.
	ProcessWait time.Duration
	// Sudo is the binary used for elevated or impersonated execution.
	Sudo   string
	Logger *zap.Logger
}

// NewExecutor returns an Executor with the given process wait.
func NewExecutor(processWait time.Duration, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{ProcessWait: processWait, Logger: logger}
}

func (e *Executor) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Executor) Execute(ctx context.Context, a Action) (bool, error) {
	switch act := a.(type) {
	case NoAction:
		return true, nil
	case CopyFile:
		return e.copyFile(act)
	case ExecuteFile:
		return e.executeFile(ctx, act)
	case SendEmail, CheckUnitTests, RunDatabaseScript:
		e.logger().Warn("deployment action not implemented", zap.Stringer("action", a.Type()))
		return false, nil
	default:
		return false, fmt.Errorf("unsupported deployment action %T", a)
	}
}

func (e *Executor) copyFile(a CopyFile) (bool, error) {
	if strings.TrimSpace(a.Source) == "" || strings.TrimSpace(a.Destination) == "" {
		return false, nil
	}

	src, err := os.Open(a.Source)
	if err != nil {
		return false, fmt.Errorf("copy %s: %w", a.Source, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return false, fmt.Errorf("copy %s: %w", a.Source, err)
	}

	if err := os.MkdirAll(filepath.Dir(a.Destination), 0o755); err != nil {
		return false, fmt.Errorf("copy %s: %w", a.Source, err)
	}
	dst, err := os.OpenFile(a.Destination, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return false, fmt.Errorf("copy to %s: %w", a.Destination, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return false, fmt.Errorf("copy to %s: %w", a.Destination, err)
	}
	if err := dst.Close(); err != nil {
		return false, fmt.Errorf("copy to %s: %w", a.Destination, err)
	}

	e.logger().Info("copied file", zap.String("source", a.Source), zap.String("destination", a.Destination))
	return true, nil
}

func (e *Executor) executeFile(ctx context.Context, a ExecuteFile) (bool, error) {
	if strings.TrimSpace(a.File) == "" {
		return false, nil
	}

	wait := e.ProcessWait
	if wait <= 0 {
		wait = DefaultProcessWait
	}
	runCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	cmd := e.command(a)
	log := e.logger().With(zap.String("file", a.File), zap.String("args", a.Args))

	out, err := process.Run(runCtx, cmd)
	switch {
	case err == nil:
		log.Info("executed file")
		return true, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	case process.IsTimeout(err):
		log.Warn("execution did not finish in time", zap.Duration("wait", wait))
		return false, nil
	}

	if code, ok := process.ExitCode(err); ok {
		log.Warn("execution failed", zap.Int("exit_code", code), zap.String("output", strings.TrimSpace(string(out))))
		return false, nil
	}
	return false, fmt.Errorf("start %s: %w", a.File, err)
}

func (e *Executor) command(a ExecuteFile) *exec.Cmd {
	args := strings.Fields(a.Args)
	elevated := strings.EqualFold(strings.TrimSpace(a.Mode), "elevated")
	user := strings.TrimSpace(a.Username)
	if !elevated && user == "" {
		return exec.Command(a.File, args...)
	}

	var sudoArgs []string
	if a.Password != "" {
		sudoArgs = append(sudoArgs, "-S", "-p", "")
	} else {
		sudoArgs = append(sudoArgs, "-n")
	}
	if user != "" {
		sudoArgs = append(sudoArgs, "-u", user)
	}
	sudoArgs = append(sudoArgs, "--", a.File)
	sudoArgs = append(sudoArgs, args...)

	sudo := e.Sudo
	if sudo == "" {
		sudo = "sudo"
	}
	cmd := exec.Command(sudo, sudoArgs...)
	if a.Password != "" {
		cmd.Stdin = strings.NewReader(a.Password + "\n")
	}
	return cmd
}

// NoopExecutor logs every action and reports success. It backs dry runs.
type NoopExecutor struct {
	Logger *zap.Logger
}

func (n NoopExecutor) Execute(ctx context.Context, a Action) (bool, error) {
	if n.Logger != nil {
		n.Logger.Info("dry run: skipping deployment action", zap.Stringer("action", a.Type()))
	}
	return true, nil
}
