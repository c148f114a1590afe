// Package process runs child processes in their own process group so that a
// cancelled or timed out command never leaves grandchildren behind.
package process

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sync"
)

// Run starts cmd in a new process group and waits for it. Stdout and stderr are
// captured together unless the caller already set them. When ctx is done before
// the process exits, the whole group is killed and ctx.Err() is returned.
func Run(ctx context.Context, cmd *exec.Cmd) ([]byte, error) {
	setProcessGroup(cmd)

	var output syncBuffer
	if cmd.Stdout == nil {
		cmd.Stdout = &output
	}
	if cmd.Stderr == nil {
		cmd.Stderr = &output
	}

	if err := cmd.Start(); err != nil {
		return output.Bytes(), err
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		terminateProcessGroup(cmd)
		<-done
		return output.Bytes(), ctx.Err()
	case err := <-done:
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return output.Bytes(), ctxErr
			}
			return output.Bytes(), err
		}
	}

	return output.Bytes(), nil
}

// ExitCode extracts the exit status from an error returned by Run. It reports
// false when the process never ran to completion.
func ExitCode(err error) (int, bool) {
	if err == nil {
		return 0, true
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), true
	}
	return -1, false
}

// IsTimeout reports whether err came from the context deadline passed to Run.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}
