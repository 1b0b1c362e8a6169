package compressor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// CommandRunner executes an external binary and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands through os/exec, killing them after Timeout.
type ExecRunner struct {
	Timeout time.Duration
}

// Run implements CommandRunner. Arguments are passed to the binary directly,
// never through a shell.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, fmt.Errorf("%s: %w", name, ctxErr)
	}
	return out, err
}

// isExitError reports whether the command ran but exited non-zero.
func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}
