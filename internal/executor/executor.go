package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/securecodehub/semgrep-hub/pkg/types"
)

// waitDelay bounds how long Wait blocks on inherited pipes after the context kills the process.
const waitDelay = 5 * time.Second

// RealCommandExecutor is a struct that implements the CommandExecutor interface.
type RealCommandExecutor struct{}

// ExecuteCommand executes a command and returns its captured output and exit code.
func (r *RealCommandExecutor) ExecuteCommand(ctx context.Context, name string, args []string,
	env []string) (*types.CommandResult, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx cannot be nil")
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = env
	cmd.WaitDelay = waitDelay
	var outb, errb bytes.Buffer
	cmd.Stdout = &outb
	cmd.Stderr = &errb

	err := cmd.Run()
	result := &types.CommandResult{Stdout: outb.String(), Stderr: errb.String()}
	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		return result, fmt.Errorf("command %s did not finish: %w", name, ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("failed to run %s: %w", name, err)
	}
	return result, nil
}

// NewCommandExecutor creates a new instance of the RealCommandExecutor.
func NewCommandExecutor() types.CommandExecutor {
	return &RealCommandExecutor{}
}
