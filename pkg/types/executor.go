package types

import "context"

// CommandResult holds what a finished child process produced.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandExecutor is an interface for executing commands.
type CommandExecutor interface {
	// ExecuteCommand runs name with args and exactly the given environment.
	// A non-zero exit status is reported through CommandResult.ExitCode, not as an error.
	// An error is returned when the process cannot be started or the context ends first.
	ExecuteCommand(ctx context.Context, name string, args []string, env []string) (*CommandResult, error)
}
