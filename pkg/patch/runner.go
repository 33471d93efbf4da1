package patch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// Command describes one external process invocation.
type Command struct {
	Name  string
	Args  []string
	Dir   string
	Stdin []byte
}

// CommandResult holds everything an external process produced.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Output returns stdout followed by stderr.
func (r CommandResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + r.Stderr
}

// Runner executes external commands. A non-zero exit is reported through
// CommandResult.ExitCode; the error is reserved for commands that could
// not run at all.
type Runner interface {
	Run(ctx context.Context, cmd Command) (CommandResult, error)
}

// ExecRunner runs commands on the local host.
type ExecRunner struct{}

// Run executes cmd and captures its output and exit status.
func (ExecRunner) Run(ctx context.Context, c Command) (CommandResult, error) {
	if c.Name == "" {
		return CommandResult{}, fmt.Errorf("command is required")
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	result := CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("failed to execute %s: %w", c.Name, err)
	}
	return result, nil
}
