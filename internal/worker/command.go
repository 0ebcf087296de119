package worker

import (
	"bytes"
	"context"
	"os/exec"
)

// CommandRunner abstracts one-shot subprocess execution so Worker can
// be tested against a fake without invoking the real iptables-save
// binary.
type CommandRunner interface {
	// Output runs name with args and returns its stdout. A non-zero
	// exit is reported as an error that includes captured stderr.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// RealCommandRunner runs subprocesses via os/exec.
type RealCommandRunner struct{}

// Output implements CommandRunner.
func (RealCommandRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, &SubprocessError{Name: name, Args: args, Stderr: stderr.String(), Err: err}
	}
	return out, nil
}

// DefaultCommandRunner is the runner used when a Worker is constructed
// without one.
var DefaultCommandRunner CommandRunner = RealCommandRunner{}
