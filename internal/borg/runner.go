package borg

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/rowjay/hostbak/internal/util"
)

// Runner executes the borg binary. The indirection exists for tests; the
// orchestrator always uses execRunner.
type Runner interface {
	// Run executes borg with args, returning the exit code and stdout.
	// err is non-nil only when the process could not be run at all.
	Run(ctx context.Context, env []string, args ...string) (int, []byte, error)
	// RunTo executes borg with args, streaming stdout into w.
	RunTo(ctx context.Context, w io.Writer, env []string, args ...string) (int, error)
}

type execRunner struct {
	binary string
}

// NewRunner returns the production borg runner.
func NewRunner(binary string) Runner {
	if binary == "" {
		binary = "borg"
	}
	return &execRunner{binary: binary}
}

func (r *execRunner) Run(ctx context.Context, env []string, args ...string) (int, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := util.Command(ctx, r.binary, args, env)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	code := util.ExitCode(err)
	if err != nil && code < 0 {
		return code, stdout.Bytes(), fmt.Errorf("run %s: %w", r.binary, err)
	}
	if code != 0 {
		// Exit status is meaningful to the caller; attach stderr context
		// without treating it as a process-level failure.
		return code, stdout.Bytes(), &CommandError{Args: args, Code: code, Stderr: stderr.String()}
	}
	return 0, stdout.Bytes(), nil
}

func (r *execRunner) RunTo(ctx context.Context, w io.Writer, env []string, args ...string) (int, error) {
	var stderr bytes.Buffer
	cmd := util.Command(ctx, r.binary, args, env)
	cmd.Stdout = w
	cmd.Stderr = &stderr
	err := cmd.Run()
	code := util.ExitCode(err)
	if err != nil && code < 0 {
		return code, fmt.Errorf("run %s: %w", r.binary, err)
	}
	if code != 0 {
		return code, &CommandError{Args: args, Code: code, Stderr: stderr.String()}
	}
	return 0, nil
}

// CommandError is a borg invocation that exited non-zero.
type CommandError struct {
	Args   []string
	Code   int
	Stderr string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("borg %v exited %d", e.Args, e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}
