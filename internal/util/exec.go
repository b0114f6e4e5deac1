package util

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// RequireBinary verifies the binary is on PATH.
func RequireBinary(name string) error {
	_, err := exec.LookPath(name)
	if err != nil {
		return fmt.Errorf("required binary not found: %s", name)
	}
	return nil
}

// Command builds an exec.Cmd with the process environment plus extra entries.
func Command(ctx context.Context, name string, args []string, env []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = MergeEnv(env)
	return cmd
}

// ExitCode extracts the exit status from a command error. nil maps to 0; an
// error that carries no exit status (command never started, killed by signal)
// maps to -1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
