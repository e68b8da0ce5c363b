package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// RunResult carries the outcome of one remote command invocation.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// RemoteRunner executes a command with a bounded timeout on behalf of the
// orchestrator. A non-zero exit is a result, not an error; errors mean the
// command could not run or was cut off.
type RemoteRunner interface {
	Run(ctx context.Context, timeout time.Duration, env []string, name string, args ...string) (RunResult, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements RemoteRunner. The command runs in its own process group
// so a timeout terminates the whole tree; a killed run is ErrTimedOut,
// never a RunResult.
func (ExecRunner) Run(ctx context.Context, timeout time.Duration, env []string, name string, args ...string) (RunResult, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(name, args...)
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return RunResult{}, fmt.Errorf("start %s: %w", name, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case <-cctx.Done():
		// Negative pid signals the process group.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return RunResult{Stdout: stdout.String(), Stderr: stderr.String()},
			fmt.Errorf("%s: %w", name, ErrTimedOut)
	case err = <-done:
	}

	res := RunResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("run %s: %w", name, err)
	}
	return res, nil
}
