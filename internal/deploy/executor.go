package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// outputTailBytes bounds the stdout/stderr tails captured on failure.
const outputTailBytes = 4096

// maxCapturedOutput bounds the full output retained on success.
const maxCapturedOutput = 256 << 10

var invalidationRe = regexp.MustCompile(`(?m)Invalidation ID:\s*(\S+)`)

// ExecError is returned when the release procedure exits non-zero. It
// carries bounded tails of the process output for post-mortem.
type ExecError struct {
	Step     string
	ExitCode int
	Stdout   string
	Stderr   string
}

// Error implements the error interface.
func (e *ExecError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s failed (exit %d): %s", e.Step, e.ExitCode, strings.TrimSpace(e.Stderr))
	}
	return fmt.Sprintf("%s failed with exit code %d", e.Step, e.ExitCode)
}

// Result is the outcome of a successful release run.
type Result struct {
	Output           string
	InvalidationID   string
	FrontendDeployed bool
	BackendDeployed  bool
}

// ExecutorConfig carries everything the release procedure needs.
type ExecutorConfig struct {
	// RepoPath is the local checkout the release script deploys from.
	RepoPath string
	// Script is the release script path (outside the repo).
	Script string
	// Timeout is the wall-clock budget for the script itself.
	Timeout time.Duration

	SSHKeyPath string
	SSHHost    string
	SSHUser    string
	// RemoteAppPath is the deployed tree on the target host, used by Status.
	RemoteAppPath string
	// RemoteProcess is the process name Status probes for liveness.
	RemoteProcess string
}

// Executor runs the release procedure. At most one Execute is in progress
// process-wide; a second call returns ErrAlreadyRunning.
type Executor struct {
	cfg    ExecutorConfig
	runner RemoteRunner
	logger log.Logger

	mu sync.Mutex // execution lock, held for the full Execute call
}

// NewExecutor creates a release executor.
func NewExecutor(cfg ExecutorConfig, runner RemoteRunner, logger log.Logger) *Executor {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Executor{cfg: cfg, runner: runner, logger: logger}
}

// Busy reports whether an execution currently holds the lock. The answer
// is advisory; Execute itself still enforces the single-flight contract.
func (e *Executor) Busy() bool {
	if e.mu.TryLock() {
		e.mu.Unlock()
		return false
	}
	return true
}

// Execute synchronizes the source tree to branch and runs the release
// script under the configured wall-clock budget. sink, when non-nil,
// receives output as it is produced. On timeout the whole process group is
// killed and ErrTimedOut is returned; no child outlives the call.
func (e *Executor) Execute(ctx context.Context, branch string, sink io.Writer) (*Result, error) {
	if !e.mu.TryLock() {
		return nil, ErrAlreadyRunning
	}
	defer e.mu.Unlock()

	e.logger.Info(ctx, "starting deployment", "branch", branch)

	gitSteps := [][]string{
		{"git", "fetch", "origin"},
		{"git", "checkout", branch},
		{"git", "pull", "origin", branch},
	}
	for _, args := range gitSteps {
		if _, err := e.run(ctx, runSpec{
			name:    args[0],
			args:    args[1:],
			dir:     e.cfg.RepoPath,
			timeout: 2 * time.Minute,
			sink:    sink,
		}); err != nil {
			return nil, fmt.Errorf("sync source tree: %w", err)
		}
	}

	env := append(os.Environ(),
		"DEPLOY_REPO_PATH="+e.cfg.RepoPath,
		"DEPLOY_SSH_KEY="+e.cfg.SSHKeyPath,
		"DEPLOY_HOST="+e.cfg.SSHHost,
		"DEPLOY_USER="+e.cfg.SSHUser,
		"DEPLOY_BRANCH="+branch,
	)

	out, err := e.run(ctx, runSpec{
		name:    e.cfg.Script,
		env:     env,
		timeout: e.cfg.Timeout,
		sink:    sink,
	})
	if err != nil {
		return nil, err
	}

	res := &Result{Output: out}
	if m := invalidationRe.FindStringSubmatch(out); m != nil {
		res.InvalidationID = m[1]
	}
	lower := strings.ToLower(out)
	res.FrontendDeployed = strings.Contains(lower, "frontend deployed")
	res.BackendDeployed = strings.Contains(lower, "backend deployed")

	e.logger.Info(ctx, "deployment script finished",
		"branch", branch,
		"invalidation_id", res.InvalidationID,
	)
	return res, nil
}

type runSpec struct {
	name    string
	args    []string
	dir     string
	env     []string
	timeout time.Duration
	sink    io.Writer
}

// run starts the command in its own process group so that a timeout can
// terminate the whole tree, not just the direct child.
func (e *Executor) run(ctx context.Context, spec runSpec) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, spec.timeout)
	defer cancel()

	cmd := exec.Command(spec.name, spec.args...)
	cmd.Dir = spec.dir
	cmd.Env = spec.env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if spec.sink != nil {
		cmd.Stdout = io.MultiWriter(&stdout, spec.sink)
		cmd.Stderr = io.MultiWriter(&stderr, spec.sink)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", spec.name, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-cctx.Done():
		// Negative pid signals the process group.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		e.logger.Error(ctx, ErrTimedOut, "release procedure killed",
			"step", spec.name, "timeout", spec.timeout.String())
		return "", fmt.Errorf("%s after %s: %w", spec.name, spec.timeout, ErrTimedOut)
	case err := <-done:
		if err != nil {
			var exitErr *exec.ExitError
			code := -1
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			}
			return "", &ExecError{
				Step:     spec.name,
				ExitCode: code,
				Stdout:   tail(stdout.String(), outputTailBytes),
				Stderr:   tail(stderr.String(), outputTailBytes),
			}
		}
	}

	out := stdout.String()
	if stderr.Len() > 0 {
		out += stderr.String()
	}
	return tail(out, maxCapturedOutput), nil
}

// Status queries the target host: process liveness plus the last applied
// commit. Connectivity failures surface as errors from the runner.
func (e *Executor) Status(ctx context.Context) (*RemoteStatus, error) {
	target := e.cfg.SSHUser + "@" + e.cfg.SSHHost

	liveness, err := e.runner.Run(ctx, 30*time.Second, nil,
		"ssh", "-i", e.cfg.SSHKeyPath, target, "pgrep -f "+e.cfg.RemoteProcess)
	if err != nil {
		return nil, fmt.Errorf("query process liveness: %w", err)
	}
	st := &RemoteStatus{Running: strings.TrimSpace(liveness.Stdout) != ""}

	gitOut, err := e.runner.Run(ctx, 30*time.Second, nil,
		"ssh", "-i", e.cfg.SSHKeyPath, target,
		fmt.Sprintf("cd %s && git log -1 --format=%%H|%%an|%%ar|%%s", e.cfg.RemoteAppPath))
	if err != nil {
		return nil, fmt.Errorf("query last commit: %w", err)
	}
	if line := strings.TrimSpace(gitOut.Stdout); line != "" {
		parts := strings.SplitN(line, "|", 4)
		if len(parts) == 4 {
			hash := parts[0]
			if len(hash) > 8 {
				hash = hash[:8]
			}
			st.LastCommit = &CommitInfo{
				Hash:    hash,
				Author:  parts[1],
				Age:     parts[2],
				Message: parts[3],
			}
		}
	}
	return st, nil
}

// RemoteStatus describes the target host as seen by Status.
type RemoteStatus struct {
	Running    bool        `json:"is_running"`
	LastCommit *CommitInfo `json:"last_commit,omitempty"`
}

// CommitInfo is the last applied commit on the target host.
type CommitInfo struct {
	Hash    string `json:"hash"`
	Author  string `json:"author"`
	Age     string `json:"time_ago"`
	Message string `json:"message"`
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
