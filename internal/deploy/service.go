package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// WorkflowDispatcher triggers the platform CI release workflow.
type WorkflowDispatcher interface {
	DispatchWorkflow(ctx context.Context, ref string) error
}

// ServiceConfig carries the service-level knobs.
type ServiceConfig struct {
	// DeployChannelID is the aggregate channel deployment updates go to.
	DeployChannelID string
	// SessionGrace is how long a successful deployment's session stays
	// readable before release.
	SessionGrace time.Duration
}

// Service owns the deployment lifecycle: record creation, execution,
// session management and completion.
type Service struct {
	store    Store
	executor *Executor
	msgr     Messenger
	ci       WorkflowDispatcher
	logger   log.Logger
	cfg      ServiceConfig
	metrics  *Metrics

	// running is held from Deploy until the run completes, so a losing
	// concurrent trigger is rejected before a record exists.
	running sync.Mutex
}

// NewService creates the deployment service. msgr and ci may be nil; the
// service then skips notifications / rejects platform_ci deployments.
func NewService(store Store, executor *Executor, msgr Messenger, ci WorkflowDispatcher, metrics *Metrics, logger log.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.SessionGrace <= 0 {
		cfg.SessionGrace = 5 * time.Minute
	}
	return &Service{
		store:    store,
		executor: executor,
		msgr:     msgr,
		ci:       ci,
		logger:   logger,
		cfg:      cfg,
		metrics:  metrics,
	}
}

// Deploy creates an in_progress record and starts the release procedure
// asynchronously. A concurrent execution yields ErrAlreadyRunning without
// creating a record.
func (s *Service) Deploy(ctx context.Context, branch string, method Method, actor string) (*Deployment, error) {
	if method == MethodPlatformCI && s.ci == nil {
		return nil, fmt.Errorf("platform_ci deployments not configured")
	}
	if !s.running.TryLock() {
		return nil, ErrAlreadyRunning
	}
	if s.executor.Busy() {
		s.running.Unlock()
		return nil, ErrAlreadyRunning
	}

	d := &Deployment{
		Branch:      branch,
		TriggeredBy: actor,
		StartedAt:   time.Now().UTC(),
		Status:      StatusInProgress,
		Method:      method,
	}
	if err := s.store.Save(ctx, d); err != nil {
		s.running.Unlock()
		return nil, fmt.Errorf("save deployment: %w", err)
	}

	// Run detached from the triggering request; completion is persisted
	// and announced regardless of the caller's lifetime.
	go func() {
		defer s.running.Unlock()
		s.run(context.WithoutCancel(ctx), *d)
	}()

	return d, nil
}

// Status reports remote process liveness and the last applied commit.
func (s *Service) Status(ctx context.Context) (*RemoteStatus, error) {
	return s.executor.Status(ctx)
}

// Get returns one deployment record.
func (s *Service) Get(ctx context.Context, id int64) (*Deployment, error) {
	return s.store.Get(ctx, id)
}

// Recent returns the newest deployment records.
func (s *Service) Recent(ctx context.Context, limit int) ([]*Deployment, error) {
	return s.store.GetRecent(ctx, limit)
}

func (s *Service) run(ctx context.Context, d Deployment) {
	L := s.logger.With("deployment_id", d.ID, "branch", d.Branch, "method", string(d.Method))

	if d.Method == MethodPlatformCI {
		s.runPlatformCI(ctx, L, d)
		return
	}

	// Acquire the scoped log destination. Creation failure degrades to
	// the aggregate channel only.
	var session *Session
	if s.msgr != nil {
		name := fmt.Sprintf("deploy-%d-%s", d.ID, d.Branch)
		var err error
		session, err = OpenSession(ctx, s.msgr, s.cfg.DeployChannelID, name, s.cfg.SessionGrace, L)
		if err != nil {
			L.Error(ctx, err, "session creation failed, logging to aggregate channel only")
		} else {
			d.SessionRef = session.ThreadID
		}
	}

	s.announce(ctx, fmt.Sprintf("\U0001f680 %s triggered deployment of `%s`", d.TriggeredBy, d.Branch))

	var sink io.Writer
	if session != nil {
		sink = session
	}
	res, err := s.executor.Execute(ctx, d.Branch, sink)

	now := time.Now().UTC()
	d.CompletedAt = &now

	switch {
	case err == nil:
		d.Status = StatusSuccess
		d.Output = res.Output
		d.InvalidationID = res.InvalidationID
		d.FrontendDeployed = res.FrontendDeployed
		d.BackendDeployed = res.BackendDeployed
	case errors.Is(err, ErrTimedOut):
		d.Status = StatusFailed
		d.ErrorMsg = err.Error()
	default:
		d.Status = StatusFailed
		d.ErrorMsg = err.Error()
		var execErr *ExecError
		if errors.As(err, &execErr) {
			d.Output = execErr.Stdout
			if execErr.Stderr != "" {
				d.Output += "\n" + execErr.Stderr
			}
		}
	}

	if uerr := s.store.Update(ctx, &d); uerr != nil {
		L.Error(ctx, uerr, "failed to persist deployment outcome", "status", string(d.Status))
	}
	if s.metrics != nil {
		s.metrics.Observe(&d)
	}

	if session != nil {
		session.Close(d.Status == StatusSuccess)
	}

	if d.Status == StatusSuccess {
		msg := fmt.Sprintf("✅ Deployment %d of `%s` succeeded in %.0fs", d.ID, d.Branch, d.DurationSeconds())
		if d.InvalidationID != "" {
			msg += fmt.Sprintf(" (invalidation `%s`)", d.InvalidationID)
		}
		s.announce(ctx, msg)
		L.Info(ctx, "deployment complete", "duration_seconds", d.DurationSeconds())
	} else {
		s.announce(ctx, fmt.Sprintf("❌ Deployment %d of `%s` failed: %s", d.ID, d.Branch, d.ErrorMsg))
		L.Error(ctx, err, "deployment failed")
	}
}

// runPlatformCI hands the release off to the platform CI workflow. A
// successful dispatch completes the record; tracking the workflow run is
// the CI system's job.
func (s *Service) runPlatformCI(ctx context.Context, L log.Logger, d Deployment) {
	err := s.ci.DispatchWorkflow(ctx, d.Branch)
	now := time.Now().UTC()
	d.CompletedAt = &now
	if err != nil {
		d.Status = StatusFailed
		d.ErrorMsg = err.Error()
		s.announce(ctx, fmt.Sprintf("❌ Workflow dispatch for `%s` failed: %s", d.Branch, err))
		L.Error(ctx, err, "workflow dispatch failed")
	} else {
		d.Status = StatusSuccess
		d.Output = "workflow dispatched"
		s.announce(ctx, fmt.Sprintf("\U0001f680 Workflow dispatched for `%s`", d.Branch))
		L.Info(ctx, "workflow dispatched")
	}
	if uerr := s.store.Update(ctx, &d); uerr != nil {
		L.Error(ctx, uerr, "failed to persist deployment outcome", "status", string(d.Status))
	}
	if s.metrics != nil {
		s.metrics.Observe(&d)
	}
}

func (s *Service) announce(ctx context.Context, msg string) {
	if s.msgr == nil || s.cfg.DeployChannelID == "" {
		return
	}
	if err := s.msgr.Post(ctx, s.cfg.DeployChannelID, msg); err != nil {
		s.logger.Error(ctx, err, "failed to post deployment update")
	}
}
