// Package deploy implements deployment orchestration and tracking: a
// status-guarded deployment store, a single-flight release executor, and
// the service tying them to an ephemeral log destination.
package deploy

import (
	"context"
	"errors"
	"time"
)

// Status tracks where a deployment is in its lifecycle. Terminal states
// are final; a deployment is never reopened.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Method says how the release procedure runs.
type Method string

const (
	// MethodDirect runs the release script from this process.
	MethodDirect Method = "direct"
	// MethodPlatformCI dispatches the platform CI workflow instead.
	MethodPlatformCI Method = "platform_ci"
)

var (
	// ErrNotFound means no deployment exists with the given id.
	ErrNotFound = errors.New("deployment not found")

	// ErrTerminal means an update tried to move a deployment out of a
	// terminal status.
	ErrTerminal = errors.New("deployment already completed")

	// ErrAlreadyRunning means a deployment execution is in progress and a
	// second one was requested.
	ErrAlreadyRunning = errors.New("deployment already running")

	// ErrTimedOut means the release procedure exceeded its wall-clock
	// budget. The process tree is terminated before this is returned.
	ErrTimedOut = errors.New("deployment timed out")
)

// Deployment is one execution attempt of the release procedure.
type Deployment struct {
	ID          int64      `json:"id"`
	Branch      string     `json:"branch"`
	CommitHash  string     `json:"commit_hash,omitempty"`
	TriggeredBy string     `json:"triggered_by"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Status      Status     `json:"status"`
	Method      Method     `json:"method"`
	Output      string     `json:"output,omitempty"`
	ErrorMsg    string     `json:"error_message,omitempty"`

	// SessionRef points at the ephemeral log destination, when one was
	// acquired for this deployment.
	SessionRef string `json:"session_ref,omitempty"`

	FrontendDeployed bool   `json:"frontend_deployed"`
	BackendDeployed  bool   `json:"backend_deployed"`
	InvalidationID   string `json:"invalidation_id,omitempty"`
}

// DurationSeconds derives the run time from the timestamps.
func (d *Deployment) DurationSeconds() float64 {
	if d.CompletedAt == nil {
		return 0
	}
	return d.CompletedAt.Sub(d.StartedAt).Seconds()
}

// Store is the persistence interface for deployments.
type Store interface {
	// Save creates the deployment and assigns its ID.
	Save(ctx context.Context, d *Deployment) error

	// Update rewrites the record. Transitions out of a terminal status
	// are rejected with ErrTerminal.
	Update(ctx context.Context, d *Deployment) error

	Get(ctx context.Context, id int64) (*Deployment, error)
	GetRecent(ctx context.Context, limit int) ([]*Deployment, error)
	GetByStatus(ctx context.Context, status Status) ([]*Deployment, error)

	// GetLastSuccess returns the most recently completed successful
	// deployment, or ErrNotFound.
	GetLastSuccess(ctx context.Context) (*Deployment, error)
}
