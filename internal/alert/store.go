package alert

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all Store implementations.
var (
	// ErrNotFound means no alert exists with the given id.
	ErrNotFound = errors.New("alert not found")

	// ErrAlreadyAcknowledged means the acknowledged flag was already set.
	// The flag transitions false -> true exactly once.
	ErrAlreadyAcknowledged = errors.New("alert already acknowledged")

	// ErrLinkAlreadySet means the targeted PR or issue link is already
	// non-empty. Links are set-once and never overwritten.
	ErrLinkAlreadySet = errors.New("link already set")

	// ErrNoLinksGiven means UpdateLinks was called with neither link.
	ErrNoLinksGiven = errors.New("no links given")
)

// Store is the persistence interface for alerts. All mutations are atomic
// per record; Acknowledge and UpdateLinks are conditional updates so that
// concurrent triggers cannot both succeed.
type Store interface {
	// Save upserts the alert keyed by its internal ID.
	Save(ctx context.Context, a *Alert) error

	// Get returns the alert or ErrNotFound.
	Get(ctx context.Context, id string) (*Alert, error)

	// ResolveShortID returns the most recent alert whose ID starts with
	// prefix, or ErrNotFound.
	ResolveShortID(ctx context.Context, prefix string) (*Alert, error)

	// GetRecent returns up to limit alerts ordered by occurred_at
	// descending. acked filters on the acknowledged flag when non-nil.
	GetRecent(ctx context.Context, limit int, acked *bool) ([]*Alert, error)

	// GetByService returns up to limit alerts for one service, newest first.
	GetByService(ctx context.Context, service string, limit int) ([]*Alert, error)

	// Acknowledge sets the acknowledgment flag, actor and timestamp, or
	// returns ErrAlreadyAcknowledged / ErrNotFound.
	Acknowledge(ctx context.Context, id, actor string) error

	// UpdateLinks sets the PR and/or issue links. A non-empty argument
	// targeting an already-set link returns ErrLinkAlreadySet; empty
	// arguments for both return ErrNoLinksGiven.
	UpdateLinks(ctx context.Context, id, prURL, issueURL string) error

	// Cleanup deletes alerts that occurred more than maxAge ago and
	// returns how many were removed.
	Cleanup(ctx context.Context, maxAge time.Duration) (int, error)
}
