// Package pgstore provides a PostgreSQL implementation of deploy.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/jinkies/internal/deploy"
)

var tracer = otel.Tracer("github.com/linnemanlabs/jinkies/internal/deploy/pgstore")

//go:embed schema.sql
var schema string

// Store persists deployment records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const deployColumns = `id, branch, commit_hash, triggered_by, started_at, completed_at,
	status, method, output, error_message, session_ref,
	frontend_deployed, backend_deployed, invalidation_id`

// Save creates the deployment and assigns its ID.
func (s *Store) Save(ctx context.Context, d *deploy.Deployment) error {
	ctx, span := startSpan(ctx, "pgstore.Save", "INSERT")
	defer span.End()

	err := s.pool.QueryRow(ctx, `INSERT INTO deployments (
		branch, commit_hash, triggered_by, started_at, completed_at,
		status, method, output, error_message, session_ref,
		frontend_deployed, backend_deployed, invalidation_id
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13) RETURNING id`,
		d.Branch, d.CommitHash, d.TriggeredBy, d.StartedAt, d.CompletedAt,
		string(d.Status), string(d.Method), d.Output, d.ErrorMsg, d.SessionRef,
		d.FrontendDeployed, d.BackendDeployed, d.InvalidationID,
	).Scan(&d.ID)
	if err != nil {
		return fail(span, fmt.Errorf("insert deployment: %w", err))
	}
	return nil
}

// Update rewrites the record. The WHERE clause guards terminal statuses:
// a row already in success/failed only matches when the status is kept.
func (s *Store) Update(ctx context.Context, d *deploy.Deployment) error {
	ctx, span := startSpan(ctx, "pgstore.Update", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `UPDATE deployments SET
		branch = $2, commit_hash = $3, triggered_by = $4, started_at = $5,
		completed_at = $6, status = $7, method = $8, output = $9,
		error_message = $10, session_ref = $11, frontend_deployed = $12,
		backend_deployed = $13, invalidation_id = $14
		WHERE id = $1 AND (status = 'in_progress' OR status = $7)`,
		d.ID, d.Branch, d.CommitHash, d.TriggeredBy, d.StartedAt,
		d.CompletedAt, string(d.Status), string(d.Method), d.Output,
		d.ErrorMsg, d.SessionRef, d.FrontendDeployed, d.BackendDeployed,
		d.InvalidationID)
	if err != nil {
		return fail(span, fmt.Errorf("update deployment: %w", err))
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM deployments WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
			return fail(span, fmt.Errorf("guard check: %w", err))
		}
		if !exists {
			return deploy.ErrNotFound
		}
		return deploy.ErrTerminal
	}
	return nil
}

// Get returns the deployment or deploy.ErrNotFound.
func (s *Store) Get(ctx context.Context, id int64) (*deploy.Deployment, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	d, err := scanDeployment(s.pool.QueryRow(ctx,
		`SELECT `+deployColumns+` FROM deployments WHERE id = $1`, id))
	if err != nil {
		return nil, fail(span, err)
	}
	return d, nil
}

// GetRecent returns up to limit deployments, newest started_at first.
func (s *Store) GetRecent(ctx context.Context, limit int) ([]*deploy.Deployment, error) {
	ctx, span := startSpan(ctx, "pgstore.GetRecent", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+deployColumns+` FROM deployments ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query recent: %w", err))
	}
	defer rows.Close()
	return scanDeployments(rows, span)
}

// GetByStatus returns deployments with the given status, newest first.
func (s *Store) GetByStatus(ctx context.Context, status deploy.Status) ([]*deploy.Deployment, error) {
	ctx, span := startSpan(ctx, "pgstore.GetByStatus", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+deployColumns+` FROM deployments WHERE status = $1 ORDER BY started_at DESC`,
		string(status))
	if err != nil {
		return nil, fail(span, fmt.Errorf("query by status: %w", err))
	}
	defer rows.Close()
	return scanDeployments(rows, span)
}

// GetLastSuccess returns the most recently completed successful deployment.
func (s *Store) GetLastSuccess(ctx context.Context) (*deploy.Deployment, error) {
	ctx, span := startSpan(ctx, "pgstore.GetLastSuccess", "SELECT")
	defer span.End()

	d, err := scanDeployment(s.pool.QueryRow(ctx,
		`SELECT `+deployColumns+` FROM deployments
		WHERE status = 'success' ORDER BY completed_at DESC LIMIT 1`))
	if err != nil {
		return nil, fail(span, err)
	}
	return d, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	if errors.Is(err, deploy.ErrNotFound) {
		return err
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row rowScanner) (*deploy.Deployment, error) {
	var (
		d              deploy.Deployment
		status, method string
		completedAt    *time.Time
	)
	err := row.Scan(
		&d.ID, &d.Branch, &d.CommitHash, &d.TriggeredBy, &d.StartedAt, &completedAt,
		&status, &method, &d.Output, &d.ErrorMsg, &d.SessionRef,
		&d.FrontendDeployed, &d.BackendDeployed, &d.InvalidationID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, deploy.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan deployment: %w", err)
	}
	d.Status = deploy.Status(status)
	d.Method = deploy.Method(method)
	d.CompletedAt = completedAt
	return &d, nil
}

func scanDeployments(rows pgx.Rows, span trace.Span) ([]*deploy.Deployment, error) {
	var out []*deploy.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("rows: %w", err))
	}
	return out, nil
}
