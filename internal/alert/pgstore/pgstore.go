// Package pgstore provides a PostgreSQL implementation of alert.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/jinkies/internal/alert"
)

var tracer = otel.Tracer("github.com/linnemanlabs/jinkies/internal/alert/pgstore")

//go:embed schema.sql
var schema string

// Store persists alerts in PostgreSQL.
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

const alertColumns = `id, external_id, service_name, exception_type, error_message, severity,
	stack_trace, related_logs, request_path, environment, instance_id, commit_sha,
	occurred_at, received_at, acknowledged, acknowledged_by, acknowledged_at,
	github_pr_url, github_issue_url, context`

// Save upserts the alert keyed by its internal ID.
func (s *Store) Save(ctx context.Context, a *alert.Alert) error {
	ctx, span := s.startSpan(ctx, "pgstore.Save", "UPSERT")
	defer span.End()

	logsJSON, err := json.Marshal(a.RelatedLogs)
	if err != nil {
		return fmt.Errorf("marshal related logs: %w", err)
	}
	ctxJSON, err := json.Marshal(a.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	if a.RelatedLogs == nil {
		logsJSON = []byte(`[]`)
	}
	if a.Context == nil {
		ctxJSON = []byte(`{}`)
	}

	query := `INSERT INTO alerts (` + alertColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	ON CONFLICT (id) DO UPDATE SET
		external_id      = EXCLUDED.external_id,
		service_name     = EXCLUDED.service_name,
		exception_type   = EXCLUDED.exception_type,
		error_message    = EXCLUDED.error_message,
		severity         = EXCLUDED.severity,
		stack_trace      = EXCLUDED.stack_trace,
		related_logs     = EXCLUDED.related_logs,
		request_path     = EXCLUDED.request_path,
		environment      = EXCLUDED.environment,
		instance_id      = EXCLUDED.instance_id,
		commit_sha       = EXCLUDED.commit_sha,
		occurred_at      = EXCLUDED.occurred_at,
		received_at      = EXCLUDED.received_at,
		context          = EXCLUDED.context`

	_, err = s.pool.Exec(ctx, query,
		a.ID, a.ExternalID, a.ServiceName, a.ExceptionType, a.ErrorMessage, string(a.Severity),
		a.StackTrace, logsJSON, a.RequestPath, a.Environment, a.InstanceID, a.CommitSHA,
		a.OccurredAt, a.ReceivedAt, a.Acknowledged, a.AcknowledgedBy, nullTime(a.AcknowledgedAt),
		a.PRURL, a.IssueURL, ctxJSON,
	)
	if err != nil {
		return s.fail(span, fmt.Errorf("upsert alert: %w", err))
	}
	return nil
}

// Get returns the alert or alert.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*alert.Alert, error) {
	ctx, span := s.startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1`
	a, err := scanAlert(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, s.fail(span, err)
	}
	return a, nil
}

// ResolveShortID returns the newest alert whose ID starts with prefix.
func (s *Store) ResolveShortID(ctx context.Context, prefix string) (*alert.Alert, error) {
	ctx, span := s.startSpan(ctx, "pgstore.ResolveShortID", "SELECT")
	defer span.End()

	query := `SELECT ` + alertColumns + ` FROM alerts
		WHERE id LIKE $1 || '%' ORDER BY occurred_at DESC LIMIT 1`
	a, err := scanAlert(s.pool.QueryRow(ctx, query, prefix))
	if err != nil {
		return nil, s.fail(span, err)
	}
	return a, nil
}

// GetRecent returns up to limit alerts ordered by occurred_at descending,
// optionally filtered by acknowledgment flag.
func (s *Store) GetRecent(ctx context.Context, limit int, acked *bool) ([]*alert.Alert, error) {
	ctx, span := s.startSpan(ctx, "pgstore.GetRecent", "SELECT")
	defer span.End()

	query := `SELECT ` + alertColumns + ` FROM alerts
		WHERE ($2::boolean IS NULL OR acknowledged = $2)
		ORDER BY occurred_at DESC LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit, acked)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("query recent: %w", err))
	}
	defer rows.Close()
	return scanAlerts(rows, span, s)
}

// GetByService returns up to limit alerts for one service, newest first.
func (s *Store) GetByService(ctx context.Context, service string, limit int) ([]*alert.Alert, error) {
	ctx, span := s.startSpan(ctx, "pgstore.GetByService", "SELECT")
	defer span.End()

	query := `SELECT ` + alertColumns + ` FROM alerts
		WHERE service_name = $1 ORDER BY occurred_at DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, query, service, limit)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("query by service: %w", err))
	}
	defer rows.Close()
	return scanAlerts(rows, span, s)
}

// Acknowledge conditionally sets the acknowledgment fields. The WHERE
// clause carries the guard so two concurrent calls cannot both succeed.
func (s *Store) Acknowledge(ctx context.Context, id, actor string) error {
	ctx, span := s.startSpan(ctx, "pgstore.Acknowledge", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `UPDATE alerts
		SET acknowledged = TRUE, acknowledged_by = $2, acknowledged_at = $3
		WHERE id = $1 AND acknowledged = FALSE`,
		id, actor, time.Now().UTC())
	if err != nil {
		return s.fail(span, fmt.Errorf("acknowledge: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return s.guardMiss(ctx, span, id, alert.ErrAlreadyAcknowledged)
	}
	return nil
}

// UpdateLinks conditionally sets the PR and/or issue links. Each targeted
// link must still be empty for the update to apply.
func (s *Store) UpdateLinks(ctx context.Context, id, prURL, issueURL string) error {
	if prURL == "" && issueURL == "" {
		return alert.ErrNoLinksGiven
	}

	ctx, span := s.startSpan(ctx, "pgstore.UpdateLinks", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `UPDATE alerts SET
		github_pr_url    = CASE WHEN $2 = '' THEN github_pr_url ELSE $2 END,
		github_issue_url = CASE WHEN $3 = '' THEN github_issue_url ELSE $3 END
		WHERE id = $1
			AND ($2 = '' OR github_pr_url = '')
			AND ($3 = '' OR github_issue_url = '')`,
		id, prURL, issueURL)
	if err != nil {
		return s.fail(span, fmt.Errorf("update links: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return s.guardMiss(ctx, span, id, alert.ErrLinkAlreadySet)
	}
	return nil
}

// Cleanup deletes alerts older than maxAge.
func (s *Store) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	ctx, span := s.startSpan(ctx, "pgstore.Cleanup", "DELETE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM alerts WHERE occurred_at < $1`,
		time.Now().UTC().Add(-maxAge))
	if err != nil {
		return 0, s.fail(span, fmt.Errorf("cleanup: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

// guardMiss distinguishes "row missing" from "guard failed" after a
// zero-row conditional update.
func (s *Store) guardMiss(ctx context.Context, span trace.Span, id string, conflict error) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM alerts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return s.fail(span, fmt.Errorf("guard check: %w", err))
	}
	if !exists {
		return alert.ErrNotFound
	}
	return conflict
}

func (s *Store) startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func (s *Store) fail(span trace.Span, err error) error {
	if errors.Is(err, alert.ErrNotFound) {
		return err
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*alert.Alert, error) {
	var (
		a        alert.Alert
		sev      string
		logsJSON []byte
		ctxJSON  []byte
		ackedAt  *time.Time
	)
	err := row.Scan(
		&a.ID, &a.ExternalID, &a.ServiceName, &a.ExceptionType, &a.ErrorMessage, &sev,
		&a.StackTrace, &logsJSON, &a.RequestPath, &a.Environment, &a.InstanceID, &a.CommitSHA,
		&a.OccurredAt, &a.ReceivedAt, &a.Acknowledged, &a.AcknowledgedBy, &ackedAt,
		&a.PRURL, &a.IssueURL, &ctxJSON,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, alert.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	a.Severity = alert.Severity(sev)
	if ackedAt != nil {
		a.AcknowledgedAt = *ackedAt
	}
	if len(logsJSON) > 0 {
		if err := json.Unmarshal(logsJSON, &a.RelatedLogs); err != nil {
			return nil, fmt.Errorf("unmarshal related logs: %w", err)
		}
	}
	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &a.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	return &a, nil
}

func scanAlerts(rows pgx.Rows, span trace.Span, s *Store) ([]*alert.Alert, error) {
	var out []*alert.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, s.fail(span, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(span, fmt.Errorf("rows: %w", err))
	}
	return out, nil
}
