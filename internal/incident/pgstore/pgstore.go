// Package pgstore provides a PostgreSQL implementation of incident.Store.
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
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/relay/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/relay/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// Store persists incident reports in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ incident.Store = (*Store)(nil)

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const reportColumns = `alert_id, id, alert_name, service, namespace, severity, priority, status,
	contributors, missing_agents, partial_data, root_cause, confidence, evidence,
	recommendation, notification, postmortem, created_at, updated_at, resolved_at,
	opened_at, aggregated_at, results`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Get retrieves the report for alertID.
func (s *Store) Get(ctx context.Context, alertID string) (*incident.Report, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	r, err := scanReport(s.pool.QueryRow(ctx,
		`SELECT `+reportColumns+` FROM incident_reports WHERE alert_id = $1`, alertID))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return r, r != nil, nil
}

// Put inserts or replaces a report.
func (s *Store) Put(ctx context.Context, r *incident.Report) error {
	ctx, span := startSpan(ctx, "pgstore.Put", "UPSERT")
	defer span.End()

	if err := upsert(ctx, s.pool, r); err != nil {
		return fail(span, err)
	}
	return nil
}

// Update locks the row for alertID, applies fn and writes it back in one
// transaction.
func (s *Store) Update(ctx context.Context, alertID string, fn func(r *incident.Report)) (*incident.Report, error) {
	ctx, span := startSpan(ctx, "pgstore.Update", "UPSERT")
	defer span.End()
	span.SetAttributes(attribute.String("alert_id", alertID))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	now := time.Now().UTC()
	r, err := scanReport(tx.QueryRow(ctx,
		`SELECT `+reportColumns+` FROM incident_reports WHERE alert_id = $1 FOR UPDATE`, alertID))
	if err != nil {
		return nil, fail(span, err)
	}
	if r == nil {
		r = &incident.Report{
			ID:        ulid.Make().String(),
			Status:    incident.StatusOpen,
			CreatedAt: now,
		}
	}
	fn(r)
	r.AlertID = alertID
	r.UpdatedAt = now

	if err := upsert(ctx, tx, r); err != nil {
		return nil, fail(span, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fail(span, fmt.Errorf("commit: %w", err))
	}
	return r, nil
}

// List returns up to limit reports, most recently updated first.
func (s *Store) List(ctx context.Context, limit int) ([]*incident.Report, error) {
	ctx, span := startSpan(ctx, "pgstore.List", "SELECT")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+reportColumns+` FROM incident_reports ORDER BY updated_at DESC, alert_id LIMIT $1`, limit)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query reports: %w", err))
	}
	defer rows.Close()

	var out []*incident.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate reports: %w", err))
	}
	return out, nil
}

// Pending returns open reports whose composite was never forwarded, oldest
// cycle first.
func (s *Store) Pending(ctx context.Context) ([]*incident.Report, error) {
	ctx, span := startSpan(ctx, "pgstore.Pending", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+reportColumns+` FROM incident_reports
		WHERE status = $1 AND aggregated_at IS NULL
		ORDER BY COALESCE(opened_at, created_at), alert_id`, string(incident.StatusOpen))
	if err != nil {
		return nil, fail(span, fmt.Errorf("query pending reports: %w", err))
	}
	defer rows.Close()

	var out []*incident.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate pending reports: %w", err))
	}
	span.SetAttributes(attribute.Int("pending", len(out)))
	return out, nil
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func upsert(ctx context.Context, db execer, r *incident.Report) error {
	contributors, err := json.Marshal(nonNil(r.Contributors))
	if err != nil {
		return fmt.Errorf("marshal contributors: %w", err)
	}
	missing, err := json.Marshal(nonNil(r.MissingAgents))
	if err != nil {
		return fmt.Errorf("marshal missing agents: %w", err)
	}
	evidence, err := json.Marshal(nonNil(r.Evidence))
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}

	results := r.Results
	if results == nil {
		results = map[string]map[string]any{}
	}
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}

	query := `INSERT INTO incident_reports (` + reportColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
	ON CONFLICT (alert_id) DO UPDATE SET
		alert_name     = EXCLUDED.alert_name,
		service        = EXCLUDED.service,
		namespace      = EXCLUDED.namespace,
		severity       = EXCLUDED.severity,
		priority       = EXCLUDED.priority,
		status         = EXCLUDED.status,
		contributors   = EXCLUDED.contributors,
		missing_agents = EXCLUDED.missing_agents,
		partial_data   = EXCLUDED.partial_data,
		root_cause     = EXCLUDED.root_cause,
		confidence     = EXCLUDED.confidence,
		evidence       = EXCLUDED.evidence,
		recommendation = EXCLUDED.recommendation,
		notification   = EXCLUDED.notification,
		postmortem     = EXCLUDED.postmortem,
		updated_at     = EXCLUDED.updated_at,
		resolved_at    = EXCLUDED.resolved_at,
		opened_at      = EXCLUDED.opened_at,
		aggregated_at  = EXCLUDED.aggregated_at,
		results        = EXCLUDED.results`

	_, err = db.Exec(ctx, query,
		r.AlertID, r.ID, r.AlertName, r.Service, r.Namespace, r.Severity, r.Priority, string(r.Status),
		contributors, missing, r.PartialData, r.RootCause, r.Confidence, evidence,
		r.Recommendation, r.Notification, r.Postmortem, r.CreatedAt, r.UpdatedAt, nullTime(r.ResolvedAt),
		nullTime(r.OpenedAt), nullTime(r.AggregatedAt), resultsJSON,
	)
	if err != nil {
		return fmt.Errorf("upsert report: %w", err)
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// scanReport scans a single row. Returns (nil, nil) when no row is found.
func scanReport(row pgx.Row) (*incident.Report, error) {
	var (
		r                               incident.Report
		status                          string
		contributors, missing, evidence []byte
		results                         []byte
		resolvedAt, openedAt, aggAt     *time.Time
	)
	err := row.Scan(
		&r.AlertID, &r.ID, &r.AlertName, &r.Service, &r.Namespace, &r.Severity, &r.Priority, &status,
		&contributors, &missing, &r.PartialData, &r.RootCause, &r.Confidence, &evidence,
		&r.Recommendation, &r.Notification, &r.Postmortem, &r.CreatedAt, &r.UpdatedAt, &resolvedAt,
		&openedAt, &aggAt, &results,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	r.Status = incident.Status(status)
	for _, t := range []struct {
		src *time.Time
		dst *time.Time
	}{
		{resolvedAt, &r.ResolvedAt},
		{openedAt, &r.OpenedAt},
		{aggAt, &r.AggregatedAt},
	} {
		if t.src != nil {
			*t.dst = *t.src
		}
	}
	if err := json.Unmarshal(results, &r.Results); err != nil {
		return nil, fmt.Errorf("unmarshal results: %w", err)
	}
	if len(r.Results) == 0 {
		r.Results = nil
	}
	for _, f := range []struct {
		name string
		raw  []byte
		dst  *[]string
	}{
		{"contributors", contributors, &r.Contributors},
		{"missing_agents", missing, &r.MissingAgents},
		{"evidence", evidence, &r.Evidence},
	} {
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", f.name, err)
		}
	}
	return &r, nil
}
