package infra

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// SQLExecutor is what repositories need from a database. Every query must
// start with a "--sql <uuid>" marker line so log lines can be traced back to
// the statement that produced them.
type SQLExecutor interface {
	Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, query string, args ...any) pgx.Row
	Query(ctx context.Context, query string, args ...any) (pgx.Rows, error)
}

var (
	ErrEmptyQuery    = errors.New("empty query")
	ErrMissingMarker = errors.New("sql marker missing or invalid")
)

var markerRegexp = regexp.MustCompile(`^--sql [0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// SQLRunner executes marker-checked statements on a pool. The marker is
// stripped before the statement reaches Postgres.
type SQLRunner struct {
	Pool   *pgxpool.Pool
	Logger zerolog.Logger
	// SlowAfter promotes statement logs to warn. Zero disables it.
	SlowAfter time.Duration
}

func NewSQLRunner(pool *pgxpool.Pool, logger zerolog.Logger) *SQLRunner {
	return &SQLRunner{
		Pool:      pool,
		Logger:    logger.With().Str("component", "sql").Logger(),
		SlowAfter: 500 * time.Millisecond,
	}
}

func (r *SQLRunner) done(marker, op string, start time.Time, err error) {
	took := time.Since(start)
	ev := r.Logger.Debug()
	switch {
	case err != nil && !IsNoRows(err):
		ev = r.Logger.Error().Err(err)
	case r.SlowAfter > 0 && took > r.SlowAfter:
		ev = r.Logger.Warn()
	}
	ev.Str("marker", marker).Str("op", op).Dur("took", took).Msg("sql: statement finished")
}

func (r *SQLRunner) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	marker, stmt, err := extractMarker(query)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	start := time.Now()
	tag, err := r.Pool.Exec(ctx, stmt, args...)
	r.done(marker, "exec", start, err)
	if err != nil {
		return tag, fmt.Errorf("sql[%s]: %w", marker, err)
	}
	return tag, nil
}

func (r *SQLRunner) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	marker, stmt, err := extractMarker(query)
	if err != nil {
		return errorRow{err: err}
	}
	return &timedRow{row: r.Pool.QueryRow(ctx, stmt, args...), r: r, marker: marker, start: time.Now()}
}

func (r *SQLRunner) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	marker, stmt, err := extractMarker(query)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := r.Pool.Query(ctx, stmt, args...)
	if err != nil {
		r.done(marker, "query", start, err)
		return nil, fmt.Errorf("sql[%s]: %w", marker, err)
	}
	return &timedRows{Rows: rows, r: r, marker: marker, start: start}, nil
}

// timedRow logs once the row has been scanned.
type timedRow struct {
	row    pgx.Row
	r      *SQLRunner
	marker string
	start  time.Time
}

func (t *timedRow) Scan(dest ...any) error {
	err := t.row.Scan(dest...)
	t.r.done(t.marker, "query_row", t.start, err)
	return err
}

// timedRows logs when the result set is closed.
type timedRows struct {
	pgx.Rows
	r      *SQLRunner
	marker string
	start  time.Time
	closed bool
}

func (t *timedRows) Close() {
	t.Rows.Close()
	if !t.closed {
		t.closed = true
		t.r.done(t.marker, "query", t.start, t.Rows.Err())
	}
}

type errorRow struct {
	err error
}

func (e errorRow) Scan(...any) error { return e.err }

// extractMarker splits the marker line from the statement body.
func extractMarker(query string) (string, string, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return "", "", ErrEmptyQuery
	}
	first, rest, _ := strings.Cut(trimmed, "\n")
	first = strings.TrimSpace(first)
	if !markerRegexp.MatchString(first) {
		return "", "", ErrMissingMarker
	}
	return strings.TrimPrefix(first, "--sql "), rest, nil
}

var _ SQLExecutor = (*SQLRunner)(nil)
