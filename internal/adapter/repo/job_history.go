package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/robmcdonald5/vec2art-sub009/internal/domain"
	"github.com/robmcdonald5/vec2art-sub009/internal/events"
	"github.com/robmcdonald5/vec2art-sub009/internal/infra"
	"github.com/robmcdonald5/vec2art-sub009/internal/sqlinline"
)

const recordTimeout = 5 * time.Second

// JobHistoryPG implements domain.JobHistoryRepository over marker-checked SQL.
type JobHistoryPG struct {
	sql infra.SQLExecutor
	log zerolog.Logger
}

func NewJobHistory(sql infra.SQLExecutor, log zerolog.Logger) *JobHistoryPG {
	return &JobHistoryPG{sql: sql, log: log.With().Str("component", "history").Logger()}
}

func (r *JobHistoryPG) EnsureSchema(ctx context.Context) error {
	if _, err := r.sql.Exec(ctx, sqlinline.QCreateJobHistory); err != nil {
		return fmt.Errorf("history: create schema: %w", err)
	}
	return nil
}

func (r *JobHistoryPG) Record(ctx context.Context, rec *domain.JobRecord) error {
	if rec == nil || rec.ID == "" {
		return domain.ErrInvalidJob
	}
	finished := rec.FinishedAt
	if finished.IsZero() {
		finished = time.Now().UTC()
	}
	_, err := r.sql.Exec(ctx, sqlinline.QInsertJobRecord,
		rec.ID,
		rec.Fingerprint,
		rec.Backend,
		rec.Priority,
		string(rec.Status),
		rec.Cached,
		rec.Retryable,
		rec.ErrorMessage,
		rec.DurationMS,
		finished,
	)
	return err
}

func scanRecord(row pgx.Row) (*domain.JobRecord, error) {
	var rec domain.JobRecord
	var status string
	if err := row.Scan(
		&rec.ID,
		&rec.Fingerprint,
		&rec.Backend,
		&rec.Priority,
		&status,
		&rec.Cached,
		&rec.Retryable,
		&rec.ErrorMessage,
		&rec.DurationMS,
		&rec.FinishedAt,
	); err != nil {
		return nil, err
	}
	rec.Status = domain.JobStatus(status)
	return &rec, nil
}

func (r *JobHistoryPG) GetByID(ctx context.Context, id string) (*domain.JobRecord, error) {
	rec, err := scanRecord(r.sql.QueryRow(ctx, sqlinline.QGetJobRecord, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return rec, err
}

func (r *JobHistoryPG) ListRecent(ctx context.Context, limit int) ([]domain.JobRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := r.sql.Query(ctx, sqlinline.QListRecentJobs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.JobRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (r *JobHistoryPG) SummaryByBackend(ctx context.Context) ([]domain.BackendSummary, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QSummaryByBackend)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.BackendSummary
	for rows.Next() {
		var s domain.BackendSummary
		if err := rows.Scan(&s.Backend, &s.Jobs, &s.Failed, &s.CacheHits, &s.AvgMS); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Attach records every terminal job event published on bus.
func (r *JobHistoryPG) Attach(bus *events.Bus) error {
	return bus.Subscribe(r.onEvent)
}

func (r *JobHistoryPG) Detach(bus *events.Bus) error {
	return bus.Unsubscribe(r.onEvent)
}

func (r *JobHistoryPG) onEvent(ev events.JobEvent) {
	if !ev.Kind.Terminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := r.Record(ctx, RecordFromEvent(ev)); err != nil {
		r.log.Warn().Err(err).Str("job_id", ev.JobID).Msg("history: record failed")
	}
}

// RecordFromEvent maps a terminal event onto a history row.
func RecordFromEvent(ev events.JobEvent) *domain.JobRecord {
	status := domain.JobStatusCompleted
	switch ev.Kind {
	case events.KindFailed:
		status = domain.JobStatusFailed
	case events.KindCanceled:
		status = domain.JobStatusCanceled
	}
	return &domain.JobRecord{
		ID:           ev.JobID,
		Fingerprint:  ev.Fingerprint,
		Backend:      ev.Backend,
		Priority:     ev.Priority,
		Status:       status,
		Cached:       ev.Cached,
		Retryable:    ev.Retryable,
		ErrorMessage: ev.Error,
		DurationMS:   ev.DurationMS,
		FinishedAt:   ev.At,
	}
}

var _ domain.JobHistoryRepository = (*JobHistoryPG)(nil)
