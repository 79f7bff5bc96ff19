package domain

import "context"

// JobHistoryRepository persists finished jobs. Recording the same id twice
// keeps the first record.
type JobHistoryRepository interface {
	EnsureSchema(ctx context.Context) error
	Record(ctx context.Context, rec *JobRecord) error
	GetByID(ctx context.Context, id string) (*JobRecord, error)
	ListRecent(ctx context.Context, limit int) ([]JobRecord, error)
	SummaryByBackend(ctx context.Context) ([]BackendSummary, error)
}
