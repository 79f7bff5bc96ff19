package domain

import "time"

// JobStatus enumerates terminal job outcomes kept in history.
type JobStatus string

const (
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// JobRecord is one finished vectorization job.
type JobRecord struct {
	ID           string    `json:"id"`
	Fingerprint  string    `json:"fingerprint"`
	Backend      string    `json:"backend"`
	Priority     int       `json:"priority"`
	Status       JobStatus `json:"status"`
	Cached       bool      `json:"cached"`
	Retryable    bool      `json:"retryable"`
	ErrorMessage string    `json:"error,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	FinishedAt   time.Time `json:"finished_at"`
}

// BackendSummary aggregates history for one backend.
type BackendSummary struct {
	Backend   string  `json:"backend"`
	Jobs      int64   `json:"jobs"`
	Failed    int64   `json:"failed"`
	CacheHits int64   `json:"cache_hits"`
	AvgMS     float64 `json:"avg_ms"`
}
