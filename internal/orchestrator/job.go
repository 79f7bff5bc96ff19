package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/robmcdonald5/vec2art-sub009/internal/engine"
	"github.com/robmcdonald5/vec2art-sub009/internal/fingerprint"
	"github.com/robmcdonald5/vec2art-sub009/internal/params"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// JobInfo is a point-in-time view of a job.
type JobInfo struct {
	ID          string                 `json:"id"`
	Status      Status                 `json:"status"`
	Priority    int                    `json:"priority"`
	Cached      bool                   `json:"cached"`
	Fingerprint string                 `json:"fingerprint"`
	Backend     params.Backend         `json:"backend"`
	Handle      string                 `json:"handle,omitempty"`
	Progress    *engine.Progress       `json:"progress,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Retryable   bool                   `json:"retryable,omitempty"`
	Stats       *engine.Stats          `json:"stats,omitempty"`
	Config      params.AlgorithmConfig `json:"-"`
	SubmittedAt time.Time              `json:"submitted_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	FinishedAt  *time.Time             `json:"finished_at,omitempty"`
	DurationMS  int64                  `json:"duration_ms,omitempty"`
}

type job struct {
	id       string
	priority int
	key      fingerprint.Key
	config   params.AlgorithmConfig
	cached   bool

	// progress carries updates to the delivery goroutine; never closed.
	progress chan engine.Progress
	done     chan struct{}

	mu          sync.Mutex
	status      Status
	image       []byte
	handle      string
	last        *engine.Progress
	listeners   []func(engine.Progress)
	result      *engine.Result
	err         error
	submittedAt time.Time
	startedAt   time.Time
	finishedAt  time.Time
}

func newJob(id string, priority int, key fingerprint.Key, cfg params.AlgorithmConfig, image []byte, now time.Time) *job {
	return &job{
		id:          id,
		priority:    priority,
		key:         key,
		config:      cfg,
		progress:    make(chan engine.Progress, 16),
		done:        make(chan struct{}),
		status:      StatusQueued,
		image:       image,
		submittedAt: now,
	}
}

// push records p and hands it to the delivery goroutine. Updates are dropped
// when listeners fall behind; the latest value is always kept.
func (j *job) push(p engine.Progress) {
	j.mu.Lock()
	j.last = &p
	j.mu.Unlock()
	select {
	case j.progress <- p:
	default:
	}
}

// deliver runs listeners off the engine reader until the job ends.
func (j *job) deliver() {
	for {
		select {
		case p := <-j.progress:
			j.notify(p)
		case <-j.done:
			for {
				select {
				case p := <-j.progress:
					j.notify(p)
				default:
					return
				}
			}
		}
	}
}

func (j *job) notify(p engine.Progress) {
	j.mu.Lock()
	ls := make([]func(engine.Progress), len(j.listeners))
	copy(ls, j.listeners)
	j.mu.Unlock()
	for _, fn := range ls {
		fn(p)
	}
}

func (j *job) state() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *job) markRunning(handle string, now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status == StatusQueued {
		j.status = StatusRunning
		j.handle = handle
		j.startedAt = now
	}
}

// settle records the terminal state once. It reports false if the job had
// already finished.
func (j *job) settle(status Status, res *engine.Result, err error, now time.Time) bool {
	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return false
	}
	j.status = status
	j.result = res
	j.err = err
	j.finishedAt = now
	if status == StatusCompleted {
		j.image = nil
	}
	j.mu.Unlock()
	close(j.done)
	return true
}

// heldImage is the size of the upload kept for Retry.
func (j *job) heldImage() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return int64(len(j.image))
}

// dropImage releases the upload and reports how many bytes it held.
func (j *job) dropImage() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := int64(len(j.image))
	j.image = nil
	return n
}

func (j *job) info() JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	in := JobInfo{
		ID:          j.id,
		Status:      j.status,
		Priority:    j.priority,
		Cached:      j.cached,
		Fingerprint: j.key.String(),
		Backend:     j.config.Backend,
		Handle:      j.handle,
		Config:      j.config,
		SubmittedAt: j.submittedAt,
	}
	if j.last != nil {
		p := *j.last
		in.Progress = &p
	}
	if j.err != nil {
		in.Error = j.err.Error()
		in.Retryable = Retryable(j.err)
	}
	if j.result != nil {
		st := j.result.Stats
		in.Stats = &st
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		in.StartedAt = &t
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		in.FinishedAt = &t
		in.DurationMS = j.finishedAt.Sub(j.submittedAt).Milliseconds()
	}
	return in
}

// JobHandle is the caller's view of a submitted job.
type JobHandle struct {
	o *Orchestrator
	j *job
}

func (h *JobHandle) ID() string                   { return h.j.id }
func (h *JobHandle) Priority() int                { return h.j.priority }
func (h *JobHandle) Cached() bool                 { return h.j.cached }
func (h *JobHandle) Info() JobInfo                { return h.j.info() }
func (h *JobHandle) Fingerprint() fingerprint.Key { return h.j.key }

func (h *JobHandle) Status() Status { return h.j.state() }

// Done is closed when the job reaches a terminal state.
func (h *JobHandle) Done() <-chan struct{} { return h.j.done }

// OnProgress registers fn for later progress updates. fn runs on a per-job
// goroutine, never on the engine reader.
func (h *JobHandle) OnProgress(fn func(engine.Progress)) {
	h.j.mu.Lock()
	h.j.listeners = append(h.j.listeners, fn)
	h.j.mu.Unlock()
}

// Result waits for the job. Cached jobs return immediately with the cached
// result pointer.
func (h *JobHandle) Result(ctx context.Context) (*engine.Result, error) {
	select {
	case <-h.j.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	h.j.mu.Lock()
	defer h.j.mu.Unlock()
	return h.j.result, h.j.err
}

// Cancel is best effort: a running engine request may still complete, in
// which case its result is cached but the job reports queue.ErrCanceled.
func (h *JobHandle) Cancel() error { return h.o.Cancel(h.j.id) }
