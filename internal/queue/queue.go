// Package queue admits jobs to a fixed set of engine handles. At most one
// job runs per handle; waiting jobs are served by priority, then arrival.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/robmcdonald5/vec2art-sub009/internal/engine"
)

var (
	ErrQueueFull   = errors.New("queue full")
	ErrCanceled    = errors.New("job canceled")
	ErrQueueClosed = errors.New("queue closed")
	ErrUnknownJob  = errors.New("unknown job")
	ErrDuplicateID = errors.New("duplicate job id")
	ErrNoHandles   = errors.New("queue: at least one handle is required")
)

// Dispatcher is the part of engine.Handle the queue needs.
type Dispatcher interface {
	Name() string
	Start(ctx context.Context, w engine.Work) (*engine.Call, error)
	Abort(id engine.RequestID) error
}

type Job struct {
	ID         string
	Priority   int
	EnqueuedAt time.Time
	Work       engine.Work
}

// Outcome is delivered exactly once per submitted job. A canceled job always
// carries ErrCanceled: joined with the engine error when the request was
// rejected or timed out, alongside the Result when it still succeeded.
type Outcome struct {
	Result *engine.Result
	Err    error
	Handle string
}

type Options struct {
	// MaxQueued bounds waiting jobs. Zero means unbounded.
	MaxQueued int
	Logger    zerolog.Logger
	// OnDispatch runs with the queue locked when a job is assigned a handle.
	OnDispatch func(job Job, handle string)
}

type entry struct {
	job      Job
	seq      uint64
	index    int
	out      chan Outcome
	handle   Dispatcher
	call     *engine.Call
	canceled bool
}

type Queue struct {
	opts   Options
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	idle    []Dispatcher
	waiting jobHeap
	jobs    map[string]*entry
	running int
	seq     uint64
	closed  bool
}

func New(handles []Dispatcher, opts Options) (*Queue, error) {
	if len(handles) == 0 {
		return nil, ErrNoHandles
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		opts:   opts,
		log:    opts.Logger.With().Str("component", "queue").Logger(),
		ctx:    ctx,
		cancel: cancel,
		idle:   append([]Dispatcher(nil), handles...),
		jobs:   make(map[string]*entry),
	}
	return q, nil
}

// Submit enqueues job and dispatches it at once if a handle is idle.
func (q *Queue) Submit(job Job) (<-chan Outcome, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	if _, dup := q.jobs[job.ID]; dup {
		q.mu.Unlock()
		return nil, ErrDuplicateID
	}
	if q.opts.MaxQueued > 0 && len(q.idle) == 0 && q.waiting.Len() >= q.opts.MaxQueued {
		q.mu.Unlock()
		return nil, ErrQueueFull
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	q.seq++
	e := &entry{job: job, seq: q.seq, out: make(chan Outcome, 1)}
	q.jobs[job.ID] = e
	heap.Push(&q.waiting, e)
	ready := q.assignLocked()
	q.mu.Unlock()

	q.launch(ready)
	return e.out, nil
}

// assignLocked pairs idle handles with the best waiting jobs.
func (q *Queue) assignLocked() []*entry {
	var ready []*entry
	for len(q.idle) > 0 && q.waiting.Len() > 0 {
		e := heap.Pop(&q.waiting).(*entry)
		h := q.idle[0]
		q.idle = q.idle[1:]
		e.handle = h
		q.running++
		if q.opts.OnDispatch != nil {
			q.opts.OnDispatch(e.job, h.Name())
		}
		ready = append(ready, e)
	}
	return ready
}

func (q *Queue) launch(ready []*entry) {
	for _, e := range ready {
		go q.run(e)
	}
}

func (q *Queue) run(e *entry) {
	log := q.log.With().Str("job_id", e.job.ID).Str("handle", e.handle.Name()).Logger()
	log.Debug().Int("priority", e.job.Priority).Msg("queue: dispatch")

	call, err := e.handle.Start(q.ctx, e.job.Work)
	if err != nil {
		q.finish(e, Outcome{Err: err, Handle: e.handle.Name()})
		return
	}

	q.mu.Lock()
	e.call = call
	abort := e.canceled
	q.mu.Unlock()
	if abort {
		_ = e.handle.Abort(call.ID)
	}

	<-call.Done()
	res, err := call.Wait(context.Background())
	q.finish(e, Outcome{Result: res, Err: err, Handle: e.handle.Name()})
}

// finish releases the handle, reports the outcome and dispatches the next job.
func (q *Queue) finish(e *entry, out Outcome) {
	q.mu.Lock()
	delete(q.jobs, e.job.ID)
	q.running--
	q.idle = append(q.idle, e.handle)
	if e.canceled {
		switch {
		case out.Err == nil:
			out.Err = ErrCanceled
		case !errors.Is(out.Err, ErrCanceled):
			out.Err = errors.Join(ErrCanceled, out.Err)
		}
	}
	var ready []*entry
	if !q.closed {
		ready = q.assignLocked()
	}
	q.mu.Unlock()

	e.out <- out
	q.launch(ready)
}

// Abort cancels a job. Waiting jobs are dropped without touching the engine;
// running jobs get an advisory abort and report ErrCanceled however their
// engine request settles.
func (q *Queue) Abort(jobID string) error {
	q.mu.Lock()
	e, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return ErrUnknownJob
	}
	if e.index >= 0 && e.handle == nil {
		heap.Remove(&q.waiting, e.index)
		delete(q.jobs, jobID)
		q.mu.Unlock()
		e.out <- Outcome{Err: ErrCanceled}
		return nil
	}
	e.canceled = true
	call, h := e.call, e.handle
	q.mu.Unlock()

	if call != nil {
		_ = h.Abort(call.ID)
	}
	return nil
}

// Depth is the number of waiting jobs.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiting.Len()
}

// Running is the number of dispatched jobs.
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Close fails waiting jobs with ErrQueueClosed. Running jobs settle through
// their handles.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	waiting := q.waiting
	q.waiting = nil
	for _, e := range waiting {
		delete(q.jobs, e.job.ID)
	}
	q.mu.Unlock()

	q.cancel()
	for _, e := range waiting {
		e.out <- Outcome{Err: ErrQueueClosed}
	}
}
