// Package orchestrator is the single control surface for vectorization: it
// owns the configuration session, checks submissions, serves repeats from
// the result cache and hands misses to the engine queue.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/robmcdonald5/vec2art-sub009/internal/cache"
	"github.com/robmcdonald5/vec2art-sub009/internal/engine"
	"github.com/robmcdonald5/vec2art-sub009/internal/events"
	"github.com/robmcdonald5/vec2art-sub009/internal/fingerprint"
	"github.com/robmcdonald5/vec2art-sub009/internal/imageinfo"
	"github.com/robmcdonald5/vec2art-sub009/internal/params"
	"github.com/robmcdonald5/vec2art-sub009/internal/queue"
	"github.com/robmcdonald5/vec2art-sub009/internal/resolver"
)

const (
	DefaultRetainJobs       = 1024
	DefaultRetainImageBytes = 256 << 20
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrNotRetryable   = errors.New("job cannot be retried")
	ErrClosed         = errors.New("orchestrator closed")
	ErrMissingHandles = errors.New("orchestrator: at least one engine handle is required")
)

// Retryable reports whether resubmitting the failed job may succeed. A
// canceled job is never retryable, even when its aborted request timed out.
func Retryable(err error) bool {
	return !errors.Is(err, queue.ErrCanceled) && engine.Retryable(err)
}

type Options struct {
	// Resolver defaults to a manual edge session over the builtin presets.
	Resolver *resolver.Resolver
	// Cache defaults to cache.New with default bounds.
	Cache   *cache.Cache[*engine.Result]
	Handles []*engine.Handle
	// QueueDepth bounds waiting jobs. Zero means unbounded.
	QueueDepth int
	Inspector  imageinfo.Inspector
	// Bus is optional.
	Bus *events.Bus
	// RetainJobs bounds how many finished jobs stay queryable.
	RetainJobs int
	// RetainImageBytes bounds the uploads failed and canceled jobs keep for
	// Retry. The oldest jobs lose their image first.
	RetainImageBytes int64
	Logger           zerolog.Logger
	Now              func() time.Time
}

type JobCounters struct {
	Submitted int64 `json:"submitted"`
	CacheHits int64 `json:"cache_hits"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Canceled  int64 `json:"canceled"`
	Rejected  int64 `json:"rejected"`
}

type Metrics struct {
	QueueDepth    int           `json:"queue_depth"`
	Running       int           `json:"running"`
	CacheHitRatio float64       `json:"cache_hit_ratio"`
	CacheEntries  int           `json:"cache_entries"`
	CacheBytes    int64         `json:"cache_bytes"`
	Cache         cache.Stats   `json:"cache"`
	Engines       []engine.Info `json:"engines"`
	Jobs          JobCounters   `json:"jobs"`
	// RetainedImageBytes is held by finished jobs awaiting a possible Retry.
	RetainedImageBytes int64 `json:"retained_image_bytes"`
}

type Orchestrator struct {
	resolver  *resolver.Resolver
	cache     *cache.Cache[*engine.Result]
	handles   []*engine.Handle
	queue     *queue.Queue
	inspector imageinfo.Inspector
	bus       *events.Bus
	log       zerolog.Logger
	now       func() time.Time
	retain    int
	keepBytes int64

	mu       sync.Mutex
	jobs     map[string]*job
	finished []string
	held     int64
	counters JobCounters
	closed   bool
}

func New(opts Options) (*Orchestrator, error) {
	if len(opts.Handles) == 0 {
		return nil, ErrMissingHandles
	}
	if opts.Resolver == nil {
		opts.Resolver = resolver.New(nil, params.BackendEdge)
	}
	if opts.Cache == nil {
		opts.Cache = cache.New[*engine.Result](cache.Options{})
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RetainJobs <= 0 {
		opts.RetainJobs = DefaultRetainJobs
	}
	if opts.RetainImageBytes <= 0 {
		opts.RetainImageBytes = DefaultRetainImageBytes
	}

	o := &Orchestrator{
		resolver:  opts.Resolver,
		cache:     opts.Cache,
		handles:   opts.Handles,
		inspector: opts.Inspector,
		bus:       opts.Bus,
		log:       opts.Logger.With().Str("component", "orchestrator").Logger(),
		now:       opts.Now,
		retain:    opts.RetainJobs,
		keepBytes: opts.RetainImageBytes,
		jobs:      make(map[string]*job),
	}

	ds := make([]queue.Dispatcher, 0, len(opts.Handles))
	for _, h := range opts.Handles {
		ds = append(ds, h)
	}
	q, err := queue.New(ds, queue.Options{
		MaxQueued:  opts.QueueDepth,
		Logger:     opts.Logger,
		OnDispatch: o.dispatched,
	})
	if err != nil {
		return nil, err
	}
	o.queue = q
	return o, nil
}

// Init starts every engine instance ahead of the first job.
func (o *Orchestrator) Init(ctx context.Context) error {
	for _, h := range o.handles {
		if err := h.Init(ctx); err != nil {
			return fmt.Errorf("orchestrator: init %s: %w", h.Name(), err)
		}
	}
	return nil
}

// SubmitJob vectorizes image with the current resolved configuration.
// Configuration problems are returned as *params.ValidationError before any
// engine work; unreadable images fail with imageinfo errors. A cache hit
// returns an already completed handle.
func (o *Orchestrator) SubmitJob(ctx context.Context, image []byte, priority int) (*JobHandle, error) {
	cfg := o.resolver.Resolved()
	if err := params.Validate(cfg).Err(); err != nil {
		o.count(func(c *JobCounters) { c.Rejected++ })
		return nil, err
	}
	return o.submit(ctx, image, priority, cfg)
}

func (o *Orchestrator) submit(ctx context.Context, image []byte, priority int, cfg params.AlgorithmConfig) (*JobHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := o.inspector.Inspect(image); err != nil {
		o.count(func(c *JobCounters) { c.Rejected++ })
		return nil, err
	}

	key := fingerprint.Compute(fingerprint.ImageHash(image), cfg)
	now := o.now()
	j := newJob(uuid.NewString(), priority, key, cfg, image, now)
	log := o.log.With().Str("job_id", j.id).Str("fingerprint", key.Short()).Logger()

	if entry, ok := o.cache.Get(key); ok {
		j.cached = true
		j.settle(StatusCompleted, entry.Result, nil, now)
		if err := o.register(j); err != nil {
			return nil, err
		}
		o.count(func(c *JobCounters) { c.Submitted++; c.CacheHits++; c.Completed++ })
		o.retire(j)
		log.Debug().Msg("orchestrator: cache hit")
		o.publishTerminal(j)
		return &JobHandle{o: o, j: j}, nil
	}

	if err := o.register(j); err != nil {
		return nil, err
	}
	out, err := o.queue.Submit(queue.Job{
		ID:         j.id,
		Priority:   priority,
		EnqueuedAt: now,
		Work: engine.Work{
			Params:   params.ToEngineParams(cfg),
			Image:    image,
			Progress: func(p engine.Progress) { o.progress(j, p) },
		},
	})
	if err != nil {
		o.unregister(j.id)
		o.count(func(c *JobCounters) { c.Rejected++ })
		return nil, err
	}
	o.count(func(c *JobCounters) { c.Submitted++ })
	log.Debug().Int("priority", priority).Str("backend", cfg.Backend.String()).Msg("orchestrator: job queued")
	o.publish(events.JobEvent{
		JobID:       j.id,
		Kind:        events.KindQueued,
		Fingerprint: key.String(),
		Backend:     cfg.Backend.String(),
		Priority:    priority,
	})

	go j.deliver()
	go o.await(j, out)
	return &JobHandle{o: o, j: j}, nil
}

func (o *Orchestrator) register(j *job) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	o.jobs[j.id] = j
	return nil
}

func (o *Orchestrator) unregister(id string) {
	o.mu.Lock()
	delete(o.jobs, id)
	o.mu.Unlock()
}

// retire marks a job finished and forgets the oldest finished jobs beyond
// the retention bound. Images kept for Retry are dropped oldest first once
// they exceed the byte budget.
func (o *Orchestrator) retire(j *job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, j.id)
	o.held += j.heldImage()
	for len(o.finished) > o.retain {
		if old, ok := o.jobs[o.finished[0]]; ok {
			o.held -= old.dropImage()
			delete(o.jobs, old.id)
		}
		o.finished = o.finished[1:]
	}
	for i := 0; o.held > o.keepBytes && i < len(o.finished); i++ {
		if old, ok := o.jobs[o.finished[i]]; ok {
			o.held -= old.dropImage()
		}
	}
}

func (o *Orchestrator) count(fn func(*JobCounters)) {
	o.mu.Lock()
	fn(&o.counters)
	o.mu.Unlock()
}

func (o *Orchestrator) lookup(id string) (*job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[id]
	return j, ok
}

// dispatched runs under the queue lock.
func (o *Orchestrator) dispatched(qj queue.Job, handle string) {
	if j, ok := o.lookup(qj.ID); ok {
		j.markRunning(handle, o.now())
	}
}

func (o *Orchestrator) progress(j *job, p engine.Progress) {
	j.push(p)
	o.publish(events.JobEvent{
		JobID:    j.id,
		Kind:     events.KindProgress,
		Backend:  j.config.Backend.String(),
		Priority: j.priority,
		Stage:    p.Stage,
		Percent:  p.Percent,
	})
}

func (o *Orchestrator) await(j *job, out <-chan queue.Outcome) {
	res := <-out
	log := o.log.With().Str("job_id", j.id).Str("handle", res.Handle).Logger()

	// a canceled request that still finished is worth keeping
	if res.Result != nil && (res.Err == nil || errors.Is(res.Err, queue.ErrCanceled)) {
		if err := o.cache.Put(j.key, res.Result, res.Result.SizeBytes()); err != nil {
			log.Warn().Err(err).Msg("orchestrator: result not cached")
		}
	}

	status := StatusCompleted
	switch {
	case res.Err == nil:
	case errors.Is(res.Err, queue.ErrCanceled):
		status = StatusCanceled
	default:
		status = StatusFailed
	}
	if !j.settle(status, res.Result, res.Err, o.now()) {
		return
	}
	o.retire(j)
	o.count(func(c *JobCounters) {
		switch status {
		case StatusCompleted:
			c.Completed++
		case StatusCanceled:
			c.Canceled++
		default:
			c.Failed++
		}
	})

	ev := log.Debug()
	if status == StatusFailed {
		ev = log.Warn().Err(res.Err).Bool("retryable", Retryable(res.Err))
	}
	ev.Str("status", string(status)).Msg("orchestrator: job finished")
	o.publishTerminal(j)
}

func (o *Orchestrator) publish(ev events.JobEvent) {
	if o.bus != nil {
		o.bus.Publish(ev)
	}
}

func (o *Orchestrator) publishTerminal(j *job) {
	o.publish(TerminalEvent(j.info()))
}

// TerminalEvent describes a finished job as a bus event.
func TerminalEvent(in JobInfo) events.JobEvent {
	kind := events.KindCompleted
	switch in.Status {
	case StatusFailed:
		kind = events.KindFailed
	case StatusCanceled:
		kind = events.KindCanceled
	}
	return events.JobEvent{
		JobID:       in.ID,
		Kind:        kind,
		Fingerprint: in.Fingerprint,
		Backend:     in.Backend.String(),
		Priority:    in.Priority,
		Cached:      in.Cached,
		Error:       in.Error,
		Retryable:   in.Retryable,
		DurationMS:  in.DurationMS,
	}
}

// CurrentEvent describes the job's latest state, for late subscribers.
func CurrentEvent(in JobInfo) events.JobEvent {
	if in.Status.Terminal() {
		return TerminalEvent(in)
	}
	ev := events.JobEvent{
		JobID:       in.ID,
		Kind:        events.KindQueued,
		Fingerprint: in.Fingerprint,
		Backend:     in.Backend.String(),
		Priority:    in.Priority,
	}
	if in.Progress != nil {
		ev.Kind = events.KindProgress
		ev.Stage = in.Progress.Stage
		ev.Percent = in.Progress.Percent
	}
	return ev
}

// Cancel aborts a job. Finished jobs are left untouched.
func (o *Orchestrator) Cancel(id string) error {
	j, ok := o.lookup(id)
	if !ok {
		return ErrJobNotFound
	}
	if j.state().Terminal() {
		return nil
	}
	if err := o.queue.Abort(id); err != nil && !errors.Is(err, queue.ErrUnknownJob) {
		return err
	}
	return nil
}

// Retry resubmits a failed or canceled job's image with its original
// configuration and priority.
func (o *Orchestrator) Retry(ctx context.Context, id string) (*JobHandle, error) {
	j, ok := o.lookup(id)
	if !ok {
		return nil, ErrJobNotFound
	}
	j.mu.Lock()
	status, image := j.status, j.image
	j.mu.Unlock()
	if status != StatusFailed && status != StatusCanceled {
		return nil, fmt.Errorf("%w: job is %s", ErrNotRetryable, status)
	}
	if image == nil {
		return nil, fmt.Errorf("%w: image no longer retained", ErrNotRetryable)
	}
	return o.submit(ctx, image, j.priority, j.config)
}

func (o *Orchestrator) Job(id string) (JobInfo, bool) {
	j, ok := o.lookup(id)
	if !ok {
		return JobInfo{}, false
	}
	return j.info(), true
}

// Handle returns the caller view of a known job.
func (o *Orchestrator) Handle(id string) (*JobHandle, bool) {
	j, ok := o.lookup(id)
	if !ok {
		return nil, false
	}
	return &JobHandle{o: o, j: j}, true
}

func (o *Orchestrator) GetMetrics() Metrics {
	st := o.cache.Stats()
	m := Metrics{
		QueueDepth:    o.queue.Depth(),
		Running:       o.queue.Running(),
		CacheHitRatio: st.HitRatio(),
		CacheEntries:  st.Entries,
		CacheBytes:    st.Bytes,
		Cache:         st,
	}
	for _, h := range o.handles {
		m.Engines = append(m.Engines, h.Info())
	}
	o.mu.Lock()
	m.Jobs = o.counters
	m.RetainedImageBytes = o.held
	o.mu.Unlock()
	return m
}

// Close stops admitting jobs, fails waiting ones and shuts the engines down.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.queue.Close()
	var errs []error
	for _, h := range o.handles {
		if err := h.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Configuration session.

func (o *Orchestrator) ResolveConfig() params.AlgorithmConfig { return o.resolver.Resolved() }
func (o *Orchestrator) ConfigState() resolver.State           { return o.resolver.State() }
func (o *Orchestrator) Validate() params.Report               { return o.resolver.Validate() }
func (o *Orchestrator) Presets() []params.Preset              { return o.resolver.Catalog().List() }
func (o *Orchestrator) SelectPreset(name string) error        { return o.resolver.SelectPreset(name) }
func (o *Orchestrator) ClearPreset()                          { o.resolver.ClearPreset() }
func (o *Orchestrator) ResetBackend()                         { o.resolver.ResetBackend() }

func (o *Orchestrator) UpdateField(f params.Field, v params.Value) error {
	return o.resolver.UpdateField(f, v)
}
