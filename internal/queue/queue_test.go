package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robmcdonald5/vec2art-sub009/internal/engine"
	"github.com/robmcdonald5/vec2art-sub009/internal/engine/enginetest"
)

// holdBlocked echoes every process request except images named "block".
func holdBlocked(f *enginetest.Fake, req engine.Request) {
	if string(req.Image) == "block" {
		enginetest.AckInit(f, req)
		return
	}
	enginetest.Echo("<svg>"+string(req.Image)+"</svg>")(f, req)
}

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) dispatched(job Job, _ string) {
	r.mu.Lock()
	r.order = append(r.order, job.ID)
	r.mu.Unlock()
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func newQueue(t *testing.T, handles int, opts Options) (*Queue, *enginetest.Pool) {
	t.Helper()
	return newQueueWith(t, handles, opts, 0)
}

func newQueueWith(t *testing.T, handles int, opts Options, requestTimeout time.Duration) (*Queue, *enginetest.Pool) {
	t.Helper()
	pool := enginetest.NewPool(holdBlocked)
	var ds []Dispatcher
	for i := 0; i < handles; i++ {
		h, err := engine.NewHandle(engine.Options{
			Name:           fmt.Sprintf("h%d", i),
			Factory:        pool.Factory(),
			RequestTimeout: requestTimeout,
			Logger:         zerolog.Nop(),
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = h.Close(context.Background()) })
		ds = append(ds, h)
	}
	opts.Logger = zerolog.Nop()
	q, err := New(ds, opts)
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q, pool
}

func job(id string, prio int, image string) Job {
	return Job{ID: id, Priority: prio, Work: engine.Work{Image: []byte(image)}}
}

func await(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome")
		return Outcome{}
	}
}

// release answers the held "block" request on the most recent instance.
func release(t *testing.T, pool *enginetest.Pool) {
	t.Helper()
	var req engine.Request
	require.Eventually(t, func() bool {
		f := pool.Last()
		if f == nil {
			return false
		}
		var ok bool
		req, ok = f.LastOf(engine.RequestProcess)
		return ok && string(req.Image) == "block"
	}, 2*time.Second, 5*time.Millisecond)
	pool.Last().Emit(engine.Event{Kind: engine.EventSuccess, ID: req.ID, Result: &engine.Result{SVG: "<svg>block</svg>"}})
}

func TestPriorityOrder(t *testing.T) {
	rec := &recorder{}
	q, pool := newQueue(t, 1, Options{OnDispatch: rec.dispatched})

	blocker, err := q.Submit(job("blocker", 0, "block"))
	require.NoError(t, err)

	var outs []<-chan Outcome
	base := time.Now()
	for i, p := range []int{1, 5, 3} {
		j := job(fmt.Sprintf("p%d", p), p, "x")
		j.EnqueuedAt = base.Add(time.Duration(i) * time.Millisecond)
		ch, err := q.Submit(j)
		require.NoError(t, err)
		outs = append(outs, ch)
	}
	assert.Equal(t, 3, q.Depth())
	assert.Equal(t, 1, q.Running())

	release(t, pool)
	require.NoError(t, await(t, blocker).Err)
	for _, ch := range outs {
		require.NoError(t, await(t, ch).Err)
	}
	assert.Equal(t, []string{"blocker", "p5", "p3", "p1"}, rec.get())
}

func TestEqualPriorityIsFIFO(t *testing.T) {
	rec := &recorder{}
	q, pool := newQueue(t, 1, Options{OnDispatch: rec.dispatched})
	_, err := q.Submit(job("blocker", 9, "block"))
	require.NoError(t, err)

	var outs []<-chan Outcome
	for _, id := range []string{"a", "b", "c"} {
		ch, err := q.Submit(job(id, 2, "x"))
		require.NoError(t, err)
		outs = append(outs, ch)
	}
	release(t, pool)
	for _, ch := range outs {
		await(t, ch)
	}
	assert.Equal(t, []string{"blocker", "a", "b", "c"}, rec.get())
}

func TestQueueFull(t *testing.T) {
	q, _ := newQueue(t, 1, Options{MaxQueued: 1})
	_, err := q.Submit(job("run", 0, "block"))
	require.NoError(t, err)
	_, err = q.Submit(job("wait", 0, "x"))
	require.NoError(t, err)
	_, err = q.Submit(job("over", 0, "x"))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestDuplicateID(t *testing.T) {
	q, _ := newQueue(t, 1, Options{})
	_, err := q.Submit(job("same", 0, "block"))
	require.NoError(t, err)
	_, err = q.Submit(job("same", 0, "x"))
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestAbortQueuedJobSkipsEngine(t *testing.T) {
	rec := &recorder{}
	q, pool := newQueue(t, 1, Options{OnDispatch: rec.dispatched})
	_, err := q.Submit(job("blocker", 0, "block"))
	require.NoError(t, err)
	ch, err := q.Submit(job("victim", 0, "x"))
	require.NoError(t, err)

	require.NoError(t, q.Abort("victim"))
	assert.ErrorIs(t, await(t, ch).Err, ErrCanceled)
	assert.Equal(t, 0, q.Depth())

	release(t, pool)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"blocker"}, rec.get())
	assert.ErrorIs(t, q.Abort("victim"), ErrUnknownJob)
}

func TestAbortRunningJobIsAdvisory(t *testing.T) {
	q, pool := newQueue(t, 1, Options{})
	ch, err := q.Submit(job("running", 0, "block"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		f := pool.Last()
		if f == nil {
			return false
		}
		_, ok := f.LastOf(engine.RequestProcess)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, q.Abort("running"))
	require.Eventually(t, func() bool {
		_, ok := pool.Last().LastOf(engine.RequestAbort)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	// The engine ignored the abort and finished anyway.
	release(t, pool)
	o := await(t, ch)
	assert.ErrorIs(t, o.Err, ErrCanceled)
	require.NotNil(t, o.Result)
	assert.Equal(t, "<svg>block</svg>", o.Result.SVG)
}

// dispatchedProcess waits for the engine to receive a process request.
func dispatchedProcess(t *testing.T, pool *enginetest.Pool) engine.Request {
	t.Helper()
	var req engine.Request
	require.Eventually(t, func() bool {
		f := pool.Last()
		if f == nil {
			return false
		}
		var ok bool
		req, ok = f.LastOf(engine.RequestProcess)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return req
}

func TestAbortRunningJobHonouredByEngine(t *testing.T) {
	q, pool := newQueue(t, 1, Options{})
	ch, err := q.Submit(job("running", 0, "block"))
	require.NoError(t, err)
	req := dispatchedProcess(t, pool)

	require.NoError(t, q.Abort("running"))
	pool.Last().Emit(engine.Event{Kind: engine.EventError, ID: req.ID, Message: "aborted"})

	o := await(t, ch)
	require.ErrorIs(t, o.Err, ErrCanceled)
	assert.ErrorIs(t, o.Err, engine.ErrEngineRejected, "engine detail is kept")
	assert.Nil(t, o.Result)
}

func TestAbortRunningJobThenTimeout(t *testing.T) {
	q, pool := newQueueWith(t, 1, Options{}, 300*time.Millisecond)
	ch, err := q.Submit(job("running", 0, "block"))
	require.NoError(t, err)
	dispatchedProcess(t, pool)

	require.NoError(t, q.Abort("running"))

	o := await(t, ch)
	require.ErrorIs(t, o.Err, ErrCanceled)
	assert.ErrorIs(t, o.Err, engine.ErrEngineTimeout)

	// The handle is free again.
	next, err := q.Submit(job("next", 0, "fine"))
	require.NoError(t, err)
	assert.NoError(t, await(t, next).Err)
}

func TestCrashReleasesHandle(t *testing.T) {
	q, pool := newQueue(t, 1, Options{})
	ch, err := q.Submit(job("doomed", 0, "block"))
	require.NoError(t, err)
	next, err := q.Submit(job("next", 0, "fine"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		f := pool.Last()
		if f == nil {
			return false
		}
		_, ok := f.LastOf(engine.RequestProcess)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	pool.Last().Emit(engine.Event{Kind: engine.EventFault, Message: "memory out of bounds"})

	assert.ErrorIs(t, await(t, ch).Err, engine.ErrEngineCrashed)
	o := await(t, next)
	require.NoError(t, o.Err)
	assert.Equal(t, "<svg>fine</svg>", o.Result.SVG)
	assert.Equal(t, 2, pool.Spawned())
}

func TestParallelHandles(t *testing.T) {
	q, _ := newQueue(t, 3, Options{})
	var outs []<-chan Outcome
	for i := 0; i < 9; i++ {
		ch, err := q.Submit(job(fmt.Sprint(i), i%3, "x"))
		require.NoError(t, err)
		outs = append(outs, ch)
	}
	for _, ch := range outs {
		require.NoError(t, await(t, ch).Err)
	}
	assert.Equal(t, 0, q.Running())
}

func TestCloseFailsWaitingJobs(t *testing.T) {
	q, _ := newQueue(t, 1, Options{})
	_, err := q.Submit(job("run", 0, "block"))
	require.NoError(t, err)
	ch, err := q.Submit(job("wait", 0, "x"))
	require.NoError(t, err)

	q.Close()
	assert.ErrorIs(t, await(t, ch).Err, ErrQueueClosed)
	_, err = q.Submit(job("late", 0, "x"))
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestNewRequiresHandles(t *testing.T) {
	_, err := New(nil, Options{})
	assert.ErrorIs(t, err, ErrNoHandles)
}
