package orchestrator

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robmcdonald5/vec2art-sub009/internal/engine"
	"github.com/robmcdonald5/vec2art-sub009/internal/engine/enginetest"
	"github.com/robmcdonald5/vec2art-sub009/internal/events"
	"github.com/robmcdonald5/vec2art-sub009/internal/imageinfo"
	"github.com/robmcdonald5/vec2art-sub009/internal/params"
	"github.com/robmcdonald5/vec2art-sub009/internal/queue"
)

func testImage(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = shade
	}
	img.SetGray(0, 0, color.Gray{Y: 255 - shade})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fixture struct {
	o    *Orchestrator
	pool *enginetest.Pool
	bus  *events.Bus
}

func newFixture(t *testing.T, script enginetest.Script, handles int) *fixture {
	t.Helper()
	return newFixtureWith(t, script, handles, engine.Options{}, Options{})
}

// newFixtureWith fills in the factory, handles, inspector, bus and logger;
// other fields of eo and oo are passed through.
func newFixtureWith(t *testing.T, script enginetest.Script, handles int, eo engine.Options, oo Options) *fixture {
	t.Helper()
	pool := enginetest.NewPool(script)
	eo.Factory = pool.Factory()
	eo.Logger = zerolog.Nop()
	hs, err := engine.NewHandles(handles, eo)
	require.NoError(t, err)
	bus := events.NewBus()
	oo.Handles = hs
	oo.Inspector = imageinfo.NewInspector(0, 0)
	oo.Bus = bus
	oo.Logger = zerolog.Nop()
	o, err := New(oo)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close(context.Background()) })
	return &fixture{o: o, pool: pool, bus: bus}
}

// processed counts process requests across every spawned instance.
func (f *fixture) processed() int {
	last := f.pool.Last()
	if last == nil {
		return 0
	}
	n := 0
	for _, r := range last.Sent() {
		if r.Kind == engine.RequestProcess {
			n++
		}
	}
	return n
}

func result(t *testing.T, h *JobHandle) (*engine.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.Result(ctx)
}

func TestCacheMissThenHit(t *testing.T) {
	f := newFixture(t, enginetest.Echo("<svg/>"), 1)
	img := testImage(t, 20)

	first, err := f.o.SubmitJob(context.Background(), img, 0)
	require.NoError(t, err)
	assert.False(t, first.Cached())
	res1, err := result(t, first)
	require.NoError(t, err)
	assert.Equal(t, "<svg/>", res1.SVG)
	assert.Equal(t, StatusCompleted, first.Status())
	require.Equal(t, 1, f.processed())

	second, err := f.o.SubmitJob(context.Background(), img, 0)
	require.NoError(t, err)
	assert.True(t, second.Cached())
	assert.Equal(t, StatusCompleted, second.Status())
	res2, err := result(t, second)
	require.NoError(t, err)
	assert.Same(t, res1, res2)
	assert.Equal(t, 1, f.processed(), "cache hit must not reach the engine")

	m := f.o.GetMetrics()
	assert.Equal(t, int64(1), m.Jobs.CacheHits)
	assert.Equal(t, int64(2), m.Jobs.Completed)
	assert.Equal(t, 1, m.CacheEntries)
	assert.InDelta(t, 0.5, m.CacheHitRatio, 1e-9)
}

func TestConfigChangeMissesCache(t *testing.T) {
	f := newFixture(t, enginetest.Echo("<svg/>"), 1)
	img := testImage(t, 20)

	h, err := f.o.SubmitJob(context.Background(), img, 0)
	require.NoError(t, err)
	_, err = result(t, h)
	require.NoError(t, err)

	require.NoError(t, f.o.UpdateField(params.FieldDetail, params.Number(0.9)))
	h, err = f.o.SubmitJob(context.Background(), img, 0)
	require.NoError(t, err)
	assert.False(t, h.Cached())
	_, err = result(t, h)
	require.NoError(t, err)
	assert.Equal(t, 2, f.processed())
}

func TestInvalidConfigIsNotDispatched(t *testing.T) {
	f := newFixture(t, enginetest.Echo("<svg/>"), 1)
	require.NoError(t, f.o.UpdateField(params.FieldEnableFlowTracing, params.Flag(true)))
	require.NoError(t, f.o.UpdateField(params.FieldBackend, params.BackendValue(params.BackendCenterline)))

	_, err := f.o.SubmitJob(context.Background(), testImage(t, 20), 0)
	require.Error(t, err)
	var verr *params.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, params.FieldEnableFlowTracing, verr.Issues[0].Field)
	assert.ErrorIs(t, err, params.ErrInvalidConfig)
	assert.Equal(t, 0, f.pool.Spawned(), "no engine was started")
	assert.Equal(t, int64(1), f.o.GetMetrics().Jobs.Rejected)
}

func TestUnreadableImageRejected(t *testing.T) {
	f := newFixture(t, enginetest.Echo("<svg/>"), 1)
	_, err := f.o.SubmitJob(context.Background(), []byte("not an image"), 0)
	assert.ErrorIs(t, err, imageinfo.ErrUnsupportedImage)
	assert.Equal(t, 0, f.pool.Spawned())
}

func TestProgressDelivered(t *testing.T) {
	f := newFixture(t, enginetest.Hold(), 1)
	h, err := f.o.SubmitJob(context.Background(), testImage(t, 20), 0)
	require.NoError(t, err)

	var mu sync.Mutex
	var got []engine.Progress
	h.OnProgress(func(p engine.Progress) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})

	var req engine.Request
	require.Eventually(t, func() bool {
		fake := f.pool.Last()
		if fake == nil {
			return false
		}
		var ok bool
		req, ok = fake.LastOf(engine.RequestProcess)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusRunning, h.Status())

	fake := f.pool.Last()
	fake.Emit(engine.Event{Kind: engine.EventProgress, ID: req.ID, Progress: engine.Progress{Stage: "trace", Percent: 40}})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 5*time.Millisecond)

	info := h.Info()
	require.NotNil(t, info.Progress)
	assert.Equal(t, "trace", info.Progress.Stage)

	fake.Emit(engine.Event{Kind: engine.EventSuccess, ID: req.ID, Result: &engine.Result{SVG: "<svg/>"}})
	_, err = result(t, h)
	require.NoError(t, err)
}

func TestRejectedJobIsNotRetryable(t *testing.T) {
	f := newFixture(t, enginetest.Fail("unsupported color space"), 1)
	h, err := f.o.SubmitJob(context.Background(), testImage(t, 20), 3)
	require.NoError(t, err)
	_, err = result(t, h)
	assert.ErrorIs(t, err, engine.ErrEngineRejected)
	assert.False(t, Retryable(err))
	assert.Equal(t, StatusFailed, h.Status())

	info, ok := f.o.Job(h.ID())
	require.True(t, ok)
	assert.Equal(t, StatusFailed, info.Status)
	assert.False(t, info.Retryable)
	assert.NotEmpty(t, info.Error)
}

func TestCrashThenRetry(t *testing.T) {
	f := newFixture(t, enginetest.Fail("RuntimeError: unreachable executed"), 1)
	img := testImage(t, 20)
	h, err := f.o.SubmitJob(context.Background(), img, 7)
	require.NoError(t, err)
	_, err = result(t, h)
	require.ErrorIs(t, err, engine.ErrEngineCrashed)
	assert.True(t, Retryable(err))

	f.pool.SetScript(enginetest.Echo("<svg>again</svg>"))
	retry, err := f.o.Retry(context.Background(), h.ID())
	require.NoError(t, err)
	assert.NotEqual(t, h.ID(), retry.ID())
	assert.Equal(t, 7, retry.Priority())
	res, err := result(t, retry)
	require.NoError(t, err)
	assert.Equal(t, "<svg>again</svg>", res.SVG)
	assert.Equal(t, 2, f.pool.Spawned(), "crash forced a fresh instance")

	_, err = f.o.Retry(context.Background(), retry.ID())
	assert.ErrorIs(t, err, ErrNotRetryable)
	_, err = f.o.Retry(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestCancelQueuedJob(t *testing.T) {
	f := newFixture(t, enginetest.Hold(), 1)
	running, err := f.o.SubmitJob(context.Background(), testImage(t, 10), 0)
	require.NoError(t, err)
	waiting, err := f.o.SubmitJob(context.Background(), testImage(t, 30), 0)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, waiting.Status())

	require.NoError(t, waiting.Cancel())
	_, err = result(t, waiting)
	assert.ErrorIs(t, err, queue.ErrCanceled)
	assert.Equal(t, StatusCanceled, waiting.Status())
	assert.False(t, Retryable(err))

	require.NoError(t, running.Cancel())
	fake := f.pool.Last()
	require.Eventually(t, func() bool {
		_, ok := fake.LastOf(engine.RequestAbort)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, f.o.Cancel("missing"), ErrJobNotFound)
}

// sentProcess waits for the latest instance to receive a process request.
func (f *fixture) sentProcess(t *testing.T) engine.Request {
	t.Helper()
	var req engine.Request
	require.Eventually(t, func() bool {
		fake := f.pool.Last()
		if fake == nil {
			return false
		}
		var ok bool
		req, ok = fake.LastOf(engine.RequestProcess)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return req
}

func TestCancelRunningJobHonouredByEngine(t *testing.T) {
	f := newFixture(t, enginetest.Hold(), 1)
	var mu sync.Mutex
	var last events.Kind
	require.NoError(t, f.bus.SubscribeSync(func(ev events.JobEvent) {
		mu.Lock()
		last = ev.Kind
		mu.Unlock()
	}))

	h, err := f.o.SubmitJob(context.Background(), testImage(t, 60), 0)
	require.NoError(t, err)
	req := f.sentProcess(t)
	require.NoError(t, h.Cancel())
	f.pool.Last().Emit(engine.Event{Kind: engine.EventError, ID: req.ID, Message: "aborted"})

	_, err = result(t, h)
	require.ErrorIs(t, err, queue.ErrCanceled)
	assert.False(t, Retryable(err))
	assert.Equal(t, StatusCanceled, h.Status())

	require.Eventually(t, func() bool { return f.o.GetMetrics().Jobs.Canceled == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, f.o.GetMetrics().Jobs.Failed)
	info, ok := f.o.Job(h.ID())
	require.True(t, ok)
	assert.False(t, info.Retryable)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last == events.KindCanceled
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCancelRunningJobThenTimeout(t *testing.T) {
	f := newFixtureWith(t, enginetest.Hold(), 1, engine.Options{RequestTimeout: 300 * time.Millisecond}, Options{})
	h, err := f.o.SubmitJob(context.Background(), testImage(t, 70), 0)
	require.NoError(t, err)
	f.sentProcess(t)
	require.NoError(t, h.Cancel())

	_, err = result(t, h)
	require.ErrorIs(t, err, queue.ErrCanceled)
	assert.ErrorIs(t, err, engine.ErrEngineTimeout)
	assert.False(t, Retryable(err), "a canceled job is not offered for retry")
	assert.Equal(t, StatusCanceled, h.Status())
	require.Eventually(t, func() bool { return f.o.GetMetrics().Jobs.Canceled == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, f.o.GetMetrics().Jobs.Failed)
}

func TestRetainedImagesStayBounded(t *testing.T) {
	var imgs [][]byte
	largest := 0
	for i := 0; i < 5; i++ {
		img := testImage(t, uint8(10+20*i))
		imgs = append(imgs, img)
		if len(img) > largest {
			largest = len(img)
		}
	}
	budget := int64(2 * largest)
	f := newFixtureWith(t, enginetest.Fail("RuntimeError: unreachable executed"), 1, engine.Options{}, Options{RetainImageBytes: budget})

	var ids []string
	for _, img := range imgs {
		h, err := f.o.SubmitJob(context.Background(), img, 0)
		require.NoError(t, err)
		_, err = result(t, h)
		require.ErrorIs(t, err, engine.ErrEngineCrashed)
		ids = append(ids, h.ID())
	}
	require.Eventually(t, func() bool { return f.o.GetMetrics().Jobs.Failed == 5 }, 2*time.Second, 5*time.Millisecond)

	held := f.o.GetMetrics().RetainedImageBytes
	assert.LessOrEqual(t, held, budget)
	assert.Positive(t, held)

	_, err := f.o.Retry(context.Background(), ids[0])
	assert.ErrorIs(t, err, ErrNotRetryable, "oldest image was released")
	_, ok := f.o.Job(ids[0])
	assert.True(t, ok, "the job itself is still queryable")

	f.pool.SetScript(enginetest.Echo("<svg/>"))
	retry, err := f.o.Retry(context.Background(), ids[len(ids)-1])
	require.NoError(t, err)
	_, err = result(t, retry)
	assert.NoError(t, err)
}

func TestTerminalEventsPublished(t *testing.T) {
	f := newFixture(t, enginetest.Echo("<svg/>"), 1)
	var mu sync.Mutex
	var kinds []events.Kind
	sink := func(ev events.JobEvent) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	}
	require.NoError(t, f.bus.SubscribeSync(sink))

	img := testImage(t, 20)
	h, err := f.o.SubmitJob(context.Background(), img, 0)
	require.NoError(t, err)
	_, err = result(t, h)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) > 0 && kinds[len(kinds)-1] == events.KindCompleted
	}, 2*time.Second, 5*time.Millisecond)

	_, err = f.o.SubmitJob(context.Background(), img, 0)
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, kinds, events.KindQueued)
	assert.Contains(t, kinds, events.KindProgress)
	assert.Equal(t, events.KindCompleted, kinds[len(kinds)-1], "cache hits are published too")
}

func TestRetentionForgetsOldJobs(t *testing.T) {
	pool := enginetest.NewPool(enginetest.Echo("<svg/>"))
	hs, err := engine.NewHandles(1, engine.Options{Factory: pool.Factory(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	o, err := New(Options{Handles: hs, RetainJobs: 1, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer o.Close(context.Background())

	a, err := o.SubmitJob(context.Background(), testImage(t, 10), 0)
	require.NoError(t, err)
	_, err = result(t, a)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return o.GetMetrics().Jobs.Completed == 1 }, 2*time.Second, 5*time.Millisecond)
	b, err := o.SubmitJob(context.Background(), testImage(t, 40), 0)
	require.NoError(t, err)
	_, err = result(t, b)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := o.Job(a.ID())
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	_, ok := o.Job(b.ID())
	assert.True(t, ok)
}

func TestCloseRejectsSubmissions(t *testing.T) {
	f := newFixture(t, enginetest.Echo("<svg/>"), 1)
	require.NoError(t, f.o.Close(context.Background()))
	_, err := f.o.SubmitJob(context.Background(), testImage(t, 20), 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewRequiresHandles(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, ErrMissingHandles)
}

func TestMetricsReportEngines(t *testing.T) {
	f := newFixture(t, enginetest.Echo("<svg/>"), 2)
	require.NoError(t, f.o.Init(context.Background()))
	m := f.o.GetMetrics()
	require.Len(t, m.Engines, 2)
	assert.Equal(t, "engine-0", m.Engines[0].Name)
	assert.Equal(t, engine.StateReady, m.Engines[0].State)
}
