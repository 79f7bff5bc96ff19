package events

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sink struct {
	mu  sync.Mutex
	got []JobEvent
}

func (s *sink) handle(ev JobEvent) {
	s.mu.Lock()
	s.got = append(s.got, ev)
	s.mu.Unlock()
}

func (s *sink) kinds() []Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Kind
	for _, ev := range s.got {
		out = append(out, ev.Kind)
	}
	return out
}

func TestBusDeliversEveryEvent(t *testing.T) {
	bus := NewBus()
	s := &sink{}
	require.NoError(t, bus.Subscribe(s.handle))

	bus.Publish(JobEvent{JobID: "a", Kind: KindQueued})
	bus.Publish(JobEvent{JobID: "a", Kind: KindProgress, Percent: 50})
	bus.Publish(JobEvent{JobID: "a", Kind: KindCompleted})
	bus.Wait()
	assert.ElementsMatch(t, []Kind{KindQueued, KindProgress, KindCompleted}, s.kinds())
	for _, ev := range s.got {
		assert.False(t, ev.At.IsZero(), "publish stamps the time")
	}

	require.NoError(t, bus.Unsubscribe(s.handle))
	bus.Publish(JobEvent{JobID: "a", Kind: KindFailed})
	bus.Wait()
	assert.Len(t, s.kinds(), 3)
}

func TestTerminalKinds(t *testing.T) {
	assert.True(t, KindCompleted.Terminal())
	assert.True(t, KindFailed.Terminal())
	assert.True(t, KindCanceled.Terminal())
	assert.False(t, KindProgress.Terminal())
	assert.False(t, KindQueued.Terminal())
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHubStreamsUntilTerminal(t *testing.T) {
	bus := NewBus()
	hub, err := NewHub(bus, zerolog.Nop(), nil)
	require.NoError(t, err)
	defer hub.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, "job-1", func() (JobEvent, bool) {
			return JobEvent{JobID: "job-1", Kind: KindQueued}, true
		})
	}))
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Watchers("job-1") == 1 }, 2*time.Second, 5*time.Millisecond)

	bus.Publish(JobEvent{JobID: "other", Kind: KindCompleted})
	bus.Publish(JobEvent{JobID: "job-1", Kind: KindProgress, Stage: "trace", Percent: 40})
	bus.Publish(JobEvent{JobID: "job-1", Kind: KindCompleted})

	var got []JobEvent
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var ev JobEvent
		if err := conn.ReadJSON(&ev); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "%v", err)
			break
		}
		got = append(got, ev)
	}
	require.Len(t, got, 3)
	assert.Equal(t, KindQueued, got[0].Kind)
	assert.Equal(t, "trace", got[1].Stage)
	assert.Equal(t, KindCompleted, got[2].Kind)
	require.Eventually(t, func() bool { return hub.Watchers("job-1") == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHubFinishedJobClosesImmediately(t *testing.T) {
	bus := NewBus()
	hub, err := NewHub(bus, zerolog.Nop(), nil)
	require.NoError(t, err)
	defer hub.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, "done", func() (JobEvent, bool) {
			return JobEvent{JobID: "done", Kind: KindFailed, Error: "engine rejected request"}, true
		})
	}))
	defer srv.Close()

	conn := dial(t, srv)
	var ev JobEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, KindFailed, ev.Kind)
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example"})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, check(r), "no origin header")
	r.Header.Set("Origin", "https://app.example")
	assert.True(t, check(r))
	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(r))
	assert.True(t, originChecker([]string{"*"})(r))
}
