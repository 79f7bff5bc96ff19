package events

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = pongWait * 9 / 10
	clientQueue = 64
)

type client struct {
	jobID string
	send  chan JobEvent
}

// Hub fans job events out to websocket clients watching a job. It holds a
// single bus subscription for all connections.
type Hub struct {
	bus      *Bus
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]map[*client]struct{}
}

func NewHub(bus *Bus, log zerolog.Logger, allowedOrigins []string) (*Hub, error) {
	h := &Hub{
		bus:     bus,
		log:     log.With().Str("component", "events").Logger(),
		clients: make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
	if err := bus.SubscribeSync(h.dispatch); err != nil {
		return nil, err
	}
	return h, nil
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Close detaches the hub from the bus.
func (h *Hub) Close() error {
	return h.bus.Unsubscribe(h.dispatch)
}

// Watchers returns the number of connections following jobID.
func (h *Hub) Watchers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[jobID])
}

// dispatch never blocks: a slow client loses progress events, and its
// terminal event replaces whatever is queued.
func (h *Hub) dispatch(ev JobEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[ev.JobID] {
		select {
		case c.send <- ev:
		default:
			if ev.Kind.Terminal() {
				select {
				case <-c.send:
				default:
				}
				select {
				case c.send <- ev:
				default:
				}
			}
		}
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.jobID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.jobID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[c.jobID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.jobID)
		}
	}
}

// Serve upgrades the request and streams events for jobID. current, if set,
// is read after the client is registered and its event written first, so a
// late watcher never misses the terminal event. The connection closes after
// a terminal event.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, jobID string, current func() (JobEvent, bool)) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("job_id", jobID).Msg("events: upgrade failed")
		return
	}
	c := &client{jobID: jobID, send: make(chan JobEvent, clientQueue)}
	h.register(c)
	defer func() {
		h.unregister(c)
		_ = conn.Close()
	}()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.log.Debug().Err(err).Str("job_id", jobID).Msg("events: client closed")
				}
				return
			}
		}
	}()

	write := func(ev JobEvent) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			h.log.Debug().Err(err).Str("job_id", jobID).Msg("events: write failed")
			return false
		}
		return true
	}
	if current != nil {
		if ev, ok := current(); ok {
			if !write(ev) {
				return
			}
			if ev.Kind.Terminal() {
				h.closeNormally(conn)
				return
			}
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev := <-c.send:
			if !write(ev) {
				return
			}
			if ev.Kind.Terminal() {
				h.closeNormally(conn)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Hub) closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
