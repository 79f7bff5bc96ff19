package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// maxClients caps the tracked windows; the least recently seen client is
// forgotten first.
const maxClients = 4096

type window struct {
	used  int
	reset time.Time
}

type limiter struct {
	mu      sync.Mutex
	limit   int
	per     time.Duration
	clients *simplelru.LRU[string, *window]
	now     func() time.Time
}

// allow consumes one request for client. When the window is spent it
// returns false and the time until the window resets.
func (l *limiter) allow(client string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	w, ok := l.clients.Get(client)
	if !ok || !now.Before(w.reset) {
		w = &window{reset: now.Add(l.per)}
		l.clients.Add(client, w)
	}
	if w.used >= l.limit {
		return false, w.reset.Sub(now)
	}
	w.used++
	return true, 0
}

// RateLimit allows limit requests per client IP in each fixed window.
// A non-positive limit disables it.
func RateLimit(limit int, per time.Duration) func(http.Handler) http.Handler {
	if limit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	clients, err := simplelru.NewLRU[string, *window](maxClients, nil)
	if err != nil {
		panic(err)
	}
	l := &limiter{limit: limit, per: per, clients: clients, now: time.Now}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, wait := l.allow(clientIP(r))
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(wait/time.Second)+1))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"code":"rate_limited","message":"too many requests"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP prefers the first parseable X-Forwarded-For entry, then the
// remote address host.
func clientIP(r *http.Request) string {
	for _, part := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
		if ip := strings.TrimSpace(part); net.ParseIP(ip) != nil {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && net.ParseIP(host) != nil {
		return host
	}
	return r.RemoteAddr
}
