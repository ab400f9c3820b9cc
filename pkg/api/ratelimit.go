package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterSweepInterval = 5 * time.Minute
	limiterIdleTTL       = 10 * time.Minute
)

// Rate limit tiers. Run-creating endpoints submit workflows to the engine
// and draw from their own, smaller budget on top of the api tier.
const (
	tierAPI  = "api"
	tierRuns = "runs"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// tierLimiter holds one token bucket per client address for a tier.
type tierLimiter struct {
	name    string
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	clients map[string]*clientLimiter
}

func newTierLimiter(name string, perMinute int) *tierLimiter {
	return &tierLimiter{
		name:    name,
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   perMinute,
		clients: make(map[string]*clientLimiter, 64),
	}
}

// reserve takes a token for client and returns how long the caller has to
// wait before the request would be allowed. Zero means allowed now.
func (t *tierLimiter) reserve(client string, now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.clients[client]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.clients[client] = entry
	}

	entry.lastSeen = now

	res := entry.limiter.ReserveN(now, 1)
	if !res.OK() {
		return limiterSweepInterval
	}

	delay := res.DelayFrom(now)
	if delay > 0 {
		res.CancelAt(now)
	}

	return delay
}

func (t *tierLimiter) sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for client, entry := range t.clients {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(t.clients, client)
		}
	}
}

func (t *tierLimiter) sweepUntil(done <-chan struct{}) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			t.sweep(now)
		case <-done:
			return
		}
	}
}

// rateLimit returns a middleware enforcing a per-client budget of perMinute
// requests for the named tier. Rejected requests get a 429 with a
// Retry-After header.
func (s *server) rateLimit(name string, perMinute int) func(http.Handler) http.Handler {
	tier := newTierLimiter(name, perMinute)

	go tier.sweepUntil(s.done)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := extractIP(r)

			if wait := tier.reserve(client, time.Now()); wait > 0 {
				s.log.WithField("tier", tier.name).
					WithField("client", client).
					Debug("Rate limit exceeded")

				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				writeJSON(w, http.StatusTooManyRequests,
					errorResponse{tier.name + " rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractIP returns the client's IP address from the request.
func extractIP(r *http.Request) string {
	// Take the first hop of X-Forwarded-For when behind a proxy.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")

		return strings.TrimSpace(first)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}
