package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/contentforge/contentforged/internal/config"
)

// staleAfter is how long an idle client keeps its token bucket. Eviction
// happens inline during allow, so an idle server holds no background
// goroutine.
const staleAfter = 10 * time.Minute

// submitLimiter throttles job submissions per client IP. Only submission is
// throttled: a POST creates pipeline work, reads and deletes do not.
type submitLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	rps       rate.Limit
	burst     int
	lastSweep time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// newSubmitLimiter returns nil when throttling is disabled (rps <= 0); a nil
// limiter allows everything.
func newSubmitLimiter(cfg *config.Config) *submitLimiter {
	if cfg.RateLimitRPS <= 0 {
		return nil
	}
	return &submitLimiter{
		buckets:   make(map[string]*bucket),
		rps:       rate.Limit(cfg.RateLimitRPS),
		burst:     cfg.RateLimitBurst,
		lastSweep: time.Now(),
	}
}

func (sl *submitLimiter) allow(ip string) bool {
	if sl == nil {
		return true
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()

	now := time.Now()
	if now.Sub(sl.lastSweep) > staleAfter {
		for addr, b := range sl.buckets {
			if now.Sub(b.seen) > staleAfter {
				delete(sl.buckets, addr)
			}
		}
		sl.lastSweep = now
	}

	b, ok := sl.buckets[ip]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(sl.rps, sl.burst)}
		sl.buckets[ip] = b
	}
	b.seen = now
	return b.lim.Allow()
}

// clientIP resolves the submitting client: the first X-Forwarded-For entry
// when behind a proxy, otherwise RemoteAddr without its port.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
