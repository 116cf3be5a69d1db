package admin

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
)

// RateLimitConfig holds rate limiter configuration.
type RateLimitConfig struct {
	RPS   int
	Burst int
}

// visitorTTL is how long an idle client entry survives before the sweep
// evicts it.
const visitorTTL = 10 * time.Minute

type visitor struct {
	allowance float64
	seen      time.Time
}

// throttle applies a per-client-IP allowance that refills at RPS up to
// Burst. Probe paths pass through untouched so liveness checks never
// compete with API traffic for tokens.
type throttle struct {
	rps   float64
	burst float64

	mu       sync.Mutex
	visitors map[string]*visitor

	now  func() time.Time
	stop chan struct{}
	done chan struct{}
}

func newThrottle(cfg RateLimitConfig) *throttle {
	t := &throttle{
		rps:      float64(cfg.RPS),
		burst:    float64(cfg.Burst),
		visitors: make(map[string]*visitor),
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go t.sweep()
	return t
}

// allow charges one request against the client's allowance.
func (t *throttle) allow(ip string) bool {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.visitors[ip]
	if !ok {
		v = &visitor{allowance: t.burst, seen: now}
		t.visitors[ip] = v
	}

	v.allowance += now.Sub(v.seen).Seconds() * t.rps
	if v.allowance > t.burst {
		v.allowance = t.burst
	}
	v.seen = now

	if v.allowance < 1 {
		return false
	}
	v.allowance--
	return true
}

// sweep evicts idle entries until close is called.
func (t *throttle) sweep() {
	defer close(t.done)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.evictIdle(t.now().Add(-visitorTTL))
		}
	}
}

func (t *throttle) evictIdle(cutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ip, v := range t.visitors {
		if v.seen.Before(cutoff) {
			delete(t.visitors, ip)
		}
	}
}

// close stops the sweep goroutine. Called from the server's Shutdown.
func (t *throttle) close() {
	close(t.stop)
	<-t.done
}

func (t *throttle) handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if isProbePath(c.Path()) {
			return c.Next()
		}
		if !t.allow(c.IP()) {
			return problemResponse(c, fiber.StatusTooManyRequests,
				"rate_limit_exceeded", "Too Many Requests",
				"Rate limit exceeded. Please try again later.")
		}
		return c.Next()
	}
}

// isProbePath reports whether the path is a health probe, exempt from auth
// and rate limiting.
func isProbePath(path string) bool {
	return path == "/healthz" || path == "/readyz"
}
