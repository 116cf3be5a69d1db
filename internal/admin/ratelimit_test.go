package admin

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-moder/report-agent/internal/store"
)

func newLimitedServer(t *testing.T, cfg RateLimitConfig) *Server {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := NewHandlers(st, &fakeEngine{}, zerolog.Nop())
	srv := NewServer(ServerConfig{
		AuthConfig: AuthConfig{Mode: "none"},
		RateLimit:  cfg,
	}, h, zerolog.Nop())
	t.Cleanup(srv.limiter.close)
	return srv
}

func newTestThrottle(cfg RateLimitConfig) (*throttle, *time.Time) {
	now := time.Unix(1700000000, 0)
	th := newThrottle(cfg)
	th.now = func() time.Time { return now }
	return th, &now
}

func TestThrottle_BurstThenDeny(t *testing.T) {
	th, _ := newTestThrottle(RateLimitConfig{RPS: 1, Burst: 3})
	defer th.close()

	for i := 0; i < 3; i++ {
		assert.True(t, th.allow("10.0.0.1"), "request %d within burst", i)
	}
	assert.False(t, th.allow("10.0.0.1"), "burst exhausted")
}

func TestThrottle_RefillsOverTime(t *testing.T) {
	th, now := newTestThrottle(RateLimitConfig{RPS: 2, Burst: 2})
	defer th.close()

	require.True(t, th.allow("10.0.0.1"))
	require.True(t, th.allow("10.0.0.1"))
	require.False(t, th.allow("10.0.0.1"))

	*now = now.Add(time.Second) // refills 2 tokens at 2 rps
	assert.True(t, th.allow("10.0.0.1"))
	assert.True(t, th.allow("10.0.0.1"))
	assert.False(t, th.allow("10.0.0.1"))
}

func TestThrottle_ClientsAreIndependent(t *testing.T) {
	th, _ := newTestThrottle(RateLimitConfig{RPS: 1, Burst: 1})
	defer th.close()

	require.True(t, th.allow("10.0.0.1"))
	require.False(t, th.allow("10.0.0.1"))
	assert.True(t, th.allow("10.0.0.2"), "a throttled client must not starve others")
}

func TestThrottle_SweepEvictsIdleClients(t *testing.T) {
	th, now := newTestThrottle(RateLimitConfig{RPS: 1, Burst: 1})
	defer th.close()

	th.allow("10.0.0.1")
	*now = now.Add(visitorTTL + time.Minute)
	th.allow("10.0.0.2")

	// run one eviction pass directly rather than waiting on the ticker
	th.evictIdle(th.now().Add(-visitorTTL))

	th.mu.Lock()
	_, evicted := th.visitors["10.0.0.1"]
	_, kept := th.visitors["10.0.0.2"]
	th.mu.Unlock()
	assert.False(t, evicted, "idle entry evicted")
	assert.True(t, kept, "active entry kept")
}

func TestRateLimit_OverLimitIsProblemResponse(t *testing.T) {
	srv := newLimitedServer(t, RateLimitConfig{RPS: 1, Burst: 1})

	first := httptest.NewRequest(http.MethodGet, "/api/v1/targets", nil)
	resp, err := srv.App().Test(first, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	second := httptest.NewRequest(http.MethodGet, "/api/v1/targets", nil)
	resp, err = srv.App().Test(second, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	var pd ProblemDetail
	decodeBody(t, resp, &pd)
	assert.Equal(t, "rate_limit_exceeded", pd.Type)
}

func TestRateLimit_ProbesBypass(t *testing.T) {
	srv := newLimitedServer(t, RateLimitConfig{RPS: 1, Burst: 1})

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		resp, err := srv.App().Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
}
