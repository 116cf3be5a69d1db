package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-moder/report-agent/internal/platform"
)

func newTestClient(t *testing.T, srv *httptest.Server) (*Client, *[]time.Duration) {
	t.Helper()
	c := New(Options{UserAgent: "test-agent", MaxAttempts: 3}, nil, zerolog.Nop())
	if srv != nil {
		c.http = srv.Client()
	}
	var waits []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	c.jitter = func() time.Duration { return 0 }
	return c, &waits
}

func codeServer(codes ...int) (*httptest.Server, *atomic.Int32) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := int(calls.Add(1)) - 1
		if i >= len(codes) {
			i = len(codes) - 1
		}
		fmt.Fprintf(w, `{"code":%d,"message":"m%d","data":null}`, codes[i], codes[i])
	}))
	return srv, &calls
}

func TestCall_SuccessFirstAttempt(t *testing.T) {
	srv, calls := codeServer(0)
	defer srv.Close()
	c, waits := newTestClient(t, srv)

	res, err := c.Call(context.Background(), http.MethodGet, srv.URL, url.Values{}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Code)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, *waits)
}

func TestCall_RetriesRateCodeThenSucceeds(t *testing.T) {
	srv, calls := codeServer(-412, 862, 0)
	defer srv.Close()
	c, waits := newTestClient(t, srv)

	res, err := c.Call(context.Background(), http.MethodGet, srv.URL, url.Values{}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Code)
	assert.Equal(t, int32(3), calls.Load())
	// exponential rate backoff: 5s, then 10s
	require.Len(t, *waits, 2)
	assert.Equal(t, 5*time.Second, (*waits)[0])
	assert.Equal(t, 10*time.Second, (*waits)[1])
}

func TestCall_NoRetryOnSuspectCode(t *testing.T) {
	srv, calls := codeServer(-352)
	defer srv.Close()
	c, _ := newTestClient(t, srv)

	_, err := c.Call(context.Background(), http.MethodGet, srv.URL, url.Values{}, nil, false)
	var apiErr *platform.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, platform.CodeRisk, apiErr.Code)
	assert.Equal(t, platform.ClassSuspect, apiErr.Class())
	assert.Equal(t, int32(1), calls.Load(), "suspect codes fail fast")
}

func TestCall_NoRetryOnSessionAndHardStop(t *testing.T) {
	for _, tc := range []struct {
		code  int
		class platform.Class
	}{
		{platform.CodeSessionExpired, platform.ClassSessionInvalid},
		{platform.CodeHardStop, platform.ClassHardStop},
		{platform.CodeCaptcha, platform.ClassCaptcha},
	} {
		srv, calls := codeServer(tc.code)
		c, _ := newTestClient(t, srv)

		_, err := c.Call(context.Background(), http.MethodGet, srv.URL, url.Values{}, nil, false)
		var apiErr *platform.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, tc.code, apiErr.Code)
		assert.Equal(t, tc.class, apiErr.Class())
		assert.Equal(t, int32(1), calls.Load())
		srv.Close()
	}
}

func TestCall_ExhaustionYieldsSyntheticCode(t *testing.T) {
	srv, calls := codeServer(-412, -412, -412)
	defer srv.Close()
	c, _ := newTestClient(t, srv)

	_, err := c.Call(context.Background(), http.MethodGet, srv.URL, url.Values{}, nil, false)
	var apiErr *platform.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, platform.CodeExhausted, apiErr.Code)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCall_NetworkErrorRetriedLinearly(t *testing.T) {
	srv, _ := codeServer(0)
	srv.Close() // every attempt hits a dead socket
	c, waits := newTestClient(t, nil)

	_, err := c.Call(context.Background(), http.MethodGet, srv.URL, url.Values{}, nil, false)
	var apiErr *platform.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, platform.CodeExhausted, apiErr.Code)
	// linear network backoff: 2s, then 4s
	require.Len(t, *waits, 2)
	assert.Equal(t, 2*time.Second, (*waits)[0])
	assert.Equal(t, 4*time.Second, (*waits)[1])
}

func TestCall_PostCarriesCSRFAndCookies(t *testing.T) {
	var gotCSRF, gotSession, gotFPA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotCSRF = r.PostFormValue(platform.FieldCSRF)
		if ck, err := r.Cookie(platform.CookieSession); err == nil {
			gotSession = ck.Value
		}
		if ck, err := r.Cookie(platform.CookieFPA); err == nil {
			gotFPA = ck.Value
		}
		fmt.Fprint(w, `{"code":0,"message":"0","data":null}`)
	}))
	defer srv.Close()
	c, _ := newTestClient(t, srv)

	acct := &platform.Account{Session: "sess-1", CSRF: "csrf-1", Fingerprint: "fp-1"}
	params := url.Values{}
	params.Set("oid", "42")

	_, err := c.Call(context.Background(), http.MethodPost, srv.URL, params, acct, false)
	require.NoError(t, err)
	assert.Equal(t, "csrf-1", gotCSRF)
	assert.Equal(t, "sess-1", gotSession)
	assert.Equal(t, "fp-1", gotFPA)
}

func TestCall_MalformedEnvelopeIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>not json</html>`)
	}))
	defer srv.Close()
	c, waits := newTestClient(t, srv)

	_, err := c.Call(context.Background(), http.MethodGet, srv.URL, url.Values{}, nil, false)
	require.Error(t, err)
	var apiErr *platform.APIError
	assert.False(t, errors.As(err, &apiErr), "decode failures are not platform errors")
	assert.Empty(t, *waits, "decode failures are not retried")
}

func TestCall_SleepHonorsContext(t *testing.T) {
	srv, _ := codeServer(-412, 0)
	defer srv.Close()
	c, _ := newTestClient(t, srv)
	c.sleep = sleepCtx

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Call(ctx, http.MethodGet, srv.URL, url.Values{}, nil, false)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSignatureOnly(t *testing.T) {
	signed := url.Values{}
	signed.Set("w_rid", "abc")
	signed.Set("wts", "123")
	signed.Set("oid", "99")

	out := signatureOnly(signed)
	assert.Equal(t, "abc", out.Get("w_rid"))
	assert.Equal(t, "123", out.Get("wts"))
	assert.Empty(t, out.Get("oid"))
}
