// Package client issues signed and unsigned calls against the platform API
// and applies the canonical error-code retry policy. All callers receive
// either a Result (envelope code 0) or a *platform.APIError whose class
// tells them how to proceed; nobody else inspects raw codes.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-moder/report-agent/internal/platform"
	"github.com/p-moder/report-agent/internal/sign"
)

// Result is a successful platform response.
type Result struct {
	Code    int
	Message string
	Data    json.RawMessage
	Raw     string
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Options configures a Client.
type Options struct {
	UserAgent   string
	Timeout     time.Duration
	MaxAttempts int

	// OnRetry, when set, observes every call that enters the retry loop.
	OnRetry func()
}

// Client is the retrying request client shared by the orchestrator and the
// reply poller.
type Client struct {
	http        *http.Client
	signer      *sign.Signer
	userAgent   string
	maxAttempts int
	onRetry     func()
	logger      zerolog.Logger

	// test hooks
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

// New creates a Client. signer may be nil if no caller ever requests a
// signed call.
func New(opts Options, signer *sign.Signer, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &Client{
		http:        &http.Client{Timeout: opts.Timeout},
		signer:      signer,
		userAgent:   opts.UserAgent,
		maxAttempts: opts.MaxAttempts,
		onRetry:     opts.OnRetry,
		logger:      logger.With().Str("component", "client").Logger(),
		sleep:       sleepCtx,
		jitter:      func() time.Duration { return time.Duration(rand.Int63n(int64(2 * time.Second))) },
	}
}

// Call sends one request with the retry loop applied. GET places params in
// the query; POST form-encodes them into the body and appends the account's
// CSRF token. Signed calls carry the signature fields as query parameters in
// both cases. acct may be nil for anonymous calls.
func (c *Client) Call(ctx context.Context, method, rawURL string, params url.Values, acct *platform.Account, signed bool) (*Result, error) {
	var lastErr error

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		res, err := c.once(ctx, method, rawURL, params, acct, signed)
		if err == nil {
			return res, nil
		}
		lastErr = err

		var wait time.Duration
		switch classOf(err) {
		case platform.ClassRetryNet:
			wait = time.Duration(attempt+1) * 2 * time.Second
		case platform.ClassRetryRate:
			wait = 5*(1<<attempt)*time.Second + c.jitter()
		default:
			return nil, err
		}

		if attempt == c.maxAttempts-1 {
			break
		}
		if c.onRetry != nil {
			c.onRetry()
		}

		c.logger.Debug().
			Err(err).
			Int("attempt", attempt+1).
			Dur("backoff", wait).
			Str("url", rawURL).
			Msg("retrying platform call")

		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	return nil, &platform.APIError{
		Code:    platform.CodeExhausted,
		Message: fmt.Sprintf("max retries exceeded after %d attempts: %v", c.maxAttempts, lastErr),
	}
}

func (c *Client) once(ctx context.Context, method, rawURL string, params url.Values, acct *platform.Account, signed bool) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}

	var body io.Reader
	switch method {
	case http.MethodGet:
		q := params
		if signed {
			q = c.signer.Sign(ctx, params)
		}
		u.RawQuery = q.Encode()
	default:
		form := url.Values{}
		for k, vs := range params {
			for _, v := range vs {
				form.Set(k, v)
			}
		}
		if acct != nil {
			form.Set(platform.FieldCSRF, acct.CSRF)
		}
		if signed {
			u.RawQuery = signatureOnly(c.signer.Sign(ctx, params)).Encode()
		}
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	c.addCookies(req, acct)

	resp, err := c.http.Do(req)
	if err != nil {
		// transport failure: timeout, connect, read
		return nil, &netError{err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &netError{err: fmt.Errorf("read body: %w", err)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("client: decode envelope: %w", err)
	}

	if env.Code != platform.CodeOK {
		return nil, &platform.APIError{Code: env.Code, Message: env.Message}
	}

	return &Result{Code: env.Code, Message: env.Message, Data: env.Data, Raw: string(raw)}, nil
}

func (c *Client) addCookies(req *http.Request, acct *platform.Account) {
	if acct == nil {
		return
	}
	req.AddCookie(&http.Cookie{Name: platform.CookieSession, Value: acct.Session})
	if acct.Fingerprint != "" {
		req.AddCookie(&http.Cookie{Name: platform.CookieFPA, Value: acct.Fingerprint})
	}
	if acct.Fingerprint2 != "" {
		req.AddCookie(&http.Cookie{Name: platform.CookieFPB, Value: acct.Fingerprint2})
	}
}

// signatureOnly keeps just the signature fields from a signed parameter set.
func signatureOnly(signed url.Values) url.Values {
	out := url.Values{}
	for _, k := range []string{"w_rid", "wts"} {
		if v := signed.Get(k); v != "" {
			out.Set(k, v)
		}
	}
	return out
}

// netError marks a transport-level failure as retryable with linear backoff.
type netError struct{ err error }

func (e *netError) Error() string { return fmt.Sprintf("network error: %v", e.err) }
func (e *netError) Unwrap() error { return e.err }

func classOf(err error) platform.Class {
	if apiErr, ok := err.(*platform.APIError); ok {
		return apiErr.Class()
	}
	if _, ok := err.(*netError); ok {
		return platform.ClassRetryNet
	}
	return platform.ClassFatal
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
