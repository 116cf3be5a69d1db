// Package session implements the credential-rotation protocol: a five-step
// flow that exchanges an account's refresh token for fresh session and CSRF
// tokens. Any step failing aborts the whole flow with the stored tokens
// untouched, so a half-finished rotation never corrupts an account.
package session

import (
	"compress/gzip"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-moder/report-agent/internal/platform"
	"github.com/p-moder/report-agent/internal/sign"
	"github.com/p-moder/report-agent/internal/store"
)

// Endpoints holds the refresh-flow URLs.
type Endpoints struct {
	CookieInfoURL  string // liveness probe
	CorrespondBase string // path-token resolver, token appended as a path segment
	RefreshURL     string // token exchange
	ConfirmURL     string // exchange confirmation
}

// confirmValueRe extracts the embedded confirmation value from the resolver
// page.
var confirmValueRe = regexp.MustCompile(`<div id="1-name">(.+?)</div>`)

// Refresher drives the rotation protocol for one account at a time.
type Refresher struct {
	http      *http.Client
	store     *store.Store
	pub       *rsa.PublicKey
	endpoints Endpoints
	userAgent string
	logger    zerolog.Logger

	now func() time.Time
}

// New creates a Refresher. A nil pub falls back to the embedded platform key.
func New(endpoints Endpoints, st *store.Store, pub *rsa.PublicKey, userAgent string, logger zerolog.Logger) (*Refresher, error) {
	if pub == nil {
		var err error
		pub, err = sign.PlatformPublicKey()
		if err != nil {
			return nil, err
		}
	}
	return &Refresher{
		http:      &http.Client{Timeout: 20 * time.Second},
		store:     st,
		pub:       pub,
		endpoints: endpoints,
		userAgent: userAgent,
		logger:    logger.With().Str("component", "session").Logger(),
		now:       time.Now,
	}, nil
}

// Refresh runs the full protocol for the account. Returns nil if the session
// is already live (short-circuit) or after new tokens are persisted.
func (r *Refresher) Refresh(ctx context.Context, acct *platform.Account) error {
	if !acct.CanRefresh() {
		return fmt.Errorf("session: account %s has no refresh token", acct.ID)
	}

	// Step 1: if the cookie is still live, nothing to rotate.
	needsRefresh, err := r.checkLiveness(ctx, acct)
	if err != nil {
		return fmt.Errorf("session: liveness check: %w", err)
	}
	if !needsRefresh {
		r.logger.Debug().Str("account_id", acct.ID).Msg("session still live, skipping rotation")
		if err := r.store.MarkAccountStatus(acct.ID, platform.AccountValid); err != nil {
			return err
		}
		return nil
	}

	// Step 2: build the path token. Millisecond precision is a protocol
	// requirement; the resolver rejects second-precision timestamps.
	token, err := sign.EncryptPathToken(r.pub, r.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("session: build path token: %w", err)
	}

	// Step 3: resolve the path token into the confirmation value.
	confirm, err := r.resolveToken(ctx, acct, token)
	if err != nil {
		return fmt.Errorf("session: resolve path token: %w", err)
	}

	// Step 4: exchange for new tokens.
	newSession, newCSRF, newRefreshToken, err := r.exchange(ctx, acct, confirm)
	if err != nil {
		return fmt.Errorf("session: token exchange: %w", err)
	}

	// Step 5: confirm the exchange, then persist everything atomically.
	if err := r.confirm(ctx, acct, newSession, newCSRF); err != nil {
		return fmt.Errorf("session: confirm exchange: %w", err)
	}
	if err := r.store.UpdateAccountTokens(acct.ID, newSession, newCSRF, newRefreshToken); err != nil {
		return fmt.Errorf("session: persist tokens: %w", err)
	}

	acct.Session = newSession
	acct.CSRF = newCSRF
	acct.RefreshToken = newRefreshToken
	acct.Status = platform.AccountValid

	r.logger.Info().Str("account_id", acct.ID).Msg("session rotated")
	return nil
}

func (r *Refresher) checkLiveness(ctx context.Context, acct *platform.Account) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoints.CookieInfoURL, nil)
	if err != nil {
		return false, err
	}
	r.decorate(req, acct)

	resp, err := r.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var env struct {
		Code int `json:"code"`
		Data struct {
			Refresh bool `json:"refresh"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return false, fmt.Errorf("decode: %w", err)
	}
	if env.Code == platform.CodeSessionExpired {
		// expired beyond probing; the rotation itself decides if the
		// refresh token can still save it
		return true, nil
	}
	if env.Code != platform.CodeOK {
		return false, &platform.APIError{Code: env.Code, Message: "cookie info"}
	}
	return env.Data.Refresh, nil
}

// resolveToken fetches the correspond page. The resolver requires the
// device-fingerprint cookie and only answers gzip; the explicit
// Accept-Encoding header (which disables Go's transparent decompression) is
// a precondition, not tuning.
func (r *Refresher) resolveToken(ctx context.Context, acct *platform.Account, token string) (string, error) {
	u := strings.TrimRight(r.endpoints.CorrespondBase, "/") + "/" + token
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	r.decorate(req, acct)
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := r.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("resolver returned status %d", resp.StatusCode)
	}

	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return "", fmt.Errorf("gzip reader: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	page, err := io.ReadAll(io.LimitReader(reader, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read page: %w", err)
	}

	m := confirmValueRe.FindSubmatch(page)
	if m == nil {
		return "", fmt.Errorf("confirmation value not found in resolver page")
	}
	return string(m[1]), nil
}

func (r *Refresher) exchange(ctx context.Context, acct *platform.Account, confirm string) (session, csrf, refreshToken string, err error) {
	form := url.Values{}
	form.Set(platform.FieldCSRF, acct.CSRF)
	form.Set("refresh_csrf", confirm)
	form.Set("source", "main_web")
	form.Set("refresh_token", acct.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoints.RefreshURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.decorate(req, acct)

	resp, err := r.http.Do(req)
	if err != nil {
		return "", "", "", err
	}
	defer resp.Body.Close()

	var env struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			RefreshToken string `json:"refresh_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", "", "", fmt.Errorf("decode: %w", err)
	}
	if env.Code != platform.CodeOK {
		return "", "", "", &platform.APIError{Code: env.Code, Message: env.Message}
	}

	for _, c := range resp.Cookies() {
		switch c.Name {
		case platform.CookieSession:
			session = c.Value
		case platform.CookieCSRF:
			csrf = c.Value
		}
	}
	if session == "" || csrf == "" {
		return "", "", "", fmt.Errorf("exchange response missing token cookies")
	}
	return session, csrf, env.Data.RefreshToken, nil
}

// confirm performs the closing round-trip with the new CSRF and the old
// refresh token, which invalidates the previous session server-side.
func (r *Refresher) confirm(ctx context.Context, acct *platform.Account, newSession, newCSRF string) error {
	form := url.Values{}
	form.Set(platform.FieldCSRF, newCSRF)
	form.Set("refresh_token", acct.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoints.ConfirmURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(&http.Cookie{Name: platform.CookieSession, Value: newSession})
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if env.Code != platform.CodeOK {
		return &platform.APIError{Code: env.Code, Message: env.Message}
	}
	return nil
}

func (r *Refresher) decorate(req *http.Request, acct *platform.Account) {
	req.AddCookie(&http.Cookie{Name: platform.CookieSession, Value: acct.Session})
	if acct.Fingerprint != "" {
		req.AddCookie(&http.Cookie{Name: platform.CookieFPA, Value: acct.Fingerprint})
	}
	if acct.Fingerprint2 != "" {
		req.AddCookie(&http.Cookie{Name: platform.CookieFPB, Value: acct.Fingerprint2})
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
}
