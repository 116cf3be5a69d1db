// Package sign implements the platform's request-signature scheme: a keyed
// MD5 over sorted, URL-encoded parameters plus a timestamp, mixed with a key
// derived from two rotating fragments published on the nav endpoint.
package sign

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// KeyTTL is how long a fetched key pair stays usable before a refresh is
// attempted. The platform rotates fragments roughly hourly.
const KeyTTL = time.Hour

// mixPerm is the platform's published permutation for deriving the 32-char
// mixing key from the concatenated fragments.
var mixPerm = []int{
	46, 47, 18, 2, 53, 8, 23, 32, 15, 50, 10, 31, 58, 3, 45, 35,
	27, 43, 5, 49, 33, 9, 42, 19, 29, 28, 14, 39, 12, 38, 41, 13,
	37, 48, 7, 16, 24, 55, 40, 61, 26, 17, 0, 1, 60, 51, 30, 4,
	22, 25, 54, 21, 56, 59, 6, 63, 57, 62, 11, 36, 20, 34, 44, 52,
}

// stripped are characters the platform removes from parameter values before
// hashing. Not optional: signatures diverge without it.
const stripped = "!'()*"

// Keys is one fetched fragment pair.
type Keys struct {
	Img       string
	Sub       string
	FetchedAt time.Time
}

// Mix derives the 32-char mixing key from the fragment pair.
func (k Keys) Mix() string {
	raw := k.Img + k.Sub
	var b strings.Builder
	for _, idx := range mixPerm[:32] {
		if idx < len(raw) {
			b.WriteByte(raw[idx])
		}
	}
	return b.String()
}

// Signer holds the process-wide key cache. The cache is shared across all
// accounts because the signature scheme is account-independent.
type Signer struct {
	navURL string
	client *http.Client
	logger zerolog.Logger

	mu   sync.Mutex // guards keys only, never held across a fetch
	keys Keys
	ttl  time.Duration

	// refreshMu serializes fetches so callers racing on a stale pair
	// trigger exactly one network round trip. Signing keeps reading the
	// cached keys under mu while a fetch is in flight.
	refreshMu sync.Mutex

	now func() time.Time

	// OnRefresh, when set, observes each key fetch outcome
	// ("success" or "failure").
	OnRefresh func(result string)
}

// New creates a Signer fetching fragments from navURL.
func New(navURL string, client *http.Client, logger zerolog.Logger) *Signer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Signer{
		navURL: navURL,
		client: client,
		logger: logger.With().Str("component", "signer").Logger(),
		ttl:    KeyTTL,
		now:    time.Now,
	}
}

// Sign appends the timestamp, sorts and encodes all parameters, and inserts
// the signature field. Stale keys trigger a refresh attempt first; refresh
// failure is non-fatal and the last-known keys are used.
func (s *Signer) Sign(ctx context.Context, params url.Values) url.Values {
	if err := s.EnsureFresh(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("key refresh failed, signing with cached keys")
	}

	s.mu.Lock()
	mix := s.keys.Mix()
	s.mu.Unlock()

	signed := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			signed.Set(k, sanitize(v))
		}
	}
	signed.Set("wts", strconv.FormatInt(s.now().Unix(), 10))

	keys := make([]string, 0, len(signed))
	for k := range signed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var query strings.Builder
	for i, k := range keys {
		if i > 0 {
			query.WriteByte('&')
		}
		query.WriteString(url.QueryEscape(k))
		query.WriteByte('=')
		query.WriteString(url.QueryEscape(signed.Get(k)))
	}

	sum := md5.Sum([]byte(query.String() + mix))
	signed.Set("w_rid", hex.EncodeToString(sum[:]))
	return signed
}

func sanitize(v string) string {
	var b strings.Builder
	for _, r := range v {
		if !strings.ContainsRune(stripped, r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// EnsureFresh refreshes the fragment pair if it is past its TTL. Staleness
// is re-checked under the refresh guard so concurrent callers racing on a
// stale pair trigger exactly one network fetch.
func (s *Signer) EnsureFresh(ctx context.Context) error {
	if s.cachedFresh() {
		return nil
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	// a racing caller may have refreshed while we waited for the guard
	if s.cachedFresh() {
		return nil
	}
	return s.observe(s.fetch(ctx))
}

// Refresh forces a fetch regardless of TTL.
func (s *Signer) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	return s.observe(s.fetch(ctx))
}

func (s *Signer) observe(err error) error {
	if s.OnRefresh != nil {
		if err != nil {
			s.OnRefresh("failure")
		} else {
			s.OnRefresh("success")
		}
	}
	return err
}

func (s *Signer) cachedFresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.keys.FetchedAt.IsZero() && s.now().Sub(s.keys.FetchedAt) < s.ttl
}

type navResponse struct {
	Code int `json:"code"`
	Data struct {
		WbiImg struct {
			ImgURL string `json:"img_url"`
			SubURL string `json:"sub_url"`
		} `json:"wbi_img"`
	} `json:"data"`
}

// fetch performs the nav round trip with no lock held; only the final key
// swap takes the state mutex.
func (s *Signer) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.navURL, nil)
	if err != nil {
		return fmt.Errorf("sign: build nav request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sign: fetch key fragments: %w", err)
	}
	defer resp.Body.Close()

	var nav navResponse
	if err := json.NewDecoder(resp.Body).Decode(&nav); err != nil {
		return fmt.Errorf("sign: decode nav response: %w", err)
	}

	img := fragmentFromURL(nav.Data.WbiImg.ImgURL)
	sub := fragmentFromURL(nav.Data.WbiImg.SubURL)
	if img == "" || sub == "" {
		return fmt.Errorf("sign: nav response missing key fragments")
	}

	s.mu.Lock()
	s.keys = Keys{Img: img, Sub: sub, FetchedAt: s.now()}
	s.mu.Unlock()
	s.logger.Debug().Msg("signing keys refreshed")
	return nil
}

// fragmentFromURL extracts the key fragment from a fragment URL: the file
// basename without extension.
func fragmentFromURL(raw string) string {
	base := path.Base(raw)
	return strings.TrimSuffix(base, path.Ext(base))
}
