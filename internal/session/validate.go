package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/p-moder/report-agent/internal/client"
	"github.com/p-moder/report-agent/internal/metrics"
	"github.com/p-moder/report-agent/internal/platform"
	"github.com/p-moder/report-agent/internal/store"
)

// Validator periodically probes each account's session and keeps lifecycle
// status honest. Accounts carrying a refresh token get a rotation attempt
// before being written off.
type Validator struct {
	store     *store.Store
	client    *client.Client
	refresher *Refresher
	metrics   *metrics.Metrics
	navURL    string
	logger    zerolog.Logger
}

// NewValidator creates a Validator. refresher may be nil to disable
// self-healing; m may be nil.
func NewValidator(st *store.Store, cl *client.Client, refresher *Refresher, m *metrics.Metrics, navURL string, logger zerolog.Logger) *Validator {
	return &Validator{
		store:     st,
		client:    cl,
		refresher: refresher,
		metrics:   m,
		navURL:    navURL,
		logger:    logger.With().Str("component", "validator").Logger(),
	}
}

// Sweep validates every non-invalid account once.
func (v *Validator) Sweep(ctx context.Context) {
	accounts, err := v.store.ListEligibleAccounts(platform.AccountValid, platform.AccountExpiring)
	if err != nil {
		v.logger.Error().Err(err).Msg("listing accounts failed")
		return
	}

	for _, acct := range accounts {
		select {
		case <-ctx.Done():
			return
		default:
		}
		v.validate(ctx, acct)
	}

	if v.metrics != nil {
		if valid, err := v.store.ListEligibleAccounts(platform.AccountValid); err == nil {
			v.metrics.ActiveAccounts.Set(float64(len(valid)))
		}
	}
}

type navData struct {
	IsLogin bool  `json:"isLogin"`
	MID     int64 `json:"mid"`
}

func (v *Validator) validate(ctx context.Context, acct *platform.Account) {
	res, err := v.client.Call(ctx, http.MethodGet, v.navURL, url.Values{}, acct, false)
	if err != nil {
		if apiErr, ok := err.(*platform.APIError); ok && apiErr.Class() == platform.ClassSessionInvalid {
			v.degrade(ctx, acct)
			return
		}
		v.logger.Warn().Err(err).Str("account_id", acct.ID).Msg("validation probe failed")
		return
	}

	var data navData
	if err := json.Unmarshal(res.Data, &data); err != nil {
		v.logger.Warn().Err(err).Str("account_id", acct.ID).Msg("decoding nav response failed")
		return
	}

	if !data.IsLogin {
		v.degrade(ctx, acct)
		return
	}

	if acct.UID == 0 && data.MID != 0 {
		if err := v.store.SetAccountUID(acct.ID, data.MID); err != nil {
			v.logger.Error().Err(err).Str("account_id", acct.ID).Msg("recording uid failed")
		}
	}
	if acct.Status != platform.AccountValid {
		if err := v.store.MarkAccountStatus(acct.ID, platform.AccountValid); err != nil {
			v.logger.Error().Err(err).Str("account_id", acct.ID).Msg("restoring account status failed")
		}
	}
}

// degrade steps the account down: a refreshable account tries rotation
// first; only when that fails (or is impossible) does the status drop.
func (v *Validator) degrade(ctx context.Context, acct *platform.Account) {
	if v.refresher != nil && acct.CanRefresh() {
		if err := v.refresher.Refresh(ctx, acct); err == nil {
			return
		} else {
			v.logger.Warn().Err(err).Str("account_id", acct.ID).Msg("session rotation failed")
		}
	}

	next := platform.AccountExpiring
	if acct.Status == platform.AccountExpiring {
		next = platform.AccountInvalid
	}
	if err := v.store.MarkAccountStatus(acct.ID, next); err != nil {
		v.logger.Error().Err(err).Str("account_id", acct.ID).Msg("downgrading account failed")
	}
}
