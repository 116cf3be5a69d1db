// Package orchestrator drives multi-account report submission: it claims
// targets, walks eligible accounts under cooldown, invokes the request
// client per report type, and persists one log row per attempt. All
// attempt-level failures are absorbed here; callers only see result
// summaries.
package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-moder/report-agent/internal/client"
	"github.com/p-moder/report-agent/internal/cooldown"
	"github.com/p-moder/report-agent/internal/metrics"
	"github.com/p-moder/report-agent/internal/notify"
	"github.com/p-moder/report-agent/internal/platform"
	"github.com/p-moder/report-agent/internal/store"
)

// successEquivalent maps action-specific response codes that mean the work
// is already done. These normalize to success: an "already reported" target
// is a completed target.
var successEquivalent = map[int]string{
	12008: "already reported",
	12022: "content already removed",
	10003: "target no longer exists",
}

// AttemptResult summarizes one (target, account) attempt for synchronous
// callers.
type AttemptResult struct {
	AccountID string `json:"account_id"`
	Success   bool   `json:"success"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
}

// Engine is the report orchestrator.
type Engine struct {
	store    *store.Store
	client   *client.Client
	ledger   *cooldown.Ledger
	sink     notify.Sink
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	baseURL  string
	defaults store.Tunables

	// test hooks
	sleep   func(ctx context.Context, d time.Duration) error
	shuffle func(n int, swap func(i, j int))
	randInt func(n int64) int64
}

// New creates an Engine.
func New(st *store.Store, cl *client.Client, ledger *cooldown.Ledger, sink notify.Sink, m *metrics.Metrics, baseURL string, defaults store.Tunables, logger zerolog.Logger) *Engine {
	return &Engine{
		store:    st,
		client:   cl,
		ledger:   ledger,
		sink:     sink,
		metrics:  m,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
		baseURL:  strings.TrimRight(baseURL, "/"),
		defaults: defaults,
		sleep:    sleepCtx,
		shuffle:  rand.Shuffle,
		randInt:  rand.Int63n,
	}
}

// ExecuteForTarget processes one target synchronously. If accountIDs is
// empty the full eligible pool is used. Returns the per-account results; a
// lost claim race yields a nil slice and no error, while a claimed target
// with no eligible accounts yields an empty non-nil slice.
func (e *Engine) ExecuteForTarget(ctx context.Context, targetID int64, accountIDs []string) ([]AttemptResult, error) {
	tun, err := e.store.ReadTunables(e.defaults)
	if err != nil {
		e.logger.Warn().Err(err).Msg("reading tunables failed, using defaults")
	}

	claimed, err := e.store.ClaimTarget(targetID, tun.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: claim target %d: %w", targetID, err)
	}
	if !claimed {
		e.logger.Debug().Int64("target_id", targetID).Msg("target already claimed or terminal, skipping")
		return nil, nil
	}

	return e.processClaimed(ctx, targetID, accountIDs, tun)
}

// ExecuteBatch enqueues targets for asynchronous processing and returns a
// batch id immediately. Targets run under a bounded pool; one target's
// hard-stop never cancels its siblings.
func (e *Engine) ExecuteBatch(ctx context.Context, targetIDs []int64) (string, error) {
	tun, err := e.store.ReadTunables(e.defaults)
	if err != nil {
		e.logger.Warn().Err(err).Msg("reading tunables failed, using defaults")
	}

	if len(targetIDs) == 0 {
		targetIDs, err = e.store.ClaimableTargetIDs(tun.MaxRetries, 0)
		if err != nil {
			return "", fmt.Errorf("orchestrator: list claimable targets: %w", err)
		}
	}

	batchID := uuid.New().String()
	go e.runBatch(ctx, batchID, targetIDs, tun)
	return batchID, nil
}

// RunPending processes every claimable target and blocks until the batch
// drains. Used by the periodic scheduler.
func (e *Engine) RunPending(ctx context.Context) {
	tun, err := e.store.ReadTunables(e.defaults)
	if err != nil {
		e.logger.Warn().Err(err).Msg("reading tunables failed, using defaults")
	}
	ids, err := e.store.ClaimableTargetIDs(tun.MaxRetries, 0)
	if err != nil {
		e.logger.Error().Err(err).Msg("listing claimable targets failed")
		return
	}
	if len(ids) == 0 {
		return
	}
	e.runBatch(ctx, uuid.New().String(), ids, tun)
}

func (e *Engine) runBatch(ctx context.Context, batchID string, targetIDs []int64, tun store.Tunables) {
	width := tun.BatchWidth
	if width <= 0 {
		width = 5
	}

	e.logger.Info().
		Str("batch_id", batchID).
		Int("targets", len(targetIDs)).
		Int("width", width).
		Msg("batch started")

	sem := make(chan struct{}, width)
	var wg sync.WaitGroup
	for _, id := range targetIDs {
		select {
		case <-ctx.Done():
			e.logger.Warn().Str("batch_id", batchID).Msg("batch cancelled")
			wg.Wait()
			return
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(targetID int64) {
			defer wg.Done()
			defer func() { <-sem }()

			claimed, err := e.store.ClaimTarget(targetID, tun.MaxRetries)
			if err != nil {
				e.logger.Error().Err(err).Int64("target_id", targetID).Msg("claim failed")
				return
			}
			if !claimed {
				return
			}
			if _, err := e.processClaimed(ctx, targetID, nil, tun); err != nil {
				e.logger.Error().Err(err).Int64("target_id", targetID).Msg("target processing failed")
			}
		}(id)
	}
	wg.Wait()

	e.logger.Info().Str("batch_id", batchID).Msg("batch finished")
}

// processClaimed runs the per-account loop for a target already moved to
// processing. It always leaves the target in a terminal state or rolled back
// to pending, even on a panic in the action path.
func (e *Engine) processClaimed(ctx context.Context, targetID int64, accountIDs []string, tun store.Tunables) (results []AttemptResult, err error) {
	finalized := false
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("orchestrator: panic processing target %d: %v", targetID, r)
		}
		if !finalized {
			if rbErr := e.store.UpdateTargetStatus(targetID, platform.TargetPending, 0); rbErr != nil {
				e.logger.Error().Err(rbErr).Int64("target_id", targetID).Msg("rollback to pending failed")
			}
		}
	}()

	target, err := e.store.GetTarget(targetID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		finalized = true // nothing to roll back
		return nil, fmt.Errorf("orchestrator: target %d not found", targetID)
	}

	accounts, err := e.selectAccounts(accountIDs)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		e.logger.Warn().Int64("target_id", targetID).Msg("no eligible accounts")
		e.finish(targetID, platform.TargetFailed, 1, &finalized)
		// non-nil so callers can tell "claimed, zero attempts" from a
		// lost claim race
		return []AttemptResult{}, nil
	}

	// Shuffled order avoids burning the same account first on every target.
	e.shuffle(len(accounts), func(i, j int) {
		accounts[i], accounts[j] = accounts[j], accounts[i]
	})

	for _, acct := range accounts {
		select {
		case <-ctx.Done():
			e.finish(targetID, platform.TargetFailed, 1, &finalized)
			return results, ctx.Err()
		default:
		}

		if err := e.awaitCooldown(ctx, acct.ID, tun.Cooldown); err != nil {
			e.finish(targetID, platform.TargetFailed, 1, &finalized)
			return results, err
		}
		if err := e.humanPace(ctx, tun); err != nil {
			e.finish(targetID, platform.TargetFailed, 1, &finalized)
			return results, err
		}

		e.sink.Publish(notify.Event{
			Type: notify.AttemptStarted, TargetID: targetID, AccountID: acct.ID,
			Message: fmt.Sprintf("reporting %s %s via %s", target.Type, target.PlatformID, acct.Name),
		})

		res := e.attempt(ctx, target, acct)
		results = append(results, res)
		if e.metrics != nil {
			e.metrics.RecordAttempt(string(target.Type), outcomeLabel(res))
		}

		if res.Success {
			e.sink.Publish(notify.Event{
				Type: notify.AttemptSuccess, TargetID: targetID, AccountID: acct.ID,
				Message: res.Message,
			})
			e.finish(targetID, platform.TargetCompleted, 0, &finalized)
			e.sink.Publish(notify.Event{
				Type: notify.TargetTerminal, TargetID: targetID,
				Message: "target completed",
			})
			return results, nil
		}

		e.sink.Publish(notify.Event{
			Type: notify.AttemptFailed, TargetID: targetID, AccountID: acct.ID,
			Message: res.Message,
		})

		if platform.Classify(res.Code) == platform.ClassHardStop {
			// Hard stop: no further accounts for this target.
			e.logger.Warn().Int64("target_id", targetID).Str("account_id", acct.ID).
				Msg("hard-stop response, aborting remaining accounts")
			break
		}
	}

	e.finish(targetID, platform.TargetFailed, 1, &finalized)
	e.sink.Publish(notify.Event{
		Type: notify.TargetTerminal, TargetID: targetID,
		Message: "all accounts exhausted",
	})
	return results, nil
}

// attempt performs one report call and persists its log entry. The returned
// result is already normalized: already-handled codes count as success.
func (e *Engine) attempt(ctx context.Context, target *platform.Target, acct *platform.Account) AttemptResult {
	method, callURL, params, signed, err := e.actionFor(target, acct)
	if err != nil {
		e.appendLog(target.ID, acct.ID, "", "", false, err.Error())
		return AttemptResult{AccountID: acct.ID, Message: err.Error()}
	}
	payload := params.Encode()

	res, err := e.client.Call(ctx, method, callURL, params, acct, signed)
	if err == nil {
		e.appendLog(target.ID, acct.ID, payload, res.Raw, true, "")
		return AttemptResult{AccountID: acct.ID, Success: true, Message: "reported"}
	}

	apiErr, ok := err.(*platform.APIError)
	if !ok {
		e.appendLog(target.ID, acct.ID, payload, "", false, err.Error())
		return AttemptResult{AccountID: acct.ID, Message: err.Error()}
	}

	if msg, handled := successEquivalent[apiErr.Code]; handled {
		e.appendLog(target.ID, acct.ID, payload, apiErr.Error(), true, "")
		return AttemptResult{AccountID: acct.ID, Success: true, Code: apiErr.Code, Message: msg}
	}

	switch apiErr.Class() {
	case platform.ClassSuspect:
		// Fail fast: waiting does not clear a risk flag.
		if err := e.store.MarkAccountStatus(acct.ID, platform.AccountExpiring); err != nil {
			e.logger.Error().Err(err).Str("account_id", acct.ID).Msg("marking account suspect failed")
		}
		e.sink.Publish(notify.Event{
			Type: notify.AccountDegraded, TargetID: target.ID, AccountID: acct.ID,
			Message: "account flagged by risk control",
		})
	case platform.ClassSessionInvalid:
		if err := e.store.MarkAccountStatus(acct.ID, platform.AccountInvalid); err != nil {
			e.logger.Error().Err(err).Str("account_id", acct.ID).Msg("marking account invalid failed")
		}
		e.sink.Publish(notify.Event{
			Type: notify.AccountDegraded, TargetID: target.ID, AccountID: acct.ID,
			Message: "session invalidated",
		})
	case platform.ClassHardStop:
		e.appendLog(target.ID, acct.ID, payload, apiErr.Error(), false, "aborted: "+apiErr.Message)
		return AttemptResult{AccountID: acct.ID, Code: apiErr.Code, Message: "aborted: " + apiErr.Message}
	}

	e.appendLog(target.ID, acct.ID, payload, apiErr.Error(), false, apiErr.Message)
	return AttemptResult{AccountID: acct.ID, Code: apiErr.Code, Message: apiErr.Message}
}

// actionFor builds the type-specific report call.
func (e *Engine) actionFor(target *platform.Target, acct *platform.Account) (method, callURL string, params url.Values, signed bool, err error) {
	params = url.Values{}
	switch target.Type {
	case platform.TargetVideo:
		params.Set("aid", target.PlatformID)
		params.Set("reason", fmt.Sprintf("%d", target.Reason))
		return http.MethodPost, e.baseURL + "/x/web-interface/archive/report", params, false, nil

	case platform.TargetComment:
		oid, rpid, ok := strings.Cut(target.PlatformID, ":")
		if !ok {
			return "", "", nil, false, fmt.Errorf("orchestrator: comment target %q not in oid:rpid form", target.PlatformID)
		}
		params.Set("oid", oid)
		params.Set("rpid", rpid)
		params.Set("reason", fmt.Sprintf("%d", platform.CoerceCommentReason(target.Reason)))
		params.Set("platform", "web")
		return http.MethodPost, e.baseURL + "/x/v2/reply/report", params, false, nil

	case platform.TargetUser:
		// Provisional contract: observed to require signing plus both
		// fingerprint cookies on some deployments. Sent with both; outcomes
		// are validated only through the canonical code table.
		params.Set("mid", target.PlatformID)
		params.Set("reason", fmt.Sprintf("%d", target.Reason))
		return http.MethodPost, e.baseURL + "/x/space/report", params, true, nil

	default:
		return "", "", nil, false, fmt.Errorf("orchestrator: unknown target type %q", target.Type)
	}
}

func (e *Engine) selectAccounts(accountIDs []string) ([]*platform.Account, error) {
	if len(accountIDs) == 0 {
		return e.store.ListEligibleAccounts(platform.AccountValid)
	}
	accounts := make([]*platform.Account, 0, len(accountIDs))
	for _, id := range accountIDs {
		a, err := e.store.GetAccount(id)
		if err != nil {
			return nil, err
		}
		if a != nil && a.Status == platform.AccountValid {
			accounts = append(accounts, a)
		}
	}
	return accounts, nil
}

// awaitCooldown sleeps out the remaining cooldown, outside any lock, then
// re-enters until the reservation sticks.
func (e *Engine) awaitCooldown(ctx context.Context, accountID string, cd time.Duration) error {
	for {
		wait := e.ledger.Acquire(accountID, cd)
		if wait == 0 {
			return nil
		}
		if err := e.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// humanPace inserts the randomized inter-request delay.
func (e *Engine) humanPace(ctx context.Context, tun store.Tunables) error {
	if tun.MaxDelay <= 0 {
		return nil
	}
	d := tun.MinDelay
	if span := tun.MaxDelay - tun.MinDelay; span > 0 {
		d += time.Duration(e.randInt(int64(span)))
	}
	if d <= 0 {
		return nil
	}
	return e.sleep(ctx, d)
}

func (e *Engine) finish(targetID int64, status platform.TargetStatus, retryIncrement int, finalized *bool) {
	if err := e.store.UpdateTargetStatus(targetID, status, retryIncrement); err != nil {
		e.logger.Error().Err(err).Int64("target_id", targetID).Msg("finalizing target failed")
		return
	}
	*finalized = true
}

func (e *Engine) appendLog(targetID int64, accountID, payload, response string, success bool, errMsg string) {
	entry := &platform.LogEntry{
		TargetID:  targetID,
		AccountID: accountID,
		Payload:   payload,
		Response:  response,
		Success:   success,
		Error:     errMsg,
	}
	if err := e.store.AppendLog(entry); err != nil {
		e.logger.Error().Err(err).Int64("target_id", targetID).Msg("appending attempt log failed")
	}
}

func outcomeLabel(r AttemptResult) string {
	if r.Success {
		return "success"
	}
	if r.Code == 0 {
		return "error"
	}
	return platform.Classify(r.Code).String()
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
