// Package poller watches each managed account's private conversations and
// answers the newest unread message according to the keyword rules. A
// persisted per-conversation watermark guarantees no inbound message is ever
// answered twice, even when the send itself fails.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-moder/report-agent/internal/client"
	"github.com/p-moder/report-agent/internal/metrics"
	"github.com/p-moder/report-agent/internal/platform"
	"github.com/p-moder/report-agent/internal/store"
)

// Poller is the reply loop. One instance serves all accounts; RunCycle
// refuses to overlap a still-running cycle.
type Poller struct {
	store   *store.Store
	client  *client.Client
	rules   *RuleSet
	metrics *metrics.Metrics
	logger  zerolog.Logger
	msgBase string

	running atomic.Bool
}

// New creates a Poller.
func New(st *store.Store, cl *client.Client, rules *RuleSet, m *metrics.Metrics, msgBase string, logger zerolog.Logger) *Poller {
	return &Poller{
		store:   st,
		client:  cl,
		rules:   rules,
		metrics: m,
		logger:  logger.With().Str("component", "poller").Logger(),
		msgBase: strings.TrimRight(msgBase, "/"),
	}
}

// Run loops RunCycle on the given interval until the context ends.
func (p *Poller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info().Dur("interval", interval).Msg("reply poller started")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("reply poller stopped")
			return
		case <-ticker.C:
			p.RunCycle(ctx)
		}
	}
}

// RunCycle polls every eligible account once. Returns false if a previous
// cycle is still running and this one was skipped.
func (p *Poller) RunCycle(ctx context.Context) bool {
	if !p.running.CompareAndSwap(false, true) {
		p.logger.Warn().Msg("previous poll cycle still running, skipping")
		return false
	}
	defer p.running.Store(false)

	accounts, err := p.store.ListEligibleAccounts(platform.AccountValid)
	if err != nil {
		p.logger.Error().Err(err).Msg("listing accounts failed")
		return true
	}

	for _, acct := range accounts {
		select {
		case <-ctx.Done():
			return true
		default:
		}
		p.pollAccount(ctx, acct)
	}

	if p.metrics != nil {
		p.metrics.PollCycles.Inc()
	}
	return true
}

type conversation struct {
	TalkerID int64 `json:"talker_id"`
	LastMsg  struct {
		SenderUID int64  `json:"sender_uid"`
		Content   string `json:"content"`
		Timestamp int64  `json:"timestamp"`
	} `json:"last_msg"`
}

type sessionList struct {
	SessionList []conversation `json:"session_list"`
}

func (p *Poller) pollAccount(ctx context.Context, acct *platform.Account) {
	if acct.UID == 0 {
		// self-conversation filtering needs the resolved uid
		p.logger.Debug().Str("account_id", acct.ID).Msg("account uid unresolved, skipping")
		return
	}

	params := url.Values{}
	params.Set("session_type", "1")
	res, err := p.client.Call(ctx, http.MethodGet, p.msgBase+"/session_svr/v1/session_svr/get_sessions", params, acct, false)
	if err != nil {
		p.logger.Warn().Err(err).Str("account_id", acct.ID).Msg("fetching conversations failed")
		return
	}

	var list sessionList
	if err := json.Unmarshal(res.Data, &list); err != nil {
		p.logger.Warn().Err(err).Str("account_id", acct.ID).Msg("decoding conversations failed")
		return
	}

	for _, conv := range list.SessionList {
		// Skip anything we authored or addressed to ourselves; both sides
		// must be checked or the bot answers its own replies.
		if conv.TalkerID == acct.UID || conv.LastMsg.SenderUID == acct.UID {
			continue
		}
		if conv.LastMsg.Timestamp == 0 {
			continue
		}

		wm, err := p.store.ReplyWatermark(acct.ID, conv.TalkerID)
		if err != nil {
			p.logger.Error().Err(err).Str("account_id", acct.ID).Msg("reading watermark failed")
			continue
		}
		if conv.LastMsg.Timestamp <= wm {
			continue
		}

		reply, ok := p.rules.Match(extractText(conv.LastMsg.Content))
		if !ok {
			// nothing to say; advance anyway so the message is not
			// re-inspected every cycle
			p.advance(acct.ID, conv.TalkerID, conv.LastMsg.Timestamp)
			continue
		}

		sendErr := p.send(ctx, acct, conv.TalkerID, reply)

		// The watermark advances no matter how the send went: a permanently
		// failing message must not be retried forever.
		p.advance(acct.ID, conv.TalkerID, conv.LastMsg.Timestamp)

		if sendErr == nil {
			if p.metrics != nil {
				p.metrics.RecordReply("success")
			}
			continue
		}

		if p.metrics != nil {
			p.metrics.RecordReply("failure")
		}
		if apiErr, ok := sendErr.(*platform.APIError); ok && apiErr.Code == platform.CodeMsgRate {
			// Message rate window hit: the account is done for this cycle,
			// not just this conversation.
			p.logger.Warn().Str("account_id", acct.ID).Msg("message rate limited, abandoning cycle for account")
			return
		}
		p.logger.Warn().Err(sendErr).Str("account_id", acct.ID).Int64("peer", conv.TalkerID).Msg("reply send failed")
	}
}

func (p *Poller) send(ctx context.Context, acct *platform.Account, peerID int64, text string) error {
	content, err := json.Marshal(map[string]string{"content": text})
	if err != nil {
		return fmt.Errorf("poller: encode content: %w", err)
	}

	params := url.Values{}
	params.Set("msg[sender_uid]", strconv.FormatInt(acct.UID, 10))
	params.Set("msg[receiver_id]", strconv.FormatInt(peerID, 10))
	params.Set("msg[receiver_type]", "1")
	params.Set("msg[msg_type]", "1")
	params.Set("msg[content]", string(content))

	_, err = p.client.Call(ctx, http.MethodPost, p.msgBase+"/web_im/v1/web_im/send_msg", params, acct, false)
	return err
}

func (p *Poller) advance(accountID string, peerID, ts int64) {
	if err := p.store.AdvanceReplyWatermark(accountID, peerID, ts); err != nil {
		p.logger.Error().Err(err).Str("account_id", accountID).Int64("peer", peerID).Msg("advancing watermark failed")
	}
}

// extractText unwraps the platform's JSON-encoded message content, falling
// back to the raw string for plain payloads.
func extractText(raw string) string {
	var wrapped struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapped); err == nil && wrapped.Content != "" {
		return wrapped.Content
	}
	return raw
}
