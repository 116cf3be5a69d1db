package notify

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// SlackSink posts orchestration events to a Slack channel. Send failures are
// logged and swallowed; the sink never propagates errors to the publisher.
type SlackSink struct {
	api     *slack.Client
	channel string
	logger  zerolog.Logger
}

// NewSlackSink creates a SlackSink posting to the given channel.
func NewSlackSink(token, channel string, logger zerolog.Logger) *SlackSink {
	return &SlackSink{
		api:     slack.New(token),
		channel: channel,
		logger:  logger.With().Str("component", "notify_slack").Logger(),
	}
}

func (s *SlackSink) Publish(e Event) {
	text := fmt.Sprintf("[%s] target=%d account=%s %s", e.Type, e.TargetID, e.AccountID, e.Message)
	_, _, err := s.api.PostMessage(s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		s.logger.Warn().Err(err).Str("event", string(e.Type)).Msg("slack notification failed")
	}
}
