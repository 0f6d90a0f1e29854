package approval

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/slack-go/slack"
)

// SlackAPI is the subset of the Slack client used for approvals.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error)
}

var _ SlackAPI = (*slack.Client)(nil)

// SlackTransport posts approval prompts to a Slack channel and reads the
// human replies from its history.
type SlackTransport struct {
	Client    SlackAPI
	ChannelID string
}

// NewSlackTransport creates a transport using a bot token.
func NewSlackTransport(token, channelID string) *SlackTransport {
	return &SlackTransport{Client: slack.New(token), ChannelID: channelID}
}

// Send posts text to the channel.
func (t *SlackTransport) Send(ctx context.Context, text string) error {
	if _, _, err := t.Client.PostMessageContext(ctx, t.ChannelID, slack.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	return nil
}

// Replies returns non-bot messages posted after since.
func (t *SlackTransport) Replies(ctx context.Context, since time.Time) ([]Reply, error) {
	resp, err := t.Client.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: t.ChannelID,
		Oldest:    slackTimestamp(since),
		Limit:     50,
	})
	if err != nil {
		return nil, fmt.Errorf("slack history: %w", err)
	}
	var out []Reply
	for _, m := range resp.Messages {
		if m.BotID != "" || m.SubType != "" {
			continue
		}
		out = append(out, Reply{ID: m.Timestamp, Text: m.Text, At: parseSlackTimestamp(m.Timestamp)})
	}
	return out, nil
}

func slackTimestamp(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMicro())/1e6, 'f', 6, 64)
}

func parseSlackTimestamp(ts string) time.Time {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return time.Time{}
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9))
}
