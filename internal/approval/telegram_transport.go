package approval

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// TelegramAPI is the subset of the Telegram bot used for approvals.
type TelegramAPI interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

var _ TelegramAPI = (*bot.Bot)(nil)

// TelegramTransport sends prompts to one chat and buffers the replies
// the bot receives from it. Run must be active for replies to arrive.
type TelegramTransport struct {
	API    TelegramAPI
	ChatID int64

	bot *bot.Bot

	mu      sync.Mutex
	replies []Reply
}

// maxBufferedReplies bounds the reply buffer.
const maxBufferedReplies = 100

// NewTelegramTransport creates a long-polling bot for chatID.
func NewTelegramTransport(token string, chatID int64) (*TelegramTransport, error) {
	t := &TelegramTransport{ChatID: chatID}
	b, err := bot.New(token, bot.WithDefaultHandler(t.handleUpdate))
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = b
	t.API = b
	return t, nil
}

// Run receives updates until ctx is done.
func (t *TelegramTransport) Run(ctx context.Context) {
	if t.bot != nil {
		t.bot.Start(ctx)
	}
}

func (t *TelegramTransport) handleUpdate(_ context.Context, _ *bot.Bot, update *models.Update) {
	if update == nil || update.Message == nil {
		return
	}
	t.record(update.Message)
}

func (t *TelegramTransport) record(msg *models.Message) {
	if msg.Chat.ID != t.ChatID || msg.Text == "" {
		return
	}
	if msg.From != nil && msg.From.IsBot {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replies = append(t.replies, Reply{
		ID:   strconv.Itoa(msg.ID),
		Text: msg.Text,
		At:   time.Unix(int64(msg.Date), 0),
	})
	if len(t.replies) > maxBufferedReplies {
		t.replies = t.replies[len(t.replies)-maxBufferedReplies:]
	}
}

// Send posts text to the chat.
func (t *TelegramTransport) Send(ctx context.Context, text string) error {
	if t.API == nil {
		return ErrNoTransport
	}
	if _, err := t.API.SendMessage(ctx, &bot.SendMessageParams{ChatID: t.ChatID, Text: text}); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Replies returns buffered messages received at or after since. Telegram
// dates have one-second resolution.
func (t *TelegramTransport) Replies(_ context.Context, since time.Time) ([]Reply, error) {
	cutoff := since.Truncate(time.Second)
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Reply
	for _, r := range t.replies {
		if !r.At.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}
