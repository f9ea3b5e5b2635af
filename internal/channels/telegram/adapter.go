// Package telegram is the Telegram wire adapter for ExternalChatService: it
// turns an inbound webhook update into a models.Message and renders outbound
// replies back through the Bot API (spec.md §4.10-§4.11).
package telegram

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/agentbridge/runtime/internal/channels"
	"github.com/agentbridge/runtime/pkg/models"
)

// Config configures the adapter. Unlike the teacher's generic multi-mode
// adapter, ExternalChatService always runs Telegram in webhook mode: the
// caller's own HTTP server owns the route and hands updates to
// HandleUpdate, rather than this package running its own listener.
type Config struct {
	// Token is the bot token from @BotFather.
	Token string

	// RateLimit/RateBurst bound outbound Bot API calls (30/s is Telegram's
	// documented ceiling).
	RateLimit float64
	RateBurst int

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.RateLimit == 0 {
		c.RateLimit = 30
	}
	if c.RateBurst == 0 {
		c.RateBurst = 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Adapter wraps a Bot API client with rate limiting and health tracking, in
// the teacher's shape, narrowed to the single text-message round trip
// ExternalChatService needs.
type Adapter struct {
	cfg         Config
	botClient   BotClient
	rateLimiter *channels.RateLimiter
	health      *channels.BaseHealthAdapter
	logger      *slog.Logger
}

// New constructs an Adapter. Returns an error if the bot token is rejected
// by the Bot API client constructor.
func New(cfg Config) (*Adapter, error) {
	cfg = cfg.withDefaults()
	b, err := bot.New(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot client: %w", err)
	}
	a := &Adapter{
		cfg:         cfg,
		botClient:   newRealBotClient(b),
		rateLimiter: channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		health:      channels.NewBaseHealthAdapter("telegram", cfg.Logger),
		logger:      cfg.Logger,
	}
	a.health.SetStatus(true, "")
	return a, nil
}

// SetBotClient overrides the Bot API client, for tests.
func (a *Adapter) SetBotClient(client BotClient) {
	a.botClient = client
}

// Health returns the adapter's health tracker.
func (a *Adapter) Health() *channels.BaseHealthAdapter {
	return a.health
}

// InboundMessage is the minimal shape HandleUpdate extracts from a Telegram
// update: the chat and sender ids ExternalChatService needs to resolve a
// paired account, plus the message text converted to the runtime's model.
type InboundMessage struct {
	ChatID     int64
	FromUserID int64
	Username   string
	Message    models.Message
}

// HandleUpdate converts a webhook-delivered Update into an InboundMessage.
// Returns ok=false for updates with no text message body (edits, media-only
// messages, non-message updates), which ExternalChatService silently drops.
func (a *Adapter) HandleUpdate(update *tgmodels.Update) (InboundMessage, bool) {
	if update == nil || update.Message == nil || update.Message.Text == "" {
		return InboundMessage{}, false
	}
	msg := update.Message
	a.health.RecordMessageReceived()
	username := ""
	if msg.From != nil {
		username = msg.From.Username
	}
	return InboundMessage{
		ChatID:     msg.Chat.ID,
		FromUserID: msgFromID(msg),
		Username:   username,
		Message:    models.NewTextMessage(models.RoleUser, msg.Text),
	}, true
}

func msgFromID(msg *tgmodels.Message) int64 {
	if msg.From == nil {
		return 0
	}
	return msg.From.ID
}

// Send delivers text to chatID, respecting the configured outbound rate
// limit.
func (a *Adapter) Send(ctx context.Context, chatID int64, text string) error {
	if err := a.rateLimiter.Wait(ctx); err != nil {
		a.health.RecordError(channels.ErrCodeTimeout)
		return channels.ErrTimeout("rate limit wait cancelled", err)
	}
	_, err := a.botClient.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text})
	if err != nil {
		a.health.RecordMessageFailed()
		a.health.RecordError(channels.ErrCodeConnection)
		return channels.ErrConnection("send message failed", err)
	}
	a.health.RecordMessageSent()
	return nil
}

// SetWebhook registers url with Telegram as this bot's webhook target,
// scoped to secretToken if non-empty (verified back on each update via
// the X-Telegram-Bot-Api-Secret-Token header — see externalchat's handler).
func (a *Adapter) SetWebhook(ctx context.Context, url, secretToken string) error {
	params := &bot.SetWebhookParams{URL: url}
	if secretToken != "" {
		params.SecretToken = secretToken
	}
	if _, err := a.botClient.SetWebhook(ctx, params); err != nil {
		a.health.RecordError(channels.ErrCodeConnection)
		return channels.ErrConnection("set webhook failed", err)
	}
	return nil
}
