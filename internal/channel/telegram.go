package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"scanbot/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// fileURLResolver turns a Telegram file ID into a direct download URL.
type fileURLResolver func(fileID string) (string, error)

// Telegram implements domain.Channel for Telegram Bot.
type Telegram struct {
	token     string
	allowFrom map[string]bool // user IDs or usernames (empty = allow all)
	parseMode string

	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	logger *slog.Logger
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string
	ParseMode string
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	allowed := make(map[string]bool, len(cfg.AllowFrom))
	for _, s := range cfg.AllowFrom {
		s = strings.TrimPrefix(strings.TrimSpace(s), "@")
		if s != "" {
			allowed[strings.ToLower(s)] = true
		}
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = tgbotapi.ModeMarkdown
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		parseMode: cfg.ParseMode,
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and begins polling for updates.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	bus.OnOutbound(t.Name(), func(ctx context.Context, msg domain.OutboundMessage) error {
		return t.Send(ctx, msg.ChatID, msg.Content)
	})

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

// Stop is a no-op: StopReceivingUpdates runs when Start's context is
// cancelled, and calling it twice panics.
func (t *Telegram) Stop() error {
	return nil
}

func (t *Telegram) Send(ctx context.Context, chatID string, content string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	if t.bot == nil {
		return fmt.Errorf("telegram: not connected")
	}
	return t.sendMessage(ctx, id, content)
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}

	userID := msg.From.ID
	chatID := msg.Chat.ID

	if !t.isAllowed(msg.From) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", userID,
			"username", msg.From.UserName,
		)
		_ = t.sendMessage(ctx, chatID, "⛔ Unauthorized. Your user ID is not in the allow list.")
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}

	if msg.IsCommand() {
		if msg.Command() == "start" {
			_ = t.sendMessage(ctx, chatID, "👋 Send me a photo or an image file and I'll run it through the analysis pipeline.\n\nCommands:\n/help — Usage\n/reset — Reset the pipeline's knowledge store")
			return
		}
		// Strip any @botname suffix so the loop sees a plain command.
		text = "/" + msg.Command()
	}

	attachments := collectTelegramAttachments(t.bot.GetFileDirectURL, msg, t.logger)
	if text == "" && len(attachments) == 0 {
		return
	}

	t.logger.Info("telegram message received",
		"user_id", userID,
		"chat_id", chatID,
		"text_len", len(text),
		"attachments", len(attachments),
	)

	if len(attachments) > 0 {
		typing := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
		_, _ = t.bot.Request(typing)
	}

	t.bus.Publish(domain.InboundMessage{
		ID:          strconv.Itoa(msg.MessageID),
		Channel:     t.Name(),
		ChatID:      strconv.FormatInt(chatID, 10),
		SenderID:    strconv.FormatInt(userID, 10),
		Content:     text,
		Attachments: attachments,
		Timestamp:   time.Unix(int64(msg.Date), 0),
	})
}

// collectTelegramAttachments maps a photo (largest size) and a document onto
// domain attachments. Attachments whose URL cannot be resolved keep an empty
// URL so acquisition reports them as failed.
func collectTelegramAttachments(resolve fileURLResolver, msg *tgbotapi.Message, logger *slog.Logger) []domain.Attachment {
	if msg == nil {
		return nil
	}
	var attachments []domain.Attachment
	if len(msg.Photo) > 0 {
		photo := pickTelegramPhoto(msg.Photo)
		attachments = append(attachments, domain.Attachment{
			ID:          photo.FileUniqueID,
			Source:      "image",
			ContentType: "image/jpeg",
			URL:         resolveFileURL(resolve, photo.FileID, logger),
		})
	}
	if doc := msg.Document; doc != nil {
		attachments = append(attachments, domain.Attachment{
			ID:          doc.FileUniqueID,
			Name:        doc.FileName,
			Source:      "document",
			ContentType: doc.MimeType,
			URL:         resolveFileURL(resolve, doc.FileID, logger),
		})
	}
	return attachments
}

func resolveFileURL(resolve fileURLResolver, fileID string, logger *slog.Logger) string {
	if resolve == nil || strings.TrimSpace(fileID) == "" {
		return ""
	}
	url, err := resolve(fileID)
	if err != nil {
		logger.Warn("resolve telegram file url failed", "err", err)
		return ""
	}
	return strings.TrimSpace(url)
}

func pickTelegramPhoto(items []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	if len(items) == 0 {
		return tgbotapi.PhotoSize{}
	}
	best := items[0]
	for _, item := range items[1:] {
		if item.FileSize > best.FileSize || item.Width*item.Height > best.Width*best.Height {
			best = item
		}
	}
	return best
}

func (t *Telegram) isAllowed(user *tgbotapi.User) bool {
	if len(t.allowFrom) == 0 {
		return true // Empty list = allow all
	}
	if t.allowFrom[strconv.FormatInt(user.ID, 10)] {
		return true
	}
	return user.UserName != "" && t.allowFrom[strings.ToLower(user.UserName)]
}

func (t *Telegram) sendMessage(ctx context.Context, chatID int64, text string) error {
	for _, part := range splitMessage(text, telegramMaxMsgLen) {
		if err := t.sendChunk(ctx, chatID, part); err != nil {
			return err
		}
	}
	return nil
}

// sendChunk sends a single message chunk with retry and rate limit handling.
// Markdown is tried first; a parse error falls back to plain text.
func (t *Telegram) sendChunk(ctx context.Context, chatID int64, text string) error {
	const maxRetries = telegramMaxSendRetries

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 && t.parseMode != "" {
			msg.ParseMode = t.parseMode
		}

		_, err := t.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		errStr := err.Error()

		if attempt == 0 && msg.ParseMode != "" && strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram markdown parse error, retrying as plain text", "err", err)
			continue
		}

		backoff := time.Duration(attempt+1) * time.Second
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			backoff = time.Duration(attempt+1) * 3 * time.Second
		}
		if attempt == maxRetries {
			break
		}
		t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	t.logger.Error("telegram send failed after retries", "err", lastErr, "attempts", maxRetries+1)
	return fmt.Errorf("telegram send: %w", lastErr)
}
