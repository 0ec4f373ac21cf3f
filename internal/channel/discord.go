package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"scanbot/internal/chunk"
	"scanbot/internal/domain"

	"github.com/bwmarrin/discordgo"
)

// discordSender is the part of *discordgo.Session used for outbound delivery.
type discordSender interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord implements domain.Channel for Discord.
type Discord struct {
	token   string
	guildID string
	session *discordgo.Session
	sender  discordSender
	logger  *slog.Logger
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Token   string
	GuildID string
	Logger  *slog.Logger
}

// NewDiscord creates a new Discord channel handler.
func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Discord{
		token:   cfg.Token,
		guildID: cfg.GuildID,
		logger:  cfg.Logger,
	}
}

func (d *Discord) Name() string { return "discord" }

// Start connects to Discord using a bot token and blocks until ctx is done.
func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	d.session = session
	d.sender = session

	bus.OnOutbound(d.Name(), func(ctx context.Context, msg domain.OutboundMessage) error {
		return d.Send(ctx, msg.ChatID, msg.Content)
	})

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
			return
		}
		if d.guildID != "" && m.GuildID != "" && m.GuildID != d.guildID {
			return
		}
		if strings.TrimSpace(m.Content) == "" && len(m.Attachments) == 0 {
			return
		}

		attachments := collectAttachments(m.Message)
		d.logger.Info("discord message received",
			"author", m.Author.Username,
			"channel_id", m.ChannelID,
			"content_len", len(m.Content),
			"attachments", len(attachments),
		)

		bus.Publish(domain.InboundMessage{
			ID:          m.ID,
			Channel:     d.Name(),
			ChatID:      m.ChannelID,
			SenderID:    m.Author.ID,
			Content:     m.Content,
			Attachments: attachments,
			Timestamp:   messageTime(m.Timestamp),
		})
	})

	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		data := i.ApplicationCommandData()

		err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Content: "Received `/" + data.Name + "`."},
		})
		if err != nil {
			d.logger.Warn("discord interaction ack failed", "command", data.Name, "err", err)
		}

		bus.Publish(domain.InboundMessage{
			ID:        i.ID,
			Channel:   d.Name(),
			ChatID:    i.ChannelID,
			SenderID:  interactionUser(i),
			Content:   "/" + data.Name,
			Timestamp: time.Now(),
		})
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}

	d.logger.Info("discord bot connected", "user", session.State.User.Username)

	d.registerSlashCommands()

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

// Stop is a no-op; the session closes when Start's context is cancelled.
func (d *Discord) Stop() error { return nil }

// Send posts content to a Discord channel. Content above the platform limit
// is cut into several messages; the first failure aborts the rest.
func (d *Discord) Send(ctx context.Context, chatID string, content string) error {
	if d.sender == nil {
		return errors.New("discord: not connected")
	}
	if strings.TrimSpace(content) == "" {
		return nil
	}
	for _, part := range splitMessage(content, chunk.DiscordLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := d.sender.ChannelMessageSend(chatID, part); err != nil {
			d.logger.Error("discord send failed", "channel", chatID, "err", err)
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}

func (d *Discord) registerSlashCommands() {
	commands := []*discordgo.ApplicationCommand{
		{
			Name:        "reset",
			Description: "Reset the analysis pipeline's knowledge store",
		},
		{
			Name:        "help",
			Description: "Show how to submit images",
		},
	}

	guildID := d.guildID // empty = global commands
	for _, cmd := range commands {
		_, err := d.session.ApplicationCommandCreate(d.session.State.User.ID, guildID, cmd)
		if err != nil {
			d.logger.Warn("failed to register slash command", "command", cmd.Name, "err", err)
		}
	}
}

// collectAttachments maps Discord attachments onto domain attachments,
// preserving their order.
func collectAttachments(msg *discordgo.Message) []domain.Attachment {
	if msg == nil || len(msg.Attachments) == 0 {
		return nil
	}

	attachments := make([]domain.Attachment, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		if att == nil {
			continue
		}
		attachments = append(attachments, domain.Attachment{
			ID:          att.ID,
			Name:        att.Filename,
			Source:      "discord",
			ContentType: att.ContentType,
			URL:         att.URL,
		})
	}
	return attachments
}

func interactionUser(i *discordgo.InteractionCreate) string {
	switch {
	case i.Member != nil && i.Member.User != nil:
		return i.Member.User.ID
	case i.User != nil:
		return i.User.ID
	default:
		return ""
	}
}

func messageTime(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now()
	}
	return ts
}

// splitMessage cuts msg into pieces of at most maxLen runes, preferring a
// newline in the back half of each window. Text that already fits is
// returned as is.
func splitMessage(msg string, maxLen int) []string {
	if utf8.RuneCountInString(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	runes := []rune(msg)
	for len(runes) > 0 {
		if len(runes) <= maxLen {
			chunks = append(chunks, string(runes))
			break
		}

		cut := maxLen
		for i := maxLen - 1; i > maxLen/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}

		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}
