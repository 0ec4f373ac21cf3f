package ingest

import (
	"context"
	"log/slog"
	"strings"

	"scanbot/internal/bus"
	"scanbot/internal/domain"
	"scanbot/internal/pipeline"
)

const (
	defaultConcurrency = 3

	helpText = "📷 Send an image and I'll run it through the analysis pipeline.\n\n" +
		"Commands:\n" +
		"`!reset` — clear the pipeline's knowledge store\n" +
		"`!help` — show this message"
)

// Resetter clears the pipeline's shared store.
type Resetter interface {
	Reset(ctx context.Context) (*pipeline.Result, error)
}

// LoopConfig holds the dependencies of a Loop.
type LoopConfig struct {
	Bus          domain.MessageBus
	Orchestrator *Orchestrator
	Resetter     Resetter // optional
	Events       *bus.EventBus
	Logger       *slog.Logger
	Concurrency  int // max messages handled at once (default 3)
}

// Loop consumes inbound messages and handles each in its own goroutine.
// Attachments within a message stay sequential; messages do not.
type Loop struct {
	bus          domain.MessageBus
	orchestrator *Orchestrator
	resetter     Resetter
	events       *bus.EventBus
	logger       *slog.Logger
	concurrency  int
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{
		bus:          cfg.Bus,
		orchestrator: cfg.Orchestrator,
		resetter:     cfg.Resetter,
		events:       cfg.Events,
		logger:       cfg.Logger,
		concurrency:  cfg.Concurrency,
	}
}

// Run blocks until ctx is done or the bus closes, then waits for in-flight
// messages.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("ingest loop started", "concurrency", l.concurrency)

	sem := make(chan struct{}, l.concurrency)
	inbound := l.bus.Subscribe()
	defer func() {
		for i := 0; i < cap(sem); i++ {
			sem <- struct{}{}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("ingest loop stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				l.logger.Info("inbound channel closed, ingest loop stopping")
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				l.logger.Warn("ingest loop stopping, message not handled",
					"channel", msg.Channel,
					"chat_id", msg.ChatID,
					"attachments", len(msg.Attachments),
				)
				return
			}
			go func(m domain.InboundMessage) {
				defer func() { <-sem }()
				l.HandleMessage(ctx, m)
			}(msg)
		}
	}
}

// HandleMessage dispatches one message: a chat command, or its image
// attachments.
func (l *Loop) HandleMessage(ctx context.Context, msg domain.InboundMessage) {
	deliver := l.deliverTo(msg)

	switch command(msg.Content) {
	case "help":
		l.reply(ctx, deliver, msg, helpText)
		return
	case "reset":
		l.reset(ctx, deliver, msg)
		return
	}

	if len(msg.Attachments) == 0 {
		l.logger.Debug("message without attachments ignored", "channel", msg.Channel, "chat_id", msg.ChatID)
		return
	}
	sum := l.orchestrator.Handle(ctx, msg, deliver)
	l.logger.Info("message handled",
		"channel", msg.Channel,
		"chat_id", msg.ChatID,
		"images", sum.Attachments,
		"succeeded", sum.Succeeded,
		"failed", sum.Failed,
	)
}

func (l *Loop) reset(ctx context.Context, deliver DeliverFunc, msg domain.InboundMessage) {
	if l.resetter == nil {
		l.reply(ctx, deliver, msg, "Reset is not available.")
		return
	}
	if _, err := l.resetter.Reset(ctx); err != nil {
		l.logger.Error("pipeline reset failed", "err", err)
		l.reply(ctx, deliver, msg, "❌ Knowledge store reset failed.")
		return
	}
	l.events.Emit(bus.Event{Type: bus.EventPipelineReset, Channel: msg.Channel})
	l.logger.Info("pipeline reset", "channel", msg.Channel, "sender", msg.SenderID)
	l.reply(ctx, deliver, msg, "🗑 Knowledge store reset.")
}

func (l *Loop) reply(ctx context.Context, deliver DeliverFunc, msg domain.InboundMessage, text string) {
	if err := deliver(ctx, msg.Channel, text); err != nil {
		l.logger.Error("reply failed", "channel", msg.Channel, "err", err)
	}
}

// deliverTo routes chunks to the chat the message came from.
func (l *Loop) deliverTo(msg domain.InboundMessage) DeliverFunc {
	return func(ctx context.Context, source, text string) error {
		return l.bus.SendOutbound(ctx, domain.OutboundMessage{
			Channel: source,
			ChatID:  msg.ChatID,
			Content: text,
			Format:  "markdown",
		})
	}
}

// command returns the lowercased command word for "!cmd" or "/cmd", or "".
func command(content string) string {
	content = strings.TrimSpace(content)
	if len(content) < 2 || (content[0] != '!' && content[0] != '/') {
		return ""
	}
	word, _, _ := strings.Cut(content[1:], " ")
	return strings.ToLower(word)
}
