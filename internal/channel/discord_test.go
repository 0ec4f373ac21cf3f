package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"unicode/utf8"

	"scanbot/internal/domain"

	"github.com/bwmarrin/discordgo"
	"github.com/google/go-cmp/cmp"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSender struct {
	sent   []string
	failAt int // 1-based call that fails; 0 = never
}

func (f *fakeSender) ChannelMessageSend(channelID string, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if f.failAt > 0 && len(f.sent)+1 == f.failAt {
		return nil, errors.New("HTTP 500")
	}
	f.sent = append(f.sent, content)
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func TestCollectAttachments(t *testing.T) {
	msg := &discordgo.Message{
		Attachments: []*discordgo.MessageAttachment{
			{ID: "1", Filename: "chart.png", ContentType: "image/png", URL: "https://cdn/1/chart.png"},
			nil,
			{ID: "2", Filename: "notes.txt", ContentType: "text/plain", URL: "https://cdn/2/notes.txt"},
		},
	}

	got := collectAttachments(msg)
	want := []domain.Attachment{
		{ID: "1", Name: "chart.png", Source: "discord", ContentType: "image/png", URL: "https://cdn/1/chart.png"},
		{ID: "2", Name: "notes.txt", Source: "discord", ContentType: "text/plain", URL: "https://cdn/2/notes.txt"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("attachments mismatch (-want +got):\n%s", diff)
	}

	if collectAttachments(&discordgo.Message{}) != nil {
		t.Error("message without attachments should yield nil")
	}
	if collectAttachments(nil) != nil {
		t.Error("nil message should yield nil")
	}
}

func TestDiscordSend_SplitsOverLimit(t *testing.T) {
	fake := &fakeSender{}
	d := NewDiscord(DiscordConfig{Logger: discardLogger()})
	d.sender = fake

	long := strings.Repeat("a", 2500)
	if err := d.Send(context.Background(), "chan", long); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(fake.sent) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(fake.sent))
	}
	if strings.Join(fake.sent, "") != long {
		t.Fatal("split messages should reassemble to the original")
	}
}

func TestDiscordSend_ReturnsError(t *testing.T) {
	fake := &fakeSender{failAt: 1}
	d := NewDiscord(DiscordConfig{Logger: discardLogger()})
	d.sender = fake

	if err := d.Send(context.Background(), "chan", "hello"); err == nil {
		t.Fatal("expected send error")
	}
}

func TestDiscordSend_NotConnected(t *testing.T) {
	d := NewDiscord(DiscordConfig{Logger: discardLogger()})
	if err := d.Send(context.Background(), "chan", "hello"); err == nil {
		t.Fatal("expected error before Start")
	}
}

func TestDiscordSend_SkipsBlank(t *testing.T) {
	fake := &fakeSender{}
	d := NewDiscord(DiscordConfig{Logger: discardLogger()})
	d.sender = fake

	if err := d.Send(context.Background(), "chan", "  \n"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(fake.sent) != 0 {
		t.Fatalf("blank content should not be sent, got %q", fake.sent)
	}
}

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("unexpected split of short text: %q", got)
	}

	text := strings.Repeat("x", 8) + "\n" + strings.Repeat("y", 8)
	got := splitMessage(text, 10)
	want := []string{strings.Repeat("x", 8) + "\n", strings.Repeat("y", 8)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("newline split mismatch (-want +got):\n%s", diff)
	}

	runes := strings.Repeat("é", 25)
	for _, part := range splitMessage(runes, 10) {
		if n := utf8.RuneCountInString(part); n > 10 {
			t.Fatalf("part has %d runes", n)
		}
		if !utf8.ValidString(part) {
			t.Fatal("split produced invalid UTF-8")
		}
	}
}
