package domain

import "time"

type InboundMessage struct {
	ID          string
	Channel     string
	ChatID      string
	SenderID    string
	Content     string
	Attachments []Attachment
	Timestamp   time.Time
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	Format  string // text | markdown
}
