package domain

import "time"

// InboundEvent is a single message observed on a transport's inbound feed.
type InboundEvent struct {
	Transport       string
	SourceID        string // channel / chat the message was posted in
	AuthorID        string
	Text            string
	MessageID       string
	ParentMessageID string // thread anchor; empty for top-level messages
	SelfOriginated  bool   // posted by this process's own bot identity
	Timestamp       time.Time
}

// IsThreadReply reports whether the event references a parent message.
func (e InboundEvent) IsThreadReply() bool {
	return e.ParentMessageID != ""
}
