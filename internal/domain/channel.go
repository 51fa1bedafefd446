package domain

import "context"

// Transport is a connection to a chat backend (Slack, Telegram, Discord, ...).
//
// Start blocks until ctx is cancelled or the connection fails, publishing every
// inbound message into feed. Send posts text to destination and returns the
// backend's identifier for the posted message; that identifier is what thread
// replies reference as their parent.
type Transport interface {
	Name() string
	Start(ctx context.Context, feed EventFeed) error
	Ready() bool
	Send(ctx context.Context, destination, text string) (string, error)
	Mention(userID string) string
}
