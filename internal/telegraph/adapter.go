// Package telegraph bridges session events to chat platforms (Slack,
// Discord) and lets professionals answer offers from chat.
package telegraph

import (
	"context"
	"time"
)

// Adapter is one chat platform connection. Listen is only valid after
// Connect; its channel closes when the adapter is closed. Send targets the
// adapter's default channel when the message names none.
type Adapter interface {
	Connect(ctx context.Context) error
	Listen(ctx context.Context) (<-chan InboundMessage, error)
	Send(ctx context.Context, msg OutboundMessage) error
	Close() error
}

// InboundMessage is a chat message that may carry an "!assist" command.
// UserID is matched against professionals.chat_user_id.
type InboundMessage struct {
	Platform  string // "slack", "discord"
	ChannelID string
	ThreadID  string // empty for top-level messages
	UserID    string
	UserName  string
	Text      string
	Timestamp time.Time
}

// OutboundMessage represents a message to be sent to the chat platform.
type OutboundMessage struct {
	ChannelID string           // target channel (empty for the adapter default)
	ThreadID  string           // thread to reply in (empty for new top-level message)
	Text      string           // message text (platform-native formatting)
	Events    []FormattedEvent // structured event attachments
}

// FormattedEvent is a session event formatted for display in chat.
type FormattedEvent struct {
	Title    string  // event headline (e.g. "Session 4f2a91c0 accepted")
	Body     string  // detail text
	Severity string  // "info", "warning", "error", "success"
	Color    string  // sidebar color hint (e.g. "#36a64f" for success)
	Fields   []Field // key-value metadata pairs
}

// Field is a key-value pair displayed in an event attachment.
type Field struct {
	Name  string
	Value string
	Short bool // hint: render side-by-side with another field
}

// BotUserIDer is implemented by adapters that know the bot's own user ID,
// so commands can address the bot by mention.
type BotUserIDer interface {
	BotUserID() string
}
