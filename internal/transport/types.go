// Package transport holds the messaging types shared by the notifier and the
// chat adapters that deliver its messages.
package transport

import "context"

// ChannelTelegram is the only delivery channel today.
const ChannelTelegram = "telegram"

// ChatTarget addresses a chat, or a forum topic inside it when ThreadID is set.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// MessageRef identifies a delivered message.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Notification is one operator message. Priority runs from 0 (routine) to
// 10; high priorities get a marker in front of the text. Notifications with
// an empty Channel are never deduplicated.
type Notification struct {
	Channel  string
	Priority int
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

// Sender delivers one text message.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}
