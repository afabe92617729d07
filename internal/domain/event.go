// Package domain defines the core persistence models for the application.
// This file holds the normalized inbound event envelope produced by the
// platform collectors. Events are transient and never persisted directly;
// their dispatch history lives in the Execution table.
package domain

// MessageTypeChat marks a plain chat message. Any other value is treated as
// a platform event type (e.g. "member_join", "stream_online") and routes
// through trigger-type selection instead of prefix parsing.
const MessageTypeChat = "chat"

// Event is the normalized envelope a collector submits for routing. Text is
// only meaningful for chat messages; Metadata carries platform-specific
// context passed through to handlers untouched.
type Event struct {
	Platform    string            `json:"platform"`
	ServerID    string            `json:"server_id"`
	ChannelID   string            `json:"channel_id"`
	UserID      string            `json:"user_id"`
	MessageType string            `json:"message_type"`
	Text        string            `json:"text,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// EntityKey returns the derived identity of the venue the event came from.
func (e Event) EntityKey() string {
	return EntityKey(e.Platform, e.ServerID, e.ChannelID)
}

// IsChat reports whether the event is a chat message.
func (e Event) IsChat() bool { return e.MessageType == MessageTypeChat }
