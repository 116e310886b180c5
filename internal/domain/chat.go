package domain

import "time"

// MaxChatBodyBytes is the largest permitted chat message body.
const MaxChatBodyBytes = 500

// ChatMessage is one append-only row in a 1:1 conversation.
type ChatMessage struct {
	ID        int64
	From      string
	To        string
	Body      string
	CreatedAt time.Time
	ReadAt    *time.Time // nil until the recipient opens the conversation
}

// IsRead reports whether the recipient has marked this message read.
func (m *ChatMessage) IsRead() bool {
	return m.ReadAt != nil
}
