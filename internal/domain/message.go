package domain

import "time"

// SenderType indicates who authored a message.
type SenderType string

const (
	SenderTypeUser  SenderType = "user"
	SenderTypeGuest SenderType = "guest"
	SenderTypeAdmin SenderType = "admin"
)

// Valid reports whether the sender type is known.
func (s SenderType) Valid() bool {
	switch s {
	case SenderTypeUser, SenderTypeGuest, SenderTypeAdmin:
		return true
	}
	return false
}

// MessageType differentiates plain text from file messages.
type MessageType string

const (
	MessageTypeText MessageType = "text"
	MessageTypeFile MessageType = "file"
)

// Sender identifies the author of a message.
type Sender struct {
	ID   string
	Type SenderType
}

// Message is one append-only utterance in a conversation.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderType     SenderType
	Content        string
	MessageType    MessageType
	FileURL        *string
	CreatedAt      time.Time
}
