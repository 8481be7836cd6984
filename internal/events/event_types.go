package events

import (
	"time"

	"github.com/spec-kit/conversation-relay/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventConversationCreated EventType = "conversation_created"
	EventMessageAppended     EventType = "message_appended"
	EventConversationClosed  EventType = "conversation_closed"
)

// AllEventTypes lists every event the services publish.
var AllEventTypes = []EventType{
	EventConversationCreated,
	EventMessageAppended,
	EventConversationClosed,
}

// Actor encapsulates actor metadata for an event.
type Actor struct {
	Type domain.SubjectType `json:"type"`
	ID   string             `json:"id"`
}

// ActorFrom converts a domain actor.
func ActorFrom(actor domain.Actor) Actor {
	return Actor{Type: actor.Type, ID: actor.ID}
}

// Event represents a domain event emitted by services.
type Event struct {
	ID             string      `json:"id"`
	Type           EventType   `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Actor          Actor       `json:"actor"`
	Timestamp      time.Time   `json:"timestamp"`
	Payload        interface{} `json:"payload"`
}

// ConversationCreatedPayload payload.
type ConversationCreatedPayload struct {
	OwnerType domain.SenderType `json:"owner_type"`
	OwnerID   string            `json:"owner_id"`
	Subject   string            `json:"subject,omitempty"`
}

// MessageAppendedPayload payload.
type MessageAppendedPayload struct {
	MessageID      string             `json:"message_id"`
	SenderID       string             `json:"sender_id"`
	SenderType     domain.SenderType  `json:"sender_type"`
	MessageType    domain.MessageType `json:"message_type"`
	ContentPreview string             `json:"content_preview"`
}

// ConversationClosedPayload payload.
type ConversationClosedPayload struct {
	PreviousStatus domain.ConversationStatus `json:"previous_status"`
}
