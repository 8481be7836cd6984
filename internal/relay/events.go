// Package relay fans typing and new-message hints out to everyone viewing a
// conversation. It is never the source of truth for messages.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spec-kit/conversation-relay/internal/domain"
)

// InboundType enumerates events a client may send.
type InboundType string

const (
	InboundJoin        InboundType = "join-conversation"
	InboundLeave       InboundType = "leave-conversation"
	InboundTypingStart InboundType = "typing-start"
	InboundTypingStop  InboundType = "typing-stop"
	InboundNewMessage  InboundType = "new-message"
)

// OutboundType enumerates events the relay emits.
type OutboundType string

const (
	OutboundUserTyping         OutboundType = "user-typing"
	OutboundMessageReceived    OutboundType = "message-received"
	OutboundConversationClosed OutboundType = "conversation-closed"
	OutboundError              OutboundType = "error"
)

// Relay-level error codes sent in error events; ledger errors keep their own.
const (
	CodeInvalidEvent = "INVALID_EVENT"
	CodeNotInRoom    = "NOT_IN_ROOM"
)

// Inbound is a validated client event.
type Inbound struct {
	Type           InboundType `json:"type"`
	ConversationID string      `json:"conversationId"`
	MessageID      string      `json:"messageId,omitempty"`
}

// ErrInvalidEvent wraps every inbound validation failure.
var ErrInvalidEvent = errors.New("invalid relay event")

// ParseInbound decodes and validates one client frame.
func ParseInbound(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	in.ConversationID = strings.TrimSpace(in.ConversationID)
	in.MessageID = strings.TrimSpace(in.MessageID)

	switch in.Type {
	case InboundJoin, InboundLeave, InboundTypingStart, InboundTypingStop:
	case InboundNewMessage:
		if in.MessageID == "" {
			return in, fmt.Errorf("%w: messageId is required", ErrInvalidEvent)
		}
	default:
		return in, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, in.Type)
	}
	if in.ConversationID == "" {
		return in, fmt.Errorf("%w: conversationId is required", ErrInvalidEvent)
	}
	return in, nil
}

// UserTyping is broadcast when a participant starts or stops typing.
type UserTyping struct {
	Type            OutboundType      `json:"type"`
	ConversationID  string            `json:"conversationId"`
	ParticipantID   string            `json:"participantId"`
	ParticipantType domain.SenderType `json:"participantType"`
	IsTyping        bool              `json:"isTyping"`
}

// MessageReceived tells room members to refetch the message log.
type MessageReceived struct {
	Type           OutboundType      `json:"type"`
	ConversationID string            `json:"conversationId"`
	MessageID      string            `json:"messageId"`
	SenderID       string            `json:"senderId"`
	SenderType     domain.SenderType `json:"senderType"`
}

// ConversationClosed tells room members the conversation no longer accepts
// messages.
type ConversationClosed struct {
	Type           OutboundType `json:"type"`
	ConversationID string       `json:"conversationId"`
}

// ErrorEvent reports a rejected inbound event to its sender only.
type ErrorEvent struct {
	Type    OutboundType `json:"type"`
	Code    string       `json:"code"`
	Message string       `json:"message"`
}

func newUserTyping(conversationID string, p Participant, isTyping bool) UserTyping {
	return UserTyping{
		Type:            OutboundUserTyping,
		ConversationID:  conversationID,
		ParticipantID:   p.ID,
		ParticipantType: p.Type,
		IsTyping:        isTyping,
	}
}

func newMessageReceived(conversationID, messageID string, sender domain.Sender) MessageReceived {
	return MessageReceived{
		Type:           OutboundMessageReceived,
		ConversationID: conversationID,
		MessageID:      messageID,
		SenderID:       sender.ID,
		SenderType:     sender.Type,
	}
}

func newErrorEvent(code, message string) ErrorEvent {
	return ErrorEvent{Type: OutboundError, Code: code, Message: message}
}
