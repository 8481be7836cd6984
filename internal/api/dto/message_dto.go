package dto

import (
	"time"

	"github.com/spec-kit/conversation-relay/internal/domain"
)

// MessageBody is the content part of a message request.
type MessageBody struct {
	Content     string  `json:"content"`
	MessageType string  `json:"messageType"`
	FileURL     *string `json:"fileUrl"`
}

// SendMessageRequest appends to a conversation. Without conversationId the
// caller's active conversation is reused or a new one opened.
type SendMessageRequest struct {
	ConversationID string               `json:"conversationId"`
	Subject        string               `json:"subject"`
	Content        string               `json:"content"`
	MessageType    string               `json:"messageType"`
	FileURL        *string              `json:"fileUrl"`
	Guest          *GuestProfileRequest `json:"guest"`
}

// Body extracts the message body of the request.
func (r SendMessageRequest) Body() MessageBody {
	return MessageBody{Content: r.Content, MessageType: r.MessageType, FileURL: r.FileURL}
}

// MessageResponse is the API view of a message.
type MessageResponse struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	SenderType     string    `json:"senderType"`
	Content        string    `json:"content"`
	MessageType    string    `json:"messageType"`
	FileURL        *string   `json:"fileUrl,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// SendMessageResponse returns the stored message with its conversation.
type SendMessageResponse struct {
	Message      MessageResponse      `json:"message"`
	Conversation ConversationResponse `json:"conversation"`
}

// NewMessageResponse maps a domain message.
func NewMessageResponse(msg *domain.Message) MessageResponse {
	return MessageResponse{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderType:     string(msg.SenderType),
		Content:        msg.Content,
		MessageType:    string(msg.MessageType),
		FileURL:        msg.FileURL,
		CreatedAt:      msg.CreatedAt,
	}
}

// NewMessageList maps messages preserving order.
func NewMessageList(msgs []domain.Message) []MessageResponse {
	out := make([]MessageResponse, 0, len(msgs))
	for i := range msgs {
		out = append(out, NewMessageResponse(&msgs[i]))
	}
	return out
}
