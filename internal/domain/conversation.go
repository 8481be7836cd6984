package domain

import "time"

// ConversationStatus enumerates lifecycle states for support conversations.
type ConversationStatus string

const (
	ConversationStatusOpen    ConversationStatus = "open"
	ConversationStatusPending ConversationStatus = "pending"
	ConversationStatusClosed  ConversationStatus = "closed"
)

// Conversation is a support thread owned by exactly one user or guest.
type Conversation struct {
	ID            string
	UserID        *string
	GuestUserID   *string
	Subject       string
	Status        ConversationStatus
	LastMessageAt time.Time
	ReadByUser    bool
	ReadByAdmin   bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Owner returns the owning side of the conversation.
func (c *Conversation) Owner() OwnerRef {
	return OwnerRef{UserID: c.UserID, GuestUserID: c.GuestUserID}
}

// IsActive reports whether the conversation still accepts messages.
func (c *Conversation) IsActive() bool {
	return c.Status == ConversationStatusOpen || c.Status == ConversationStatusPending
}

// OwnerRef names the owner of a conversation: a user or a guest, never both.
type OwnerRef struct {
	UserID      *string
	GuestUserID *string
}

// UserOwner builds an OwnerRef for a registered user.
func UserOwner(userID string) OwnerRef {
	return OwnerRef{UserID: &userID}
}

// GuestOwner builds an OwnerRef for a guest.
func GuestOwner(guestID string) OwnerRef {
	return OwnerRef{GuestUserID: &guestID}
}

// Valid reports whether exactly one of the two owner ids is set.
func (o OwnerRef) Valid() bool {
	hasUser := o.UserID != nil && *o.UserID != ""
	hasGuest := o.GuestUserID != nil && *o.GuestUserID != ""
	return hasUser != hasGuest
}

// SenderType returns the sender type used when the owner writes a message.
func (o OwnerRef) SenderType() SenderType {
	if o.GuestUserID != nil && *o.GuestUserID != "" {
		return SenderTypeGuest
	}
	return SenderTypeUser
}

// ID returns the owner id regardless of side.
func (o OwnerRef) ID() string {
	if o.UserID != nil && *o.UserID != "" {
		return *o.UserID
	}
	if o.GuestUserID != nil {
		return *o.GuestUserID
	}
	return ""
}

// ReadFlagsAfter returns the unread flags a conversation must carry after a
// message from sender is appended. The result never depends on prior state.
func ReadFlagsAfter(sender SenderType) (readByUser, readByAdmin bool) {
	if sender == SenderTypeAdmin {
		return false, true
	}
	return true, false
}
