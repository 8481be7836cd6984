package domain

// SubjectType differentiates the kinds of callers.
type SubjectType string

const (
	SubjectTypeUser  SubjectType = "USER"
	SubjectTypeAdmin SubjectType = "ADMIN"
	SubjectTypeGuest SubjectType = "GUEST"
)

// Actor is the resolved caller of a conversation operation.
type Actor struct {
	Type SubjectType
	ID   string
}

// UserActor builds an actor for a registered user.
func UserActor(id string) Actor { return Actor{Type: SubjectTypeUser, ID: id} }

// AdminActor builds an actor for an admin.
func AdminActor(id string) Actor { return Actor{Type: SubjectTypeAdmin, ID: id} }

// GuestActor builds an actor for a resolved guest.
func GuestActor(id string) Actor { return Actor{Type: SubjectTypeGuest, ID: id} }

// IsAdmin reports whether the actor is support staff.
func (a Actor) IsAdmin() bool { return a.Type == SubjectTypeAdmin }

// SenderType maps the actor to the message sender type.
func (a Actor) SenderType() SenderType {
	switch a.Type {
	case SubjectTypeAdmin:
		return SenderTypeAdmin
	case SubjectTypeGuest:
		return SenderTypeGuest
	default:
		return SenderTypeUser
	}
}

// Sender returns the message sender for the actor.
func (a Actor) Sender() Sender {
	return Sender{ID: a.ID, Type: a.SenderType()}
}

// Owns reports whether the actor is the owner of the conversation.
func (a Actor) Owns(c *Conversation) bool {
	switch a.Type {
	case SubjectTypeUser:
		return c.UserID != nil && *c.UserID == a.ID
	case SubjectTypeGuest:
		return c.GuestUserID != nil && *c.GuestUserID == a.ID
	}
	return false
}
