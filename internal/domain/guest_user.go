package domain

import "time"

// GuestUser is a server-side identity for an anonymous visitor.
type GuestUser struct {
	ID        string
	Name      string
	Email     string
	SessionID string
	CreatedAt time.Time
}

// GuestProfile is the name/email pair collected before a guest exists.
type GuestProfile struct {
	Name  string
	Email string
}
