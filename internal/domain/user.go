package domain

import "time"

// UserRole distinguishes site visitors from support admins.
type UserRole string

const (
	UserRoleUser  UserRole = "user"
	UserRoleAdmin UserRole = "admin"
)

// User is an authenticated account, either a customer or an admin.
type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	Role         UserRole
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsAdmin reports whether the account belongs to support staff.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == UserRoleAdmin
}
