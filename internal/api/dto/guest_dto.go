package dto

import (
	"time"

	"github.com/spec-kit/conversation-relay/internal/domain"
)

// GuestProfileRequest collects a guest's name and email.
type GuestProfileRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Profile converts the request into a domain profile.
func (r *GuestProfileRequest) Profile() *domain.GuestProfile {
	if r == nil {
		return nil
	}
	return &domain.GuestProfile{Name: r.Name, Email: r.Email}
}

// GuestResponse is the API view of a guest.
type GuestResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewGuestResponse maps a domain guest.
func NewGuestResponse(guest *domain.GuestUser) GuestResponse {
	return GuestResponse{
		ID:        guest.ID,
		Name:      guest.Name,
		Email:     guest.Email,
		SessionID: guest.SessionID,
		CreatedAt: guest.CreatedAt,
	}
}
