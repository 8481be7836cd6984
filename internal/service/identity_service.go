package service

import (
	"context"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/conversation-relay/internal/domain"
	"github.com/spec-kit/conversation-relay/internal/repository"
	apperrors "github.com/spec-kit/conversation-relay/pkg/util"
)

// IdentityService is the guest identity store: it maps a browser-persisted
// session token to a server-side guest.
type IdentityService struct {
	guests repository.GuestUserRepository
	logger *zap.Logger
}

// NewIdentityService constructs the service.
func NewIdentityService(guests repository.GuestUserRepository, logger *zap.Logger) *IdentityService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentityService{guests: guests, logger: logger}
}

// ResolveOrCreateGuest returns the guest bound to sessionToken, creating it
// from profile when none exists yet. Without a profile an unknown token
// yields IDENTITY_REQUIRED. Repeated calls with the same token return the
// same guest.
func (s *IdentityService) ResolveOrCreateGuest(ctx context.Context, sessionToken string, profile *domain.GuestProfile) (*domain.GuestUser, error) {
	if err := validateSessionToken(sessionToken); err != nil {
		return nil, err
	}

	guest, err := s.guests.GetBySessionID(ctx, sessionToken)
	if err == nil {
		return guest, nil
	}
	if !isNoRows(err) {
		return nil, persistenceError(err)
	}
	if profile == nil {
		return nil, apperrors.NewIdentityRequired()
	}

	normalized, err := normalizeProfile(*profile)
	if err != nil {
		return nil, err
	}
	guest = &domain.GuestUser{
		Name:      normalized.Name,
		Email:     normalized.Email,
		SessionID: sessionToken,
	}
	if err := s.guests.Create(ctx, guest); err != nil {
		return nil, persistenceError(err)
	}
	s.logger.Info("guest resolved", zap.String("guest_id", guest.ID))
	return guest, nil
}

// GetGuestBySession looks up the guest for a session token.
func (s *IdentityService) GetGuestBySession(ctx context.Context, sessionToken string) (*domain.GuestUser, error) {
	if err := validateSessionToken(sessionToken); err != nil {
		return nil, err
	}
	guest, err := s.guests.GetBySessionID(ctx, sessionToken)
	if err != nil {
		if isNoRows(err) {
			return nil, apperrors.NewNotFound("guest", nil)
		}
		return nil, persistenceError(err)
	}
	return guest, nil
}

func validateSessionToken(token string) error {
	if _, err := uuid.Parse(token); err != nil {
		return apperrors.NewInvalidGuestSession("guest session must be a UUID")
	}
	return nil
}

func normalizeProfile(profile domain.GuestProfile) (domain.GuestProfile, error) {
	profile.Name = strings.TrimSpace(profile.Name)
	profile.Email = strings.TrimSpace(profile.Email)
	details := map[string]any{}
	if profile.Name == "" {
		details["name"] = "required"
	}
	if _, err := mail.ParseAddress(profile.Email); err != nil || !strings.Contains(profile.Email, "@") {
		details["email"] = "must be a valid address"
	}
	if len(details) > 0 {
		return profile, apperrors.NewValidationError("invalid guest profile", details)
	}
	return profile, nil
}
