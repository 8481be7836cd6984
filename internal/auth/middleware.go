package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/conversation-relay/internal/domain"
	"github.com/spec-kit/conversation-relay/internal/repository"
	apperrors "github.com/spec-kit/conversation-relay/pkg/util"
)

// GuestSessionHeader carries the browser-persisted guest session token.
const GuestSessionHeader = "X-Guest-Session"

const (
	principalKey    = "auth_principal"
	guestSessionKey = "guest_session"
)

// Principal represents the resolved caller.
type Principal struct {
	SubjectType domain.SubjectType
	User        *domain.User
	Guest       *domain.GuestUser
}

// Actor returns the domain actor for the principal.
func (p *Principal) Actor() domain.Actor {
	switch p.SubjectType {
	case domain.SubjectTypeGuest:
		return domain.GuestActor(p.Guest.ID)
	case domain.SubjectTypeAdmin:
		return domain.AdminActor(p.User.ID)
	default:
		return domain.UserActor(p.User.ID)
	}
}

// GuestLookup resolves a guest from its session token.
type GuestLookup interface {
	GetGuestBySession(ctx context.Context, sessionToken string) (*domain.GuestUser, error)
}

// AuthMiddleware resolves bearer tokens and guest sessions into principals.
type AuthMiddleware struct {
	tokens *TokenManager
	users  repository.UserRepository
	guests GuestLookup
}

// NewAuthMiddleware constructs middleware.
func NewAuthMiddleware(tokens *TokenManager, users repository.UserRepository, guests GuestLookup) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens, users: users, guests: guests}
}

// Handle resolves the caller from headers. Anonymous requests pass through;
// route guards decide what they require.
func (m *AuthMiddleware) Handle(c *fiber.Ctx) error {
	return m.resolve(c, c.Get(fiber.HeaderAuthorization), c.Get(GuestSessionHeader))
}

// HandleRelay resolves the caller for the websocket upgrade, which cannot
// carry custom headers from browsers, so query parameters are accepted too.
func (m *AuthMiddleware) HandleRelay(c *fiber.Ctx) error {
	authHeader := c.Get(fiber.HeaderAuthorization)
	if authHeader == "" {
		if token := c.Query("token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	session := c.Get(GuestSessionHeader)
	if session == "" {
		session = c.Query("guest_session")
	}
	return m.resolve(c, authHeader, session)
}

func (m *AuthMiddleware) resolve(c *fiber.Ctx, authHeader, session string) error {
	if authHeader != "" {
		principal, err := m.fromBearer(c.UserContext(), authHeader)
		if err != nil {
			return err
		}
		c.Locals(principalKey, principal)
		return c.Next()
	}

	if session = strings.TrimSpace(session); session == "" {
		return c.Next()
	}
	// header and query values alias the request buffer, which fasthttp reuses
	session = utils.CopyString(session)
	if _, err := uuid.Parse(session); err != nil {
		return apperrors.NewInvalidGuestSession("guest session must be a UUID")
	}
	c.Locals(guestSessionKey, session)
	c.Set(GuestSessionHeader, session)

	guest, err := m.guests.GetGuestBySession(c.UserContext(), session)
	switch {
	case err == nil:
		c.Locals(principalKey, &Principal{SubjectType: domain.SubjectTypeGuest, Guest: guest})
	case apperrors.HasCode(err, apperrors.CodeNotFound) || errors.Is(err, pgx.ErrNoRows):
		// unknown session: handlers that need a guest answer IDENTITY_REQUIRED
	default:
		return apperrors.MapError(err)
	}
	return c.Next()
}

func (m *AuthMiddleware) fromBearer(ctx context.Context, authHeader string) (*Principal, error) {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, apperrors.NewUnauthorized("invalid authorization header")
	}

	claims, err := m.tokens.ParseToken(parts[1])
	if err != nil {
		return nil, apperrors.NewUnauthorized("invalid token")
	}

	user, err := m.users.GetByID(ctx, claims.SubjectID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewUnauthorized("user not found")
		}
		return nil, apperrors.MapError(err)
	}

	// the stored role wins over the claim so demoted admins lose access at once
	subject := domain.SubjectTypeUser
	if user.IsAdmin() {
		subject = domain.SubjectTypeAdmin
	}
	return &Principal{SubjectType: subject, User: user}, nil
}

// PrincipalFromContext retrieves the authenticated entity.
func PrincipalFromContext(c *fiber.Ctx) (*Principal, bool) {
	return PrincipalFromValue(c.Locals(principalKey))
}

// PrincipalFromValue unwraps a principal stored in request locals; websocket
// connections expose the same locals after the upgrade.
func PrincipalFromValue(val any) (*Principal, bool) {
	if val == nil {
		return nil, false
	}
	principal, ok := val.(*Principal)
	return principal, ok && principal != nil
}

// PrincipalKey is the locals key holding the principal.
func PrincipalKey() string { return principalKey }

// GuestSessionFromContext returns the validated guest session token, if any.
func GuestSessionFromContext(c *fiber.Ctx) (string, bool) {
	val, ok := c.Locals(guestSessionKey).(string)
	return val, ok && val != ""
}
