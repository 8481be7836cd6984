package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/conversation-relay/internal/domain"
)

// GuestUserRepository persists guest identities.
type GuestUserRepository interface {
	// Create inserts the guest unless its session id already exists, in which
	// case guest is overwritten with the stored row.
	Create(ctx context.Context, guest *domain.GuestUser) error
	GetBySessionID(ctx context.Context, sessionID string) (*domain.GuestUser, error)
	GetByID(ctx context.Context, id string) (*domain.GuestUser, error)
}

type guestUserRepository struct {
	pool *pgxpool.Pool
}

// NewGuestUserRepository returns a Postgres-backed implementation.
func NewGuestUserRepository(pool *pgxpool.Pool) GuestUserRepository {
	return &guestUserRepository{pool: pool}
}

func (r *guestUserRepository) Create(ctx context.Context, guest *domain.GuestUser) error {
	// The no-op update makes RETURNING yield the existing row on conflict.
	const query = `
        INSERT INTO guest_users (name, email, session_id)
        VALUES ($1, $2, $3)
        ON CONFLICT (session_id) DO UPDATE SET session_id=EXCLUDED.session_id
        RETURNING id, name, email, session_id, created_at`

	return r.pool.QueryRow(ctx, query, guest.Name, guest.Email, guest.SessionID).Scan(
		&guest.ID,
		&guest.Name,
		&guest.Email,
		&guest.SessionID,
		&guest.CreatedAt,
	)
}

func (r *guestUserRepository) GetBySessionID(ctx context.Context, sessionID string) (*domain.GuestUser, error) {
	const query = `
        SELECT id, name, email, session_id, created_at
        FROM guest_users WHERE session_id=$1`
	return r.fetchSingle(ctx, query, sessionID)
}

func (r *guestUserRepository) GetByID(ctx context.Context, id string) (*domain.GuestUser, error) {
	const query = `
        SELECT id, name, email, session_id, created_at
        FROM guest_users WHERE id=$1`
	return r.fetchSingle(ctx, query, id)
}

func (r *guestUserRepository) fetchSingle(ctx context.Context, query string, arg any) (*domain.GuestUser, error) {
	var guest domain.GuestUser
	if err := r.pool.QueryRow(ctx, query, arg).Scan(
		&guest.ID,
		&guest.Name,
		&guest.Email,
		&guest.SessionID,
		&guest.CreatedAt,
	); err != nil {
		return nil, lookupError(err)
	}
	return &guest, nil
}
