package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/conversation-relay/internal/domain"
)

// ConversationFilter captures listing parameters.
type ConversationFilter struct {
	UserID      *string
	GuestUserID *string
	Statuses    []domain.ConversationStatus
}

// ConversationRepository encapsulates conversation persistence.
type ConversationRepository interface {
	// Create inserts the conversation and, when initial is non-nil, its first
	// message in the same transaction.
	Create(ctx context.Context, conv *domain.Conversation, initial *domain.Message) error
	GetByID(ctx context.Context, id string) (*domain.Conversation, error)
	FindActiveByOwner(ctx context.Context, owner domain.OwnerRef) (*domain.Conversation, error)
	List(ctx context.Context, filter ConversationFilter) ([]domain.Conversation, error)
	UpdateStatus(ctx context.Context, id string, status domain.ConversationStatus) (*domain.Conversation, error)
	MarkRead(ctx context.Context, id string, side domain.SenderType) error
}

type conversationRepository struct {
	pool *pgxpool.Pool
}

// NewConversationRepository instantiates repository.
func NewConversationRepository(pool *pgxpool.Pool) ConversationRepository {
	return &conversationRepository{pool: pool}
}

const conversationColumns = `id, user_id, guest_user_id, subject, status, last_message_at,
               read_by_user, read_by_admin, created_at, updated_at`

func (r *conversationRepository) Create(ctx context.Context, conv *domain.Conversation, initial *domain.Message) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		const query = `
        INSERT INTO conversations (user_id, guest_user_id, subject, status, read_by_user, read_by_admin)
        VALUES ($1,$2,$3,$4,$5,$6)
        RETURNING id, last_message_at, created_at, updated_at`
		err := tx.QueryRow(ctx, query,
			conv.UserID,
			conv.GuestUserID,
			conv.Subject,
			conv.Status,
			conv.ReadByUser,
			conv.ReadByAdmin,
		).Scan(&conv.ID, &conv.LastMessageAt, &conv.CreatedAt, &conv.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrActiveConversationExists
			}
			return err
		}
		if initial == nil {
			return nil
		}
		initial.ConversationID = conv.ID
		updated, err := appendInTx(ctx, tx, initial)
		if err != nil {
			return err
		}
		*conv = *updated
		return nil
	})
}

func (r *conversationRepository) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id=$1`
	conv, err := scanConversation(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, lookupError(err)
	}
	return conv, nil
}

func (r *conversationRepository) FindActiveByOwner(ctx context.Context, owner domain.OwnerRef) (*domain.Conversation, error) {
	column, id := ownerColumn(owner)
	query := fmt.Sprintf(`SELECT %s FROM conversations
        WHERE %s=$1 AND status IN ('open','pending')
        ORDER BY last_message_at DESC LIMIT 1`, conversationColumns, column)
	conv, err := scanConversation(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, lookupError(err)
	}
	return conv, nil
}

func (r *conversationRepository) List(ctx context.Context, filter ConversationFilter) ([]domain.Conversation, error) {
	clauses := []string{"1=1"}
	args := []any{}

	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		clauses = append(clauses, fmt.Sprintf("user_id=$%d", len(args)))
	}
	if filter.GuestUserID != nil {
		args = append(args, *filter.GuestUserID)
		clauses = append(clauses, fmt.Sprintf("guest_user_id=$%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}

	query := fmt.Sprintf(`SELECT %s FROM conversations WHERE %s ORDER BY last_message_at DESC, id`,
		conversationColumns, strings.Join(clauses, " AND "))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []domain.Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *conv)
	}
	return result, rows.Err()
}

func (r *conversationRepository) UpdateStatus(ctx context.Context, id string, status domain.ConversationStatus) (*domain.Conversation, error) {
	query := `UPDATE conversations SET status=$1, updated_at=NOW() WHERE id=$2 RETURNING ` + conversationColumns
	conv, err := scanConversation(r.pool.QueryRow(ctx, query, status, id))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrActiveConversationExists
		}
		return nil, lookupError(err)
	}
	return conv, nil
}

func (r *conversationRepository) MarkRead(ctx context.Context, id string, side domain.SenderType) error {
	column := "read_by_user"
	if side == domain.SenderTypeAdmin {
		column = "read_by_admin"
	}
	query := fmt.Sprintf(`UPDATE conversations SET %s=TRUE WHERE id=$1`, column)
	cmd, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return lookupError(err)
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func ownerColumn(owner domain.OwnerRef) (string, string) {
	if owner.SenderType() == domain.SenderTypeGuest {
		return "guest_user_id", owner.ID()
	}
	return "user_id", owner.ID()
}

func scanConversation(row pgx.Row) (*domain.Conversation, error) {
	var conv domain.Conversation
	if err := row.Scan(
		&conv.ID,
		&conv.UserID,
		&conv.GuestUserID,
		&conv.Subject,
		&conv.Status,
		&conv.LastMessageAt,
		&conv.ReadByUser,
		&conv.ReadByAdmin,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &conv, nil
}
