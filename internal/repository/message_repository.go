package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/conversation-relay/internal/domain"
)

// MessageRepository manages the append-only message log.
type MessageRepository interface {
	// Append inserts msg and touches its conversation in one transaction,
	// returning the conversation as updated.
	Append(ctx context.Context, msg *domain.Message) (*domain.Conversation, error)
	ListByConversation(ctx context.Context, conversationID string) ([]domain.Message, error)
}

type messageRepository struct {
	pool *pgxpool.Pool
}

// NewMessageRepository builds repository.
func NewMessageRepository(pool *pgxpool.Pool) MessageRepository {
	return &messageRepository{pool: pool}
}

func (r *messageRepository) Append(ctx context.Context, msg *domain.Message) (*domain.Conversation, error) {
	var conv *domain.Conversation
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		updated, err := appendInTx(ctx, tx, msg)
		if err != nil {
			return err
		}
		conv = updated
		return nil
	})
	if err != nil {
		return nil, lookupError(err)
	}
	return conv, nil
}

// appendInTx inserts the message and overwrites the conversation's activity
// fields. Flags are set from the sender type alone so concurrent appends
// never need a read-modify-write.
func appendInTx(ctx context.Context, tx pgx.Tx, msg *domain.Message) (*domain.Conversation, error) {
	const insert = `
        INSERT INTO messages (conversation_id, sender_id, sender_type, content, message_type, file_url)
        VALUES ($1,$2,$3,$4,$5,$6)
        RETURNING id, created_at`
	if err := tx.QueryRow(ctx, insert,
		msg.ConversationID,
		msg.SenderID,
		msg.SenderType,
		msg.Content,
		msg.MessageType,
		msg.FileURL,
	).Scan(&msg.ID, &msg.CreatedAt); err != nil {
		return nil, err
	}

	readByUser, readByAdmin := domain.ReadFlagsAfter(msg.SenderType)
	touch := `
        UPDATE conversations
        SET last_message_at=$1, read_by_user=$2, read_by_admin=$3,
            status=CASE WHEN status='pending' THEN 'open' ELSE status END,
            updated_at=NOW()
        WHERE id=$4 AND status <> 'closed'
        RETURNING ` + conversationColumns
	conv, err := scanConversation(tx.QueryRow(ctx, touch, msg.CreatedAt, readByUser, readByAdmin, msg.ConversationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationClosed
		}
		return nil, err
	}
	return conv, nil
}

func (r *messageRepository) ListByConversation(ctx context.Context, conversationID string) ([]domain.Message, error) {
	const query = `
        SELECT id, conversation_id, sender_id, sender_type, content, message_type, file_url, created_at
        FROM messages WHERE conversation_id=$1 ORDER BY created_at ASC, id ASC`
	rows, err := r.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, lookupError(err)
	}
	defer rows.Close()

	result := []domain.Message{}
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.SenderID,
			&msg.SenderType,
			&msg.Content,
			&msg.MessageType,
			&msg.FileURL,
			&msg.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}
