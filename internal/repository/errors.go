package repository

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrConversationClosed is returned when appending to a closed conversation.
	ErrConversationClosed = errors.New("conversation closed")
	// ErrActiveConversationExists is returned when the owner already has an open conversation.
	ErrActiveConversationExists = errors.New("owner already has an active conversation")
)

const (
	uniqueViolation           = "23505"
	invalidTextRepresentation = "22P02"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// lookupError reports ids that are not valid UUIDs as missing rows: no row
// can match them.
func lookupError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == invalidTextRepresentation {
		return pgx.ErrNoRows
	}
	return err
}
