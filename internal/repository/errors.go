package repository

import (
	"errors"

	"github.com/lib/pq"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrConversationExists = errors.New("conversation already exists for this pair")
	ErrConversationClosed = errors.New("conversation is declined")
	ErrInvalidTransition  = errors.New("invalid conversation transition")
)

// isUniqueViolation reports whether err is a Postgres unique constraint error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
