package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/alicasapp/backend/internal/database"
	"github.com/alicasapp/backend/internal/models"
	"github.com/google/uuid"
)

const conversationColumns = `id, requester_id, addressee_id, status, created_at, updated_at`

type ConversationRepository struct {
	db *database.DB
}

func NewConversationRepository(db *database.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	conv := &models.Conversation{}
	err := row.Scan(
		&conv.ID,
		&conv.RequesterID,
		&conv.AddresseeID,
		&conv.Status,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// Create opens a pending conversation from requester to addressee. Any
// existing conversation for the pair, in either direction, is a conflict.
func (r *ConversationRepository) Create(ctx context.Context, requesterID, addresseeID uuid.UUID) (*models.Conversation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM conversations
			WHERE (requester_id = $1 AND addressee_id = $2)
			   OR (requester_id = $2 AND addressee_id = $1)
		)
	`, requesterID, addresseeID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing conversation: %w", err)
	}
	if exists {
		return nil, ErrConversationExists
	}

	conv, err := scanConversation(tx.QueryRowContext(ctx, `
		INSERT INTO conversations (requester_id, addressee_id, status)
		VALUES ($1, $2, $3)
		RETURNING `+conversationColumns,
		requesterID, addresseeID, models.StatusPending,
	))
	if err != nil {
		// a concurrent request for the same pair lost the race on the unique index
		if isUniqueViolation(err) {
			return nil, ErrConversationExists
		}
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit conversation: %w", err)
	}
	return conv, nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	conv, err := scanConversation(r.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

// ListForUser returns the user's conversations, most recently active first.
func (r *ConversationRepository) ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE requester_id = $1 OR addressee_id = $1
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversations: %w", err)
	}
	defer rows.Close()

	conversations := []*models.Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

// UpdateStatus answers a pending request on behalf of actor.
func (r *ConversationRepository) UpdateStatus(ctx context.Context, id, actorID uuid.UUID, status models.ConversationStatus) (*models.Conversation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	conv, err := scanConversation(tx.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1 FOR UPDATE`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock conversation: %w", err)
	}
	if err := conv.CanTransition(actorID, status); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}

	updated, err := scanConversation(tx.QueryRowContext(ctx, `
		UPDATE conversations SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+conversationColumns,
		id, status,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to update conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit conversation update: %w", err)
	}
	return updated, nil
}

// Touch bumps updated_at so the inbox orders by latest activity.
func (r *ConversationRepository) Touch(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE conversations SET updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}
