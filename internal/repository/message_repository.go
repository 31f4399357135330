package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/alicasapp/backend/internal/database"
	"github.com/alicasapp/backend/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const messageColumns = `id, conversation_id, sender_id, receiver_id, kind, text, image_url, audio_url, waveform, duration_ms, is_read, created_at`

// MaxPageSize caps how many messages one page may return.
const MaxPageSize = 100

type MessageRepository struct {
	db *database.DB
}

func NewMessageRepository(db *database.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg        models.Message
		text       sql.NullString
		imageURL   sql.NullString
		audioURL   sql.NullString
		waveform   []byte
		durationMS sql.NullInt64
	)
	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.ReceiverID,
		&msg.Payload.Kind,
		&text,
		&imageURL,
		&audioURL,
		&waveform,
		&durationMS,
		&msg.IsRead,
		&msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	msg.Payload.Text = text.String
	msg.Payload.ImageURL = imageURL.String
	msg.Payload.AudioURL = audioURL.String
	msg.Payload.DurationMS = durationMS.Int64
	if len(waveform) > 0 {
		var wf models.Waveform
		if err := json.Unmarshal(waveform, &wf); err == nil {
			msg.Payload.Waveform = wf
		}
	}
	return &msg, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Insert persists a validated draft. Declined conversations accept no
// new messages.
func (r *MessageRepository) Insert(ctx context.Context, draft models.MessageDraft) (*models.Message, error) {
	if err := draft.Payload.Validate(); err != nil {
		return nil, err
	}

	var waveform []byte
	if draft.Payload.Kind == models.KindAudio && draft.Payload.Waveform != nil {
		var err error
		if waveform, err = json.Marshal(draft.Payload.Waveform); err != nil {
			return nil, fmt.Errorf("failed to encode waveform: %w", err)
		}
	}
	duration := sql.NullInt64{Int64: draft.Payload.DurationMS, Valid: draft.Payload.DurationMS > 0}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status models.ConversationStatus
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM conversations WHERE id = $1 FOR SHARE`, draft.ConversationID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %s: %w", draft.ConversationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check conversation: %w", err)
	}
	if status == models.StatusDeclined {
		return nil, ErrConversationClosed
	}

	msg, err := scanMessage(tx.QueryRowContext(ctx, `
		INSERT INTO messages (conversation_id, sender_id, receiver_id, kind, text, image_url, audio_url, waveform, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+messageColumns,
		draft.ConversationID,
		draft.SenderID,
		draft.ReceiverID,
		draft.Payload.Kind,
		nullString(draft.Payload.Text),
		nullString(draft.Payload.ImageURL),
		nullString(draft.Payload.AudioURL),
		waveform,
		duration,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = NOW() WHERE id = $1`, draft.ConversationID); err != nil {
		return nil, fmt.Errorf("failed to touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}
	return msg, nil
}

// FetchPage returns up to limit messages in descending id order. A zero
// beforeID starts from the newest message.
func (r *MessageRepository) FetchPage(ctx context.Context, conversationID uuid.UUID, beforeID int64, limit int) ([]*models.Message, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = $1`
	args := []any{conversationID}
	if beforeID > 0 {
		query += ` AND id < $2 ORDER BY id DESC LIMIT $3`
		args = append(args, beforeID, limit)
	} else {
		query += ` ORDER BY id DESC LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	messages := []*models.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkRead flips is_read for the given ids where receiverID is the
// receiver and returns only the rows that actually changed.
func (r *MessageRepository) MarkRead(ctx context.Context, receiverID uuid.UUID, ids []int64) ([]*models.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		UPDATE messages SET is_read = true
		WHERE id = ANY($1) AND receiver_id = $2 AND is_read = false
		RETURNING `+messageColumns,
		pq.Array(ids), receiverID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mark messages as read: %w", err)
	}
	defer rows.Close()

	var updated []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		updated = append(updated, msg)
	}
	return updated, rows.Err()
}

// UnreadByConversation groups the ids of unread messages received by
// receiverID by conversation.
func (r *MessageRepository) UnreadByConversation(ctx context.Context, receiverID uuid.UUID) (map[uuid.UUID][]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT conversation_id, id FROM messages
		WHERE receiver_id = $1 AND is_read = false
		ORDER BY id
	`, receiverID)
	if err != nil {
		return nil, fmt.Errorf("failed to get unread messages: %w", err)
	}
	defer rows.Close()

	unread := make(map[uuid.UUID][]int64)
	for rows.Next() {
		var conv uuid.UUID
		var id int64
		if err := rows.Scan(&conv, &id); err != nil {
			return nil, fmt.Errorf("failed to scan unread message: %w", err)
		}
		unread[conv] = append(unread[conv], id)
	}
	return unread, rows.Err()
}
