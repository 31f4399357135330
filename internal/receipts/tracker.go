// Package receipts batches read receipts for messages the user has seen.
package receipts

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alicasapp/backend/internal/models"
)

// Marker persists read flags and returns the ids that changed.
type Marker interface {
	MarkRead(ctx context.Context, ids []int64) ([]int64, error)
}

// Confirmed is called after a batch is written, with the batch grouped by
// conversation.
type Confirmed func(byConversation map[uuid.UUID][]int64)

// Tracker submits one mark-read write per distinct set of visible unread
// messages. An id is never part of two outstanding batches and is never
// resubmitted once confirmed.
type Tracker struct {
	self   uuid.UUID
	marker Marker
	logger *zap.Logger

	mu            sync.Mutex
	pending       map[int64]struct{}
	confirmed     map[int64]struct{}
	lastSubmitted []int64
	callbacks     []Confirmed
}

func NewTracker(self uuid.UUID, marker Marker, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		self:      self,
		marker:    marker,
		logger:    logger,
		pending:   make(map[int64]struct{}),
		confirmed: make(map[int64]struct{}),
	}
}

// OnConfirmed registers fn for every successful batch.
func (t *Tracker) OnConfirmed(fn Confirmed) {
	t.mu.Lock()
	t.callbacks = append(t.callbacks, fn)
	t.mu.Unlock()
}

// Observe is called with the currently visible messages on every render.
// It returns the submitted batch, or nil when nothing needed writing.
// Failures are logged; the same ids are retried on the next render.
func (t *Tracker) Observe(ctx context.Context, visible []models.Message) ([]int64, error) {
	byID := make(map[int64]uuid.UUID)

	t.mu.Lock()
	var batch []int64
	for _, m := range visible {
		if m.ReceiverID != t.self || m.IsRead {
			continue
		}
		if _, ok := t.pending[m.ID]; ok {
			continue
		}
		if _, ok := t.confirmed[m.ID]; ok {
			continue
		}
		if _, dup := byID[m.ID]; dup {
			continue
		}
		byID[m.ID] = m.ConversationID
		batch = append(batch, m.ID)
	}
	slices.Sort(batch)
	if len(batch) == 0 || slices.Equal(batch, t.lastSubmitted) {
		t.mu.Unlock()
		return nil, nil
	}
	for _, id := range batch {
		t.pending[id] = struct{}{}
	}
	t.lastSubmitted = batch
	t.mu.Unlock()

	_, err := t.marker.MarkRead(ctx, batch)

	t.mu.Lock()
	for _, id := range batch {
		delete(t.pending, id)
	}
	if err != nil {
		if slices.Equal(t.lastSubmitted, batch) {
			t.lastSubmitted = nil
		}
		t.mu.Unlock()
		t.logger.Warn("mark read batch failed", zap.Int("count", len(batch)), zap.Error(err))
		return nil, fmt.Errorf("failed to mark messages read: %w", err)
	}
	// ids the server already had as read are confirmed too
	for _, id := range batch {
		t.confirmed[id] = struct{}{}
	}
	callbacks := slices.Clone(t.callbacks)
	t.mu.Unlock()

	grouped := make(map[uuid.UUID][]int64)
	for _, id := range batch {
		conv := byID[id]
		grouped[conv] = append(grouped[conv], id)
	}
	for _, fn := range callbacks {
		fn(grouped)
	}
	t.logger.Debug("marked messages read", zap.Int("count", len(batch)))
	return batch, nil
}

// IsConfirmed reports whether id was written read by this tracker.
func (t *Tracker) IsConfirmed(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.confirmed[id]
	return ok
}
