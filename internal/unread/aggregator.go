// Package unread keeps per-conversation unread message ids for the inbox.
// Counts are always recomputed from the server in full.
package unread

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alicasapp/backend/internal/realtime"
	"github.com/alicasapp/backend/internal/session"
)

// Source returns unread ids received by the signed-in user, grouped by
// conversation.
type Source interface {
	UnreadMessages(ctx context.Context) (map[uuid.UUID][]int64, error)
}

type Aggregator struct {
	sess   *session.Session
	source Source
	feed   realtime.Feed
	logger *zap.Logger

	mu       sync.Mutex
	unread   map[uuid.UUID][]int64
	seq      uint64
	applied  uint64
	sub      *realtime.Subscription
	watchers []func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(sess *session.Session, source Source, feed realtime.Feed, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(sess.Context())
	a := &Aggregator{
		sess:   sess,
		source: source,
		feed:   feed,
		logger: logger,
		unread: make(map[uuid.UUID][]int64),
		ctx:    ctx,
		cancel: cancel,
	}
	sess.OnClose(a.Close)
	return a
}

// OnChange registers fn to run after the map changes.
func (a *Aggregator) OnChange(fn func()) {
	a.mu.Lock()
	a.watchers = append(a.watchers, fn)
	a.mu.Unlock()
}

func (a *Aggregator) changed() {
	a.mu.Lock()
	watchers := slices.Clone(a.watchers)
	a.mu.Unlock()
	for _, fn := range watchers {
		fn()
	}
}

// Refresh recomputes the whole map. A refresh that finishes after a newer
// one has already been applied is discarded.
func (a *Aggregator) Refresh(ctx context.Context) error {
	a.mu.Lock()
	a.seq++
	seq := a.seq
	a.mu.Unlock()

	result, err := a.source.UnreadMessages(ctx)
	if err != nil {
		return fmt.Errorf("failed to load unread messages: %w", err)
	}

	a.mu.Lock()
	if seq < a.applied {
		a.mu.Unlock()
		return nil
	}
	a.applied = seq
	a.unread = make(map[uuid.UUID][]int64, len(result))
	for conv, ids := range result {
		if len(ids) > 0 {
			a.unread[conv] = slices.Clone(ids)
		}
	}
	a.mu.Unlock()

	a.changed()
	return nil
}

// Start loads the initial map and recomputes it whenever a message
// addressed to the user changes.
func (a *Aggregator) Start(ctx context.Context) error {
	sub, err := a.feed.Subscribe(realtime.InboxTopic(a.sess.UserID()))
	if err != nil {
		return fmt.Errorf("failed to subscribe to inbox: %w", err)
	}
	sub.OnEvent(a.handle)

	a.mu.Lock()
	old := a.sub
	a.sub = sub
	a.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return a.Refresh(ctx)
}

func (a *Aggregator) handle(ev realtime.Event) {
	if ev.Table != realtime.TableMessages {
		return
	}
	patch, err := realtime.DecodeMessage(ev)
	if err != nil {
		return
	}
	if patch.ReceiverID != nil && *patch.ReceiverID != a.sess.UserID() {
		return
	}
	if a.ctx.Err() != nil {
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.Refresh(a.ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("unread refresh failed", zap.Error(err))
		}
	}()
}

// Confirmed drops ids the read-receipt tracker has written.
func (a *Aggregator) Confirmed(byConversation map[uuid.UUID][]int64) {
	a.mu.Lock()
	var changed bool
	for conv, ids := range byConversation {
		current, ok := a.unread[conv]
		if !ok {
			continue
		}
		next := slices.DeleteFunc(slices.Clone(current), func(id int64) bool {
			return slices.Contains(ids, id)
		})
		if len(next) == len(current) {
			continue
		}
		changed = true
		if len(next) == 0 {
			delete(a.unread, conv)
		} else {
			a.unread[conv] = next
		}
	}
	a.mu.Unlock()
	if changed {
		a.changed()
	}
}

// Counts returns a snapshot of unread counts by conversation.
func (a *Aggregator) Counts() map[uuid.UUID]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uuid.UUID]int, len(a.unread))
	for conv, ids := range a.unread {
		out[conv] = len(ids)
	}
	return out
}

func (a *Aggregator) Count(conversationID uuid.UUID) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.unread[conversationID])
}

func (a *Aggregator) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, ids := range a.unread {
		total += len(ids)
	}
	return total
}

// IDs returns the unread ids of a conversation.
func (a *Aggregator) IDs(conversationID uuid.UUID) []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.unread[conversationID])
}

// Conversations lists the conversations that have unread messages.
func (a *Aggregator) Conversations() []uuid.UUID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Collect(maps.Keys(a.unread))
}

// Close releases the inbox subscription and waits for background
// refreshes to finish.
func (a *Aggregator) Close() {
	a.cancel()
	a.mu.Lock()
	sub := a.sub
	a.sub = nil
	a.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
	a.wg.Wait()
}
