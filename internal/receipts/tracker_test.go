package receipts_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"github.com/alicasapp/backend/internal/chat"
	"github.com/alicasapp/backend/internal/models"
	"github.com/alicasapp/backend/internal/receipts"
	"github.com/alicasapp/backend/internal/testsupport"
)

func setup(t *testing.T, n int) (*testsupport.Server, *chat.Store, *receipts.Tracker) {
	t.Helper()
	server := testsupport.NewServer()
	alice := testsupport.NewSession(t, "alice")
	bob := testsupport.NewSession(t, "bob")
	conv := server.AddConversation(alice.UserID(), bob.UserID(), models.StatusAccepted)
	server.SeedText(conv, alice.UserID(), n)

	store := chat.NewStore(bob, server.As(bob.UserID()), server.Broker(), chat.Options{})
	t.Cleanup(store.Close)
	if err := store.Open(context.Background(), conv.ID); err != nil {
		t.Fatalf("Open error: %v", err)
	}
	tracker := receipts.NewTracker(bob.UserID(), server.As(bob.UserID()), zaptest.NewLogger(t))
	tracker.OnConfirmed(func(byConversation map[uuid.UUID][]int64) {
		for _, ids := range byConversation {
			store.ApplyRead(ids)
		}
	})
	return server, store, tracker
}

func TestObserveSubmitsVisibleUnread(t *testing.T) {
	server, store, tracker := setup(t, 5)
	ctx := context.Background()

	batch, err := tracker.Observe(ctx, store.Messages())
	if err != nil {
		t.Fatalf("Observe error: %v", err)
	}
	if !slices.Equal(batch, []int64{1, 2, 3, 4, 5}) {
		t.Fatalf("unexpected batch %v", batch)
	}
	for _, m := range store.Messages() {
		if !m.IsRead {
			t.Fatalf("message %d not flipped locally", m.ID)
		}
		stored, _ := server.Message(m.ID)
		if !stored.IsRead {
			t.Fatalf("message %d not persisted as read", m.ID)
		}
	}
}

func TestObserveIsIdempotent(t *testing.T) {
	server, store, tracker := setup(t, 3)
	ctx := context.Background()

	// a stale render still shows the messages as unread
	snapshot := store.Messages()
	if _, err := tracker.Observe(ctx, snapshot); err != nil {
		t.Fatalf("Observe error: %v", err)
	}
	batch, err := tracker.Observe(ctx, snapshot)
	if err != nil {
		t.Fatalf("Observe error: %v", err)
	}
	if batch != nil {
		t.Fatalf("confirmed ids resubmitted: %v", batch)
	}
	if calls := server.MarkReadCalls(); len(calls) != 1 {
		t.Fatalf("expected one write, got %v", calls)
	}
}

func TestObserveSkipsOwnAndReadMessages(t *testing.T) {
	self := uuid.New()
	conv := uuid.New()
	marker := &recordingMarker{}
	tracker := receipts.NewTracker(self, marker, zaptest.NewLogger(t))

	visible := []models.Message{
		{ID: 1, ConversationID: conv, SenderID: self, ReceiverID: uuid.New()},
		{ID: 2, ConversationID: conv, ReceiverID: self, IsRead: true},
		{ID: 3, ConversationID: conv, ReceiverID: self},
	}
	batch, err := tracker.Observe(context.Background(), visible)
	if err != nil {
		t.Fatalf("Observe error: %v", err)
	}
	if !slices.Equal(batch, []int64{3}) {
		t.Fatalf("unexpected batch %v", batch)
	}
}

type recordingMarker struct {
	mu      sync.Mutex
	calls   [][]int64
	fail    bool
	block   chan struct{}
	entered chan struct{}
}

func (r *recordingMarker) MarkRead(_ context.Context, ids []int64) ([]int64, error) {
	r.mu.Lock()
	r.calls = append(r.calls, slices.Clone(ids))
	fail := r.fail
	r.mu.Unlock()
	if r.entered != nil {
		r.entered <- struct{}{}
	}
	if r.block != nil {
		<-r.block
	}
	if fail {
		return nil, errors.New("network down")
	}
	return ids, nil
}

func TestFailedBatchIsRetried(t *testing.T) {
	self := uuid.New()
	marker := &recordingMarker{fail: true}
	tracker := receipts.NewTracker(self, marker, zaptest.NewLogger(t))
	visible := []models.Message{{ID: 7, ConversationID: uuid.New(), ReceiverID: self}}

	if _, err := tracker.Observe(context.Background(), visible); err == nil {
		t.Fatal("expected error from failing marker")
	}
	marker.mu.Lock()
	marker.fail = false
	marker.mu.Unlock()

	batch, err := tracker.Observe(context.Background(), visible)
	if err != nil {
		t.Fatalf("Observe error: %v", err)
	}
	if !slices.Equal(batch, []int64{7}) || !tracker.IsConfirmed(7) {
		t.Fatalf("retry did not confirm: %v", batch)
	}
}

func TestConcurrentObserveNeverOverlaps(t *testing.T) {
	self := uuid.New()
	conv := uuid.New()
	marker := &recordingMarker{block: make(chan struct{}), entered: make(chan struct{}, 4)}
	tracker := receipts.NewTracker(self, marker, zaptest.NewLogger(t))

	first := []models.Message{
		{ID: 1, ConversationID: conv, ReceiverID: self},
		{ID: 2, ConversationID: conv, ReceiverID: self},
	}
	second := append(slices.Clone(first), models.Message{ID: 3, ConversationID: conv, ReceiverID: self})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = tracker.Observe(context.Background(), first)
	}()
	<-marker.entered

	secondDone := make(chan []int64, 1)
	go func() {
		batch, _ := tracker.Observe(context.Background(), second)
		secondDone <- batch
	}()
	<-marker.entered
	close(marker.block)
	<-done
	if batch := <-secondDone; !slices.Equal(batch, []int64{3}) {
		t.Fatalf("second batch overlapped the first: %v", batch)
	}
}
