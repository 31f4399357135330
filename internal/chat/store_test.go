package chat_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/alicasapp/backend/internal/chat"
	"github.com/alicasapp/backend/internal/media"
	"github.com/alicasapp/backend/internal/models"
	"github.com/alicasapp/backend/internal/notify"
	"github.com/alicasapp/backend/internal/realtime"
	"github.com/alicasapp/backend/internal/session"
	"github.com/alicasapp/backend/internal/testsupport"
)

type fixture struct {
	server *testsupport.Server
	alice  *session.Session
	bob    *session.Session
	conv   models.Conversation
}

func newFixture(t *testing.T, status models.ConversationStatus) *fixture {
	t.Helper()
	server := testsupport.NewServer()
	alice := testsupport.NewSession(t, "alice")
	bob := testsupport.NewSession(t, "bob")
	conv := server.AddConversation(alice.UserID(), bob.UserID(), status)
	return &fixture{server: server, alice: alice, bob: bob, conv: conv}
}

func (f *fixture) store(t *testing.T, sess *session.Session, opts chat.Options) *chat.Store {
	t.Helper()
	if opts.Logger == nil {
		// push results are logged from background goroutines that may
		// outlive the test
		opts.Logger = zaptest.NewLogger(t, zaptest.Level(zapcore.ErrorLevel))
	}
	s := chat.NewStore(sess, f.server.As(sess.UserID()), f.server.Broker(), opts)
	t.Cleanup(s.Close)
	return s
}

func ids(msgs []models.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func assertRange(t *testing.T, msgs []models.Message, from, to int64) {
	t.Helper()
	got := ids(msgs)
	if len(got) != int(to-from+1) {
		t.Fatalf("expected ids %d..%d, got %v", from, to, got)
	}
	for i, id := range got {
		if id != from+int64(i) {
			t.Fatalf("expected ids %d..%d, got %v", from, to, got)
		}
	}
}

func TestOpenAndLoadOlderScenario(t *testing.T) {
	f := newFixture(t, models.StatusAccepted)
	f.server.SeedText(f.conv, f.alice.UserID(), 25)
	store := f.store(t, f.bob, chat.Options{})
	ctx := context.Background()

	if err := store.Open(ctx, f.conv.ID); err != nil {
		t.Fatalf("Open error: %v", err)
	}
	assertRange(t, store.Messages(), 6, 25)
	if store.Cursor() != 6 || !store.HasMore() {
		t.Fatalf("cursor=%d hasMore=%v, want 6 true", store.Cursor(), store.HasMore())
	}

	n, err := store.LoadOlder(ctx)
	if err != nil {
		t.Fatalf("LoadOlder error: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 older messages, got %d", n)
	}
	assertRange(t, store.Messages(), 1, 25)
	if store.HasMore() {
		t.Fatal("expected hasMore=false after short page")
	}

	n, err = store.LoadOlder(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected no-op LoadOlder, got %d, %v", n, err)
	}
	assertRange(t, store.Messages(), 1, 25)
}

func TestPaginationIsContiguous(t *testing.T) {
	for _, total := range []int{0, 1, 19, 20, 21, 40, 57} {
		t.Run(fmt.Sprintf("%d messages", total), func(t *testing.T) {
			f := newFixture(t, models.StatusAccepted)
			f.server.SeedText(f.conv, f.alice.UserID(), total)
			store := f.store(t, f.alice, chat.Options{})
			ctx := context.Background()

			if err := store.Open(ctx, f.conv.ID); err != nil {
				t.Fatalf("Open error: %v", err)
			}
			for i := 0; i < 10 && store.HasMore(); i++ {
				if _, err := store.LoadOlder(ctx); err != nil {
					t.Fatalf("LoadOlder error: %v", err)
				}
				msgs := store.Messages()
				if len(msgs) > 0 {
					assertRange(t, msgs, msgs[0].ID, int64(total))
				}
			}
			if store.HasMore() {
				t.Fatal("pagination did not terminate")
			}
			if total == 0 {
				if len(store.Messages()) != 0 {
					t.Fatal("expected empty conversation")
				}
				return
			}
			assertRange(t, store.Messages(), 1, int64(total))
		})
	}
}

func TestLoadOlderWhileInFlightIsDropped(t *testing.T) {
	f := newFixture(t, models.StatusAccepted)
	f.server.SeedText(f.conv, f.alice.UserID(), 45)
	store := f.store(t, f.alice, chat.Options{})
	ctx := context.Background()
	if err := store.Open(ctx, f.conv.ID); err != nil {
		t.Fatalf("Open error: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.server.BeforeFetch = func() {
		once.Do(func() {
			close(started)
			<-release
		})
	}

	done := make(chan int, 1)
	go func() {
		n, _ := store.LoadOlder(ctx)
		done <- n
	}()
	<-started

	n, err := store.LoadOlder(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected concurrent LoadOlder to be dropped, got %d, %v", n, err)
	}
	close(release)
	if n := <-done; n != chat.PageSize {
		t.Fatalf("expected first LoadOlder to load %d, got %d", chat.PageSize, n)
	}
	assertRange(t, store.Messages(), 6, 45)
}

func TestLoadOlderResultDiscardedAfterClose(t *testing.T) {
	f := newFixture(t, models.StatusAccepted)
	f.server.SeedText(f.conv, f.alice.UserID(), 30)
	store := f.store(t, f.alice, chat.Options{})
	ctx := context.Background()
	if err := store.Open(ctx, f.conv.ID); err != nil {
		t.Fatalf("Open error: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	f.server.BeforeFetch = func() {
		close(started)
		<-release
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = store.LoadOlder(ctx)
	}()
	<-started
	store.Close()
	close(release)
	<-done

	if msgs := store.Messages(); len(msgs) != 0 {
		t.Fatalf("stale page applied after close: %v", ids(msgs))
	}
	if _, ok := store.Conversation(); ok {
		t.Fatal("conversation still open after close")
	}
}

func partialEvent(t *testing.T, typ realtime.EventType, fields map[string]any) realtime.Event {
	t.Helper()
	record, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	return realtime.Event{Type: typ, Table: realtime.TableMessages, Record: record}
}

func TestIngestDeduplicatesAndMerges(t *testing.T) {
	f := newFixture(t, models.StatusAccepted)
	store := f.store(t, f.bob, chat.Options{})
	if err := store.Open(context.Background(), f.conv.ID); err != nil {
		t.Fatalf("Open error: %v", err)
	}

	base := func(id int64) map[string]any {
		return map[string]any{
			"id":              id,
			"conversation_id": f.conv.ID,
			"sender_id":       f.alice.UserID(),
			"receiver_id":     f.bob.UserID(),
		}
	}

	rng := rand.New(rand.NewSource(42))
	var events []realtime.Event
	for id := int64(1); id <= 12; id++ {
		insert := base(id)
		insert["kind"] = "audio"
		insert["audio_url"] = fmt.Sprintf("https://media.test/%d", id)
		events = append(events, partialEvent(t, realtime.EventInsert, insert))
		events = append(events, partialEvent(t, realtime.EventInsert, insert))

		events = append(events, partialEvent(t, realtime.EventUpdate, map[string]any{
			"id":          id,
			"waveform":    []float64{0, 0.5, 1},
			"duration_ms": id * 1000,
			"audio_url":   "",
		}))
		events = append(events, partialEvent(t, realtime.EventUpdate, map[string]any{"id": id, "is_read": true}))
		events = append(events, partialEvent(t, realtime.EventUpdate, map[string]any{"id": id, "is_read": false}))
	}
	rng.Shuffle(len(events), func(i, j int) { events[i], events[j] = events[j], events[i] })
	// replay everything a second time to simulate at-least-once delivery
	events = append(events, events...)

	for _, ev := range events {
		store.Ingest(ev)
	}

	msgs := store.Messages()
	assertRange(t, msgs, 1, 12)
	for _, m := range msgs {
		if m.Payload.AudioURL != fmt.Sprintf("https://media.test/%d", m.ID) {
			t.Errorf("message %d lost its audio url: %q", m.ID, m.Payload.AudioURL)
		}
		if len(m.Payload.Waveform) != 3 || m.Payload.DurationMS != m.ID*1000 {
			t.Errorf("message %d missing merged fields: %+v", m.ID, m.Payload)
		}
		if !m.IsRead {
			t.Errorf("message %d read flag regressed", m.ID)
		}
	}
}

func TestIngestIgnoresForeignAndMalformedEvents(t *testing.T) {
	f := newFixture(t, models.StatusAccepted)
	f.server.SeedText(f.conv, f.alice.UserID(), 25)
	store := f.store(t, f.bob, chat.Options{})
	if err := store.Open(context.Background(), f.conv.ID); err != nil {
		t.Fatalf("Open error: %v", err)
	}

	other := uuid.New()
	store.Ingest(partialEvent(t, realtime.EventInsert, map[string]any{
		"id": 100, "conversation_id": other, "sender_id": f.alice.UserID(), "receiver_id": f.bob.UserID(),
		"kind": "text", "text": "wrong conversation",
	}))
	// below the window while older pages remain
	store.Ingest(partialEvent(t, realtime.EventUpdate, map[string]any{
		"id": 2, "conversation_id": f.conv.ID, "sender_id": f.alice.UserID(), "receiver_id": f.bob.UserID(),
		"kind": "text", "text": "old", "is_read": true,
	}))
	// incomplete update for an unknown id
	store.Ingest(partialEvent(t, realtime.EventUpdate, map[string]any{"id": 200, "is_read": true}))
	store.Ingest(realtime.Event{Type: realtime.EventInsert, Table: realtime.TableMessages, Record: []byte(`{"oops"`)})
	// updates that would leave a known row without exactly one valid variant
	store.Ingest(partialEvent(t, realtime.EventUpdate, map[string]any{"id": 7, "kind": "bogus"}))
	store.Ingest(partialEvent(t, realtime.EventUpdate, map[string]any{"id": 8, "image_url": "https://x/y.jpg"}))
	store.Ingest(partialEvent(t, realtime.EventUpdate, map[string]any{"id": 9, "kind": "image"}))

	msgs := store.Messages()
	assertRange(t, msgs, 6, 25)
	for _, m := range msgs {
		if err := m.Payload.Validate(); err != nil {
			t.Errorf("message %d payload corrupted: %v", m.ID, err)
		}
		if m.Payload.Kind != models.KindText || m.Payload.Text != fmt.Sprintf("message %d", m.ID) {
			t.Errorf("message %d payload changed: %+v", m.ID, m.Payload)
		}
	}
}

func TestOpenMergesEventsDeliveredDuringFetch(t *testing.T) {
	f := newFixture(t, models.StatusAccepted)
	seeded := f.server.SeedText(f.conv, f.alice.UserID(), 25)
	store := f.store(t, f.bob, chat.Options{})

	var once sync.Once
	f.server.BeforeFetch = func() {
		once.Do(func() {
			// the page below is read after these events were delivered
			if _, err := f.server.As(f.alice.UserID()).InsertMessage(context.Background(), models.MessageDraft{
				ConversationID: f.conv.ID,
				SenderID:       f.alice.UserID(),
				ReceiverID:     f.bob.UserID(),
				Payload:        models.TextPayload("during fetch"),
			}); err != nil {
				t.Errorf("InsertMessage error: %v", err)
			}
			read := seeded[19]
			read.IsRead = true
			f.server.PublishMessage(realtime.EventUpdate, read)
		})
	}

	if err := store.Open(context.Background(), f.conv.ID); err != nil {
		t.Fatalf("Open error: %v", err)
	}
	msgs := store.Messages()
	assertRange(t, msgs, 7, 26)
	if store.Cursor() != 7 || !store.HasMore() {
		t.Fatalf("cursor=%d hasMore=%v, want 7 true", store.Cursor(), store.HasMore())
	}
	if msgs[len(msgs)-1].Payload.Text != "during fetch" {
		t.Errorf("event delivered during fetch lost: %+v", msgs[len(msgs)-1])
	}
	for _, m := range msgs {
		if m.ID == seeded[19].ID && !m.IsRead {
			t.Errorf("read flag of message %d regressed by the page", m.ID)
		}
	}
}

func TestSendRoundTripsThroughFeed(t *testing.T) {
	f := newFixture(t, models.StatusAccepted)
	sent := make(chan notify.Notification, 1)
	store := f.store(t, f.alice, chat.Options{Notifier: dispatcherFunc(func(_ context.Context, n notify.Notification) error {
		sent <- n
		return nil
	})})
	ctx := context.Background()
	if err := store.Open(ctx, f.conv.ID); err != nil {
		t.Fatalf("Open error: %v", err)
	}

	msg, err := store.Send(ctx, models.TextPayload("hello bob"))
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if msg.ReceiverID != f.bob.UserID() || msg.SenderID != f.alice.UserID() {
		t.Fatalf("unexpected participants %+v", msg)
	}

	// duplicate delivery of the same insert
	f.server.PublishMessage(realtime.EventInsert, msg)

	msgs := store.Messages()
	if len(msgs) != 1 || msgs[0].ID != msg.ID || msgs[0].Payload.Text != "hello bob" {
		t.Fatalf("unexpected messages %+v", msgs)
	}

	select {
	case n := <-sent:
		if n.RecipientID != f.bob.UserID() || n.Title != "alice" || n.Body != "hello bob" {
			t.Fatalf("unexpected notification %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification was not dispatched")
	}
}

type dispatcherFunc func(context.Context, notify.Notification) error

func (f dispatcherFunc) Dispatch(ctx context.Context, n notify.Notification) error { return f(ctx, n) }

func TestSendSucceedsWhenPushFails(t *testing.T) {
	f := newFixture(t, models.StatusAccepted)
	store := f.store(t, f.alice, chat.Options{Notifier: dispatcherFunc(func(context.Context, notify.Notification) error {
		return errors.New("push endpoint down")
	})})
	ctx := context.Background()
	if err := store.Open(ctx, f.conv.ID); err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if _, err := store.Send(ctx, models.TextPayload("still delivered")); err != nil {
		t.Fatalf("Send error: %v", err)
	}
}

func TestConcurrentSendFromBothClients(t *testing.T) {
	f := newFixture(t, models.StatusAccepted)
	aliceStore := f.store(t, f.alice, chat.Options{})
	bobStore := f.store(t, f.bob, chat.Options{})
	ctx := context.Background()
	for _, s := range []*chat.Store{aliceStore, bobStore} {
		if err := s.Open(ctx, f.conv.ID); err != nil {
			t.Fatalf("Open error: %v", err)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, s := range []*chat.Store{aliceStore, bobStore} {
		wg.Add(1)
		go func(s *chat.Store) {
			defer wg.Done()
			_, err := s.Send(ctx, models.TextPayload("hi"))
			errs <- err
		}(s)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Send error: %v", err)
		}
	}

	for name, s := range map[string]*chat.Store{"alice": aliceStore, "bob": bobStore} {
		msgs := s.Messages()
		if len(msgs) != 2 || msgs[0].ID >= msgs[1].ID {
			t.Fatalf("%s sees %v, want both messages once", name, ids(msgs))
		}
		if msgs[0].SenderID == msgs[1].SenderID {
			t.Fatalf("%s sees two messages from the same sender", name)
		}
	}
}

func TestCloseReleasesSubscription(t *testing.T) {
	f := newFixture(t, models.StatusAccepted)
	store := f.store(t, f.bob, chat.Options{})
	ctx := context.Background()
	if err := store.Open(ctx, f.conv.ID); err != nil {
		t.Fatalf("Open error: %v", err)
	}
	topic := realtime.ConversationTopic(f.conv.ID)
	if got := f.server.Broker().SubscriberCount(topic); got != 1 {
		t.Fatalf("expected one subscription, got %d", got)
	}

	// reopening must not leak the previous subscription
	if err := store.Open(ctx, f.conv.ID); err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if got := f.server.Broker().SubscriberCount(topic); got != 1 {
		t.Fatalf("expected one subscription after reopen, got %d", got)
	}

	store.Close()
	if got := f.server.Broker().SubscriberCount(topic); got != 0 {
		t.Fatalf("subscription leaked after close: %d", got)
	}

	msgs := f.server.SeedText(f.conv, f.alice.UserID(), 1)
	f.server.PublishMessage(realtime.EventInsert, msgs[0])
	if got := store.Messages(); len(got) != 0 {
		t.Fatalf("event applied after close: %v", ids(got))
	}
}

func TestSessionCloseClosesStore(t *testing.T) {
	f := newFixture(t, models.StatusAccepted)
	store := f.store(t, f.bob, chat.Options{})
	if err := store.Open(context.Background(), f.conv.ID); err != nil {
		t.Fatalf("Open error: %v", err)
	}
	f.bob.Close()
	if got := f.server.Broker().SubscriberCount(realtime.ConversationTopic(f.conv.ID)); got != 0 {
		t.Fatalf("subscription survived sign-out: %d", got)
	}
}

func TestSendToDeclinedConversation(t *testing.T) {
	f := newFixture(t, models.StatusPending)
	store := f.store(t, f.alice, chat.Options{})
	ctx := context.Background()
	if err := store.Open(ctx, f.conv.ID); err != nil {
		t.Fatalf("Open error: %v", err)
	}

	inbox := chat.NewInbox(f.bob, f.server.As(f.bob.UserID()), zaptest.NewLogger(t))
	if _, err := inbox.Decline(ctx, f.conv.ID); err != nil {
		t.Fatalf("Decline error: %v", err)
	}
	conv, _ := store.Conversation()
	if conv.Status != models.StatusDeclined {
		t.Fatalf("status event not applied, got %s", conv.Status)
	}
	if _, err := store.Send(ctx, models.TextPayload("hello?")); !errors.Is(err, chat.ErrConversationDeclined) {
		t.Fatalf("expected ErrConversationDeclined, got %v", err)
	}
	if f.server.MessageCount() != 0 {
		t.Fatal("message persisted to declined conversation")
	}
}

func TestSendWithoutOpen(t *testing.T) {
	f := newFixture(t, models.StatusAccepted)
	store := f.store(t, f.alice, chat.Options{})
	if _, err := store.Send(context.Background(), models.TextPayload("x")); !errors.Is(err, chat.ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
	if _, err := store.LoadOlder(context.Background()); !errors.Is(err, chat.ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
}

func TestSendImage(t *testing.T) {
	f := newFixture(t, models.StatusAccepted)
	store := f.store(t, f.alice, chat.Options{})
	ctx := context.Background()
	if err := store.Open(ctx, f.conv.ID); err != nil {
		t.Fatalf("Open error: %v", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 1000, 500))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	msg, err := store.SendImage(ctx, &buf)
	if err != nil {
		t.Fatalf("SendImage error: %v", err)
	}
	if msg.Payload.Kind != models.KindImage || msg.Payload.ImageURL == "" {
		t.Fatalf("unexpected payload %+v", msg.Payload)
	}
}

func TestSendImageUploadFailureCreatesNoRow(t *testing.T) {
	f := newFixture(t, models.StatusAccepted)
	f.server.UploadErr = errors.New("storage offline")
	store := f.store(t, f.alice, chat.Options{})
	ctx := context.Background()
	if err := store.Open(ctx, f.conv.ID); err != nil {
		t.Fatalf("Open error: %v", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 10, 10))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	if _, err := store.SendImage(ctx, &buf); err == nil {
		t.Fatal("expected upload failure")
	}
	if f.server.MessageCount() != 0 {
		t.Fatal("failed upload created a message row")
	}
}

type stubCodec struct {
	duration  time.Duration
	decodeErr error
	// block makes Decode wait for cancellation after closing started.
	block   bool
	started chan struct{}
}

func (c *stubCodec) Probe(context.Context, media.Clip) (time.Duration, error) {
	if c.duration == 0 {
		return 0, media.ErrUndecodable
	}
	return c.duration, nil
}

func (c *stubCodec) Decode(ctx context.Context, _ media.Clip) (media.PCM, error) {
	if c.block {
		close(c.started)
		<-ctx.Done()
		return media.PCM{}, ctx.Err()
	}
	if c.decodeErr != nil {
		return media.PCM{}, c.decodeErr
	}
	samples := make([]float64, 8000)
	for i := range samples {
		samples[i] = math.Sin(float64(i) / 3)
	}
	return media.PCM{Samples: samples, SampleRate: 8000}, nil
}

func TestSendVoice(t *testing.T) {
	tests := []struct {
		name         string
		codec        *stubCodec
		wantWaveform bool
		wantDuration int64
	}{
		{"decoded", &stubCodec{duration: 3 * time.Second}, true, 3000},
		{"undecodable falls back to duration only", &stubCodec{decodeErr: media.ErrUndecodable}, false, 1500},
		{"unknown duration uses decoded length", &stubCodec{}, true, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, models.StatusAccepted)
			store := f.store(t, f.alice, chat.Options{Decoder: tt.codec, Prober: tt.codec, MetadataTimeout: time.Second})
			ctx := context.Background()
			if err := store.Open(ctx, f.conv.ID); err != nil {
				t.Fatalf("Open error: %v", err)
			}

			clip := media.Clip{Data: []byte("voice"), ContentType: "audio/webm", Recorded: 1500 * time.Millisecond}
			msg, err := store.SendVoice(ctx, clip)
			if err != nil {
				t.Fatalf("SendVoice error: %v", err)
			}
			if msg.Payload.Kind != models.KindAudio || msg.Payload.AudioURL == "" {
				t.Fatalf("unexpected payload %+v", msg.Payload)
			}
			if (msg.Payload.Waveform != nil) != tt.wantWaveform {
				t.Fatalf("waveform presence = %v, want %v", msg.Payload.Waveform != nil, tt.wantWaveform)
			}
			if msg.Payload.DurationMS != tt.wantDuration {
				t.Fatalf("duration = %d, want %d", msg.Payload.DurationMS, tt.wantDuration)
			}
			if tt.wantWaveform && len(msg.Payload.Waveform) != media.MinWaveformBlocks {
				t.Fatalf("unexpected waveform length %d", len(msg.Payload.Waveform))
			}
		})
	}
}

func TestSendVoiceDiscardedWhenClosedMidDecode(t *testing.T) {
	f := newFixture(t, models.StatusAccepted)
	codec := &stubCodec{duration: time.Second, block: true, started: make(chan struct{})}
	store := f.store(t, f.alice, chat.Options{Decoder: codec, Prober: codec})
	ctx := context.Background()
	if err := store.Open(ctx, f.conv.ID); err != nil {
		t.Fatalf("Open error: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := store.SendVoice(ctx, media.Clip{Data: []byte("voice"), Recorded: time.Second})
		errc <- err
	}()
	<-codec.started
	store.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, chat.ErrSuperseded) {
			t.Fatalf("expected ErrSuperseded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendVoice did not return after close")
	}
	if f.server.MessageCount() != 0 {
		t.Fatal("stale voice note was persisted")
	}
}
