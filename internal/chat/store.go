// Package chat holds the client-side view of direct conversations: the
// Store for the open conversation and the Inbox for conversation requests.
package chat

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alicasapp/backend/internal/media"
	"github.com/alicasapp/backend/internal/models"
	"github.com/alicasapp/backend/internal/notify"
	"github.com/alicasapp/backend/internal/realtime"
	"github.com/alicasapp/backend/internal/session"
)

const previewLength = 80

type Options struct {
	Logger   *zap.Logger
	Notifier notify.Dispatcher
	// Decoder and Prober back voice notes; both default to media.AutoCodec.
	Decoder         media.Decoder
	Prober          media.Prober
	MetadataTimeout time.Duration
}

// Store is the ordered, id-deduplicated message list of the open
// conversation. Every asynchronous result is tagged with the generation it
// was started under and dropped if the conversation was reopened or closed
// in the meantime.
type Store struct {
	sess    *session.Session
	backend Backend
	feed    realtime.Feed
	logger  *zap.Logger
	notify  notify.Dispatcher
	decoder media.Decoder
	prober  media.Prober
	timeout time.Duration

	mu       sync.Mutex
	gen      uint64
	genCtx   context.Context
	cancel   context.CancelFunc
	conv     *models.Conversation
	messages []models.Message
	cursor   int64
	hasMore  bool
	loading  bool
	sub      *realtime.Subscription
	watchers []func()
}

// NewStore builds a store bound to sess. The store closes itself when the
// session ends.
func NewStore(sess *session.Session, backend Backend, feed realtime.Feed, opts Options) *Store {
	codec := media.AutoCodec{}
	s := &Store{
		sess:    sess,
		backend: backend,
		feed:    feed,
		logger:  opts.Logger,
		notify:  opts.Notifier,
		decoder: opts.Decoder,
		prober:  opts.Prober,
		timeout: opts.MetadataTimeout,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.notify == nil {
		s.notify = notify.Noop()
	}
	if s.decoder == nil {
		s.decoder = codec
	}
	if s.prober == nil {
		s.prober = codec
	}
	if s.timeout <= 0 {
		s.timeout = media.DefaultMetadataTimeout
	}
	s.genCtx, s.cancel = context.WithCancel(sess.Context())
	sess.OnClose(s.Close)
	return s
}

// OnChange registers fn to run after every change to the message list or
// the open conversation. fn runs outside the store lock.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	s.mu.Unlock()
}

func (s *Store) changed() {
	s.mu.Lock()
	watchers := slices.Clone(s.watchers)
	s.mu.Unlock()
	for _, fn := range watchers {
		fn()
	}
}

// reset discards all conversation state and starts a new generation. It
// returns the subscription to release, which must be closed without s.mu
// held.
func (s *Store) reset() (uint64, *realtime.Subscription) {
	s.gen++
	s.cancel()
	s.genCtx, s.cancel = context.WithCancel(s.sess.Context())
	old := s.sub
	s.sub = nil
	s.conv = nil
	s.messages = nil
	s.cursor = 0
	s.hasMore = false
	s.loading = false
	return s.gen, old
}

// Open discards prior state and loads the newest page of conversationID.
// The realtime subscription is established before the fetch so events
// that race the page are merged rather than lost.
func (s *Store) Open(ctx context.Context, conversationID uuid.UUID) error {
	s.mu.Lock()
	gen, old := s.reset()
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}

	conv, err := s.backend.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	if !conv.HasParticipant(s.sess.UserID()) {
		return ErrForbidden
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrSuperseded
	}
	s.conv = &conv
	s.loading = true
	s.mu.Unlock()

	sub, err := s.feed.Subscribe(realtime.ConversationTopic(conversationID))
	if err != nil {
		return fmt.Errorf("failed to subscribe to conversation: %w", err)
	}
	sub.OnEvent(func(ev realtime.Event) { s.apply(gen, ev) })

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		sub.Close()
		return ErrSuperseded
	}
	s.sub = sub
	s.mu.Unlock()

	page, err := s.backend.FetchMessages(ctx, conversationID, 0, PageSize)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrSuperseded
	}
	s.loading = false
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to fetch messages: %w", err)
	}
	s.applyPage(page)
	s.mu.Unlock()

	s.logger.Debug("conversation opened",
		zap.String("conversation_id", conversationID.String()),
		zap.Int("messages", len(page)))
	s.changed()
	return nil
}

// LoadOlder fetches the page before the cursor. It returns how many rows
// were loaded; a call made while another load is outstanding, after the
// last page, or before a cursor exists loads nothing.
func (s *Store) LoadOlder(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.conv == nil {
		s.mu.Unlock()
		return 0, ErrNotOpen
	}
	if s.loading || !s.hasMore || s.cursor == 0 {
		s.mu.Unlock()
		return 0, nil
	}
	s.loading = true
	gen, convID, cursor := s.gen, s.conv.ID, s.cursor
	s.mu.Unlock()

	page, err := s.backend.FetchMessages(ctx, convID, cursor, PageSize)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return 0, nil
	}
	s.loading = false
	if err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("failed to fetch older messages: %w", err)
	}
	s.applyPage(page)
	s.mu.Unlock()

	s.changed()
	return len(page), nil
}

// applyPage merges a descending page and moves the cursor. Callers hold s.mu.
func (s *Store) applyPage(page []models.Message) {
	for _, msg := range page {
		if msg.ConversationID != s.conv.ID {
			continue
		}
		s.upsert(msg)
	}
	s.hasMore = len(page) == PageSize
	if len(page) > 0 {
		oldest := page[0].ID
		for _, msg := range page[1:] {
			oldest = min(oldest, msg.ID)
		}
		if s.cursor == 0 || oldest < s.cursor {
			s.cursor = oldest
		}
	}
	if s.hasMore {
		// realtime updates for rows older than the window would leave a gap
		s.messages = slices.DeleteFunc(s.messages, func(m models.Message) bool {
			return m.ID < s.cursor
		})
	}
}

// Ingest applies a realtime event to the open conversation.
func (s *Store) Ingest(ev realtime.Event) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.apply(gen, ev)
}

func (s *Store) apply(gen uint64, ev realtime.Event) {
	var changed bool
	switch ev.Table {
	case realtime.TableMessages:
		changed = s.applyMessage(gen, ev)
	case realtime.TableConversations:
		changed = s.applyConversation(gen, ev)
	}
	if changed {
		s.changed()
	}
}

func (s *Store) applyMessage(gen uint64, ev realtime.Event) bool {
	patch, err := realtime.DecodeMessage(ev)
	if err != nil {
		s.logger.Debug("dropping malformed message event", zap.Error(err))
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.conv == nil {
		return false
	}
	if patch.ConversationID != nil && *patch.ConversationID != s.conv.ID {
		return false
	}
	if i, ok := s.find(patch.ID); ok {
		merged := s.messages[i]
		merged.Merge(patch)
		if err := merged.Payload.Validate(); err != nil {
			s.logger.Debug("dropping message update with invalid payload",
				zap.Int64("message_id", patch.ID), zap.Error(err))
			return false
		}
		s.messages[i] = merged
		return true
	}
	if s.hasMore && patch.ID < s.cursor {
		return false
	}
	msg, ok := patch.Complete()
	if !ok || msg.ConversationID != s.conv.ID {
		return false
	}
	if err := msg.Payload.Validate(); err != nil {
		s.logger.Debug("dropping message event with invalid payload",
			zap.Int64("message_id", msg.ID), zap.Error(err))
		return false
	}
	s.upsert(msg)
	return true
}

func (s *Store) applyConversation(gen uint64, ev realtime.Event) bool {
	conv, err := realtime.DecodeConversation(ev)
	if err != nil {
		s.logger.Debug("dropping malformed conversation event", zap.Error(err))
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.conv == nil || s.conv.ID != conv.ID {
		return false
	}
	s.conv.Status = conv.Status
	s.conv.UpdatedAt = conv.UpdatedAt
	return true
}

func (s *Store) find(id int64) (int, bool) {
	i := sort.Search(len(s.messages), func(i int) bool { return s.messages[i].ID >= id })
	return i, i < len(s.messages) && s.messages[i].ID == id
}

func (s *Store) upsert(msg models.Message) {
	i, ok := s.find(msg.ID)
	if ok {
		s.messages[i].Merge(models.PatchOf(msg))
		return
	}
	s.messages = slices.Insert(s.messages, i, msg)
}

// Send persists payload as a message to the conversation partner. The
// local list is not touched; the row arrives through the realtime feed.
func (s *Store) Send(ctx context.Context, payload models.Payload) (models.Message, error) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	return s.send(ctx, gen, payload)
}

func (s *Store) send(ctx context.Context, gen uint64, payload models.Payload) (models.Message, error) {
	if err := payload.Validate(); err != nil {
		return models.Message{}, err
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return models.Message{}, ErrSuperseded
	}
	if s.conv == nil {
		s.mu.Unlock()
		return models.Message{}, ErrNotOpen
	}
	conv := *s.conv
	s.mu.Unlock()

	if conv.Status == models.StatusDeclined {
		return models.Message{}, ErrConversationDeclined
	}
	partner, err := conv.Partner(s.sess.UserID())
	if err != nil {
		return models.Message{}, err
	}

	msg, err := s.backend.InsertMessage(ctx, models.MessageDraft{
		ConversationID: conv.ID,
		SenderID:       s.sess.UserID(),
		ReceiverID:     partner,
		Payload:        payload,
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to send message: %w", err)
	}

	notify.FireAndForget(s.logger, s.notify, notify.Notification{
		RecipientID: partner,
		Title:       s.sess.Username(),
		Body:        payload.Preview(previewLength),
	})
	return msg, nil
}

// SendImage downscales the image read from r, uploads it and sends it.
// Nothing is persisted when preparation or upload fails.
func (s *Store) SendImage(ctx context.Context, r io.Reader) (models.Message, error) {
	s.mu.Lock()
	gen := s.gen
	open := s.conv != nil
	s.mu.Unlock()
	if !open {
		return models.Message{}, ErrNotOpen
	}

	img, err := media.PrepareImage(r)
	if err != nil {
		return models.Message{}, err
	}
	url, err := s.backend.Upload(ctx, img.ContentType, bytes.NewReader(img.Data))
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to upload image: %w", err)
	}
	return s.send(ctx, gen, models.ImagePayload(url))
}

// SendVoice uploads a recorded clip and sends it with its waveform and
// duration. A clip that cannot be decoded is still sent without a
// waveform. Decoding is cancelled when the conversation is closed or
// reopened and the result is discarded.
func (s *Store) SendVoice(ctx context.Context, clip media.Clip) (models.Message, error) {
	s.mu.Lock()
	gen, genCtx := s.gen, s.genCtx
	open := s.conv != nil
	s.mu.Unlock()
	if !open {
		return models.Message{}, ErrNotOpen
	}
	if len(clip.Data) == 0 {
		return models.Message{}, media.ErrEmptyRecording
	}

	workCtx, stop := context.WithCancel(ctx)
	defer stop()
	unbind := context.AfterFunc(genCtx, stop)
	defer unbind()

	duration, known := media.ResolveDuration(workCtx, s.prober, clip, s.timeout)

	url, err := s.backend.Upload(workCtx, clip.ContentType, bytes.NewReader(clip.Data))
	if err != nil {
		if genCtx.Err() != nil {
			return models.Message{}, ErrSuperseded
		}
		return models.Message{}, fmt.Errorf("failed to upload voice note: %w", err)
	}

	waveform, decoded, err := media.ExtractWaveform(workCtx, s.decoder, clip)
	if genCtx.Err() != nil {
		return models.Message{}, ErrSuperseded
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.Message{}, ctxErr
		}
		s.logger.Warn("voice note waveform unavailable", zap.Error(err))
		waveform = nil
	} else if !known && decoded > 0 {
		duration = decoded
	}

	return s.send(ctx, gen, models.AudioPayload(url, waveform, duration))
}

// ApplyRead flips the local read flag of ids.
func (s *Store) ApplyRead(ids []int64) {
	s.mu.Lock()
	var changed bool
	for _, id := range ids {
		if i, ok := s.find(id); ok && !s.messages[i].IsRead {
			s.messages[i].IsRead = true
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.changed()
	}
}

// Messages returns a snapshot of the list in ascending id order.
func (s *Store) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.messages))
	for i, m := range s.messages {
		m.Payload.Waveform = slices.Clone(m.Payload.Waveform)
		out[i] = m
	}
	return out
}

func (s *Store) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// Cursor is the oldest loaded id, or 0 before the first page.
func (s *Store) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Conversation returns the open conversation.
func (s *Store) Conversation() (models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conv == nil {
		return models.Conversation{}, false
	}
	return *s.conv, true
}

// Close releases the realtime subscription and discards all state. Events
// delivered after Close returns are never applied.
func (s *Store) Close() {
	s.mu.Lock()
	_, old := s.reset()
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
}
