package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicasapp/backend/internal/auth"
	"github.com/alicasapp/backend/internal/models"
	"github.com/alicasapp/backend/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"
)

type lookupFunc func(uuid.UUID) (*models.Conversation, error)

func (f lookupFunc) GetByID(_ context.Context, id uuid.UUID) (*models.Conversation, error) {
	return f(id)
}

func TestTopicAuthorizer(t *testing.T) {
	alice, bob, eve := uuid.New(), uuid.New(), uuid.New()
	conv := &models.Conversation{ID: uuid.New(), RequesterID: alice, AddresseeID: bob}
	authorize := TopicAuthorizer(lookupFunc(func(id uuid.UUID) (*models.Conversation, error) {
		if id == conv.ID {
			return conv, nil
		}
		return nil, errors.New("not found")
	}))

	tests := []struct {
		name  string
		user  uuid.UUID
		topic string
		ok    bool
	}{
		{"own inbox", alice, realtime.InboxTopic(alice), true},
		{"other inbox", alice, realtime.InboxTopic(bob), false},
		{"participant", bob, realtime.ConversationTopic(conv.ID), true},
		{"outsider", eve, realtime.ConversationTopic(conv.ID), false},
		{"unknown conversation", alice, realtime.ConversationTopic(uuid.New()), false},
		{"garbage", alice, "presence", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := authorize(context.Background(), tt.user, tt.topic)
			if (err == nil) != tt.ok {
				t.Fatalf("expected ok=%v, got %v", tt.ok, err)
			}
		})
	}
}

func TestMatchOrigin(t *testing.T) {
	tests := []struct {
		pattern, origin string
		want            bool
	}{
		{"https://app.test", "https://app.test", true},
		{"*.app.test", "https://web.app.test", true},
		{"*.app.test", "https://evilapp.test", false},
		{"https://app.test", "https://other.test", false},
	}
	for _, tt := range tests {
		if got := matchOrigin(tt.pattern, tt.origin); got != tt.want {
			t.Errorf("matchOrigin(%q, %q) = %v", tt.pattern, tt.origin, got)
		}
	}
}

type wsConn struct {
	t       *testing.T
	conn    *websocket.Conn
	pending [][]byte
}

func (w *wsConn) next() models.WSFrame {
	w.t.Helper()
	for len(w.pending) == 0 {
		w.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			w.t.Fatalf("read frame: %v", err)
		}
		w.pending = bytes.Split(data, []byte{'\n'})
	}
	var frame models.WSFrame
	if err := json.Unmarshal(w.pending[0], &frame); err != nil {
		w.t.Fatalf("decode frame: %v", err)
	}
	w.pending = w.pending[1:]
	return frame
}

func (w *wsConn) request(action, topic string) {
	w.t.Helper()
	if err := w.conn.WriteJSON(models.WSRequest{Action: action, Topic: topic}); err != nil {
		w.t.Fatalf("write request: %v", err)
	}
}

func TestHubRoutesSubscribedTopics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	jwtService := auth.NewJWTService("secret", 1)
	alice, bob := uuid.New(), uuid.New()
	conv := &models.Conversation{ID: uuid.New(), RequesterID: alice, AddresseeID: bob}

	hub := NewHub(nil, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	authorize := TopicAuthorizer(lookupFunc(func(uuid.UUID) (*models.Conversation, error) { return conv, nil }))
	router := gin.New()
	router.GET("/ws", NewHandler(hub, jwtService, authorize, nil).HandleWebSocket)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	token, _ := jwtService.GenerateToken(bob, "bob")
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ws := &wsConn{t: t, conn: conn}

	topic := realtime.ConversationTopic(conv.ID)
	ws.request(models.ActionSubscribe, topic)
	if f := ws.next(); f.Type != models.FrameSubscribed || f.Topic != topic {
		t.Fatalf("unexpected frame %+v", f)
	}
	ws.request(models.ActionSubscribe, realtime.InboxTopic(alice))
	if f := ws.next(); f.Type != models.FrameError {
		t.Fatalf("expected foreign inbox to be refused, got %+v", f)
	}

	msg := models.Message{ID: 1, ConversationID: conv.ID, SenderID: alice, ReceiverID: bob, Payload: models.TextPayload("hi")}
	ev, err := realtime.MessageEvent(realtime.EventInsert, msg)
	if err != nil {
		t.Fatalf("MessageEvent error: %v", err)
	}
	hub.PublishChange(ctx, realtime.Envelope{Topic: realtime.InboxTopic(alice), Event: ev})
	hub.PublishChange(ctx, realtime.Envelope{Topic: topic, Event: ev})

	f := ws.next()
	if f.Type != models.FrameEvent || f.Topic != topic {
		t.Fatalf("unexpected frame %+v", f)
	}
	var got realtime.Event
	if err := json.Unmarshal(f.Event, &got); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	patch, err := realtime.DecodeMessage(got)
	if err != nil || patch.ID != 1 {
		t.Fatalf("unexpected event %+v: %v", patch, err)
	}

	ws.request(models.ActionUnsubscribe, topic)
	if f := ws.next(); f.Type != models.FrameUnsubscribed {
		t.Fatalf("unexpected frame %+v", f)
	}
	if n := hub.broker.SubscriberCount(topic); n != 0 {
		t.Fatalf("subscription leaked: %d", n)
	}
}

func TestReleaseClosesSubscriptions(t *testing.T) {
	hub := NewHub(nil, zaptest.NewLogger(t))
	c := NewClient(hub, nil, uuid.New(), func(context.Context, uuid.UUID, string) error { return nil })
	topic := realtime.InboxTopic(c.userID)
	c.subscribe(topic)
	if f := <-c.send; !bytes.Contains(f, []byte(models.FrameSubscribed)) {
		t.Fatalf("unexpected frame %s", f)
	}

	c.release()
	if hub.broker.SubscriberCount(topic) != 0 {
		t.Fatal("subscription survived release")
	}
	if _, ok := <-c.send; ok {
		t.Fatal("send channel left open")
	}
	// late frames are dropped rather than panicking on the closed channel
	c.sendFrame(models.WSFrame{Type: models.FrameError})
	c.release()
}
