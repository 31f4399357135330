package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/alicasapp/backend/internal/models"
	"github.com/alicasapp/backend/internal/realtime"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4096

	// Maximum topics one connection may follow
	maxSubscriptions = 64

	authorizeTimeout = 5 * time.Second
)

// Authorizer decides whether userID may follow topic.
type Authorizer func(ctx context.Context, userID uuid.UUID, topic string) error

// Client represents a WebSocket client
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	userID      uuid.UUID
	connectedAt time.Time
	authorize   Authorizer
	limiter     *rate.Limiter
	logger      *zap.Logger

	// mu guards subscriptions, released and sends on the send channel
	mu            sync.Mutex
	subscriptions map[string]*realtime.Subscription
	released      bool

	kickOnce sync.Once
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn, userID uuid.UUID, authorize Authorizer) *Client {
	return &Client{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, 256),
		userID:        userID,
		connectedAt:   time.Now(),
		authorize:     authorize,
		limiter:       rate.NewLimiter(rate.Limit(20), 20),
		logger:        hub.logger.With(zap.Stringer("user_id", userID)),
		subscriptions: make(map[string]*realtime.Subscription),
	}
}

// ReadPump pumps frames from the WebSocket connection to the hub
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Info("websocket closed unexpectedly", zap.Error(err))
			}
			break
		}

		if !c.limiter.Allow() {
			c.sendFrame(models.WSFrame{Type: models.FrameError, Message: "rate_limited"})
			continue
		}

		c.handleRequest(message)
	}
}

// WritePump pumps frames from the hub to the WebSocket connection. Queued
// frames are batched into one message separated by newlines.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current WebSocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleRequest(data []byte) {
	var req models.WSRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendFrame(models.WSFrame{Type: models.FrameError, Message: "Invalid message format"})
		return
	}

	switch req.Action {
	case models.ActionSubscribe:
		c.subscribe(req.Topic)
	case models.ActionUnsubscribe:
		c.unsubscribe(req.Topic)
	default:
		c.sendFrame(models.WSFrame{Type: models.FrameError, Topic: req.Topic, Message: "Unknown action"})
	}
}

func (c *Client) subscribe(topic string) {
	c.mu.Lock()
	_, exists := c.subscriptions[topic]
	count := len(c.subscriptions)
	c.mu.Unlock()
	if exists {
		c.sendFrame(models.WSFrame{Type: models.FrameSubscribed, Topic: topic})
		return
	}
	if count >= maxSubscriptions {
		c.sendFrame(models.WSFrame{Type: models.FrameError, Topic: topic, Message: "Too many subscriptions"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), authorizeTimeout)
	err := c.authorize(ctx, c.userID, topic)
	cancel()
	if err != nil {
		c.logger.Info("subscription denied", zap.String("topic", topic), zap.Error(err))
		c.sendFrame(models.WSFrame{Type: models.FrameError, Topic: topic, Message: "Access denied"})
		return
	}

	sub, err := c.hub.Subscribe(topic)
	if err != nil {
		c.sendFrame(models.WSFrame{Type: models.FrameError, Topic: topic, Message: "Subscription unavailable"})
		return
	}
	sub.OnEvent(func(ev realtime.Event) {
		record, err := json.Marshal(ev)
		if err != nil {
			return
		}
		c.sendFrame(models.WSFrame{Type: models.FrameEvent, Topic: topic, Event: record})
	})

	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		sub.Close()
		return
	}
	c.subscriptions[topic] = sub
	c.mu.Unlock()

	c.sendFrame(models.WSFrame{Type: models.FrameSubscribed, Topic: topic})
}

func (c *Client) unsubscribe(topic string) {
	c.mu.Lock()
	sub := c.subscriptions[topic]
	delete(c.subscriptions, topic)
	c.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
	c.sendFrame(models.WSFrame{Type: models.FrameUnsubscribed, Topic: topic})
}

// sendFrame queues a frame. A client that cannot keep up is disconnected
// so it resynchronizes instead of silently missing events.
func (c *Client) sendFrame(frame models.WSFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	select {
	case c.send <- data:
	default:
		c.kickOnce.Do(func() {
			c.logger.Warn("websocket client too slow, disconnecting")
			if c.conn != nil {
				c.conn.Close()
			}
		})
	}
}

// release closes every subscription and the send channel. After release
// returns no frame will be queued.
func (c *Client) release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	subs := c.subscriptions
	c.subscriptions = nil
	close(c.send)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
