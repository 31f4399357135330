package websocket

import (
	"context"
	"sync"

	"github.com/alicasapp/backend/internal/cache"
	"github.com/alicasapp/backend/internal/realtime"
	"go.uber.org/zap"
)

// Hub maintains the set of active clients and routes row changes to the
// clients subscribed to their topic.
type Hub struct {
	// Registered clients
	clients map[*Client]struct{}

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Topic routing
	broker *realtime.Broker

	// Redis client for pub/sub; nil routes changes in process only
	redis *cache.RedisClient

	logger *zap.Logger

	// Mutex for thread-safe operations
	mu sync.RWMutex
}

// NewHub creates a new Hub
func NewHub(redis *cache.RedisClient, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broker:     realtime.NewBroker(),
		redis:      redis,
		logger:     logger,
	}
}

// Run starts the hub and blocks until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	if h.redis != nil {
		go h.subscribeToRedis(ctx)
	}

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.Stringer("user_id", client.userID))

		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client]
			delete(h.clients, client)
			h.mu.Unlock()
			if ok {
				client.release()
			}
			h.logger.Debug("client unregistered", zap.Stringer("user_id", client.userID))

		case <-ctx.Done():
			h.mu.Lock()
			clients := h.clients
			h.clients = make(map[*Client]struct{})
			h.mu.Unlock()
			for client := range clients {
				client.release()
			}
			h.broker.Close()
			return
		}
	}
}

// subscribeToRedis feeds changes published by any server instance into
// the local topic router.
func (h *Hub) subscribeToRedis(ctx context.Context) {
	pubsub := h.redis.SubscribeChanges(ctx)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			env, err := cache.DecodeChange(msg.Payload)
			if err != nil {
				h.logger.Warn("dropping malformed change", zap.Error(err))
				continue
			}
			h.route(env)
		}
	}
}

func (h *Hub) route(env realtime.Envelope) int {
	return h.broker.Publish(env.Topic, env.Event)
}

// PublishChange routes env to local subscribers. It serves as the change
// publisher when the server runs without Redis.
func (h *Hub) PublishChange(_ context.Context, env realtime.Envelope) error {
	h.route(env)
	return nil
}

// Subscribe opens a subscription on the hub's router.
func (h *Hub) Subscribe(topic string) (*realtime.Subscription, error) {
	return h.broker.Subscribe(topic)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Topics returns the topics with at least one live subscriber.
func (h *Hub) Topics() []string {
	return h.broker.Topics()
}
