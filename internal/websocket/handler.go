package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/alicasapp/backend/internal/auth"
	"github.com/alicasapp/backend/internal/models"
	"github.com/alicasapp/backend/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrTopicForbidden = errors.New("topic not allowed")

// ConversationLookup resolves conversations for topic authorization.
type ConversationLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Conversation, error)
}

// TopicAuthorizer allows a user to follow their own inbox and the
// conversations they take part in.
func TopicAuthorizer(convs ConversationLookup) Authorizer {
	return func(ctx context.Context, userID uuid.UUID, topic string) error {
		kind, id, err := realtime.ParseTopic(topic)
		if err != nil {
			return err
		}
		switch kind {
		case realtime.TopicInbox:
			if id != userID {
				return ErrTopicForbidden
			}
			return nil
		case realtime.TopicConversation:
			conv, err := convs.GetByID(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to load conversation: %w", err)
			}
			if !conv.HasParticipant(userID) {
				return ErrTopicForbidden
			}
			return nil
		}
		return ErrTopicForbidden
	}
}

// Handler handles WebSocket connections
type Handler struct {
	hub        *Hub
	jwtService *auth.JWTService
	authorize  Authorizer
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

// NewHandler creates a new WebSocket handler. An empty allowedOrigins
// accepts any origin.
func NewHandler(hub *Hub, jwtService *auth.JWTService, authorize Authorizer, allowedOrigins []string) *Handler {
	h := &Handler{
		hub:        hub,
		jwtService: jwtService,
		authorize:  authorize,
		logger:     hub.logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				// non-browser clients send no origin
				return true
			}
			for _, pattern := range allowedOrigins {
				if matchOrigin(pattern, origin) {
					return true
				}
			}
			return false
		},
	}
	return h
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token, _ = strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Token required"})
		return
	}

	claims, err := h.jwtService.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(h.hub, conn, claims.UserID, h.authorize)
	h.hub.register <- client

	go client.WritePump()
	go client.ReadPump()
}

// matchOrigin supports exact matches or wildcard patterns like *.example.com
func matchOrigin(pattern, origin string) bool {
	if pattern == origin {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		originHost := origin
		if u, err := url.Parse(origin); err == nil {
			originHost = u.Hostname()
		}
		patHost := strings.TrimPrefix(pattern, "*.")
		if strings.HasSuffix(originHost, "."+patHost) {
			return true
		}
	}
	return false
}
