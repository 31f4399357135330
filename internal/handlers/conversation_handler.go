package handlers

import (
	"net/http"

	"github.com/alicasapp/backend/internal/models"
	"github.com/alicasapp/backend/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ConversationHandler struct {
	convs    ConversationStore
	messages MessageStore
	changes  changeFeed
	logger   *zap.Logger
}

func NewConversationHandler(
	convs ConversationStore,
	messages MessageStore,
	publisher ChangePublisher,
	logger *zap.Logger,
) *ConversationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationHandler{
		convs:    convs,
		messages: messages,
		changes:  changeFeed{publisher: publisher, logger: logger},
		logger:   logger,
	}
}

// CreateConversation requests a conversation with peer_id.
func (h *ConversationHandler) CreateConversation(c *gin.Context) {
	var req models.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	if req.PeerID == uid || req.PeerID == uuid.Nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid peer")
		return
	}

	conv, err := h.convs.Create(c.Request.Context(), uid, req.PeerID)
	if err != nil {
		h.logger.Info("conversation request rejected",
			zap.Stringer("requester", uid), zap.Stringer("peer", req.PeerID), zap.Error(err))
		repoError(c, err, "Failed to create conversation")
		return
	}

	h.changes.conversation(c.Request.Context(), realtime.EventInsert, conv)
	c.JSON(http.StatusCreated, conv)
}

// GetConversations returns all conversations for the current user with
// their unread counts.
func (h *ConversationHandler) GetConversations(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}

	conversations, err := h.convs.ListForUser(c.Request.Context(), uid)
	if err != nil {
		h.logger.Error("list conversations", zap.Error(err))
		ErrorResponse(c, http.StatusInternalServerError, "Failed to get conversations")
		return
	}
	unread, err := h.messages.UnreadByConversation(c.Request.Context(), uid)
	if err != nil {
		h.logger.Error("count unread", zap.Error(err))
		ErrorResponse(c, http.StatusInternalServerError, "Failed to get conversations")
		return
	}

	out := make([]models.ConversationWithUnread, 0, len(conversations))
	for _, conv := range conversations {
		out = append(out, models.ConversationWithUnread{
			Conversation: *conv,
			UnreadCount:  len(unread[conv.ID]),
		})
	}
	c.JSON(http.StatusOK, out)
}

// loadParticipant resolves :id and checks the caller takes part in it.
func (h *ConversationHandler) loadParticipant(c *gin.Context) (*models.Conversation, uuid.UUID, bool) {
	uid, ok := currentUser(c)
	if !ok {
		return nil, uuid.Nil, false
	}
	convID, ok := pathUUID(c, "id")
	if !ok {
		return nil, uuid.Nil, false
	}
	conv, err := h.convs.GetByID(c.Request.Context(), convID)
	if err != nil {
		repoError(c, err, "Failed to get conversation")
		return nil, uuid.Nil, false
	}
	if !conv.HasParticipant(uid) {
		ErrorResponse(c, http.StatusForbidden, "Access denied")
		return nil, uuid.Nil, false
	}
	return conv, uid, true
}

func (h *ConversationHandler) GetConversation(c *gin.Context) {
	conv, _, ok := h.loadParticipant(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *ConversationHandler) AcceptConversation(c *gin.Context) {
	h.respond(c, models.StatusAccepted)
}

func (h *ConversationHandler) DeclineConversation(c *gin.Context) {
	h.respond(c, models.StatusDeclined)
}

func (h *ConversationHandler) respond(c *gin.Context, status models.ConversationStatus) {
	conv, uid, ok := h.loadParticipant(c)
	if !ok {
		return
	}
	updated, err := h.convs.UpdateStatus(c.Request.Context(), conv.ID, uid, status)
	if err != nil {
		repoError(c, err, "Failed to update conversation")
		return
	}
	h.changes.conversation(c.Request.Context(), realtime.EventUpdate, updated)
	c.JSON(http.StatusOK, updated)
}
