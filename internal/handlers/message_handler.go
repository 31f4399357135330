package handlers

import (
	"net/http"
	"slices"

	"github.com/alicasapp/backend/internal/models"
	"github.com/alicasapp/backend/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultPageSize is used when a page request carries no limit.
const DefaultPageSize = 20

type MessageHandler struct {
	messages MessageStore
	convs    ConversationStore
	changes  changeFeed
	logger   *zap.Logger
}

func NewMessageHandler(
	messages MessageStore,
	convs ConversationStore,
	publisher ChangePublisher,
	logger *zap.Logger,
) *MessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageHandler{
		messages: messages,
		convs:    convs,
		changes:  changeFeed{publisher: publisher, logger: logger},
		logger:   logger,
	}
}

func (h *MessageHandler) participant(c *gin.Context) (*models.Conversation, uuid.UUID, bool) {
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

// GetMessages returns one page in descending id order.
func (h *MessageHandler) GetMessages(c *gin.Context) {
	var req models.GetMessagesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.BeforeID < 0 || req.Limit < 0 {
		ErrorResponse(c, http.StatusBadRequest, "before_id and limit must not be negative")
		return
	}
	if req.Limit == 0 {
		req.Limit = DefaultPageSize
	}

	conv, _, ok := h.participant(c)
	if !ok {
		return
	}

	page, err := h.messages.FetchPage(c.Request.Context(), conv.ID, req.BeforeID, req.Limit)
	if err != nil {
		h.logger.Error("fetch messages", zap.Stringer("conversation_id", conv.ID), zap.Error(err))
		ErrorResponse(c, http.StatusInternalServerError, "Failed to get messages")
		return
	}

	rows := make([]models.MessageRow, 0, len(page))
	for _, msg := range page {
		rows = append(rows, msg.ToRow())
	}
	c.JSON(http.StatusOK, rows)
}

// SendMessage persists a message from the caller to their partner.
func (h *MessageHandler) SendMessage(c *gin.Context) {
	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Payload.Validate(); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	conv, uid, ok := h.participant(c)
	if !ok {
		return
	}
	partner, err := conv.Partner(uid)
	if err != nil {
		ErrorResponse(c, http.StatusForbidden, "Access denied")
		return
	}

	msg, err := h.messages.Insert(c.Request.Context(), models.MessageDraft{
		ConversationID: conv.ID,
		SenderID:       uid,
		ReceiverID:     partner,
		Payload:        req.Payload,
	})
	if err != nil {
		repoError(c, err, "Failed to send message")
		return
	}

	h.changes.message(c.Request.Context(), realtime.EventInsert, msg)
	c.JSON(http.StatusCreated, msg.ToRow())
}

// MarkRead flips the read flag on a batch addressed to the caller. Ids
// already read or addressed to someone else are ignored.
func (h *MessageHandler) MarkRead(c *gin.Context) {
	var req models.MarkReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	uid, ok := currentUser(c)
	if !ok {
		return
	}

	ids := slices.Compact(slices.Sorted(slices.Values(req.IDs)))
	updated, err := h.messages.MarkRead(c.Request.Context(), uid, ids)
	if err != nil {
		h.logger.Error("mark read", zap.Int("count", len(ids)), zap.Error(err))
		ErrorResponse(c, http.StatusInternalServerError, "Failed to mark messages as read")
		return
	}

	changed := make([]int64, 0, len(updated))
	for _, msg := range updated {
		h.changes.message(c.Request.Context(), realtime.EventUpdate, msg)
		changed = append(changed, msg.ID)
	}
	c.JSON(http.StatusOK, gin.H{"updated": changed})
}

// GetUnread lists unread ids received by the caller, grouped by conversation.
func (h *MessageHandler) GetUnread(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	unread, err := h.messages.UnreadByConversation(c.Request.Context(), uid)
	if err != nil {
		h.logger.Error("unread messages", zap.Error(err))
		ErrorResponse(c, http.StatusInternalServerError, "Failed to get unread messages")
		return
	}
	c.JSON(http.StatusOK, models.UnreadResponse{Conversations: unread})
}
