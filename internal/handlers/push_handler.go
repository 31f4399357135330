package handlers

import (
	"net/http"

	"github.com/alicasapp/backend/internal/notify"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// PushHandler relays send notifications to the push service. Callers may
// only notify someone they share a conversation with.
type PushHandler struct {
	convs      ConversationStore
	dispatcher notify.Dispatcher
	logger     *zap.Logger
}

func NewPushHandler(convs ConversationStore, dispatcher notify.Dispatcher, logger *zap.Logger) *PushHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dispatcher == nil {
		dispatcher = notify.Noop()
	}
	return &PushHandler{convs: convs, dispatcher: dispatcher, logger: logger}
}

func (h *PushHandler) Relay(c *gin.Context) {
	var n notify.Notification
	if err := c.ShouldBindJSON(&n); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	uid, ok := currentUser(c)
	if !ok {
		return
	}

	conversations, err := h.convs.ListForUser(c.Request.Context(), uid)
	if err != nil {
		h.logger.Error("list conversations for push", zap.Error(err))
		ErrorResponse(c, http.StatusInternalServerError, "Failed to relay notification")
		return
	}
	allowed := false
	for _, conv := range conversations {
		if partner, err := conv.Partner(uid); err == nil && partner == n.RecipientID {
			allowed = true
			break
		}
	}
	if !allowed {
		ErrorResponse(c, http.StatusForbidden, "Recipient is not a conversation partner")
		return
	}

	notify.FireAndForget(h.logger, h.dispatcher, n)
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}
