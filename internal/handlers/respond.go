package handlers

import (
	"errors"
	"net/http"

	"github.com/alicasapp/backend/internal/middleware"
	"github.com/alicasapp/backend/internal/models"
	"github.com/alicasapp/backend/internal/repository"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ErrorResponse sends a standardized error response and logs at caller if needed
func ErrorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// repoError maps repository sentinels onto HTTP statuses.
func repoError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		ErrorResponse(c, http.StatusNotFound, "Not found")
	case errors.Is(err, repository.ErrConversationExists):
		ErrorResponse(c, http.StatusConflict, "Conversation already exists")
	case errors.Is(err, repository.ErrConversationClosed):
		ErrorResponse(c, http.StatusConflict, "Conversation is declined")
	case errors.Is(err, repository.ErrInvalidTransition):
		ErrorResponse(c, http.StatusForbidden, err.Error())
	case errors.Is(err, models.ErrEmptyPayload), errors.Is(err, models.ErrAmbiguousPayload):
		ErrorResponse(c, http.StatusBadRequest, err.Error())
	default:
		ErrorResponse(c, http.StatusInternalServerError, fallback)
	}
}

func currentUser(c *gin.Context) (uuid.UUID, bool) {
	uid, ok := middleware.UserID(c)
	if !ok {
		ErrorResponse(c, http.StatusUnauthorized, "Unauthorized")
	}
	return uid, ok
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}
