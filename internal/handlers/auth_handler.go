package handlers

import (
	"net/http"

	"github.com/alicasapp/backend/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AuthHandler mints tokens for development setups. Production deployments
// receive tokens from the external identity provider.
type AuthHandler struct {
	jwtService *auth.JWTService
}

func NewAuthHandler(jwtService *auth.JWTService) *AuthHandler {
	return &AuthHandler{jwtService: jwtService}
}

type TokenRequest struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username" binding:"required,max=64"`
}

type TokenResponse struct {
	Token    string    `json:"token"`
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
}

// IssueToken signs a token for the given identity, generating a user id
// when none is supplied.
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == uuid.Nil {
		req.UserID = uuid.New()
	}

	token, err := h.jwtService.GenerateToken(req.UserID, req.Username)
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, "Failed to generate token")
		return
	}
	c.JSON(http.StatusOK, TokenResponse{Token: token, UserID: req.UserID, Username: req.Username})
}
