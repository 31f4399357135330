package handlers

import (
	"errors"
	"net/http"

	"github.com/alicasapp/backend/internal/storage"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type MediaHandler struct {
	store   *storage.DiskStore
	baseURL string
	logger  *zap.Logger
}

// NewMediaHandler serves blobs from store; returned urls are
// baseURL + "/media/" + key.
func NewMediaHandler(store *storage.DiskStore, baseURL string, logger *zap.Logger) *MediaHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MediaHandler{store: store, baseURL: baseURL, logger: logger}
}

// Upload accepts a multipart "file" field and returns its public url.
func (h *MediaHandler) Upload(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, "file is required")
		return
	}
	f, err := header.Open()
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, "unreadable upload")
		return
	}
	defer f.Close()

	blob, err := h.store.Put(header.Header.Get("Content-Type"), f)
	switch {
	case errors.Is(err, storage.ErrTooLarge):
		ErrorResponse(c, http.StatusRequestEntityTooLarge, err.Error())
		return
	case errors.Is(err, storage.ErrUnsupportedType):
		ErrorResponse(c, http.StatusUnsupportedMediaType, err.Error())
		return
	case err != nil:
		h.logger.Error("store upload", zap.Error(err))
		ErrorResponse(c, http.StatusInternalServerError, "Failed to store upload")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"url":          h.baseURL + "/media/" + blob.Key,
		"content_type": blob.ContentType,
		"size":         blob.Size,
	})
}

// Serve streams a stored blob. Keys are content hashes so responses are
// immutable.
func (h *MediaHandler) Serve(c *gin.Context) {
	f, blob, err := h.store.Open(c.Param("key"))
	switch {
	case errors.Is(err, storage.ErrInvalidKey), errors.Is(err, storage.ErrNotFound):
		ErrorResponse(c, http.StatusNotFound, "Not found")
		return
	case err != nil:
		h.logger.Error("open blob", zap.Error(err))
		ErrorResponse(c, http.StatusInternalServerError, "Failed to read media")
		return
	}
	defer f.Close()

	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	c.DataFromReader(http.StatusOK, blob.Size, blob.ContentType, f, nil)
}
