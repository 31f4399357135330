// Package client talks to the messaging server over HTTP and implements
// the backend interfaces the chat core consumes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alicasapp/backend/internal/chat"
	"github.com/alicasapp/backend/internal/models"
	"github.com/alicasapp/backend/internal/notify"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("conflict")
	ErrRateLimited  = errors.New("rate limited")
)

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return chat.ErrForbidden
	case http.StatusNotFound:
		return chat.ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	return nil
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New returns a client for the server at baseURL authenticating with token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Notifier returns a dispatcher that relays push notifications through
// the server.
func (c *Client) Notifier() notify.Dispatcher {
	return notify.NewEndpointDispatcher(c.baseURL+"/api/v1/push", c.token)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &payload) != nil || payload.Error == "" {
			payload.Error = strings.TrimSpace(string(data))
		}
		return &APIError{Status: resp.StatusCode, Message: payload.Error}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// Token is the identity returned by the development token endpoint.
type Token struct {
	Token    string    `json:"token"`
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
}

// IssueToken asks a development server for a token. userID may be
// uuid.Nil to let the server pick one.
func (c *Client) IssueToken(ctx context.Context, userID uuid.UUID, username string) (Token, error) {
	var tok Token
	err := c.doJSON(ctx, http.MethodPost, "/auth/token", map[string]any{
		"user_id":  userID,
		"username": username,
	}, &tok)
	if err != nil {
		return Token{}, fmt.Errorf("failed to issue token: %w", err)
	}
	return tok, nil
}

func (c *Client) GetConversation(ctx context.Context, id uuid.UUID) (models.Conversation, error) {
	var conv models.Conversation
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/conversations/"+id.String(), nil, &conv); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// Inbox lists the caller's conversations with unread counts.
func (c *Client) Inbox(ctx context.Context) ([]models.ConversationWithUnread, error) {
	var rows []models.ConversationWithUnread
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/conversations", nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	rows, err := c.Inbox(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Conversation, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Conversation)
	}
	return out, nil
}

func (c *Client) RequestConversation(ctx context.Context, peer uuid.UUID) (models.Conversation, error) {
	var conv models.Conversation
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/conversations", models.CreateConversationRequest{PeerID: peer}, &conv)
	if errors.Is(err, ErrConflict) {
		return models.Conversation{}, fmt.Errorf("%w: %v", chat.ErrConversationExists, err)
	}
	if err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

func (c *Client) RespondConversation(ctx context.Context, id uuid.UUID, status models.ConversationStatus) (models.Conversation, error) {
	var action string
	switch status {
	case models.StatusAccepted:
		action = "accept"
	case models.StatusDeclined:
		action = "decline"
	default:
		return models.Conversation{}, fmt.Errorf("cannot move conversation to %q", status)
	}
	var conv models.Conversation
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/conversations/"+id.String()+"/"+action, nil, &conv); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

func (c *Client) FetchMessages(ctx context.Context, conversationID uuid.UUID, beforeID int64, limit int) ([]models.Message, error) {
	q := url.Values{}
	if beforeID > 0 {
		q.Set("before_id", strconv.FormatInt(beforeID, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/conversations/" + conversationID.String() + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var rows []models.MessageRow
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return nil, err
	}
	messages := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := row.Normalize()
		if err != nil {
			c.logger.Warn("skipping malformed message row", zap.Error(err))
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (c *Client) InsertMessage(ctx context.Context, draft models.MessageDraft) (models.Message, error) {
	var row models.MessageRow
	path := "/api/v1/conversations/" + draft.ConversationID.String() + "/messages"
	err := c.doJSON(ctx, http.MethodPost, path, models.SendMessageRequest{Payload: draft.Payload}, &row)
	if errors.Is(err, ErrConflict) {
		return models.Message{}, fmt.Errorf("%w: %v", chat.ErrConversationDeclined, err)
	}
	if err != nil {
		return models.Message{}, err
	}
	return row.Normalize()
}

// Upload posts r as a multipart file and returns its public url.
func (c *Client) Upload(ctx context.Context, contentType string, r io.Reader) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Disposition": {`form-data; name="file"; filename="upload"`},
		"Content-Type":        {contentType},
	})
	if err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("failed to read upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/media", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out struct {
		URL string `json:"url"`
	}
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("failed to upload media: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("upload response without url")
	}
	return out.URL, nil
}

// MarkRead implements receipts.Marker.
func (c *Client) MarkRead(ctx context.Context, ids []int64) ([]int64, error) {
	var out struct {
		Updated []int64 `json:"updated"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/messages/read", models.MarkReadRequest{IDs: ids}, &out); err != nil {
		return nil, err
	}
	return out.Updated, nil
}

// UnreadMessages implements unread.Source.
func (c *Client) UnreadMessages(ctx context.Context) (map[uuid.UUID][]int64, error) {
	var out models.UnreadResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/messages/unread", nil, &out); err != nil {
		return nil, err
	}
	if out.Conversations == nil {
		out.Conversations = make(map[uuid.UUID][]int64)
	}
	return out.Conversations, nil
}

var _ chat.Backend = (*Client)(nil)
