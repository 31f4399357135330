// Package notify delivers out-of-band push alerts to message recipients.
// Delivery is best effort: callers on the send path use FireAndForget and
// never observe the outcome.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	userAgent      = "alicas-dm/1.0"
	defaultTimeout = 10 * time.Second
)

// Notification is the push payload handed to the delivery endpoint.
type Notification struct {
	RecipientID uuid.UUID `json:"recipient_id" binding:"required"`
	Title       string    `json:"title" binding:"required"`
	Body        string    `json:"body"`
}

// Dispatcher delivers a single notification.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(context.Context, Notification) error { return nil }

// Noop returns a dispatcher that drops everything.
func Noop() Dispatcher { return noopDispatcher{} }

// NewEndpointDispatcher posts notifications as JSON to the backend push
// endpoint. An empty url yields a noop dispatcher.
func NewEndpointDispatcher(url, token string) Dispatcher {
	url = strings.TrimSpace(url)
	if url == "" {
		return noopDispatcher{}
	}
	return &endpointDispatcher{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: defaultTimeout},
	}
}

type endpointDispatcher struct {
	url    string
	token  string
	client *http.Client
}

func (d *endpointDispatcher) Dispatch(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
	return do(d.client, req, "push endpoint")
}

// NewNtfyDispatcher publishes each notification to an ntfy topic derived
// from the recipient id under baseURL. An empty baseURL yields a noop.
func NewNtfyDispatcher(baseURL string, timeout time.Duration) Dispatcher {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return noopDispatcher{}
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &ntfyDispatcher{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type ntfyDispatcher struct {
	baseURL string
	client  *http.Client
}

// TopicURL is the ntfy topic a recipient's devices subscribe to.
func (d *ntfyDispatcher) TopicURL(recipient uuid.UUID) string {
	return d.baseURL + "/dm-" + recipient.String()
}

func (d *ntfyDispatcher) Dispatch(ctx context.Context, n Notification) error {
	if n.RecipientID == uuid.Nil {
		return fmt.Errorf("notification has no recipient")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.TopicURL(n.RecipientID), strings.NewReader(n.Body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if n.Title != "" {
		req.Header.Set("Title", n.Title)
	}
	req.Header.Set("Tags", "speech_balloon")
	return do(d.client, req, "ntfy")
}

func do(client *http.Client, req *http.Request, target string) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s request: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %s: %s", target, resp.Status, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// FireAndForget dispatches n in the background with its own timeout. The
// result is only logged. The returned channel is closed when the attempt
// finishes; callers are free to ignore it.
func FireAndForget(logger *zap.Logger, d Dispatcher, n Notification) <-chan struct{} {
	done := make(chan struct{})
	if d == nil {
		close(done)
		return done
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
		defer cancel()
		if err := d.Dispatch(ctx, n); err != nil {
			logger.Warn("push notification failed",
				zap.String("recipient_id", n.RecipientID.String()),
				zap.Error(err))
			return
		}
		logger.Debug("push notification sent", zap.String("recipient_id", n.RecipientID.String()))
	}()
	return done
}
