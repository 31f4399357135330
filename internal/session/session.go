// Package session holds the signed-in identity handed to the messaging core.
// A Session is created at sign-in and closed at sign-out; closing it cancels
// its context and runs every registered teardown, releasing the realtime
// subscriptions of components created from it.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrClosed = errors.New("session is closed")

// Identity is the read-only user information supplied by the identity
// collaborator.
type Identity struct {
	UserID   uuid.UUID `json:"user_id" toml:"user_id"`
	Username string    `json:"username" toml:"username"`
}

type Session struct {
	identity Identity
	token    string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	teardowns []func()
	closed    bool
}

// New starts a session for identity. The returned session lives until
// Close or until parent is cancelled.
func New(parent context.Context, identity Identity, token string) (*Session, error) {
	if identity.UserID == uuid.Nil {
		return nil, errors.New("session requires a user id")
	}
	ctx, cancel := context.WithCancel(parent)
	return &Session{identity: identity, token: token, ctx: ctx, cancel: cancel}, nil
}

func (s *Session) UserID() uuid.UUID { return s.identity.UserID }

func (s *Session) Username() string { return s.identity.Username }

func (s *Session) Identity() Identity { return s.identity }

// Token is the bearer token used by transport adapters.
func (s *Session) Token() string { return s.token }

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

// OnClose registers fn to run at sign-out. Teardowns run in reverse
// registration order. Registering on a closed session runs fn immediately.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.teardowns = append(s.teardowns, fn)
	s.mu.Unlock()
}

// Close signs the session out.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	teardowns := s.teardowns
	s.teardowns = nil
	s.mu.Unlock()

	s.cancel()
	for i := len(teardowns) - 1; i >= 0; i-- {
		teardowns[i]()
	}
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
