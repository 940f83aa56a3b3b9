package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Session is the patient binding carried by a bearer token. Valid is false
// when the token was authentic but has expired; recovery may still proceed.
type Session struct {
	RecordID   uuid.UUID
	HospitalID string
	Valid      bool
	ExpiresAt  time.Time
}

// SessionStore exposes the current request's session. The service only
// reads sessions; issuing them belongs to the identity provider.
type SessionStore interface {
	CurrentSession(ctx context.Context) *Session
}

// ContextSessionStore reads the session placed on the request context by
// SessionMiddleware.
type ContextSessionStore struct{}

func (ContextSessionStore) CurrentSession(ctx context.Context) *Session {
	return SessionFromContext(ctx)
}

func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

func SessionFromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey).(*Session)
	return s
}
