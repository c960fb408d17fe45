// Package storage defines the session store consumed by the HMAC auth
// middleware. Implementations: redis.Client and memory.Client (for -dev runs
// without Redis).
package storage

import "context"

// SessionStore maps a session id to its owner and HMAC secret.
type SessionStore interface {
	SetSession(ctx context.Context, sessionID, userID, secret string) error
	// GetSession returns empty strings (no error) for an unknown session.
	GetSession(ctx context.Context, sessionID string) (userID, secret string, err error)
	DeleteSession(ctx context.Context, sessionID string) error
	Close() error
}
