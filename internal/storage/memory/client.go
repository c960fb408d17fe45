// Package memory is an in-process session store for development runs
// where no Redis instance is available. Sessions do not survive restarts.
package memory

import (
	"context"
	"sync"
)

type session struct {
	userID string
	secret string
}

type Client struct {
	mu       sync.RWMutex
	sessions map[string]session
}

func New() *Client {
	return &Client{sessions: make(map[string]session)}
}

func (c *Client) SetSession(_ context.Context, sessionID, userID, secret string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sessionID] = session{userID: userID, secret: secret}
	return nil
}

func (c *Client) GetSession(_ context.Context, sessionID string) (string, string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.sessions[sessionID]
	return s.userID, s.secret, nil
}

func (c *Client) DeleteSession(_ context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
	return nil
}

func (c *Client) Close() error { return nil }
