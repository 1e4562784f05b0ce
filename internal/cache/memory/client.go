package memory

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/estatechat/internal/model"
)

type sessionItem struct {
	s   model.UploadSession
	exp time.Time
}

type presenceItem struct {
	p   model.PresencePublic
	exp time.Time
}

type Client struct {
	mu       sync.RWMutex
	sessions map[string]sessionItem
	presence map[string]presenceItem
	recent   map[string][][]byte
	subs     map[string][][]byte
}

func New() *Client {
	return &Client{
		sessions: make(map[string]sessionItem),
		presence: make(map[string]presenceItem),
		recent:   make(map[string][][]byte),
		subs:     make(map[string][][]byte),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) SetUploadSession(ctx context.Context, s *model.UploadSession, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[s.Handle] = sessionItem{s: *s, exp: time.Now().Add(ttl)}
	return nil
}

func (c *Client) GetUploadSession(ctx context.Context, handle string) (*model.UploadSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.sessions[handle]
	if !ok || time.Now().After(v.exp) {
		return nil, nil
	}
	s := v.s
	return &s, nil
}

func (c *Client) DeleteUploadSession(ctx context.Context, handle string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, handle)
	return nil
}

func (c *Client) SetPresence(ctx context.Context, p *model.PresencePublic, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	c.presence[p.UserID] = presenceItem{p: *p, exp: time.Now().Add(ttl)}
	return nil
}

func (c *Client) GetPresence(ctx context.Context, userID string) (*model.PresencePublic, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.presence[userID]
	if !ok || time.Now().After(v.exp) {
		return nil, nil
	}
	p := v.p
	return &p, nil
}

func (c *Client) PushRecent(ctx context.Context, conversationID string, raw []byte, ringSize int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ring := append([][]byte{raw}, c.recent[conversationID]...)
	if len(ring) > ringSize {
		ring = ring[:ringSize]
	}
	c.recent[conversationID] = ring
	return nil
}

func (c *Client) GetRecent(ctx context.Context, conversationID string, limit int) ([][]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ring := c.recent[conversationID]
	if len(ring) > limit {
		ring = ring[:limit]
	}
	out := make([][]byte, len(ring))
	copy(out, ring)
	return out, nil
}

func (c *Client) DropRecent(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.recent, conversationID)
	return nil
}

func (c *Client) AddPushSubscription(ctx context.Context, userID string, sub []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[userID] = append(c.subs[userID], sub)
	return nil
}

func (c *Client) GetPushSubscriptions(ctx context.Context, userID string) ([][]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([][]byte, len(c.subs[userID]))
	copy(out, c.subs[userID])
	return out, nil
}

func (c *Client) RemovePushSubscription(ctx context.Context, userID string, sub []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.subs[userID][:0]
	for _, s := range c.subs[userID] {
		if !bytes.Equal(s, sub) {
			kept = append(kept, s)
		}
	}
	c.subs[userID] = kept
	return nil
}
