package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/estatechat/internal/model"
	"github.com/redis/go-redis/v9"
)

const presenceTTL = 120 * time.Second

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// SetUploadSession сохраняет сессию по ключу upload:{handle}. TTL задаёт
// вызывающий: просроченный хэндл отклоняется сам собой.
func (c *Client) SetUploadSession(ctx context.Context, s *model.UploadSession, ttl time.Duration) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.cli.Set(ctx, "upload:"+s.Handle, raw, ttl).Err()
}

// GetUploadSession возвращает nil, nil если хэндла нет или он истёк.
func (c *Client) GetUploadSession(ctx context.Context, handle string) (*model.UploadSession, error) {
	raw, err := c.cli.Get(ctx, "upload:"+handle).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s := &model.UploadSession{}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Client) DeleteUploadSession(ctx context.Context, handle string) error {
	return c.cli.Del(ctx, "upload:"+handle).Err()
}

func (c *Client) SetPresence(ctx context.Context, p *model.PresencePublic, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = presenceTTL
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.cli.Set(ctx, "presence:"+p.UserID, raw, ttl).Err()
}

func (c *Client) GetPresence(ctx context.Context, userID string) (*model.PresencePublic, error) {
	raw, err := c.cli.Get(ctx, "presence:"+userID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p := &model.PresencePublic{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, err
	}
	return p, nil
}

// PushRecent кладёт сообщение в голову кольца recent:{conversation} и
// подрезает хвост до ringSize.
func (c *Client) PushRecent(ctx context.Context, conversationID string, raw []byte, ringSize int) error {
	key := "recent:" + conversationID
	pipe := c.cli.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, int64(ringSize-1))
	_, err := pipe.Exec(ctx)
	return err
}

// GetRecent возвращает до limit последних сообщений, новые первыми.
func (c *Client) GetRecent(ctx context.Context, conversationID string, limit int) ([][]byte, error) {
	vals, err := c.cli.LRange(ctx, "recent:"+conversationID, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// DropRecent сбрасывает кольцо (редактирование или удаление сообщения
// инвалидирует горячую историю целиком, после чего она перечитывается из БД).
func (c *Client) DropRecent(ctx context.Context, conversationID string) error {
	return c.cli.Del(ctx, "recent:"+conversationID).Err()
}

func (c *Client) AddPushSubscription(ctx context.Context, userID string, sub []byte) error {
	return c.cli.RPush(ctx, "push_subs:"+userID, sub).Err()
}

func (c *Client) GetPushSubscriptions(ctx context.Context, userID string) ([][]byte, error) {
	vals, err := c.cli.LRange(ctx, "push_subs:"+userID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (c *Client) RemovePushSubscription(ctx context.Context, userID string, sub []byte) error {
	return c.cli.LRem(ctx, "push_subs:"+userID, 0, sub).Err()
}

// FlushDB очищает текущую БД Redis (сброс сессий и снимков при тестах/перезапуске).
func (c *Client) FlushDB(ctx context.Context) error {
	return c.cli.FlushDB(ctx).Err()
}
