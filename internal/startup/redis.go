package startup

import (
	"context"
	"time"

	cacheredis "github.com/estatechat/internal/cache/redis"
	"github.com/estatechat/internal/logger"
)

// ConnectRedisWithRetry подключается к Redis с повторами. Возвращает nil после
// maxWait — вызывающий решает, падать или работать на in-memory кеше.
func ConnectRedisWithRetry(redisURL string, maxWait time.Duration, logPrefix string) *cacheredis.Client {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := cacheredis.New(ctx, redisURL)
		cancel()
		if err != nil {
			if time.Now().After(deadline) {
				logger.Errorf("%sredis (gave up after %v): %v", logPrefix, maxWait, err)
				return nil
			}
			logger.Errorf("%sredis connect failed, retry in %v: %v", logPrefix, backoff, err)
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		return client
	}
}
