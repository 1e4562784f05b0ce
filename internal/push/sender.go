// Package push отправляет Web Push уведомления напрямую через VAPID.
// Подписки живут в кэше, несколько устройств на пользователя.
package push

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/estatechat/internal/cache"
	"github.com/estatechat/internal/logger"
)

const sendTimeout = 10 * time.Second

// Subscription — подписка из браузера.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

type Sender struct {
	cache cache.Store
	vapid *webpush.Options
	pub   string
}

// NewSender создаёт отправителя. Пустые ключи — пуши отключены:
// подписки сохраняются, отправка не выполняется.
func NewSender(cc cache.Store, publicKey, privateKey, subject string) *Sender {
	s := &Sender{cache: cc, pub: publicKey}
	if publicKey != "" && privateKey != "" {
		if subject == "" {
			subject = "estatechat"
		}
		s.vapid = &webpush.Options{
			Subscriber:      subject,
			VAPIDPublicKey:  publicKey,
			VAPIDPrivateKey: privateKey,
			TTL:             30,
		}
	}
	return s
}

func (s *Sender) Enabled() bool     { return s.vapid != nil }
func (s *Sender) PublicKey() string { return s.pub }

// Subscribe сохраняет подписку устройства.
func (s *Sender) Subscribe(ctx context.Context, userID string, sub Subscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	return s.cache.AddPushSubscription(ctx, userID, raw)
}

// Unsubscribe удаляет подписку по endpoint.
func (s *Sender) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	raws, err := s.cache.GetPushSubscriptions(ctx, userID)
	if err != nil {
		return err
	}
	for _, raw := range raws {
		var sub Subscription
		if json.Unmarshal(raw, &sub) == nil && sub.Endpoint == endpoint {
			if err := s.cache.RemovePushSubscription(ctx, userID, raw); err != nil {
				return err
			}
		}
	}
	return nil
}

// Notify шлёт уведомление на все устройства пользователя. Best-effort:
// ошибки логируются, протухшие подписки (404/410) удаляются.
func (s *Sender) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	if s.vapid == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	raws, err := s.cache.GetPushSubscriptions(ctx, userID)
	if err != nil {
		logger.Errorf("push subscriptions user=%s: %v", userID, err)
		return
	}
	if len(raws) == 0 {
		return
	}
	payload, err := json.Marshal(map[string]any{"title": title, "body": body, "data": data})
	if err != nil {
		return
	}

	for _, raw := range raws {
		var sub webpush.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil || sub.Endpoint == "" {
			continue
		}
		resp, err := webpush.SendNotificationWithContext(ctx, payload, &sub, s.vapid)
		if err != nil {
			logger.Errorf("push send user=%s: %v", userID, err)
			continue
		}
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			// Подписка умерла на стороне браузера.
			if err := s.cache.RemovePushSubscription(ctx, userID, raw); err != nil {
				logger.Errorf("push drop subscription user=%s: %v", userID, err)
			}
		}
		resp.Body.Close()
	}
}
