// Package events публикует доменные события движка во внешний поток (Kafka)
// для аналитики и интеграций. Поток дополнительный: его недоступность не
// мешает доставке по сокетам.
package events

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
	"github.com/estatechat/internal/event"
	"github.com/estatechat/internal/logger"
)

type Publisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewPublisher подключается к брокерам. Пустой список — поток отключён,
// Publish становится no-op.
func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return &Publisher{}, nil
	}
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Return.Successes = true
	cfg.Net.MaxOpenRequests = 1
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &Publisher{producer: producer, topic: topic}, nil
}

// Publish шлёт событие с ключом партиционирования (id диалога: порядок
// внутри диалога сохраняется). Best-effort: ошибка логируется.
func (p *Publisher) Publish(ctx context.Context, key string, env event.Envelope) {
	if p.producer == nil {
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		logger.Errorf("events marshal %s: %v", env.Type, err)
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(env.Type)},
		},
	}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		logger.Errorf("events publish %s: %v", env.Type, err)
	}
}

func (p *Publisher) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
