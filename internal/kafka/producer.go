package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"promo-engine/internal/config"
	"promo-engine/internal/logger"
	"promo-engine/internal/models"

	"github.com/IBM/sarama"
)

// Producer представляет Kafka producer
type Producer struct {
	producer sarama.SyncProducer
	log      *logger.Logger
	topics   *config.Topics
}

// NewProducer создает новый Kafka producer
func NewProducer(cfg *config.KafkaConfig, log *logger.Logger) (*Producer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Retry.Max = 3
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.Timeout = 5 * time.Second
	saramaCfg.Net.DialTimeout = 3 * time.Second

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	log.WithField("brokers", cfg.Brokers).Info("Kafka producer created")

	return &Producer{
		producer: producer,
		log:      log,
		topics:   &cfg.Topics,
	}, nil
}

// Close закрывает producer
func (p *Producer) Close() error {
	if p == nil || p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

// publishEvent сериализует событие и отправляет его в топик; key задаёт партицию
func (p *Producer) publishEvent(topic, key string, event models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
		},
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	p.log.WithFields(map[string]interface{}{
		"topic":      topic,
		"partition":  partition,
		"offset":     offset,
		"event_type": event.Type,
		"event_id":   event.ID,
	}).Debug("Event published")

	return nil
}

// PublishRedemption публикует событие успешного погашения
func (p *Producer) PublishRedemption(data *models.RedemptionEventData) error {
	event, err := models.NewEvent(models.EventTypeDiscountRedeemed, data)
	if err != nil {
		return fmt.Errorf("failed to build redemption event: %w", err)
	}
	return p.publishEvent(p.topics.Redemptions, data.Code, event)
}

// PublishDiscountCodeEvent публикует событие жизненного цикла промокода
func (p *Producer) PublishDiscountCodeEvent(eventType models.EventType, code string, data interface{}) error {
	event, err := models.NewEvent(eventType, data)
	if err != nil {
		return fmt.Errorf("failed to build discount code event: %w", err)
	}
	return p.publishEvent(p.topics.DiscountCodes, code, event)
}
