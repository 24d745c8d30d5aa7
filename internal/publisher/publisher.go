// Package publisher sends finished mapping entries to Kafka.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/coinmap/configs"
	"github.com/navid-fn/coinmap/internal/mapping"
	"github.com/navid-fn/coinmap/internal/models"
)

// flushTimeoutMs bounds how long Close waits for queued messages.
const flushTimeoutMs = 5000

// producer is the part of *kafka.Producer the publisher uses.
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// Event is the message value published for one coin.
type Event struct {
	CoinID string `json:"coin_id"`
	models.MappingEntry
	PublishedAt time.Time `json:"published_at"`
}

// Publisher writes one message per mapping entry, keyed by coin id.
type Publisher struct {
	producer producer
	topic    string
	logger   logrus.FieldLogger
	now      func() time.Time
}

// New connects a producer to cfg.Broker.
func New(cfg configs.KafkaConfig, logger logrus.FieldLogger) (*Publisher, error) {
	config := kafka.ConfigMap{
		"bootstrap.servers": cfg.Broker,
	}

	p, err := kafka.NewProducer(&config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	pub := newPublisher(p, cfg.Topic, logger)
	pub.logger.Info("Kafka Producer initialized successfully")
	return pub, nil
}

func newPublisher(p producer, topic string, logger logrus.FieldLogger) *Publisher {
	return &Publisher{
		producer: p,
		topic:    topic,
		logger:   logger.WithField("component", "kafka"),
		now:      time.Now,
	}
}

func (p *Publisher) Name() string { return "kafka" }

// SaveMapping produces every entry of cache and waits for their delivery
// reports. Failed deliveries are joined into the returned error.
func (p *Publisher) SaveMapping(ctx context.Context, cache mapping.Cache) error {
	if len(cache) == 0 {
		return nil
	}

	deliveries := make(chan kafka.Event, len(cache))
	now := p.now().UTC()
	queued := 0
	var errs []error

	for _, id := range cache.IDs() {
		value, err := json.Marshal(Event{CoinID: id, MappingEntry: cache[id], PublishedAt: now})
		if err != nil {
			errs = append(errs, fmt.Errorf("encode %s: %w", id, err))
			continue
		}

		err = p.producer.Produce(&kafka.Message{
			TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
			Key:            []byte(id),
			Value:          value,
		}, deliveries)
		if err != nil {
			errs = append(errs, fmt.Errorf("produce %s: %w", id, err))
			continue
		}
		queued++
	}

	for range queued {
		select {
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
			return errors.Join(errs...)
		case e := <-deliveries:
			// Check delivery report. If an error occurred, it is logged and collected.
			if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
				p.logger.WithError(m.TopicPartition.Error).WithField("coin_id", string(m.Key)).Error("Message delivery failed")
				errs = append(errs, fmt.Errorf("deliver %s: %w", m.Key, m.TopicPartition.Error))
			}
		}
	}

	p.logger.WithFields(logrus.Fields{
		"topic":  p.topic,
		"queued": queued,
		"failed": len(errs),
	}).Info("Published mapping entries")
	return errors.Join(errs...)
}

// Close flushes queued messages and closes the producer.
func (p *Publisher) Close() {
	if remaining := p.producer.Flush(flushTimeoutMs); remaining > 0 {
		p.logger.WithField("remaining", remaining).Warn("Kafka Producer closed with undelivered messages")
	}
	p.producer.Close()
	p.logger.Info("Kafka Producer closed")
}
