// Package consumer ingests published mapping entries from Kafka into a sink,
// normally the ClickHouse storage.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/coinmap/configs"
	"github.com/navid-fn/coinmap/internal/mapping"
	"github.com/navid-fn/coinmap/internal/publisher"
	"github.com/navid-fn/coinmap/pkg/faulttolerance"
)

const (
	pollTimeout  = 500 * time.Millisecond
	flushTimeout = 10 * time.Second
)

// reader is the part of *kafka.Consumer the ingester uses.
type reader interface {
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error)
	Close() error
}

type Consumer struct {
	reader       reader
	sink         mapping.Sink
	topic        string
	batchSize    int
	batchTimeout time.Duration
	messagesChan chan *kafka.Message
	retryer      *faulttolerance.Retryer
	logger       logrus.FieldLogger
	wg           sync.WaitGroup
}

// New subscribes a consumer group to cfg.Topic.
func New(cfg configs.KafkaConfig, sink mapping.Sink, logger logrus.FieldLogger) (*Consumer, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Broker,
		"group.id":           cfg.GroupID,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}
	if err := c.SubscribeTopics([]string{cfg.Topic}, nil); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("subscribe %s: %w", cfg.Topic, err)
	}
	return newConsumer(c, sink, cfg, logger), nil
}

func newConsumer(r reader, sink mapping.Sink, cfg configs.KafkaConfig, logger logrus.FieldLogger) *Consumer {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 200
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 5 * time.Second
	}

	logger = logger.WithField("component", "consumer")
	return &Consumer{
		reader:       r,
		sink:         sink,
		topic:        cfg.Topic,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		messagesChan: make(chan *kafka.Message, batchSize),
		retryer:      faulttolerance.NewRetryer(faulttolerance.DefaultRetryConfig("consumer-save"), logger),
		logger:       logger,
	}
}

// Start consumes until ctx is done, then flushes the pending batch and
// closes the reader.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.WithFields(logrus.Fields{
		"topic":        c.topic,
		"sink":         c.sink.Name(),
		"batchSize":    c.batchSize,
		"batchTimeout": c.batchTimeout,
	}).Info("Starting Kafka consumer")

	c.wg.Add(1)
	go c.readMessages(ctx)

	c.worker(ctx)
	c.wg.Wait()

	if err := c.reader.Close(); err != nil {
		c.logger.WithError(err).Error("Error closing reader")
		return err
	}

	c.logger.Info("Kafka consumer shut down cleanly")
	return nil
}

func (c *Consumer) readMessages(ctx context.Context) {
	defer c.wg.Done()
	defer close(c.messagesChan)

	for ctx.Err() == nil {
		m, err := c.reader.ReadMessage(pollTimeout)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.IsTimeout() {
				continue
			}
			c.logger.WithError(err).Error("Error fetching message")
			continue
		}

		select {
		case c.messagesChan <- m:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Consumer) worker(ctx context.Context) {
	batch := make(mapping.Cache, c.batchSize)
	// last message per partition, committing it covers everything before it
	toCommit := make(map[int32]*kafka.Message)
	ticker := time.NewTicker(c.batchTimeout)
	defer ticker.Stop()

	// flushBatch keeps the batch and its offsets when the save fails, so
	// nothing after a failed message is ever committed. While running it
	// retries until the save succeeds; the final flush makes one round.
	flushBatch := func(ctx context.Context, final bool) {
		if len(toCommit) == 0 {
			return
		}
		defer ticker.Reset(c.batchTimeout)

		save := c.saveUntilDone
		if final {
			save = c.save
		}
		if err := save(ctx, batch); err != nil {
			c.logger.WithError(err).WithField("batchSize", len(batch)).Error("Error saving batch, offsets left uncommitted")
			return
		}
		for _, m := range toCommit {
			if _, err := c.reader.CommitMessage(m); err != nil {
				c.logger.WithError(err).Error("Error committing messages")
			}
		}
		c.logger.WithField("batchSize", len(batch)).Info("Successfully inserted batch")

		clear(batch)
		clear(toCommit)
	}

	for {
		select {
		case msg, ok := <-c.messagesChan:
			if !ok {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
				flushBatch(shutdownCtx, true)
				cancel()
				c.logger.Info("Worker stopped")
				return
			}

			toCommit[msg.TopicPartition.Partition] = msg
			event, err := parseMessage(msg)
			if err != nil {
				c.logger.WithError(err).WithField("offset", msg.TopicPartition.Offset).Error("Error parsing message")
				continue
			}
			batch[event.CoinID] = event.MappingEntry

			if len(batch) >= c.batchSize {
				flushBatch(ctx, false)
			}

		case <-ticker.C:
			if len(toCommit) > 0 {
				c.logger.WithField("batchSize", len(batch)).Debug("Flushing partial batch due to timeout")
				flushBatch(ctx, false)
			}
		}
	}
}

// save makes one round of retried writes.
func (c *Consumer) save(ctx context.Context, batch mapping.Cache) error {
	return c.retryer.Execute(ctx, func() error {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
		defer cancel()
		return c.sink.SaveMapping(saveCtx, maps.Clone(batch))
	})
}

// saveUntilDone repeats save until it succeeds or ctx is done. The worker
// reads nothing new meanwhile.
func (c *Consumer) saveUntilDone(ctx context.Context, batch mapping.Cache) error {
	for {
		err := c.save(ctx, batch)
		if err == nil || ctx.Err() != nil {
			return err
		}
		c.logger.WithError(err).WithField("batchSize", len(batch)).Warn("Saving batch keeps failing, retrying")
	}
}

func parseMessage(msg *kafka.Message) (*publisher.Event, error) {
	var event publisher.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return nil, fmt.Errorf("failed to parse mapping event: %w", err)
	}
	if event.CoinID == "" {
		event.CoinID = string(msg.Key)
	}
	if event.CoinID == "" {
		return nil, errors.New("mapping event without coin id")
	}
	return &event, nil
}
