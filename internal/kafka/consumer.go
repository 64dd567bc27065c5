package kafka

import (
	"context"
	"errors"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	idleBackoff   = 10 * time.Second
	fetchBackoff  = 500 * time.Millisecond
	failedBackoff = 200 * time.Millisecond
)

type MessageHandler interface {
	Handle(ctx context.Context, msg kafkago.Message) error
}

type Reader interface {
	Config() kafkago.ReaderConfig
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
}

// NewReader builds a consumer-group reader for one topic.
func NewReader(brokers []string, topic, group string) *kafkago.Reader {
	return kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        group,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
}

// Consumer feeds messages to the handler one at a time and commits each
// offset only after the handler returned nil, so offsets never jump ahead
// of processed messages.
type Consumer struct {
	handler MessageHandler
	reader  Reader
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration)
}

func NewConsumer(handler MessageHandler, reader Reader, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		handler: handler,
		reader:  reader,
		logger:  logger,
		sleep:   sleepWithContext,
	}
}

// Run blocks until ctx is done.
func (c *Consumer) Run(ctx context.Context) {
	rc := c.reader.Config()
	c.logger.Info("starting kafka consumer",
		zap.Strings("brokers", rc.Brokers),
		zap.String("group", rc.GroupID),
		zap.String("topic", rc.Topic),
	)
	defer c.logger.Info("kafka consumer stopped", zap.String("topic", rc.Topic))

	for ctx.Err() == nil {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			if isBenignFetchTimeout(err) {
				c.logger.Debug("fetch timeout (idle), backing off", zap.Error(err))
				c.sleep(ctx, idleBackoff)
				continue
			}
			// rebalancing and coordinator changes show up here; wait them out
			c.logger.Warn("fetch failed, backing off", zap.Error(err))
			c.sleep(ctx, fetchBackoff)
			continue
		}

		start := time.Now()
		if err := c.handler.Handle(ctx, msg); err != nil {
			c.logger.Error("handler failed, message not committed",
				zap.Error(err),
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Duration("elapsed", time.Since(start)),
			)
			c.sleep(ctx, failedBackoff)
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Warn("commit failed",
				zap.Error(err),
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
			)
			c.sleep(ctx, failedBackoff)
			continue
		}
		c.logger.Debug("message committed",
			zap.String("topic", msg.Topic),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Int("value_bytes", len(msg.Value)),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func isBenignFetchTimeout(err error) bool {
	s := err.Error()
	return strings.Contains(s, "Request Timed Out") ||
		strings.Contains(s, "no messages received from kafka within the allocated time")
}
