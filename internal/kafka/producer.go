package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/TemirB/wb-delivery-sync/internal/domain"
)

type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type Topics struct {
	Events    string
	Alerts    string
	Orders    string
	Reconcile string
}

// NewWriter builds a writer that takes the topic from each message.
func NewWriter(brokers []string) *kafkago.Writer {
	return &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Balancer:               &kafkago.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		BatchSize:              100,
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: false,
	}
}

// Publisher is the Kafka side of the notification sink and the
// reconciliation queue. Messages are keyed by order id, so everything about
// one order lands on one partition in order; courier alerts by courier id.
type Publisher struct {
	writer Writer
	topics Topics
	logger *zap.Logger
}

func NewPublisher(writer Writer, topics Topics, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{writer: writer, topics: topics, logger: logger}
}

func (p *Publisher) PublishEvent(ctx context.Context, ev domain.DeliveryEvent) error {
	return p.write(ctx, p.topics.Events, ev.OrderExternalID, ev)
}

func (p *Publisher) PublishCourierAlert(ctx context.Context, alert domain.CourierAlert) error {
	return p.write(ctx, p.topics.Alerts, alert.CourierID, alert)
}

// Enqueue puts a status mismatch on the reconciliation topic.
func (p *Publisher) Enqueue(ctx context.Context, m domain.StatusMismatch) error {
	return p.write(ctx, p.topics.Reconcile, m.OrderExternalID, m)
}

// PublishNewOrders forwards freshly synced orders in one batch.
func (p *Publisher) PublishNewOrders(ctx context.Context, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, 0, len(orders))
	for _, o := range orders {
		msg, err := message(p.topics.Orders, o.ExternalID, o)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d orders to %s: %w", len(msgs), p.topics.Orders, err)
	}
	p.logger.Debug("orders published", zap.String("topic", p.topics.Orders), zap.Int("count", len(msgs)))
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

func (p *Publisher) write(ctx context.Context, topic, key string, v any) error {
	msg, err := message(topic, key, v)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.logger.Debug("message published",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int("value_bytes", len(msg.Value)),
	)
	return nil
}

func message(topic, key string, v any) (kafkago.Message, error) {
	value, err := json.Marshal(v)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("marshal %T: %w", v, err)
	}
	return kafkago.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	}, nil
}

// LogSink stands in for the publisher when no brokers are configured.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) PublishEvent(_ context.Context, ev domain.DeliveryEvent) error {
	s.logger.Info("delivery event",
		zap.String("delivery_id", ev.DeliveryID),
		zap.String("external_id", ev.OrderExternalID),
		zap.String("from", string(ev.From)),
		zap.String("to", string(ev.To)),
		zap.String("reason", ev.Reason),
	)
	return nil
}

func (s *LogSink) PublishCourierAlert(_ context.Context, alert domain.CourierAlert) error {
	s.logger.Info("courier alert",
		zap.String("courier_id", alert.CourierID),
		zap.String("delivery_id", alert.DeliveryID),
		zap.String("external_id", alert.OrderExternalID),
		zap.String("address", alert.Address),
	)
	return nil
}

func (s *LogSink) PublishNewOrders(_ context.Context, orders []domain.Order) error {
	for _, o := range orders {
		s.logger.Info("new order", zap.String("external_id", o.ExternalID), zap.String("order_number", o.OrderNumber))
	}
	return nil
}
