package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	dialTimeout     = 10 * time.Second
	topicReadyAfter = 10 * time.Second
	topicPoll       = 500 * time.Millisecond
)

// EnsureTopics creates the missing topics through the controller and waits
// until their partitions show up in metadata. Existing topics are left alone.
func EnsureTopics(ctx context.Context, brokers []string, topics []string, partitions, replication int, log *zap.Logger) error {
	if len(brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}
	if log == nil {
		log = zap.NewNop()
	}

	dialer := &kafkago.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	var missing []kafkago.TopicConfig
	for _, topic := range topics {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			return errors.New("empty topic")
		}
		if parts, err := conn.ReadPartitions(topic); err == nil && len(parts) > 0 {
			log.Info("kafka topic exists", zap.String("topic", topic), zap.Int("partitions", len(parts)))
			continue
		}
		missing = append(missing, kafkago.TopicConfig{
			Topic:             topic,
			NumPartitions:     partitions,
			ReplicationFactor: replication,
		})
	}
	if len(missing) == 0 {
		return nil
	}

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("get controller: %w", err)
	}
	addr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	ctrlConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial controller %s: %w", addr, err)
	}
	defer ctrlConn.Close()

	err = ctrlConn.CreateTopics(missing...)
	// another instance may have won the race
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "exists") {
		return fmt.Errorf("create topics: %w", err)
	}

	deadline := time.Now().Add(topicReadyAfter)
	for _, tc := range missing {
		for {
			parts, err := conn.ReadPartitions(tc.Topic)
			if err == nil && len(parts) >= partitions {
				log.Info("kafka topic is ready", zap.String("topic", tc.Topic), zap.Int("partitions", len(parts)))
				break
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("topic %s not visible after creation", tc.Topic)
			}
			sleepWithContext(ctx, topicPoll)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	return nil
}
