package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

const kafkaWriteTimeout = 5 * time.Second

// KafkaNotifier publishes one message per notification, keyed by order id
// so that notifications for an order stay in one partition.
type KafkaNotifier struct {
	writer *kafka.Writer
}

func NewKafkaNotifier(brokers []string, topic string) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			WriteTimeout: kafkaWriteTimeout,
		},
	}, nil
}

func (n *KafkaNotifier) Notify(ctx context.Context, notification Notification) error {
	msg, err := notificationMessage(notification)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, kafkaWriteTimeout)
	defer cancel()

	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

func notificationMessage(notification Notification) (kafka.Message, error) {
	value, err := json.Marshal(notification)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to encode notification: %w", err)
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatInt(notification.OrderID, 10)),
		Value: value,
		Time:  notification.OccurredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(notification.Type)},
		},
	}, nil
}
