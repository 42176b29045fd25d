// Package notify publishes order notifications after state transitions.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type Type string

const (
	TypeOrderCreated   Type = "order_created"
	TypeOrderPaid      Type = "order_paid"
	TypePaymentFailed  Type = "payment_failed"
	TypeOrderCancelled Type = "order_cancelled"
	TypeOrderDelivered Type = "order_delivered"
	TypeReturnApproved Type = "return_approved"
	TypeReturnRejected Type = "return_rejected"
	TypeOrderRefunded  Type = "order_refunded"
)

type Notification struct {
	Type           Type      `json:"type"`
	OrderID        int64     `json:"order_id"`
	OrderNumber    string    `json:"order_number"`
	UserID         *int64    `json:"user_id,omitempty"`
	RecipientEmail string    `json:"recipient_email,omitempty"`
	TotalCents     int64     `json:"total_cents"`
	Currency       string    `json:"currency"`
	PaymentOutcome string    `json:"payment_outcome,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Notifier delivers notifications. Callers treat failures as non-fatal.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
	Close() error
}

type Config struct {
	Provider string
	Brokers  []string
	Topic    string
}

func NewNotifier(cfg Config, logger *slog.Logger) (Notifier, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "log", "":
		return NewLogNotifier(logger), nil
	case "kafka":
		return NewKafkaNotifier(cfg.Brokers, cfg.Topic)
	default:
		return nil, fmt.Errorf("unsupported notifier provider: %s", cfg.Provider)
	}
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, notification Notification) error {
	n.logger.InfoContext(ctx, "order notification",
		"type", notification.Type,
		"order_id", notification.OrderID,
		"order_number", notification.OrderNumber,
		"recipient", notification.RecipientEmail,
		"total_cents", notification.TotalCents,
		"payment_outcome", notification.PaymentOutcome,
	)
	return nil
}

func (n *LogNotifier) Close() error {
	return nil
}
