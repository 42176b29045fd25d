package notify

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewNotifier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "default is log", cfg: Config{}},
		{name: "log", cfg: Config{Provider: "log"}},
		{name: "kafka", cfg: Config{Provider: "kafka", Brokers: []string{"localhost:9092"}, Topic: "order-notifications"}},
		{name: "kafka without brokers", cfg: Config{Provider: "kafka", Topic: "order-notifications"}, wantErr: true},
		{name: "kafka without topic", cfg: Config{Provider: "kafka", Brokers: []string{"localhost:9092"}}, wantErr: true},
		{name: "unknown", cfg: Config{Provider: "smtp"}, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			n, err := NewNotifier(tt.cfg, nil)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err := n.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
		})
	}
}

func TestNotificationMessage(t *testing.T) {
	t.Parallel()

	occurred := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg, err := notificationMessage(Notification{
		Type:        TypeOrderPaid,
		OrderID:     42,
		OrderNumber: "ORD-42",
		TotalCents:  5800,
		Currency:    "eur",
		OccurredAt:  occurred,
	})
	if err != nil {
		t.Fatalf("notificationMessage: %v", err)
	}

	if string(msg.Key) != "42" {
		t.Fatalf("key = %q, want 42", msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != string(TypeOrderPaid) {
		t.Fatalf("unexpected headers: %+v", msg.Headers)
	}
	if !msg.Time.Equal(occurred) {
		t.Fatalf("time = %v, want %v", msg.Time, occurred)
	}

	var decoded Notification
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if decoded.OrderNumber != "ORD-42" || decoded.TotalCents != 5800 {
		t.Fatalf("unexpected payload: %+v", decoded)
	}
}
