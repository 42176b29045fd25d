package models

import (
	"encoding/json"
	"time"
)

// ProcessorEvent is an inbound payment processor notification as it was
// received. Rows are never mutated once written.
type ProcessorEvent struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	Reference   string          `json:"reference,omitempty"`
	OrderNumber string          `json:"order_number,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	ReceivedAt  time.Time       `json:"received_at"`
}

func (e ProcessorEvent) Clone() ProcessorEvent {
	cloned := e
	if e.Payload != nil {
		cloned.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return cloned
}

type EventOutcome string

const (
	OutcomeApplied      EventOutcome = "applied"
	OutcomeDuplicate    EventOutcome = "duplicate"
	OutcomeUnmatched    EventOutcome = "unmatched"
	OutcomeRecovered    EventOutcome = "recovered"
	OutcomeInconsistent EventOutcome = "inconsistent"
	OutcomeIgnored      EventOutcome = "ignored"
	OutcomeFailed       EventOutcome = "failed"
)

// Settled reports whether a later delivery of the same event has nothing
// left to do.
func (o EventOutcome) Settled() bool {
	switch o {
	case OutcomeApplied, OutcomeRecovered, OutcomeIgnored, OutcomeInconsistent:
		return true
	default:
		return false
	}
}

// EventAttempt is one processing pass over a logged event.
type EventAttempt struct {
	ID          int64        `json:"id"`
	EventID     string       `json:"event_id"`
	AttemptedAt time.Time    `json:"attempted_at"`
	Outcome     EventOutcome `json:"outcome"`
	OrderID     *int64       `json:"order_id,omitempty"`
	Strategy    string       `json:"strategy,omitempty"`
	Error       string       `json:"error,omitempty"`
}
