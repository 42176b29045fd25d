package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/gitshopapp/ordercore/internal/models"
	"github.com/gitshopapp/ordercore/internal/store"
)

const defaultEventListLimit = 50

// EventLog is the append-only audit trail of processor events and of every
// attempt to apply them. Each call runs in its own transaction so the trail
// survives a failed order transition.
type EventLog struct {
	store store.Store
}

func NewEventLog(store store.Store) *EventLog {
	return &EventLog{store: store}
}

// EventRecord is a logged event with its attempts, oldest first.
type EventRecord struct {
	models.ProcessorEvent
	Attempts []models.EventAttempt `json:"attempts"`
}

// LatestOutcome returns the outcome of the most recent attempt, or "" when
// the event was never attempted.
func (r EventRecord) LatestOutcome() models.EventOutcome {
	if len(r.Attempts) == 0 {
		return ""
	}
	return r.Attempts[len(r.Attempts)-1].Outcome
}

// Append logs the event. It returns ErrDuplicateEvent when the event id is
// already present.
func (l *EventLog) Append(ctx context.Context, event *models.ProcessorEvent) error {
	return l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		inserted, err := tx.InsertEvent(ctx, event)
		if err != nil {
			return fmt.Errorf("failed to append processor event: %w", err)
		}
		if !inserted {
			return ErrDuplicateEvent
		}
		return nil
	})
}

func (l *EventLog) RecordAttempt(ctx context.Context, attempt *models.EventAttempt) error {
	return l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertEventAttempt(ctx, attempt)
	})
}

func (l *EventLog) Get(ctx context.Context, eventID string) (*EventRecord, error) {
	var record *EventRecord
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		event, err := tx.GetEvent(ctx, eventID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrEventNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load processor event: %w", err)
		}
		attempts, err := tx.ListEventAttempts(ctx, eventID)
		if err != nil {
			return fmt.Errorf("failed to load event attempts: %w", err)
		}
		record = &EventRecord{ProcessorEvent: *event, Attempts: attempts}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// List returns the most recent events, newest first.
func (l *EventLog) List(ctx context.Context, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = defaultEventListLimit
	}

	var records []EventRecord
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		events, err := tx.ListEvents(ctx, limit)
		if err != nil {
			return fmt.Errorf("failed to list processor events: %w", err)
		}
		records = make([]EventRecord, 0, len(events))
		for _, event := range events {
			attempts, err := tx.ListEventAttempts(ctx, event.EventID)
			if err != nil {
				return fmt.Errorf("failed to load event attempts: %w", err)
			}
			records = append(records, EventRecord{ProcessorEvent: event, Attempts: attempts})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Unmatched returns events for the references that are still waiting for an
// order, oldest first.
func (l *EventLog) Unmatched(ctx context.Context, references []string) ([]models.ProcessorEvent, error) {
	var events []models.ProcessorEvent
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		events, err = tx.ListUnmatchedEvents(ctx, references)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list unmatched events: %w", err)
	}
	return events, nil
}
