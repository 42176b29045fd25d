package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/gitshopapp/ordercore/internal/models"
)

func (t *pgTx) InsertEvent(ctx context.Context, event *models.ProcessorEvent) (bool, error) {
	query := `
		INSERT INTO processor_events (event_id, event_type, reference, order_number, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING received_at
	`
	payload := []byte(event.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	err := t.tx.QueryRow(ctx, query,
		event.EventID,
		event.EventType,
		event.Reference,
		event.OrderNumber,
		payload,
	).Scan(&event.ReceivedAt)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (t *pgTx) GetEvent(ctx context.Context, eventID string) (*models.ProcessorEvent, error) {
	var event models.ProcessorEvent
	err := t.tx.QueryRow(ctx, `
		SELECT event_id, event_type, reference, order_number, payload, received_at
		FROM processor_events
		WHERE event_id = $1
	`, eventID).Scan(
		&event.EventID,
		&event.EventType,
		&event.Reference,
		&event.OrderNumber,
		&event.Payload,
		&event.ReceivedAt,
	)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("event %q", eventID))
	}
	return &event, nil
}

func (t *pgTx) ListEvents(ctx context.Context, limit int) ([]models.ProcessorEvent, error) {
	limitInt32, err := intToInt32(limit, "limit")
	if err != nil {
		return nil, err
	}
	return t.queryEvents(ctx, `
		SELECT event_id, event_type, reference, order_number, payload, received_at
		FROM processor_events
		ORDER BY received_at DESC, event_id
		LIMIT $1
	`, limitInt32)
}

func (t *pgTx) ListUnmatchedEvents(ctx context.Context, references []string) ([]models.ProcessorEvent, error) {
	if len(references) == 0 {
		return nil, nil
	}
	return t.queryEvents(ctx, `
		SELECT e.event_id, e.event_type, e.reference, e.order_number, e.payload, e.received_at
		FROM processor_events e
		JOIN LATERAL (
			SELECT outcome
			FROM processor_event_attempts a
			WHERE a.event_id = e.event_id
			ORDER BY a.id DESC
			LIMIT 1
		) latest ON TRUE
		WHERE e.reference = ANY($1) AND latest.outcome = $2
		ORDER BY e.received_at, e.event_id
	`, references, string(models.OutcomeUnmatched))
}

func (t *pgTx) queryEvents(ctx context.Context, query string, args ...any) ([]models.ProcessorEvent, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.ProcessorEvent
	for rows.Next() {
		var event models.ProcessorEvent
		if err := rows.Scan(
			&event.EventID,
			&event.EventType,
			&event.Reference,
			&event.OrderNumber,
			&event.Payload,
			&event.ReceivedAt,
		); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (t *pgTx) InsertEventAttempt(ctx context.Context, attempt *models.EventAttempt) error {
	query := `
		INSERT INTO processor_event_attempts (event_id, outcome, order_id, strategy, error)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, attempted_at
	`
	return t.tx.QueryRow(ctx, query,
		attempt.EventID,
		string(attempt.Outcome),
		nullableInt8(attempt.OrderID),
		attempt.Strategy,
		attempt.Error,
	).Scan(&attempt.ID, &attempt.AttemptedAt)
}

func (t *pgTx) ListEventAttempts(ctx context.Context, eventID string) ([]models.EventAttempt, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, event_id, attempted_at, outcome, order_id, strategy, error
		FROM processor_event_attempts
		WHERE event_id = $1
		ORDER BY id
	`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []models.EventAttempt
	for rows.Next() {
		var (
			attempt models.EventAttempt
			outcome string
			orderID pgtype.Int8
		)
		if err := rows.Scan(
			&attempt.ID,
			&attempt.EventID,
			&attempt.AttemptedAt,
			&outcome,
			&orderID,
			&attempt.Strategy,
			&attempt.Error,
		); err != nil {
			return nil, err
		}
		attempt.Outcome = models.EventOutcome(outcome)
		if orderID.Valid {
			id := orderID.Int64
			attempt.OrderID = &id
		}
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}
