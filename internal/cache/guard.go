package cache

import (
	"context"
	"time"
)

const (
	defaultClaimTTL = 2 * time.Minute
	defaultDoneTTL  = 24 * time.Hour

	stateProcessing = "processing"
	stateProcessed  = "processed"
)

// EventGuard is the fast path in front of the durable event log. It lets one
// worker at a time handle a delivery and short-circuits redeliveries of
// events that are already settled. Losing the cache only costs a trip to
// the event log.
type EventGuard struct {
	provider  Provider
	processor string
	claimTTL  time.Duration
	doneTTL   time.Duration
}

func NewEventGuard(provider Provider, processor string) *EventGuard {
	return &EventGuard{
		provider:  provider,
		processor: processor,
		claimTTL:  defaultClaimTTL,
		doneTTL:   defaultDoneTTL,
	}
}

// Begin claims the event. It reports false when the event is settled or
// another delivery is in flight.
func (g *EventGuard) Begin(ctx context.Context, eventID string) (bool, error) {
	return g.provider.Claim(ctx, ProcessorEventKey(g.processor, eventID), stateProcessing, g.claimTTL)
}

// Settle marks the event processed so redeliveries stop at the cache.
func (g *EventGuard) Settle(ctx context.Context, eventID string) error {
	return g.provider.Set(ctx, ProcessorEventKey(g.processor, eventID), stateProcessed, g.doneTTL)
}

// Release drops this worker's claim so a later delivery can retry. A
// processed marker is left in place.
func (g *EventGuard) Release(ctx context.Context, eventID string) error {
	_, err := g.provider.DeleteIf(ctx, ProcessorEventKey(g.processor, eventID), stateProcessing)
	return err
}
