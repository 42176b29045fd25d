// Package stripe verifies Stripe webhooks, maps their payloads onto payment
// events and issues payment intent commands.
package stripe

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	stripeapi "github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"
)

const signatureHeader = "Stripe-Signature"

var (
	// ErrInvalidSignature marks deliveries that did not come from Stripe or
	// were signed with another endpoint secret.
	ErrInvalidSignature = errors.New("invalid stripe signature")
	ErrMissingEventID   = errors.New("stripe event has no id")
)

// ReadWebhookEvent reads the request body and checks its signature against
// secret. Events built for an older account API version are accepted; their
// objects are decoded field by field by ParseEvent.
func ReadWebhookEvent(r *http.Request, secret string) (*stripeapi.Event, error) {
	signature := r.Header.Get(signatureHeader)
	if signature == "" {
		return nil, fmt.Errorf("%w: missing %s header", ErrInvalidSignature, signatureHeader)
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read webhook body: %w", err)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if event.ID == "" {
		return nil, ErrMissingEventID
	}
	return &event, nil
}
