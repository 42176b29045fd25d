package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	stripeapi "github.com/stripe/stripe-go/v84"

	"github.com/gitshopapp/ordercore/internal/observability"
)

// ErrUnavailable is returned when Stripe could not be reached or answered
// with a server-side failure. The command may be retried.
var ErrUnavailable = errors.New("stripe unavailable")

const (
	paymentClientTimeout = 15 * time.Second
	apiHost              = "api.stripe.com"
)

// PaymentClient issues synchronous commands against payment intents.
type PaymentClient struct {
	client *stripeapi.Client
}

func NewPaymentClient(secretKey string) *PaymentClient {
	backends := stripeapi.NewBackendsWithConfig(&stripeapi.BackendConfig{
		HTTPClient: observability.TracedClient(paymentClientTimeout, apiHost),
	})
	return &PaymentClient{
		client: stripeapi.NewClient(secretKey, stripeapi.WithBackends(backends)),
	}
}

// CapturePayment captures a previously authorised payment intent.
func (c *PaymentClient) CapturePayment(ctx context.Context, paymentIntentID string) error {
	if ctx == nil {
		return fmt.Errorf("context is required")
	}

	if _, err := c.client.V1PaymentIntents.Capture(ctx, paymentIntentID, &stripeapi.PaymentIntentCaptureParams{}); err != nil {
		return classifyError("capture payment intent", err)
	}
	return nil
}

// CancelPayment cancels a payment intent that has not been captured.
func (c *PaymentClient) CancelPayment(ctx context.Context, paymentIntentID string) error {
	if ctx == nil {
		return fmt.Errorf("context is required")
	}

	params := &stripeapi.PaymentIntentCancelParams{
		CancellationReason: stripeapi.String(string(stripeapi.PaymentIntentCancellationReasonRequestedByCustomer)),
	}
	if _, err := c.client.V1PaymentIntents.Cancel(ctx, paymentIntentID, params); err != nil {
		return classifyError("cancel payment intent", err)
	}
	return nil
}

// classifyError separates rejections, which are final, from transport and
// server failures.
func classifyError(op string, err error) error {
	var stripeErr *stripeapi.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= http.StatusInternalServerError || stripeErr.HTTPStatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("failed to %s: %w: %v", op, ErrUnavailable, err)
		}
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return fmt.Errorf("failed to %s: %w: %v", op, ErrUnavailable, err)
}
