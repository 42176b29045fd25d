package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	stripeapi "github.com/stripe/stripe-go/v84"
)

// ErrUnsupportedEvent is returned for event types the reconciler does not act on.
var ErrUnsupportedEvent = errors.New("unsupported stripe event type")

// PaymentOutcome is what the event says about the money. OutcomePending
// marks a completed checkout whose funds are not yet confirmed; a later
// async event settles it.
type PaymentOutcome string

const (
	OutcomeSucceeded PaymentOutcome = "succeeded"
	OutcomeFailed    PaymentOutcome = "failed"
	OutcomePending   PaymentOutcome = "pending"
)

const (
	EventCheckoutSessionCompleted      = "checkout.session.completed"
	EventCheckoutSessionExpired        = "checkout.session.expired"
	EventCheckoutAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	EventCheckoutAsyncPaymentFailed    = "checkout.session.async_payment_failed"
	EventPaymentIntentSucceeded        = "payment_intent.succeeded"
	EventPaymentIntentPaymentFailed    = "payment_intent.payment_failed"
)

// Metadata is what checkout attaches to sessions and intents.
type Metadata struct {
	OrderID        int64
	OrderNumber    string
	UserID         *int64
	ShippingMethod string
	ShippingInfo   map[string]any
}

// PaymentEvent is the processor-neutral view of a webhook the reconciler
// consumes.
type PaymentEvent struct {
	ID                string
	Type              string
	Outcome           PaymentOutcome
	SessionID         string
	PaymentIntentID   string
	ClientReferenceID string
	Metadata          Metadata
	AmountCents       int64
	Currency          string
	CustomerEmail     string
	CustomerName      string
	ShippingAddress   map[string]any
	FailureReason     string
}

// References lists the processor correlation keys carried by the event.
func (e PaymentEvent) References() []string {
	var refs []string
	if e.SessionID != "" {
		refs = append(refs, e.SessionID)
	}
	if e.PaymentIntentID != "" {
		refs = append(refs, e.PaymentIntentID)
	}
	return refs
}

// PrimaryReference is the key stored alongside the logged event.
func (e PaymentEvent) PrimaryReference() string {
	if e.SessionID != "" {
		return e.SessionID
	}
	return e.PaymentIntentID
}

type checkoutSessionPayload struct {
	stripeapi.CheckoutSession
	ShippingDetails *stripeapi.ShippingDetails `json:"shipping_details"`
}

// ParseStripeEvent converts a verified webhook event.
func ParseStripeEvent(event *stripeapi.Event) (PaymentEvent, error) {
	if event == nil || event.Data == nil {
		return PaymentEvent{}, fmt.Errorf("missing stripe event data")
	}
	return ParseEvent(event.ID, string(event.Type), event.Data.Raw)
}

// ParseEvent decodes the event object into a PaymentEvent. It is also used
// to replay logged payloads.
func ParseEvent(id, eventType string, object json.RawMessage) (PaymentEvent, error) {
	if strings.TrimSpace(id) == "" {
		return PaymentEvent{}, fmt.Errorf("missing stripe event id")
	}

	switch eventType {
	case EventCheckoutSessionCompleted, EventCheckoutSessionExpired,
		EventCheckoutAsyncPaymentSucceeded, EventCheckoutAsyncPaymentFailed:
		return parseCheckoutSession(id, eventType, object)
	case EventPaymentIntentSucceeded, EventPaymentIntentPaymentFailed:
		return parsePaymentIntent(id, eventType, object)
	default:
		return PaymentEvent{ID: id, Type: eventType}, fmt.Errorf("%w: %s", ErrUnsupportedEvent, eventType)
	}
}

func parseCheckoutSession(id, eventType string, object json.RawMessage) (PaymentEvent, error) {
	var session checkoutSessionPayload
	if err := json.Unmarshal(object, &session); err != nil {
		return PaymentEvent{}, fmt.Errorf("invalid event object: %w", err)
	}
	if session.ID == "" {
		return PaymentEvent{}, fmt.Errorf("missing session ID")
	}

	metadata, err := parseMetadata(session.Metadata)
	if err != nil {
		return PaymentEvent{}, err
	}

	email, name := extractCustomerDetails(&session)
	ev := PaymentEvent{
		ID:                id,
		Type:              eventType,
		SessionID:         session.ID,
		ClientReferenceID: session.ClientReferenceID,
		Metadata:          metadata,
		AmountCents:       session.AmountTotal,
		Currency:          strings.ToLower(string(session.Currency)),
		CustomerEmail:     email,
		CustomerName:      name,
		ShippingAddress:   buildShippingAddress(session.ShippingDetails, session.CustomerDetails),
	}
	if session.PaymentIntent != nil {
		ev.PaymentIntentID = session.PaymentIntent.ID
	}

	switch eventType {
	case EventCheckoutSessionCompleted:
		if session.PaymentStatus == stripeapi.CheckoutSessionPaymentStatusUnpaid {
			ev.Outcome = OutcomePending
		} else {
			ev.Outcome = OutcomeSucceeded
		}
	case EventCheckoutAsyncPaymentSucceeded:
		ev.Outcome = OutcomeSucceeded
	case EventCheckoutAsyncPaymentFailed:
		ev.Outcome = OutcomeFailed
		ev.FailureReason = "async_payment_failed"
	case EventCheckoutSessionExpired:
		ev.Outcome = OutcomeFailed
		ev.FailureReason = "checkout_session_expired"
	}
	return ev, nil
}

func parsePaymentIntent(id, eventType string, object json.RawMessage) (PaymentEvent, error) {
	var intent stripeapi.PaymentIntent
	if err := json.Unmarshal(object, &intent); err != nil {
		return PaymentEvent{}, fmt.Errorf("invalid event object: %w", err)
	}
	if intent.ID == "" {
		return PaymentEvent{}, fmt.Errorf("missing payment intent ID")
	}

	metadata, err := parseMetadata(intent.Metadata)
	if err != nil {
		return PaymentEvent{}, err
	}

	ev := PaymentEvent{
		ID:              id,
		Type:            eventType,
		PaymentIntentID: intent.ID,
		Metadata:        metadata,
		AmountCents:     intent.Amount,
		Currency:        strings.ToLower(string(intent.Currency)),
		CustomerEmail:   intent.ReceiptEmail,
	}
	if intent.Shipping != nil {
		ev.CustomerName = intent.Shipping.Name
		ev.ShippingAddress = addressMap(intent.Shipping.Address)
	}

	if eventType == EventPaymentIntentSucceeded {
		ev.Outcome = OutcomeSucceeded
		if intent.AmountReceived > 0 {
			ev.AmountCents = intent.AmountReceived
		}
	} else {
		ev.Outcome = OutcomeFailed
		ev.FailureReason = "payment_intent_failed"
		if intent.LastPaymentError != nil && intent.LastPaymentError.Msg != "" {
			ev.FailureReason = intent.LastPaymentError.Msg
		}
	}
	return ev, nil
}

// parseMetadata accepts missing keys; a malformed value is an error since
// it means the checkout wrote something unexpected.
func parseMetadata(metadata map[string]string) (Metadata, error) {
	var out Metadata
	if len(metadata) == 0 {
		return out, nil
	}

	if raw := strings.TrimSpace(metadata["order_id"]); raw != "" {
		orderID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Metadata{}, fmt.Errorf("invalid order_id: %w", err)
		}
		out.OrderID = orderID
	}

	out.OrderNumber = strings.TrimSpace(metadata["order_number"])
	out.ShippingMethod = strings.TrimSpace(metadata["shipping_method"])

	if raw := strings.TrimSpace(metadata["user_id"]); raw != "" {
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Metadata{}, fmt.Errorf("invalid user_id: %w", err)
		}
		out.UserID = &userID
	}

	if raw := strings.TrimSpace(metadata["shipping_address"]); raw != "" {
		var info map[string]any
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			return Metadata{}, fmt.Errorf("invalid shipping_address: %w", err)
		}
		out.ShippingInfo = info
	}

	return out, nil
}

func extractCustomerDetails(session *checkoutSessionPayload) (string, string) {
	if session == nil {
		return "", ""
	}

	customerEmail := ""
	customerName := ""

	if session.CustomerDetails != nil {
		customerEmail = session.CustomerDetails.Email
		customerName = session.CustomerDetails.Name
	}

	if customerEmail == "" {
		customerEmail = session.CustomerEmail
	}

	if customerName == "" && session.ShippingDetails != nil {
		customerName = session.ShippingDetails.Name
	}

	return customerEmail, customerName
}

func buildShippingAddress(details *stripeapi.ShippingDetails, customerDetails *stripeapi.CheckoutSessionCustomerDetails) map[string]any {
	if details != nil && details.Address != nil {
		return addressMap(details.Address)
	}
	if customerDetails != nil {
		return addressMap(customerDetails.Address)
	}
	return nil
}

func addressMap(address *stripeapi.Address) map[string]any {
	if address == nil {
		return nil
	}
	return map[string]any{
		"line1":       address.Line1,
		"line2":       address.Line2,
		"city":        address.City,
		"state":       address.State,
		"postal_code": address.PostalCode,
		"country":     address.Country,
	}
}
