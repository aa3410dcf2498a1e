package credits

import (
	"context"
	"time"
)

// Provider is the narrow contract against the payment provider. Hosted
// checkout, card processing, and invoicing all live on the provider's side;
// this subsystem only creates sessions, reads subscription snapshots, and
// decodes signed webhook payloads.
//
// All mutating calls accept a caller-generated idempotency key so client-side
// retries cannot double-charge.
type Provider interface {
	// CreateCustomer registers a billing customer for the given email and
	// returns the provider's opaque customer reference.
	CreateCustomer(ctx context.Context, email string) (string, error)

	// CreateCheckoutSession creates a hosted checkout session.
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error)

	// RetrieveSubscription fetches the current subscription snapshot with
	// price line items expanded.
	RetrieveSubscription(ctx context.Context, subscriptionRef string) (*ProviderSubscription, error)

	// ModifySubscription toggles cancel-at-period-end.
	ModifySubscription(ctx context.Context, subscriptionRef string, cancelAtPeriodEnd bool) error

	// CancelSubscription cancels immediately. Local state is updated only by
	// the resulting webhook, never here.
	CancelSubscription(ctx context.Context, subscriptionRef string) error

	// CustomerEmail returns the billing email recorded on the provider
	// customer. Used as the last resort when resolving webhook events.
	CustomerEmail(ctx context.Context, customerRef string) (string, error)

	// PriceRefByLookupKey resolves a price by its provider-side lookup key.
	PriceRefByLookupKey(ctx context.Context, lookupKey string) (string, error)

	// ParseEvent verifies the webhook signature against the shared secret and
	// decodes the raw payload into a typed event. Verification happens before
	// any parsing; a bad signature yields ErrWebhookSignature.
	ParseEvent(ctx context.Context, payload []byte, signature string) (*Event, error)
}

// CheckoutMode distinguishes recurring subscriptions from one-time payments.
type CheckoutMode string

const (
	ModeSubscription CheckoutMode = "subscription"
	ModePayment      CheckoutMode = "payment"
)

// CheckoutSessionRequest describes a hosted checkout session to create.
type CheckoutSessionRequest struct {
	CustomerRef    string
	Mode           CheckoutMode
	PriceRef       string
	SuccessURL     string
	CancelURL      string
	Metadata       map[string]string // carried back on webhook events for correlation
	IdempotencyKey string
}

// CheckoutSession is the created hosted session.
type CheckoutSession struct {
	URL        string
	SessionRef string
}

// PriceSnapshot is the provider's view of a price line item.
type PriceSnapshot struct {
	Ref        string
	LookupKey  string // empty on legacy-created prices
	UnitAmount int64  // minor currency units
	Interval   string // "month", "year", or empty for one-time prices
}

// ProviderSubscription is a point-in-time snapshot fetched from the provider.
type ProviderSubscription struct {
	Ref               string
	CustomerRef       string
	Status            string
	CurrentPeriodEnd  time.Time // zero if the provider omitted it
	CancelAtPeriodEnd bool
	Price             PriceSnapshot
	Metadata          map[string]string
}

// EventType tags the decoded webhook event union.
type EventType string

const (
	EventCheckoutCompleted    EventType = "checkout_completed"
	EventSubscriptionCreated  EventType = "subscription_created"
	EventSubscriptionUpdated  EventType = "subscription_updated"
	EventSubscriptionDeleted  EventType = "subscription_deleted"
	EventInvoicePaid          EventType = "invoice_paid"
	EventInvoicePaymentFailed EventType = "invoice_payment_failed"
	EventUnhandled            EventType = "unhandled"
)

// Event is the typed union decoded once at the webhook boundary. Exactly one
// payload pointer matching Type is set; EventUnhandled carries none. Internal
// logic switches on Type instead of probing optional payload keys.
type Event struct {
	ID            string // provider event id, used for deduplication
	Type          EventType
	ProviderEvent string // original provider event name, for logging

	Checkout     *CheckoutEvent
	Subscription *SubscriptionEvent
	Invoice      *InvoiceEvent
}

// CheckoutEvent is the payload of a completed checkout session.
type CheckoutEvent struct {
	Mode            CheckoutMode
	CustomerRef     string
	SubscriptionRef string // subscription mode only
	PaymentRef      string // payment mode only; idempotency boundary for purchases
	AmountTotal     int64  // minor currency units
	Email           string
	Metadata        map[string]string
}

// SubscriptionEvent is the payload of a subscription lifecycle event.
type SubscriptionEvent struct {
	Ref               string
	CustomerRef       string
	Status            string
	CurrentPeriodEnd  time.Time // zero if absent
	CancelAtPeriodEnd bool
	Price             PriceSnapshot
	Metadata          map[string]string
}

// InvoiceEvent is the payload of an invoice outcome event.
type InvoiceEvent struct {
	SubscriptionRef string // empty for invoices not tied to a subscription
}
