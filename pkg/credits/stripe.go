package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeConfig holds Stripe credentials. The webhook secret is the shared
// secret used to verify inbound event signatures.
type StripeConfig struct {
	SecretKey     string `env:"STRIPE_SECRET_KEY,required"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET,required"`
}

// StripeProvider implements Provider against the Stripe API. It carries its
// own client instance; nothing is stored in stripe-go's package-level
// globals, so multiple providers with different keys can coexist.
type StripeProvider struct {
	client        *client.API
	webhookSecret string
}

// NewStripeProvider creates a Stripe-backed Provider.
func NewStripeProvider(cfg StripeConfig) (*StripeProvider, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.New("stripe webhook secret is required")
	}

	sc := &client.API{}
	sc.Init(cfg.SecretKey, nil)

	return &StripeProvider{
		client:        sc,
		webhookSecret: cfg.WebhookSecret,
	}, nil
}

func (p *StripeProvider) CreateCustomer(ctx context.Context, email string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
	}
	params.Context = ctx
	// Deterministic key so a retried create returns the same customer.
	params.SetIdempotencyKey("customer-" + email)

	cust, err := p.client.Customers.New(params)
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}
	return cust.ID, nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:     stripe.String(string(req.Mode)),
		Customer: stripe.String(req.CustomerRef),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceRef),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	session, err := p.client.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create stripe checkout session: %w", err)
	}
	if session.URL == "" {
		return nil, errors.New("no checkout URL returned from stripe")
	}
	return &CheckoutSession{URL: session.URL, SessionRef: session.ID}, nil
}

func (p *StripeProvider) RetrieveSubscription(ctx context.Context, subscriptionRef string) (*ProviderSubscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("items.data.price")

	sub, err := p.client.Subscriptions.Get(subscriptionRef, params)
	if err != nil {
		return nil, fmt.Errorf("retrieve stripe subscription: %w", err)
	}
	return providerSubscriptionFromStripe(sub), nil
}

func (p *StripeProvider) ModifySubscription(ctx context.Context, subscriptionRef string, cancelAtPeriodEnd bool) error {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(cancelAtPeriodEnd),
	}
	params.Context = ctx
	params.SetIdempotencyKey(fmt.Sprintf("modify-%s-%t", subscriptionRef, cancelAtPeriodEnd))

	if _, err := p.client.Subscriptions.Update(subscriptionRef, params); err != nil {
		return fmt.Errorf("modify stripe subscription: %w", err)
	}
	return nil
}

func (p *StripeProvider) CancelSubscription(ctx context.Context, subscriptionRef string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	params.SetIdempotencyKey("cancel-" + subscriptionRef)

	if _, err := p.client.Subscriptions.Cancel(subscriptionRef, params); err != nil {
		return fmt.Errorf("cancel stripe subscription: %w", err)
	}
	return nil
}

func (p *StripeProvider) CustomerEmail(ctx context.Context, customerRef string) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx

	cust, err := p.client.Customers.Get(customerRef, params)
	if err != nil {
		return "", fmt.Errorf("retrieve stripe customer: %w", err)
	}
	return cust.Email, nil
}

func (p *StripeProvider) PriceRefByLookupKey(ctx context.Context, lookupKey string) (string, error) {
	params := &stripe.PriceListParams{
		LookupKeys: stripe.StringSlice([]string{lookupKey}),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(1)

	iter := p.client.Prices.List(params)
	for iter.Next() {
		return iter.Price().ID, nil
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("list stripe prices: %w", err)
	}
	return "", fmt.Errorf("no stripe price found for lookup key %q", lookupKey)
}

// ParseEvent verifies the Stripe-Signature header against the webhook secret
// and decodes the payload into the typed event union. Unknown event types
// come back as EventUnhandled so the reconciler can acknowledge them.
func (p *StripeProvider) ParseEvent(ctx context.Context, payload []byte, signature string) (*Event, error) {
	stripeEvent, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, errors.Join(ErrWebhookSignature, err)
	}

	evt := &Event{
		ID:            stripeEvent.ID,
		Type:          EventUnhandled,
		ProviderEvent: string(stripeEvent.Type),
	}

	switch string(stripeEvent.Type) {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(stripeEvent.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("decode checkout session payload: %w", err)
		}
		evt.Type = EventCheckoutCompleted
		evt.Checkout = checkoutEventFromStripe(&session)

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(stripeEvent.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription payload: %w", err)
		}
		switch string(stripeEvent.Type) {
		case "customer.subscription.created":
			evt.Type = EventSubscriptionCreated
		case "customer.subscription.updated":
			evt.Type = EventSubscriptionUpdated
		default:
			evt.Type = EventSubscriptionDeleted
		}
		evt.Subscription = subscriptionEventFromStripe(&sub)

	case "invoice.payment_succeeded", "invoice.payment_failed":
		var invoice stripe.Invoice
		if err := json.Unmarshal(stripeEvent.Data.Raw, &invoice); err != nil {
			return nil, fmt.Errorf("decode invoice payload: %w", err)
		}
		if string(stripeEvent.Type) == "invoice.payment_succeeded" {
			evt.Type = EventInvoicePaid
		} else {
			evt.Type = EventInvoicePaymentFailed
		}
		inv := &InvoiceEvent{}
		if invoice.Subscription != nil {
			inv.SubscriptionRef = invoice.Subscription.ID
		}
		evt.Invoice = inv
	}

	return evt, nil
}

func checkoutEventFromStripe(session *stripe.CheckoutSession) *CheckoutEvent {
	evt := &CheckoutEvent{
		Mode:        CheckoutMode(session.Mode),
		AmountTotal: session.AmountTotal,
		Email:       session.CustomerEmail,
		Metadata:    session.Metadata,
	}
	if session.Customer != nil {
		evt.CustomerRef = session.Customer.ID
	}
	if session.Subscription != nil {
		evt.SubscriptionRef = session.Subscription.ID
	}
	if session.PaymentIntent != nil {
		evt.PaymentRef = session.PaymentIntent.ID
	}
	// CustomerDetails carries the address actually entered at checkout and
	// beats the pre-filled customer email.
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		evt.Email = session.CustomerDetails.Email
	}
	return evt
}

func subscriptionEventFromStripe(sub *stripe.Subscription) *SubscriptionEvent {
	evt := &SubscriptionEvent{
		Ref:               sub.ID,
		Status:            string(sub.Status),
		CurrentPeriodEnd:  timeFromUnix(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		evt.CustomerRef = sub.Customer.ID
	}
	evt.Price = priceSnapshotFromItems(sub)
	return evt
}

func providerSubscriptionFromStripe(sub *stripe.Subscription) *ProviderSubscription {
	snapshot := &ProviderSubscription{
		Ref:               sub.ID,
		Status:            string(sub.Status),
		CurrentPeriodEnd:  timeFromUnix(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		snapshot.CustomerRef = sub.Customer.ID
	}
	snapshot.Price = priceSnapshotFromItems(sub)
	return snapshot
}

func priceSnapshotFromItems(sub *stripe.Subscription) PriceSnapshot {
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return PriceSnapshot{}
	}
	price := sub.Items.Data[0].Price
	snapshot := PriceSnapshot{
		Ref:        price.ID,
		LookupKey:  price.LookupKey,
		UnitAmount: price.UnitAmount,
	}
	if price.Recurring != nil {
		snapshot.Interval = string(price.Recurring.Interval)
	}
	return snapshot
}

// timeFromUnix converts a provider epoch-seconds field, zero meaning absent.
func timeFromUnix(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
