package credits

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
)

// Reconciler applies the provider's asynchronous event stream to the ledger.
// Delivery is at-least-once with no ordering guarantee, so every branch is
// idempotent and, where the event may be stale, current provider truth is
// re-fetched instead of trusting fields embedded in the event. Last write
// wins on overlapping fields; an old event applied after a newer one is
// corrected by the newer event's redelivery.
//
// Apply returns nil for events that are intentionally skipped (unmatchable
// user, unknown type, duplicate): surfacing an error would only trap the
// provider in a retry loop it can never escape.
type Reconciler struct {
	store    Store
	provider Provider
	catalog  *Catalog
	users    UserDirectory
	dedupe   EventDeduper
	log      *slog.Logger
}

// ReconcilerOption configures optional Reconciler settings.
type ReconcilerOption func(*Reconciler)

// WithEventDeduper short-circuits re-delivered events by provider event id.
func WithEventDeduper(d EventDeduper) ReconcilerOption {
	return func(r *Reconciler) {
		if d != nil {
			r.dedupe = d
		}
	}
}

// WithReconcilerLogger attaches a structured logger.
func WithReconcilerLogger(log *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if log != nil {
			r.log = log
		}
	}
}

// NewReconciler creates a Reconciler. Panics if required dependencies are
// nil to fail fast during initialization.
func NewReconciler(store Store, provider Provider, catalog *Catalog, users UserDirectory, opts ...ReconcilerOption) *Reconciler {
	if store == nil {
		panic("credits: Store is required")
	}
	if provider == nil {
		panic("credits: Provider is required")
	}
	if catalog == nil {
		panic("credits: Catalog is required")
	}
	if users == nil {
		panic("credits: UserDirectory is required")
	}

	r := &Reconciler{
		store:    store,
		provider: provider,
		catalog:  catalog,
		users:    users,
		log:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply processes one decoded event. A nil return means the event is durably
// applied or intentionally ignored and may be acknowledged to the provider;
// an error means the provider should redeliver.
func (r *Reconciler) Apply(ctx context.Context, evt *Event) error {
	if r.dedupe != nil && evt.ID != "" {
		seen, err := r.dedupe.Seen(ctx, evt.ID)
		if err != nil {
			// Dedupe is best effort; the branches below are idempotent anyway.
			r.log.WarnContext(ctx, "event dedupe lookup failed", "event_id", evt.ID, "error", err)
		} else if seen {
			r.log.InfoContext(ctx, "skipping already-applied event",
				"event_id", evt.ID, "event_type", evt.ProviderEvent)
			return nil
		}
	}

	var err error
	switch evt.Type {
	case EventCheckoutCompleted:
		err = r.applyCheckoutCompleted(ctx, evt.Checkout)
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		err = r.applySubscriptionChange(ctx, evt.Type, evt.Subscription)
	case EventInvoicePaid:
		err = r.applyInvoicePaid(ctx, evt.Invoice)
	case EventInvoicePaymentFailed:
		err = r.applyInvoicePaymentFailed(ctx, evt.Invoice)
	default:
		r.log.DebugContext(ctx, "ignoring unhandled event", "event_type", evt.ProviderEvent)
	}
	if err != nil {
		return err
	}

	if r.dedupe != nil && evt.ID != "" {
		if err := r.dedupe.Mark(ctx, evt.ID); err != nil {
			r.log.WarnContext(ctx, "event dedupe mark failed", "event_id", evt.ID, "error", err)
		}
	}
	return nil
}

func (r *Reconciler) applyCheckoutCompleted(ctx context.Context, evt *CheckoutEvent) error {
	user := r.resolveCheckoutUser(ctx, evt)
	if user == nil {
		r.log.WarnContext(ctx, "checkout completed for unmatchable user; acknowledging",
			"customer_ref", evt.CustomerRef)
		return nil
	}

	switch evt.Mode {
	case ModeSubscription:
		return r.applySubscriptionCheckout(ctx, user.ID, evt)
	case ModePayment:
		return r.applyOneTimeCheckout(ctx, user.ID, evt)
	default:
		r.log.WarnContext(ctx, "checkout completed with unknown mode; acknowledging",
			"mode", string(evt.Mode))
		return nil
	}
}

func (r *Reconciler) applySubscriptionCheckout(ctx context.Context, userID uuid.UUID, evt *CheckoutEvent) error {
	if evt.SubscriptionRef == "" {
		r.log.ErrorContext(ctx, "subscription checkout event missing subscription ref; acknowledging",
			"user_id", userID)
		return nil
	}

	// The session payload carries stale line items at best; the provider
	// subscription is the authoritative snapshot. Fetched outside the row
	// lock to keep lock hold times bounded by local work only.
	snapshot, err := r.provider.RetrieveSubscription(ctx, evt.SubscriptionRef)
	if err != nil {
		return errors.Join(ErrProvider, err)
	}

	plan, interval, decoded := r.catalog.DecodePrice(snapshot.Price, evt.Metadata)

	return r.store.UpdateSubscription(ctx, userID, func(sub *Subscription) error {
		if evt.CustomerRef != "" {
			sub.ProviderCustomerRef = evt.CustomerRef
		}
		if decoded {
			sub.Plan = plan
			sub.Interval = interval
		} else if sub.Plan == "" {
			sub.Plan = PlanFree
		}
		sub.ProviderSubscriptionRef = snapshot.Ref
		sub.Status = statusFromProvider(snapshot.Status)
		if !snapshot.CurrentPeriodEnd.IsZero() {
			end := snapshot.CurrentPeriodEnd
			sub.CurrentPeriodEnd = &end
		}
		sub.CancelAtPeriodEnd = snapshot.CancelAtPeriodEnd
		// CurrentPeriodStart and PeriodUsage stay untouched: the rolling
		// usage window is local bookkeeping, not provider state.
		normalizeCanceled(sub)
		return nil
	})
}

// normalizeCanceled enforces the ledger invariant that a canceled
// subscription carries no provider subscription linkage and is back on the
// free plan, whichever event carried the terminal status.
func normalizeCanceled(sub *Subscription) {
	if sub.Status == StatusCanceled {
		sub.Plan = PlanFree
		sub.Interval = IntervalNone
		sub.ProviderSubscriptionRef = ""
	}
}

func (r *Reconciler) applyOneTimeCheckout(ctx context.Context, userID uuid.UUID, evt *CheckoutEvent) error {
	if evt.CustomerRef != "" {
		err := r.store.UpdateSubscription(ctx, userID, func(sub *Subscription) error {
			sub.ProviderCustomerRef = evt.CustomerRef
			return nil
		})
		if err != nil {
			return err
		}
	}

	if evt.PaymentRef == "" {
		r.log.ErrorContext(ctx, "one-time checkout event missing payment ref; acknowledging",
			"user_id", userID)
		return nil
	}

	created, err := r.store.CreatePurchase(ctx, &ReportPurchase{
		UserID:             userID,
		ProviderPaymentRef: evt.PaymentRef,
		Amount:             evt.AmountTotal,
	})
	if err != nil {
		return err
	}
	if !created {
		r.log.InfoContext(ctx, "purchase already recorded; acknowledging redelivery",
			"payment_ref", evt.PaymentRef)
	}
	return nil
}

func (r *Reconciler) applySubscriptionChange(ctx context.Context, typ EventType, evt *SubscriptionEvent) error {
	userID, found, err := r.resolveSubscriptionUser(ctx, evt)
	if err != nil {
		return err
	}
	if !found {
		r.log.InfoContext(ctx, "subscription event for unknown local record; acknowledging",
			"subscription_ref", evt.Ref)
		return nil
	}

	// Resurrection guard: once a deletion has been applied, a late update for
	// the same subscription must not quietly re-attach the severed linkage.
	// The event itself carries no reliable ordering, so current provider
	// truth decides whether the subscription is really still alive.
	if typ != EventSubscriptionDeleted {
		local, err := r.store.GetSubscription(ctx, userID)
		if err == nil && local.IsCanceled() && local.ProviderSubscriptionRef == "" {
			snapshot, err := r.provider.RetrieveSubscription(ctx, evt.Ref)
			if err != nil {
				return errors.Join(ErrProvider, err)
			}
			if statusFromProvider(snapshot.Status) == StatusCanceled {
				r.log.InfoContext(ctx, "stale update for deleted subscription; acknowledging",
					"subscription_ref", evt.Ref)
				return nil
			}
		}
	}

	plan, interval, decoded := r.catalog.DecodePrice(evt.Price, evt.Metadata)

	return r.store.UpdateSubscription(ctx, userID, func(sub *Subscription) error {
		if decoded {
			sub.Plan = plan
			sub.Interval = interval
		}
		if evt.CustomerRef != "" {
			sub.ProviderCustomerRef = evt.CustomerRef
		}
		sub.ProviderSubscriptionRef = evt.Ref
		if evt.Status != "" {
			sub.Status = statusFromProvider(evt.Status)
		}
		if !evt.CurrentPeriodEnd.IsZero() {
			end := evt.CurrentPeriodEnd
			sub.CurrentPeriodEnd = &end
		}
		sub.CancelAtPeriodEnd = evt.CancelAtPeriodEnd

		if typ == EventSubscriptionDeleted {
			// Deletion always wins over whatever else the event carried.
			sub.Status = StatusCanceled
		}
		normalizeCanceled(sub)
		return nil
	})
}

func (r *Reconciler) applyInvoicePaid(ctx context.Context, evt *InvoiceEvent) error {
	if evt.SubscriptionRef == "" {
		return nil
	}

	local, err := r.store.SubscriptionByProviderSubRef(ctx, evt.SubscriptionRef)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			r.log.InfoContext(ctx, "invoice for unknown subscription; acknowledging",
				"subscription_ref", evt.SubscriptionRef)
			return nil
		}
		return err
	}

	// Renewals arrive as paid invoices, not as a dedicated event type; the
	// fresh snapshot carries the advanced provider period.
	snapshot, err := r.provider.RetrieveSubscription(ctx, evt.SubscriptionRef)
	if err != nil {
		return errors.Join(ErrProvider, err)
	}

	return r.store.UpdateSubscription(ctx, local.UserID, func(sub *Subscription) error {
		sub.Status = statusFromProvider(snapshot.Status)
		if !snapshot.CurrentPeriodEnd.IsZero() {
			end := snapshot.CurrentPeriodEnd
			sub.CurrentPeriodEnd = &end
		}
		sub.CancelAtPeriodEnd = snapshot.CancelAtPeriodEnd
		normalizeCanceled(sub)
		return nil
	})
}

func (r *Reconciler) applyInvoicePaymentFailed(ctx context.Context, evt *InvoiceEvent) error {
	if evt.SubscriptionRef == "" {
		return nil
	}

	local, err := r.store.SubscriptionByProviderSubRef(ctx, evt.SubscriptionRef)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return nil
		}
		return err
	}

	// Only the status moves; plan and usage are untouched so the user keeps
	// access while the provider retries the charge.
	return r.store.UpdateSubscription(ctx, local.UserID, func(sub *Subscription) error {
		sub.Status = StatusPastDue
		return nil
	})
}

// resolveCheckoutUser identifies the local user for a checkout session:
// correlation metadata first, then the billing email. Returns nil when
// neither resolves.
func (r *Reconciler) resolveCheckoutUser(ctx context.Context, evt *CheckoutEvent) *User {
	if raw := evt.Metadata["user_id"]; raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			if user, err := r.users.UserByID(ctx, id); err == nil {
				return user
			}
		}
	}
	if evt.Email != "" {
		if user, err := r.users.UserByEmail(ctx, evt.Email); err == nil {
			return user
		}
	}
	return nil
}

// resolveSubscriptionUser locates the local row for a subscription event:
// by provider subscription ref, then provider customer ref, then by asking
// the provider for the customer's email and matching a local account (the
// row is created lazily in that case by UpdateSubscription).
func (r *Reconciler) resolveSubscriptionUser(ctx context.Context, evt *SubscriptionEvent) (uuid.UUID, bool, error) {
	if sub, err := r.store.SubscriptionByProviderSubRef(ctx, evt.Ref); err == nil {
		return sub.UserID, true, nil
	} else if !errors.Is(err, ErrSubscriptionNotFound) {
		return uuid.Nil, false, err
	}

	if sub, err := r.store.SubscriptionByProviderCustomerRef(ctx, evt.CustomerRef); err == nil {
		return sub.UserID, true, nil
	} else if !errors.Is(err, ErrSubscriptionNotFound) {
		return uuid.Nil, false, err
	}

	if evt.CustomerRef == "" {
		return uuid.Nil, false, nil
	}
	email, err := r.provider.CustomerEmail(ctx, evt.CustomerRef)
	if err != nil || email == "" {
		// Resolution failure is a skip, not a retry: the event can never
		// match a local account.
		return uuid.Nil, false, nil
	}
	user, err := r.users.UserByEmail(ctx, email)
	if err != nil {
		return uuid.Nil, false, nil
	}
	return user.ID, true, nil
}
