package credits

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// BillingConfig carries checkout redirect targets.
type BillingConfig struct {
	CheckoutSuccessURL string `env:"CHECKOUT_SUCCESS_URL,required"` // landing page after successful payment
	CheckoutCancelURL  string `env:"CHECKOUT_CANCEL_URL,required"`  // landing page after an abandoned checkout
}

// Service implements the credit reservation/commit protocol and the
// provider-facing billing actions (checkout, trial, cancellation).
//
// Reservation is advisory and commit is authoritative: Reserve reads without
// locks, Commit re-validates under the row lock. Callers must always attempt
// Commit even after a successful Reserve, and must treat the operation as
// failed if Commit reports the cap was taken by a concurrent winner.
type Service struct {
	store    Store
	provider Provider
	catalog  *Catalog
	users    UserDirectory
	cfg      BillingConfig
	log      *slog.Logger
	now      func() time.Time
}

// ServiceOption configures optional Service settings.
type ServiceOption func(*Service)

// WithServiceLogger attaches a structured logger.
func WithServiceLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the time source. Intended for tests that need to walk
// a subscription across window boundaries.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a Service. Panics if required dependencies are nil to
// fail fast during initialization.
func NewService(store Store, provider Provider, catalog *Catalog, users UserDirectory, cfg BillingConfig, opts ...ServiceOption) *Service {
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

	s := &Service{
		store:    store,
		provider: provider,
		catalog:  catalog,
		users:    users,
		cfg:      cfg,
		log:      slog.New(slog.DiscardHandler),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reserve decides whether the user may consume units credits and returns a
// non-durable ticket to be exchanged through Commit after the expensive work
// succeeds. One-time purchases are drawn first, oldest first; a single
// purchase covers the whole report regardless of units.
func (s *Service) Reserve(ctx context.Context, userID uuid.UUID, units int) (*CreditTicket, error) {
	if units <= 0 {
		return nil, ErrInvalidUnits
	}

	purchase, err := s.store.OldestUnconsumedPurchase(ctx, userID)
	if err == nil {
		return &CreditTicket{
			Source:     SourceOneTime,
			PurchaseID: purchase.ID,
			UserID:     userID,
			Units:      units,
		}, nil
	}
	if !errors.Is(err, ErrPurchaseNotFound) {
		return nil, err
	}

	sub, err := s.ensureCurrentPeriod(ctx, userID)
	if err != nil {
		return nil, err
	}

	remaining := sub.RemainingCreditsAt(s.now())
	if remaining >= units {
		return &CreditTicket{
			Source: SourceSubscription,
			UserID: userID,
			Units:  units,
		}, nil
	}

	return nil, &InsufficientCreditsError{Need: units, Have: remaining}
}

// Commit durably consumes a reserved ticket. Runs under the target row's
// exclusive lock; a concurrent winner that already exhausted the cap makes
// the losing commit fail rather than silently over-consume.
func (s *Service) Commit(ctx context.Context, ticket *CreditTicket) error {
	switch ticket.Source {
	case SourceOneTime:
		return s.store.UpdatePurchase(ctx, ticket.PurchaseID, func(p *ReportPurchase) error {
			if p.Consumed {
				// Lost a race with another commit for the same purchase;
				// consuming twice would double-count.
				return nil
			}
			now := s.now()
			p.Consumed = true
			p.ConsumedAt = &now
			return nil
		})

	case SourceSubscription:
		return s.store.UpdateSubscription(ctx, ticket.UserID, func(sub *Subscription) error {
			now := s.now()
			EnsurePeriod(sub, now)
			if remaining := sub.RemainingCreditsAt(now); remaining < ticket.Units {
				return &InsufficientCreditsError{Need: ticket.Units, Have: remaining}
			}
			sub.PeriodUsage += ticket.Units
			return nil
		})

	default:
		return ErrInvalidTicketSource
	}
}

// Subscription returns the user's subscription with a current rolling
// window, creating the default row on first access.
func (s *Service) Subscription(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	return s.ensureCurrentPeriod(ctx, userID)
}

// RemainingCredits reports the subscription credits left in the current
// window. One-time purchases are not included.
func (s *Service) RemainingCredits(ctx context.Context, userID uuid.UUID) (int, error) {
	sub, err := s.ensureCurrentPeriod(ctx, userID)
	if err != nil {
		return 0, err
	}
	return sub.RemainingCreditsAt(s.now()), nil
}

// ListPurchases returns the user's one-time purchases, oldest first.
func (s *Service) ListPurchases(ctx context.Context, userID uuid.UUID) ([]ReportPurchase, error) {
	return s.store.ListPurchases(ctx, userID)
}

// StartFreeTrial stamps the 14-day trial and opens the first rolling window
// starting now. Allowed exactly once per user, and only from the inactive
// state; every other status reflects provider truth this action must not
// override.
func (s *Service) StartFreeTrial(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	var snapshot *Subscription
	err := s.store.UpdateSubscription(ctx, userID, func(sub *Subscription) error {
		if sub.TrialStart != nil {
			return ErrTrialAlreadyUsed
		}
		if !canTransition(sub.Status, StatusTrialing) {
			return ErrTrialNotAllowed
		}

		now := s.now()
		trialEnd := now.Add(TrialPeriodDays * 24 * time.Hour)
		start, end := WindowFrom(now)

		sub.Status = StatusTrialing
		sub.TrialStart = &now
		sub.TrialEnd = &trialEnd
		sub.CurrentPeriodStart = &start
		sub.CurrentPeriodEnd = &end
		sub.PeriodUsage = 0

		snapshot = sub.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// StartCheckout creates a hosted checkout session for a plan key or the
// one-time report purchase. Local state is not changed beyond persisting the
// provider customer reference; everything else waits for webhook events.
func (s *Service) StartCheckout(ctx context.Context, userID uuid.UUID, planKey string) (*CheckoutSession, error) {
	mode := ModeSubscription
	if planKey == PlanKeyOneTimeReport {
		mode = ModePayment
	} else if _, _, ok := SplitPlanKey(planKey); !ok {
		return nil, ErrInvalidPlanKey
	}

	user, err := s.users.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	sub, err := s.store.GetOrCreateSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	customerRef := sub.ProviderCustomerRef
	if customerRef == "" {
		customerRef, err = s.provider.CreateCustomer(ctx, user.Email)
		if err != nil {
			return nil, errors.Join(ErrProvider, err)
		}
		// Persist before creating the session so webhook events can resolve
		// this user by customer reference even if metadata is lost.
		err = s.store.UpdateSubscription(ctx, userID, func(sub *Subscription) error {
			sub.ProviderCustomerRef = customerRef
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	priceRef, ok := s.catalog.PriceRef(planKey)
	if !ok {
		// Not in the static table; the provider-side lookup key is the
		// fallback for prices managed outside the catalog file.
		priceRef, err = s.provider.PriceRefByLookupKey(ctx, planKey)
		if err != nil {
			return nil, errors.Join(ErrProvider, err)
		}
	}

	session, err := s.provider.CreateCheckoutSession(ctx, CheckoutSessionRequest{
		CustomerRef: customerRef,
		Mode:        mode,
		PriceRef:    priceRef,
		SuccessURL:  s.cfg.CheckoutSuccessURL,
		CancelURL:   s.cfg.CheckoutCancelURL,
		Metadata: map[string]string{
			"user_id":  userID.String(),
			"plan_key": planKey,
		},
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		return nil, errors.Join(ErrProvider, err)
	}

	s.log.InfoContext(ctx, "checkout session created",
		"user_id", userID, "plan_key", planKey, "mode", string(mode))
	return session, nil
}

// SetCancelAtPeriodEnd toggles end-of-period cancellation with the provider.
// The local cancel flag is updated by the resulting subscription event.
func (s *Service) SetCancelAtPeriodEnd(ctx context.Context, userID uuid.UUID, cancel bool) error {
	sub, err := s.store.GetSubscription(ctx, userID)
	if err != nil {
		return err
	}
	if sub.ProviderSubscriptionRef == "" {
		return ErrNoProviderSubscription
	}
	if err := s.provider.ModifySubscription(ctx, sub.ProviderSubscriptionRef, cancel); err != nil {
		return errors.Join(ErrProvider, err)
	}
	return nil
}

// CancelSubscription cancels immediately with the provider. The local
// downgrade to free happens when the deletion event arrives.
func (s *Service) CancelSubscription(ctx context.Context, userID uuid.UUID) error {
	sub, err := s.store.GetSubscription(ctx, userID)
	if err != nil {
		return err
	}
	if sub.ProviderSubscriptionRef == "" {
		return ErrNoProviderSubscription
	}
	if err := s.provider.CancelSubscription(ctx, sub.ProviderSubscriptionRef); err != nil {
		return errors.Join(ErrProvider, err)
	}
	return nil
}

// ensureCurrentPeriod rolls the user's window forward under the row lock and
// returns the refreshed snapshot.
func (s *Service) ensureCurrentPeriod(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	var snapshot *Subscription
	err := s.store.UpdateSubscription(ctx, userID, func(sub *Subscription) error {
		EnsurePeriod(sub, s.now())
		snapshot = sub.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}
