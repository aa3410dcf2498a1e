package credits

import (
	"context"

	"github.com/google/uuid"
)

// Store persists the entitlement ledger: one Subscription row per user and
// any number of ReportPurchase rows.
//
// UpdateSubscription and UpdatePurchase are the only mutation paths. Each
// runs its callback inside a transaction holding an exclusive lock on the
// target row, taken before the row is read and released only at commit or
// rollback, on every exit path including panics. A callback error aborts the
// whole transaction; partial field updates never persist.
type Store interface {
	// GetSubscription returns ErrSubscriptionNotFound if no row exists.
	GetSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error)

	// GetOrCreateSubscription lazily creates the default (free, inactive)
	// row on first access.
	GetOrCreateSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error)

	// SubscriptionByProviderSubRef locates a row by the provider's
	// subscription reference. Returns ErrSubscriptionNotFound if absent.
	SubscriptionByProviderSubRef(ctx context.Context, ref string) (*Subscription, error)

	// SubscriptionByProviderCustomerRef locates a row by the provider's
	// customer reference. Returns ErrSubscriptionNotFound if absent.
	SubscriptionByProviderCustomerRef(ctx context.Context, ref string) (*Subscription, error)

	// UpdateSubscription locks the user's subscription row (creating it
	// first if absent), applies fn to it, and persists the mutated row.
	UpdateSubscription(ctx context.Context, userID uuid.UUID, fn func(*Subscription) error) error

	// OldestUnconsumedPurchase returns the user's oldest unconsumed one-time
	// credit (FIFO by creation order), or ErrPurchaseNotFound.
	OldestUnconsumedPurchase(ctx context.Context, userID uuid.UUID) (*ReportPurchase, error)

	// CreatePurchase inserts a purchase keyed by its provider payment
	// reference. A re-delivered reference is a no-op reported as
	// created=false; at most one row ever exists per reference.
	CreatePurchase(ctx context.Context, purchase *ReportPurchase) (created bool, err error)

	// ListPurchases returns all purchases for a user, oldest first.
	ListPurchases(ctx context.Context, userID uuid.UUID) ([]ReportPurchase, error)

	// UpdatePurchase locks the purchase row and applies fn. Returns
	// ErrPurchaseNotFound if the row does not exist.
	UpdatePurchase(ctx context.Context, purchaseID int64, fn func(*ReportPurchase) error) error
}
