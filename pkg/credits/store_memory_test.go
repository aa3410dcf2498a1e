package credits_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sportsight/reportcredits/pkg/credits"
)

func TestMemoryStoreSubscriptions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("lazy creation defaults", func(t *testing.T) {
		t.Parallel()

		store := credits.NewMemoryStore()
		userID := uuid.New()

		_, err := store.GetSubscription(ctx, userID)
		assert.ErrorIs(t, err, credits.ErrSubscriptionNotFound)

		sub, err := store.GetOrCreateSubscription(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, credits.PlanFree, sub.Plan)
		assert.Equal(t, credits.StatusInactive, sub.Status)
	})

	t.Run("callback error leaves the row untouched", func(t *testing.T) {
		t.Parallel()

		store := credits.NewMemoryStore()
		userID := uuid.New()
		require.NoError(t, store.UpdateSubscription(ctx, userID, func(sub *credits.Subscription) error {
			sub.PeriodUsage = 3
			return nil
		}))

		err := store.UpdateSubscription(ctx, userID, func(sub *credits.Subscription) error {
			sub.PeriodUsage = 99
			return assert.AnError
		})
		require.Error(t, err)

		sub, err := store.GetSubscription(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, 3, sub.PeriodUsage)
	})

	t.Run("lookup by provider refs", func(t *testing.T) {
		t.Parallel()

		store := credits.NewMemoryStore()
		userID := uuid.New()
		require.NoError(t, store.UpdateSubscription(ctx, userID, func(sub *credits.Subscription) error {
			sub.ProviderCustomerRef = "cus_1"
			sub.ProviderSubscriptionRef = "sub_1"
			return nil
		}))

		bySub, err := store.SubscriptionByProviderSubRef(ctx, "sub_1")
		require.NoError(t, err)
		assert.Equal(t, userID, bySub.UserID)

		byCust, err := store.SubscriptionByProviderCustomerRef(ctx, "cus_1")
		require.NoError(t, err)
		assert.Equal(t, userID, byCust.UserID)

		// Empty refs never match the rows they were cleared on.
		_, err = store.SubscriptionByProviderSubRef(ctx, "")
		assert.ErrorIs(t, err, credits.ErrSubscriptionNotFound)
	})
}

func TestMemoryStorePurchases(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("payment ref is the idempotency boundary", func(t *testing.T) {
		t.Parallel()

		store := credits.NewMemoryStore()
		userID := uuid.New()

		created, err := store.CreatePurchase(ctx, &credits.ReportPurchase{
			UserID: userID, ProviderPaymentRef: "pi_1",
		})
		require.NoError(t, err)
		assert.True(t, created)

		created, err = store.CreatePurchase(ctx, &credits.ReportPurchase{
			UserID: userID, ProviderPaymentRef: "pi_1",
		})
		require.NoError(t, err)
		assert.False(t, created)

		purchases, err := store.ListPurchases(ctx, userID)
		require.NoError(t, err)
		assert.Len(t, purchases, 1)
	})

	t.Run("oldest unconsumed first", func(t *testing.T) {
		t.Parallel()

		store := credits.NewMemoryStore()
		userID := uuid.New()

		first := &credits.ReportPurchase{UserID: userID, ProviderPaymentRef: "pi_1"}
		second := &credits.ReportPurchase{UserID: userID, ProviderPaymentRef: "pi_2"}
		_, err := store.CreatePurchase(ctx, first)
		require.NoError(t, err)
		_, err = store.CreatePurchase(ctx, second)
		require.NoError(t, err)

		oldest, err := store.OldestUnconsumedPurchase(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, first.ID, oldest.ID)

		require.NoError(t, store.UpdatePurchase(ctx, first.ID, func(p *credits.ReportPurchase) error {
			p.Consumed = true
			return nil
		}))

		oldest, err = store.OldestUnconsumedPurchase(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, second.ID, oldest.ID)

		require.NoError(t, store.UpdatePurchase(ctx, second.ID, func(p *credits.ReportPurchase) error {
			p.Consumed = true
			return nil
		}))

		_, err = store.OldestUnconsumedPurchase(ctx, userID)
		assert.ErrorIs(t, err, credits.ErrPurchaseNotFound)
	})

	t.Run("unknown purchase id", func(t *testing.T) {
		t.Parallel()

		store := credits.NewMemoryStore()
		err := store.UpdatePurchase(ctx, 42, func(*credits.ReportPurchase) error { return nil })
		assert.ErrorIs(t, err, credits.ErrPurchaseNotFound)
	})
}

func TestMemoryEventDeduper(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := credits.NewMemoryEventDeduper()

	seen, err := d.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, d.Mark(ctx, "evt_1"))

	seen, err = d.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)
}
