package credits_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sportsight/reportcredits/pkg/credits"
)

func TestWindowFrom(t *testing.T) {
	t.Parallel()

	t.Run("mid-month anchor", func(t *testing.T) {
		t.Parallel()

		anchor := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
		start, end := credits.WindowFrom(anchor)

		assert.Equal(t, anchor, start)
		assert.Equal(t, time.Date(2024, 2, 15, 9, 59, 59, 0, time.UTC), end)
	})

	t.Run("month-end anchor normalizes forward", func(t *testing.T) {
		t.Parallel()

		// Jan 31 + 1 month lands on the nonexistent Feb 31, which calendar
		// arithmetic normalizes into early March.
		anchor := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
		_, end := credits.WindowFrom(anchor)

		assert.Equal(t, time.Date(2024, 3, 1, 23, 59, 59, 0, time.UTC), end)
	})
}

func TestEnsurePeriod(t *testing.T) {
	t.Parallel()

	t.Run("creates missing window", func(t *testing.T) {
		t.Parallel()

		sub := &credits.Subscription{Plan: credits.PlanEssentials, PeriodUsage: 3}
		now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

		changed := credits.EnsurePeriod(sub, now)

		require.True(t, changed)
		require.NotNil(t, sub.CurrentPeriodStart)
		require.NotNil(t, sub.CurrentPeriodEnd)
		assert.Equal(t, now, *sub.CurrentPeriodStart)
		assert.Equal(t, time.Date(2024, 2, 15, 9, 59, 59, 0, time.UTC), *sub.CurrentPeriodEnd)
		assert.Zero(t, sub.PeriodUsage)
	})

	t.Run("no-op inside current window", func(t *testing.T) {
		t.Parallel()

		start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
		end := time.Date(2024, 2, 15, 9, 59, 59, 0, time.UTC)
		sub := &credits.Subscription{
			Plan:               credits.PlanEssentials,
			CurrentPeriodStart: &start,
			CurrentPeriodEnd:   &end,
			PeriodUsage:        4,
		}

		changed := credits.EnsurePeriod(sub, time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC))

		assert.False(t, changed)
		assert.Equal(t, start, *sub.CurrentPeriodStart)
		assert.Equal(t, 4, sub.PeriodUsage)
	})

	t.Run("window end is inclusive", func(t *testing.T) {
		t.Parallel()

		start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
		end := time.Date(2024, 2, 15, 9, 59, 59, 0, time.UTC)
		sub := &credits.Subscription{
			CurrentPeriodStart: &start,
			CurrentPeriodEnd:   &end,
			PeriodUsage:        2,
		}

		changed := credits.EnsurePeriod(sub, end)

		assert.False(t, changed)
		assert.Equal(t, 2, sub.PeriodUsage)
	})

	t.Run("advances stepwise across skipped months", func(t *testing.T) {
		t.Parallel()

		start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
		end := time.Date(2024, 2, 15, 9, 59, 59, 0, time.UTC)
		sub := &credits.Subscription{
			Plan:               credits.PlanEssentials,
			CurrentPeriodStart: &start,
			CurrentPeriodEnd:   &end,
			PeriodUsage:        6,
		}

		changed := credits.EnsurePeriod(sub, time.Date(2024, 4, 20, 0, 0, 0, 0, time.UTC))

		require.True(t, changed)
		assert.Equal(t, time.Date(2024, 4, 15, 10, 0, 0, 0, time.UTC), *sub.CurrentPeriodStart)
		assert.Equal(t, time.Date(2024, 5, 15, 9, 59, 59, 0, time.UTC), *sub.CurrentPeriodEnd)
		assert.Zero(t, sub.PeriodUsage)
	})
}
