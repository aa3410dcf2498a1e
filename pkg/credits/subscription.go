package credits

import (
	"time"

	"github.com/google/uuid"
)

// Subscription is the durable entitlement record, one per user, created
// lazily on first access. Plan, status, and provider linkage mirror the
// payment provider; the rolling window and usage counter are local
// bookkeeping the provider knows nothing about.
type Subscription struct {
	UserID   uuid.UUID // primary key - one subscription per user
	Plan     Plan
	Interval BillingInterval // IntervalNone while on the free plan
	Status   Status

	TrialStart *time.Time // set once, by the free-trial action
	TrialEnd   *time.Time

	CurrentPeriodStart *time.Time // rolling window, maintained by EnsurePeriod
	CurrentPeriodEnd   *time.Time
	PeriodUsage        int // credits consumed within the current window

	ProviderCustomerRef     string // empty until first checkout
	ProviderSubscriptionRef string // empty for free plans and after cancellation

	CancelAtPeriodEnd bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s *Subscription) IsTrialing() bool {
	return s.Status == StatusTrialing
}

func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive
}

func (s *Subscription) IsCanceled() bool {
	return s.Status == StatusCanceled
}

// TrialActiveAt reports whether the free trial is running at the given time.
func (s *Subscription) TrialActiveAt(now time.Time) bool {
	return s.Status == StatusTrialing && s.TrialEnd != nil && !now.After(*s.TrialEnd)
}

// RemainingCreditsAt returns the subscription credits left in the current
// window. The caller must have run EnsurePeriod first; a stale window would
// undercount. Free plan: exactly one report for the lifetime of the trial,
// zero otherwise.
func (s *Subscription) RemainingCreditsAt(now time.Time) int {
	if s.Plan == PlanFree || !s.Plan.Valid() {
		if s.TrialActiveAt(now) {
			return max(0, TrialReportLimit-s.PeriodUsage)
		}
		return 0
	}
	return max(0, s.Plan.MonthlyCap()-s.PeriodUsage)
}

// Clone returns a deep copy, detaching all pointer fields.
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.TrialStart = cloneTime(s.TrialStart)
	c.TrialEnd = cloneTime(s.TrialEnd)
	c.CurrentPeriodStart = cloneTime(s.CurrentPeriodStart)
	c.CurrentPeriodEnd = cloneTime(s.CurrentPeriodEnd)
	return &c
}

// ReportPurchase is a durable one-time credit. The provider's payment
// reference is the idempotency boundary: one reference, one row, ever.
type ReportPurchase struct {
	ID                 int64
	UserID             uuid.UUID
	ProviderPaymentRef string
	Amount             int64 // minor currency units
	Consumed           bool  // never un-set once true
	ConsumedAt         *time.Time
	CreatedAt          time.Time
}

// Clone returns a deep copy.
func (p *ReportPurchase) Clone() *ReportPurchase {
	c := *p
	c.ConsumedAt = cloneTime(p.ConsumedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
