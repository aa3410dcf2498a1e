package credits

import (
	"context"

	"github.com/google/uuid"
)

// Plan identifies a pricing tier. The free plan carries no billing interval
// and grants credits only through the one-time trial allowance.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanEssentials Plan = "essentials"
	PlanPrecision  Plan = "precision"
)

// Policy constants. Caps are per rolling month, not per calendar month.
const (
	TrialPeriodDays  = 14
	TrialReportLimit = 1

	essentialsMonthlyCap = 6
	precisionMonthlyCap  = 12
)

// MonthlyCap returns the number of report credits the plan grants per rolling
// window. The free plan's trial allowance is handled separately.
func (p Plan) MonthlyCap() int {
	switch p {
	case PlanEssentials:
		return essentialsMonthlyCap
	case PlanPrecision:
		return precisionMonthlyCap
	default:
		return 0
	}
}

func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanEssentials, PlanPrecision:
		return true
	}
	return false
}

// BillingInterval is the provider-side billing frequency of a paid plan.
// Empty for the free plan, where an interval is meaningless.
type BillingInterval string

const (
	IntervalNone  BillingInterval = ""
	IntervalMonth BillingInterval = "month"
	IntervalYear  BillingInterval = "year"
)

// Status is the subscription lifecycle state. Active, past_due, and canceled
// reflect provider truth and are written only by the reconciler; trialing is
// additionally reachable through the local free-trial action.
type Status string

const (
	StatusInactive Status = "inactive"
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// statusTransitions lists the allowed local transitions. The reconciler is
// exempt: it overwrites status with whatever the provider reports.
var statusTransitions = map[Status][]Status{
	StatusInactive: {StatusTrialing},
}

func canTransition(from, to Status) bool {
	for _, allowed := range statusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// statusFromProvider normalizes a provider-reported status string into the
// local state set. Stripe's incomplete/paused states have no local meaning
// and collapse to inactive; unpaid is treated as past_due.
func statusFromProvider(s string) Status {
	switch s {
	case "trialing":
		return StatusTrialing
	case "active":
		return StatusActive
	case "past_due":
		return StatusPastDue
	case "unpaid":
		return StatusPastDue
	case "canceled", "cancelled":
		return StatusCanceled
	default:
		return StatusInactive
	}
}

// TicketSource says which pool of credits a reservation draws from.
type TicketSource string

const (
	SourceOneTime      TicketSource = "one_time"
	SourceSubscription TicketSource = "subscription"
)

// CreditTicket is a non-durable reservation produced by Service.Reserve and
// exchanged exactly once through Service.Commit after the report has been
// generated. An abandoned ticket leaves no trace and grants nothing.
type CreditTicket struct {
	Source     TicketSource
	PurchaseID int64 // set only for one_time tickets
	UserID     uuid.UUID
	Units      int
}

// User is the slice of the auth collaborator's account record this subsystem
// needs: an identity and the billing email.
type User struct {
	ID    uuid.UUID
	Email string
}

// UserDirectory looks up accounts in the auth collaborator. It is the only
// dependency this subsystem takes on user management.
type UserDirectory interface {
	// UserByID returns ErrUserNotFound for unknown ids.
	UserByID(ctx context.Context, id uuid.UUID) (*User, error)
	// UserByEmail returns ErrUserNotFound for unknown addresses.
	UserByEmail(ctx context.Context, email string) (*User, error)
}
