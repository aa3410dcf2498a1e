package credits

import (
	"errors"
	"fmt"
)

var (
	// Validation failures. Reported to the caller, nothing mutated.
	ErrInvalidUnits        = errors.New("credits: report units must be positive")
	ErrInvalidPlan         = errors.New("credits: unknown plan")
	ErrInvalidPlanKey      = errors.New("credits: unknown plan key")
	ErrInvalidTicketSource = errors.New("credits: unknown ticket source")

	ErrInsufficientCredits = errors.New("credits: not enough credits")

	ErrSubscriptionNotFound = errors.New("credits: subscription not found")
	ErrPurchaseNotFound     = errors.New("credits: report purchase not found")
	ErrUserNotFound         = errors.New("credits: user not found")

	ErrTrialAlreadyUsed = errors.New("credits: free trial already used")
	ErrTrialNotAllowed  = errors.New("credits: free trial not available in current state")

	ErrNoProviderSubscription = errors.New("credits: no provider subscription on record")

	// ErrProvider wraps payment provider failures. Callers may retry; local
	// state is never changed until a provider event confirms the outcome.
	ErrProvider = errors.New("credits: payment provider request failed")

	// ErrWebhookSignature marks an inbound event that failed verification.
	ErrWebhookSignature = errors.New("credits: webhook signature verification failed")
)

// InsufficientCreditsError reports the exact shortfall of a denied
// reservation so the caller can surface actionable guidance.
type InsufficientCreditsError struct {
	Need int
	Have int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf(
		"not enough subscription credits: need %d, have %d; buy a one-time report or upgrade your plan",
		e.Need, e.Have,
	)
}

func (e *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}
