// Package credits tracks report entitlements and keeps them in sync with the
// payment provider.
//
// Entitlements come from two sources. One-time purchases grant a single
// report each and are consumed oldest first. Paid subscriptions grant a
// monthly credit cap counted inside a rolling window anchored at the moment
// the subscription (or trial) started, not at calendar month boundaries.
//
// Consumption is a two-phase protocol. Reserve checks availability without
// locks and hands back a ticket; after the expensive report work succeeds the
// caller exchanges the ticket through Commit, which re-validates the cap
// under the subscription row's exclusive lock. A commit that loses a
// concurrent race fails instead of over-consuming.
//
// Paid state is owned by the provider. The Reconciler applies webhook events
// idempotently: deliveries may repeat or arrive out of order, stale updates
// after a deletion are discarded, and events that cannot be matched to a
// local user are acknowledged rather than retried forever.
package credits
