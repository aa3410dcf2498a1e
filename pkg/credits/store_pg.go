package credits

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sportsight/reportcredits/pkg/pg"
)

const subscriptionColumns = `user_id, plan, billing_interval, status,
	trial_start, trial_end, current_period_start, current_period_end,
	period_usage, provider_customer_ref, provider_subscription_ref,
	cancel_at_period_end, created_at, updated_at`

const purchaseColumns = `id, user_id, provider_payment_ref, amount,
	consumed, consumed_at, created_at`

// PgStore is the PostgreSQL Store. Row locks use SELECT ... FOR UPDATE with a
// bounded lock_timeout so a stuck holder surfaces a retryable error instead
// of blocking callers indefinitely.
type PgStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// PgStoreOption configures PgStore construction.
type PgStoreOption func(*PgStore)

// WithLockTimeout overrides the default 5s row-lock acquisition timeout.
func WithLockTimeout(d time.Duration) PgStoreOption {
	return func(s *PgStore) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// NewPgStore creates a Store backed by the given connection pool.
// Panics on a nil pool to fail fast during initialization.
func NewPgStore(pool *pgxpool.Pool, opts ...PgStoreOption) *PgStore {
	if pool == nil {
		panic("credits: pgx pool is required")
	}
	s := &PgStore{pool: pool, lockTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// withTx runs fn inside a transaction. The deferred rollback releases locks
// on every exit path, including panics; after a successful commit it is a
// harmless no-op.
func (s *PgStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PgStore) GetSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`, userID)
	return scanSubscription(row)
}

func (s *PgStore) GetOrCreateSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return nil, err
	}
	return s.GetSubscription(ctx, userID)
}

func (s *PgStore) SubscriptionByProviderSubRef(ctx context.Context, ref string) (*Subscription, error) {
	if ref == "" {
		return nil, ErrSubscriptionNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_subscription_ref = $1`, ref)
	return scanSubscription(row)
}

func (s *PgStore) SubscriptionByProviderCustomerRef(ctx context.Context, ref string) (*Subscription, error) {
	if ref == "" {
		return nil, ErrSubscriptionNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_customer_ref = $1`, ref)
	return scanSubscription(row)
}

func (s *PgStore) UpdateSubscription(ctx context.Context, userID uuid.UUID, fn func(*Subscription) error) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		// Lazy creation happens inside the same transaction so the lock
		// below always has a row to land on.
		if _, err := tx.Exec(ctx,
			`INSERT INTO subscriptions (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
			return err
		}

		row := tx.QueryRow(ctx,
			`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1 FOR UPDATE`, userID)
		sub, err := scanSubscription(row)
		if err != nil {
			return err
		}

		if err := fn(sub); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE subscriptions SET
				plan = $2,
				billing_interval = $3,
				status = $4,
				trial_start = $5,
				trial_end = $6,
				current_period_start = $7,
				current_period_end = $8,
				period_usage = $9,
				provider_customer_ref = $10,
				provider_subscription_ref = $11,
				cancel_at_period_end = $12,
				updated_at = now()
			WHERE user_id = $1`,
			userID,
			string(sub.Plan),
			nilIfEmpty(string(sub.Interval)),
			string(sub.Status),
			sub.TrialStart,
			sub.TrialEnd,
			sub.CurrentPeriodStart,
			sub.CurrentPeriodEnd,
			sub.PeriodUsage,
			nilIfEmpty(sub.ProviderCustomerRef),
			nilIfEmpty(sub.ProviderSubscriptionRef),
			sub.CancelAtPeriodEnd,
		)
		return err
	})
}

func (s *PgStore) OldestUnconsumedPurchase(ctx context.Context, userID uuid.UUID) (*ReportPurchase, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+purchaseColumns+` FROM report_purchases
		 WHERE user_id = $1 AND NOT consumed
		 ORDER BY id LIMIT 1`, userID)
	return scanPurchase(row)
}

func (s *PgStore) CreatePurchase(ctx context.Context, purchase *ReportPurchase) (bool, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO report_purchases (user_id, provider_payment_ref, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider_payment_ref) DO NOTHING
		RETURNING id`,
		purchase.UserID, purchase.ProviderPaymentRef, purchase.Amount)

	var id int64
	if err := row.Scan(&id); err != nil {
		if pg.IsNotFoundError(err) {
			// Conflict path: the reference was already recorded.
			return false, nil
		}
		return false, err
	}
	purchase.ID = id
	return true, nil
}

func (s *PgStore) ListPurchases(ctx context.Context, userID uuid.UUID) ([]ReportPurchase, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+purchaseColumns+` FROM report_purchases WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReportPurchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PgStore) UpdatePurchase(ctx context.Context, purchaseID int64, fn func(*ReportPurchase) error) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+purchaseColumns+` FROM report_purchases WHERE id = $1 FOR UPDATE`, purchaseID)
		purchase, err := scanPurchase(row)
		if err != nil {
			return err
		}

		if err := fn(purchase); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE report_purchases SET
				consumed = $2,
				consumed_at = $3
			WHERE id = $1`,
			purchaseID, purchase.Consumed, purchase.ConsumedAt)
		return err
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var (
		sub                     Subscription
		plan, status            string
		interval, custR, subRef *string
	)
	err := row.Scan(
		&sub.UserID, &plan, &interval, &status,
		&sub.TrialStart, &sub.TrialEnd, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.PeriodUsage, &custR, &subRef,
		&sub.CancelAtPeriodEnd, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	sub.Plan = Plan(plan)
	sub.Status = Status(status)
	sub.Interval = BillingInterval(deref(interval))
	sub.ProviderCustomerRef = deref(custR)
	sub.ProviderSubscriptionRef = deref(subRef)
	return &sub, nil
}

func scanPurchase(row rowScanner) (*ReportPurchase, error) {
	var p ReportPurchase
	err := row.Scan(
		&p.ID, &p.UserID, &p.ProviderPaymentRef, &p.Amount,
		&p.Consumed, &p.ConsumedAt, &p.CreatedAt,
	)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrPurchaseNotFound
		}
		return nil, err
	}
	return &p, nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
