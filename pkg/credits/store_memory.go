package credits

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and local development. A single
// mutex stands in for row locks: callbacks run serialized, which preserves
// the same all-or-nothing and no-double-count guarantees as the SQL store.
type MemoryStore struct {
	mu            sync.Mutex
	subscriptions map[uuid.UUID]*Subscription
	purchases     map[int64]*ReportPurchase
	byPaymentRef  map[string]int64
	nextID        int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subscriptions: make(map[uuid.UUID]*Subscription),
		purchases:     make(map[int64]*ReportPurchase),
		byPaymentRef:  make(map[string]int64),
		nextID:        1,
	}
}

func (s *MemoryStore) GetSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[userID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

func (s *MemoryStore) GetOrCreateSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.getOrCreateLocked(userID).Clone(), nil
}

func (s *MemoryStore) getOrCreateLocked(userID uuid.UUID) *Subscription {
	if sub, ok := s.subscriptions[userID]; ok {
		return sub
	}
	now := time.Now().UTC()
	sub := &Subscription{
		UserID:    userID,
		Plan:      PlanFree,
		Status:    StatusInactive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.subscriptions[userID] = sub
	return sub
}

func (s *MemoryStore) SubscriptionByProviderSubRef(ctx context.Context, ref string) (*Subscription, error) {
	if ref == "" {
		return nil, ErrSubscriptionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subscriptions {
		if sub.ProviderSubscriptionRef == ref {
			return sub.Clone(), nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (s *MemoryStore) SubscriptionByProviderCustomerRef(ctx context.Context, ref string) (*Subscription, error) {
	if ref == "" {
		return nil, ErrSubscriptionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subscriptions {
		if sub.ProviderCustomerRef == ref {
			return sub.Clone(), nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (s *MemoryStore) UpdateSubscription(ctx context.Context, userID uuid.UUID, fn func(*Subscription) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.getOrCreateLocked(userID)

	// fn mutates a copy so a callback error leaves the stored row untouched.
	draft := current.Clone()
	if err := fn(draft); err != nil {
		return err
	}
	draft.UpdatedAt = time.Now().UTC()
	s.subscriptions[userID] = draft
	return nil
}

func (s *MemoryStore) OldestUnconsumedPurchase(ctx context.Context, userID uuid.UUID) (*ReportPurchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *ReportPurchase
	for _, p := range s.purchases {
		if p.UserID != userID || p.Consumed {
			continue
		}
		if oldest == nil || p.ID < oldest.ID {
			oldest = p
		}
	}
	if oldest == nil {
		return nil, ErrPurchaseNotFound
	}
	return oldest.Clone(), nil
}

func (s *MemoryStore) CreatePurchase(ctx context.Context, purchase *ReportPurchase) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byPaymentRef[purchase.ProviderPaymentRef]; exists {
		return false, nil
	}

	row := purchase.Clone()
	row.ID = s.nextID
	s.nextID++
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	s.purchases[row.ID] = row
	s.byPaymentRef[row.ProviderPaymentRef] = row.ID
	purchase.ID = row.ID
	return true, nil
}

func (s *MemoryStore) ListPurchases(ctx context.Context, userID uuid.UUID) ([]ReportPurchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ReportPurchase
	for _, p := range s.purchases {
		if p.UserID == userID {
			out = append(out, *p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdatePurchase(ctx context.Context, purchaseID int64, fn func(*ReportPurchase) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.purchases[purchaseID]
	if !ok {
		return ErrPurchaseNotFound
	}

	draft := current.Clone()
	if err := fn(draft); err != nil {
		return err
	}
	s.purchases[purchaseID] = draft
	return nil
}
