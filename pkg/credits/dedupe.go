package credits

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventDeduper remembers provider event ids that were already applied so
// re-deliveries can be acknowledged without touching the ledger. It is a
// fast-path optimization only: every reconciler branch stays idempotent on
// its own, so a deduper miss (or failure) is never a correctness problem.
type EventDeduper interface {
	// Seen reports whether the event id was already marked.
	Seen(ctx context.Context, eventID string) (bool, error)
	// Mark records the event id after a durable apply.
	Mark(ctx context.Context, eventID string) error
}

// RedisEventDeduper stores event ids under a TTL. Providers stop redelivering
// after a few days, so expired keys are harmless.
type RedisEventDeduper struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisEventDeduper creates a deduper with the given key TTL.
// A non-positive ttl defaults to 72 hours, matching typical provider
// redelivery horizons.
func NewRedisEventDeduper(client *redis.Client, ttl time.Duration) *RedisEventDeduper {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisEventDeduper{client: client, ttl: ttl, prefix: "billing:event:"}
}

func (d *RedisEventDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := d.client.Exists(ctx, d.prefix+eventID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *RedisEventDeduper) Mark(ctx context.Context, eventID string) error {
	return d.client.Set(ctx, d.prefix+eventID, 1, d.ttl).Err()
}

// MemoryEventDeduper is an unbounded in-process deduper for tests.
type MemoryEventDeduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryEventDeduper() *MemoryEventDeduper {
	return &MemoryEventDeduper{seen: make(map[string]struct{})}
}

func (d *MemoryEventDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[eventID]
	return ok, nil
}

func (d *MemoryEventDeduper) Mark(ctx context.Context, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[eventID] = struct{}{}
	return nil
}
