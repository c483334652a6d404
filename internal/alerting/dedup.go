package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Deduper claims a key once per TTL window.
type Deduper interface {
	// Claim reports true if the key was not claimed within the window.
	Claim(ctx context.Context, key string) (bool, error)
}

// MemoryDeduper keeps claims in process memory.
type MemoryDeduper struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	claims map[string]time.Time
}

// NewMemoryDeduper constructs an in-process deduper.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryDeduper{ttl: ttl, now: time.Now, claims: make(map[string]time.Time)}
}

// Claim implements Deduper.
func (d *MemoryDeduper) Claim(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, exp := range d.claims {
		if !now.Before(exp) {
			delete(d.claims, k)
		}
	}
	if _, ok := d.claims[key]; ok {
		return false, nil
	}
	d.claims[key] = now.Add(d.ttl)
	return true, nil
}

// setNXClient is the subset of redis.Cmdable used by RedisDeduper.
type setNXClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisDeduper shares claims across processes with SETNX.
type RedisDeduper struct {
	client setNXClient
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper constructs a deduper over client.
func NewRedisDeduper(client setNXClient, prefix string, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if prefix == "" {
		prefix = "stablepay:notified:"
	}
	return &RedisDeduper{client: client, prefix: prefix, ttl: ttl}
}

// Claim implements Deduper.
func (d *RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+key, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Deduplicating suppresses repeated notifications for the same transaction and status.
// Notifications without a transaction identifier always pass through.
type Deduplicating struct {
	next   Notifier
	dedup  Deduper
	logger zerolog.Logger
}

// NewDeduplicating wraps next.
func NewDeduplicating(next Notifier, dedup Deduper, logger zerolog.Logger) *Deduplicating {
	return &Deduplicating{next: next, dedup: dedup, logger: logger.With().Str("component", "notify_dedup").Logger()}
}

// Notify implements Notifier. A deduper failure lets the notification through.
func (d *Deduplicating) Notify(ctx context.Context, note Notification) error {
	if note.TxIdentifier == "" {
		return d.next.Notify(ctx, note)
	}
	first, err := d.dedup.Claim(ctx, note.TxIdentifier+":"+note.Status)
	if err != nil {
		d.logger.Warn().Err(err).Str("tx", note.TxIdentifier).Msg("dedup claim failed; delivering anyway")
	} else if !first {
		d.logger.Debug().Str("tx", note.TxIdentifier).Str("status", note.Status).Msg("duplicate notification suppressed")
		return nil
	}
	return d.next.Notify(ctx, note)
}

var (
	_ Deduper  = (*MemoryDeduper)(nil)
	_ Deduper  = (*RedisDeduper)(nil)
	_ Notifier = (*Deduplicating)(nil)
	_          = setNXClient((*redis.Client)(nil))
)
