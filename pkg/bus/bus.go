// Package bus implements the subtitle.events topic exchange over Redis
// Streams. Each bound queue is a stream with a consumer group named
// after the queue; the exchange itself is a persistent binding
// registry that publishers fan out against. Delivery is at-least-once:
// entries are acknowledged only after the handler returns, and stale
// pending entries are reclaimed by the next consumer.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/subweaver/subweaver/pkg/config"
)

const (
	fieldRoutingKey = "routing_key"
	fieldPayload    = "payload"
)

// Bus is a handle on one topic exchange. Safe for concurrent use.
type Bus struct {
	client   redis.UniversalClient
	exchange string
	cfg      config.BusConfig

	mu          sync.RWMutex
	bindings    map[string][]string // queue name → binding patterns
	lastRefresh time.Time

	groupMu sync.Mutex
	groups  map[string]bool // queues whose consumer group is known to exist
}

// NewRedisClient builds the shared Redis client the bus, job store and
// dedup service run on.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})
}

// New creates a Bus on an existing Redis client.
func New(client redis.UniversalClient, cfg config.BusConfig) *Bus {
	return &Bus{
		client:   client,
		exchange: cfg.Exchange,
		cfg:      cfg,
		bindings: make(map[string][]string),
		groups:   make(map[string]bool),
	}
}

// bindingsKey is the hash holding queue → comma-separated patterns.
func (b *Bus) bindingsKey() string {
	return "bus:" + b.exchange + ":bindings"
}

// streamKey is the Redis stream backing a queue.
func (b *Bus) streamKey(queue string) string {
	return "bus:" + b.exchange + ":q:" + queue
}

// DeclareQueue creates the queue's stream and consumer group if they
// do not exist yet. Declaring an existing queue is a no-op.
func (b *Bus) DeclareQueue(ctx context.Context, queue string) error {
	b.groupMu.Lock()
	defer b.groupMu.Unlock()
	if b.groups[queue] {
		return nil
	}
	err := b.client.XGroupCreateMkStream(ctx, b.streamKey(queue), queue, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("declaring queue %s: %w", queue, err)
	}
	b.groups[queue] = true
	return nil
}

// Bind declares the queue and registers binding patterns for it in the
// exchange. Patterns accumulate; rebinding with the same pattern is
// idempotent.
func (b *Bus) Bind(ctx context.Context, queue string, patterns ...string) error {
	if err := b.DeclareQueue(ctx, queue); err != nil {
		return err
	}

	existing, err := b.client.HGet(ctx, b.bindingsKey(), queue).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("reading bindings for %s: %w", queue, err)
	}
	merged := mergePatterns(existing, patterns)
	if err := b.client.HSet(ctx, b.bindingsKey(), queue, strings.Join(merged, ",")).Err(); err != nil {
		return fmt.Errorf("registering bindings for %s: %w", queue, err)
	}

	b.mu.Lock()
	b.bindings[queue] = merged
	b.mu.Unlock()
	return nil
}

func mergePatterns(existing string, add []string) []string {
	seen := make(map[string]bool)
	var merged []string
	for _, p := range strings.Split(existing, ",") {
		if p = strings.TrimSpace(p); p != "" && !seen[p] {
			seen[p] = true
			merged = append(merged, p)
		}
	}
	for _, p := range add {
		if p = strings.TrimSpace(p); p != "" && !seen[p] {
			seen[p] = true
			merged = append(merged, p)
		}
	}
	return merged
}

// Publish routes a message through the exchange: the payload is added
// to every bound queue whose pattern matches the routing key. A key
// matching no binding is dropped, as a topic exchange does. XADD
// success per queue is the publisher confirm.
func (b *Bus) Publish(ctx context.Context, routingKey string, payload []byte) error {
	bindings, err := b.currentBindings(ctx)
	if err != nil {
		return err
	}

	var firstErr error
	delivered := 0
	for queue, patterns := range bindings {
		if !anyMatch(patterns, routingKey) {
			continue
		}
		if err := b.xadd(ctx, queue, routingKey, payload); err != nil {
			slog.Error("Publish to queue failed",
				"exchange", b.exchange, "queue", queue, "routing_key", routingKey, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delivered++
	}
	if firstErr != nil {
		return fmt.Errorf("publishing %s: %w", routingKey, firstErr)
	}
	if delivered == 0 {
		slog.Debug("Routing key matched no bindings", "exchange", b.exchange, "routing_key", routingKey)
	}
	return nil
}

// PublishDirect bypasses the exchange and appends straight onto one
// queue's stream. Used for the download and translation task queues.
func (b *Bus) PublishDirect(ctx context.Context, queue string, payload []byte) error {
	if err := b.DeclareQueue(ctx, queue); err != nil {
		return err
	}
	if err := b.xadd(ctx, queue, queue, payload); err != nil {
		return fmt.Errorf("publishing to queue %s: %w", queue, err)
	}
	return nil
}

func (b *Bus) xadd(ctx context.Context, queue, routingKey string, payload []byte) error {
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey(queue),
		Values: map[string]any{
			fieldRoutingKey: routingKey,
			fieldPayload:    string(payload),
		},
	}).Err()
}

func anyMatch(patterns []string, key string) bool {
	for _, p := range patterns {
		if MatchTopic(p, key) {
			return true
		}
	}
	return false
}

// currentBindings returns the cached binding registry, re-reading it
// from Redis when the cache is older than the refresh interval.
func (b *Bus) currentBindings(ctx context.Context) (map[string][]string, error) {
	b.mu.RLock()
	fresh := time.Since(b.lastRefresh) < b.cfg.BindingsRefresh && len(b.bindings) > 0
	cached := b.bindings
	b.mu.RUnlock()
	if fresh {
		return cached, nil
	}

	raw, err := b.client.HGetAll(ctx, b.bindingsKey()).Result()
	if err != nil {
		// Serve the stale cache if we have one; a publisher should not
		// drop messages because a registry refresh failed.
		if len(cached) > 0 {
			slog.Warn("Bindings refresh failed, using cached registry", "error", err)
			return cached, nil
		}
		return nil, fmt.Errorf("reading exchange bindings: %w", err)
	}

	bindings := make(map[string][]string, len(raw))
	for queue, joined := range raw {
		bindings[queue] = mergePatterns(joined, nil)
	}

	b.mu.Lock()
	b.bindings = bindings
	b.lastRefresh = time.Now()
	b.mu.Unlock()
	return bindings, nil
}

// QueueLength returns the number of entries on a queue's stream.
func (b *Bus) QueueLength(ctx context.Context, queue string) (int64, error) {
	n, err := b.client.XLen(ctx, b.streamKey(queue)).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("reading queue length for %s: %w", queue, err)
	}
	return n, nil
}

// PendingCount returns the number of delivered-but-unacknowledged
// entries for a queue's consumer group.
func (b *Bus) PendingCount(ctx context.Context, queue string) (int64, error) {
	pending, err := b.client.XPending(ctx, b.streamKey(queue), queue).Result()
	if err != nil {
		if isNoGroup(err) || err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("reading pending count for %s: %w", queue, err)
	}
	return pending.Count, nil
}

// Ping verifies broker connectivity.
func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}
