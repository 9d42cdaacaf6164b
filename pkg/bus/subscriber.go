package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Delivery is one message handed to a Handler.
type Delivery struct {
	ID         string // stream entry id
	Queue      string
	RoutingKey string
	Body       []byte
}

// Handler processes one delivery. A nil return acknowledges the entry;
// an error leaves it pending for redelivery. Handlers must be
// idempotent: the bus is at-least-once.
type Handler func(ctx context.Context, d Delivery) error

// errNoMessage signals an empty read, not a failure.
var errNoMessage = errors.New("bus: no message")

// Subscriber is a single-consumer loop over one queue. One message is
// in flight at a time (prefetch 1); acknowledgement happens after the
// handler returns. The loop follows the contract connect → declare →
// subscribe → drain → on error, back off and retry.
type Subscriber struct {
	bus      *Bus
	queue    string
	consumer string
	handler  Handler

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	connected atomic.Bool
	failures  int
	lastPing  time.Time
}

// NewSubscriber creates a subscriber for a queue. The consumer name
// identifies this process in the queue's consumer group; it should be
// stable across restarts of the same replica (pod id).
func NewSubscriber(b *Bus, queue, consumer string, handler Handler) *Subscriber {
	return &Subscriber{
		bus:      b,
		queue:    queue,
		consumer: consumer,
		handler:  handler,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the subscription loop in a goroutine.
func (s *Subscriber) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop signals the loop to exit after the in-flight message (if any)
// finishes, and waits for it. Safe to call multiple times.
func (s *Subscriber) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Connected reports whether the last broker interaction succeeded.
func (s *Subscriber) Connected() bool {
	return s.connected.Load()
}

// Queue returns the queue name this subscriber drains.
func (s *Subscriber) Queue() string {
	return s.queue
}

func (s *Subscriber) run(ctx context.Context) {
	defer s.wg.Done()

	log := slog.With("queue", s.queue, "consumer", s.consumer)
	log.Info("Subscriber started")

	for {
		select {
		case <-s.stopCh:
			log.Info("Subscriber shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, subscriber shutting down")
			return
		default:
		}

		if err := s.bus.DeclareQueue(ctx, s.queue); err != nil {
			s.onError(log, err)
			continue
		}

		if err := s.healthCheck(ctx); err != nil {
			s.onError(log, fmt.Errorf("health check: %w", err))
			continue
		}

		delivery, err := s.next(ctx)
		if err != nil {
			if errors.Is(err, errNoMessage) {
				s.onSuccess()
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.onError(log, err)
			continue
		}
		s.onSuccess()

		s.process(ctx, log, delivery)
	}
}

// next returns the next delivery: a reclaimed stale pending entry if
// one exists, otherwise a fresh read. COUNT is 1 in both paths.
func (s *Subscriber) next(ctx context.Context) (Delivery, error) {
	if d, err := s.claimStale(ctx); err == nil {
		return d, nil
	} else if !errors.Is(err, errNoMessage) {
		return Delivery{}, err
	}
	return s.readNew(ctx)
}

// claimStale takes over one pending entry whose idle time exceeds the
// visibility timeout, meaning an entry another consumer read but never
// acknowledged (crash, handler error).
func (s *Subscriber) claimStale(ctx context.Context) (Delivery, error) {
	stream := s.bus.streamKey(s.queue)
	pending, err := s.bus.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  s.queue,
		Idle:   s.bus.cfg.VisibilityTimeout,
		Start:  "-",
		End:    "+",
		Count:  1,
	}).Result()
	if err != nil {
		if isNoGroup(err) || err == redis.Nil {
			return Delivery{}, errNoMessage
		}
		return Delivery{}, fmt.Errorf("reading pending entries: %w", err)
	}
	if len(pending) == 0 {
		return Delivery{}, errNoMessage
	}

	claimed, err := s.bus.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    s.queue,
		Consumer: s.consumer,
		MinIdle:  s.bus.cfg.VisibilityTimeout,
		Messages: []string{pending[0].ID},
	}).Result()
	if err != nil {
		return Delivery{}, fmt.Errorf("claiming entry %s: %w", pending[0].ID, err)
	}
	if len(claimed) == 0 {
		// Another consumer won the claim race.
		return Delivery{}, errNoMessage
	}
	slog.Info("Reclaimed stale pending entry",
		"queue", s.queue, "entry_id", claimed[0].ID, "idle", pending[0].Idle)
	return s.toDelivery(claimed[0]), nil
}

func (s *Subscriber) readNew(ctx context.Context) (Delivery, error) {
	streams, err := s.bus.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.queue,
		Consumer: s.consumer,
		Streams:  []string{s.bus.streamKey(s.queue), ">"},
		Count:    1,
		Block:    s.bus.cfg.BlockTimeout,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return Delivery{}, errNoMessage
		}
		return Delivery{}, fmt.Errorf("reading queue %s: %w", s.queue, err)
	}
	for _, str := range streams {
		for _, msg := range str.Messages {
			return s.toDelivery(msg), nil
		}
	}
	return Delivery{}, errNoMessage
}

func (s *Subscriber) toDelivery(msg redis.XMessage) Delivery {
	d := Delivery{ID: msg.ID, Queue: s.queue}
	if v, ok := msg.Values[fieldRoutingKey].(string); ok {
		d.RoutingKey = v
	}
	if v, ok := msg.Values[fieldPayload].(string); ok {
		d.Body = []byte(v)
	}
	return d
}

// process runs the handler with the per-message timeout and
// acknowledges on success. On handler error the entry stays pending
// and is reclaimed after the visibility timeout.
func (s *Subscriber) process(ctx context.Context, log *slog.Logger, d Delivery) {
	handlerCtx, cancel := context.WithTimeout(ctx, s.bus.cfg.HandlerTimeout)
	defer cancel()

	if err := s.handler(handlerCtx, d); err != nil {
		log.Error("Handler failed, leaving entry pending for redelivery",
			"entry_id", d.ID, "routing_key", d.RoutingKey, "error", err)
		return
	}

	// Acknowledge with a background context: the message was processed,
	// so the ack must be attempted even if ctx was cancelled mid-flight.
	ackCtx, ackCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ackCancel()
	if err := s.bus.client.XAck(ackCtx, s.bus.streamKey(s.queue), s.queue, d.ID).Err(); err != nil {
		log.Warn("Ack failed, entry will be redelivered", "entry_id", d.ID, "error", err)
	}
}

// healthCheck pings the broker at the configured interval. A failed
// ping surfaces as a loop error and drives the backoff branch.
func (s *Subscriber) healthCheck(ctx context.Context) error {
	if time.Since(s.lastPing) < s.bus.cfg.HealthInterval {
		return nil
	}
	if err := s.bus.Ping(ctx); err != nil {
		return err
	}
	s.lastPing = time.Now()
	return nil
}

// onSuccess resets the failure counter after any successful broker
// interaction.
func (s *Subscriber) onSuccess() {
	s.failures = 0
	s.connected.Store(true)
}

// onError logs, marks disconnected, and sleeps with exponential
// backoff: initial × 2^failures, capped.
func (s *Subscriber) onError(log *slog.Logger, err error) {
	s.connected.Store(false)
	s.failures++

	backoff := s.bus.cfg.BackoffInitial
	for i := 1; i < s.failures && backoff < s.bus.cfg.BackoffMax; i++ {
		backoff *= 2
	}
	if backoff > s.bus.cfg.BackoffMax {
		backoff = s.bus.cfg.BackoffMax
	}
	log.Error("Subscriber error, backing off", "failures", s.failures, "backoff", backoff, "error", err)

	select {
	case <-s.stopCh:
	case <-time.After(backoff):
	}
}
