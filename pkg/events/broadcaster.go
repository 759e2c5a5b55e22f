// Package events fans state-change notifications out to connected dashboard
// clients. Delivery is best-effort: a slow or disconnected subscriber drops
// events and reconciles with a full-state fetch when it comes back.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flowdeck-inc/flowdeck-engine/pkg/models"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls more than this far behind starts losing events.
const subscriberBuffer = 32

// redisChannel is the pub/sub channel used to mirror events across nodes.
const redisChannel = "flowdeck:events"

// mirrorEnvelope wraps a mirrored event with the publishing node's identity
// so a node can skip messages it originated; those were already delivered
// locally by Publish.
type mirrorEnvelope struct {
	Origin uuid.UUID    `json:"origin"`
	Event  models.Event `json:"event"`
}

// Subscription is one dashboard client's event feed.
type Subscription struct {
	C  <-chan models.Event
	id uuid.UUID
	ch chan models.Event
}

// Broadcaster routes events to subscribers by owner. Publishing never blocks:
// full subscriber channels are skipped. When a Redis client is provided,
// published events are also mirrored to a pub/sub channel so subscribers on
// other nodes receive them.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]map[uuid.UUID]*Subscription // ownerID -> subscription ID -> sub
	closed bool

	nodeID uuid.UUID
	redis  *redis.Client
	logger *zap.Logger
}

// NewBroadcaster creates a broadcaster. redisClient may be nil for
// single-node in-process fan-out.
func NewBroadcaster(redisClient *redis.Client, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[uuid.UUID]map[uuid.UUID]*Subscription),
		nodeID: uuid.New(),
		redis:  redisClient,
		logger: logger.Named("events"),
	}
}

// Subscribe registers a new subscriber for an owner's events. The caller must
// call Unsubscribe when done or the subscription leaks.
func (b *Broadcaster) Subscribe(ownerID uuid.UUID) *Subscription {
	ch := make(chan models.Event, subscriberBuffer)
	sub := &Subscription{C: ch, id: uuid.New(), ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	if b.subs[ownerID] == nil {
		b.subs[ownerID] = make(map[uuid.UUID]*Subscription)
	}
	b.subs[ownerID][sub.id] = sub

	b.logger.Debug("subscriber added",
		zap.String("owner_id", ownerID.String()),
		zap.Int("owner_subscribers", len(b.subs[ownerID])))
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(ownerID uuid.UUID, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	owned, ok := b.subs[ownerID]
	if !ok {
		return
	}
	if _, ok := owned[sub.id]; !ok {
		return
	}
	delete(owned, sub.id)
	if len(owned) == 0 {
		delete(b.subs, ownerID)
	}
	close(sub.ch)
}

// Publish delivers an event to every subscriber of its owner. Sends are
// non-blocking; a full channel means the event is dropped for that
// subscriber. Mirrored to Redis when configured.
func (b *Broadcaster) Publish(ctx context.Context, event models.Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	b.deliverLocal(event)

	if b.redis != nil {
		payload, err := json.Marshal(mirrorEnvelope{Origin: b.nodeID, Event: event})
		if err != nil {
			b.logger.Error("failed to marshal event for redis mirror", zap.Error(err))
			return
		}
		if err := b.redis.Publish(ctx, redisChannel, payload).Err(); err != nil {
			// Mirror failures never affect local delivery.
			b.logger.Warn("failed to mirror event to redis", zap.Error(err))
		}
	}
}

func (b *Broadcaster) deliverLocal(event models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	dropped := 0
	for _, sub := range b.subs[event.OwnerID] {
		select {
		case sub.ch <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		b.logger.Debug("dropped event for slow subscribers",
			zap.String("kind", string(event.Kind)),
			zap.Int("dropped", dropped))
	}
}

// MirrorLoop consumes the Redis event channel and re-delivers events locally.
// Runs until the context is cancelled. No-op without a Redis client.
func (b *Broadcaster) MirrorLoop(ctx context.Context) {
	if b.redis == nil {
		return
	}

	pubsub := b.redis.Subscribe(ctx, redisChannel)
	defer pubsub.Close()

	b.logger.Info("redis event mirror started", zap.String("channel", redisChannel))
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			var env mirrorEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("discarding malformed mirrored event", zap.Error(err))
				continue
			}
			if env.Origin == b.nodeID {
				continue
			}
			b.deliverLocal(env.Event)
		}
	}
}

// Close shuts the broadcaster down and closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ownerID, owned := range b.subs {
		for _, sub := range owned {
			close(sub.ch)
		}
		delete(b.subs, ownerID)
	}
}
