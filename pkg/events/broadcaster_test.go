package events

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowdeck-inc/flowdeck-engine/pkg/models"
)

func newTestBroadcaster() *Broadcaster {
	return NewBroadcaster(nil, zap.NewNop())
}

func TestPublishDeliversToOwnerSubscribers(t *testing.T) {
	b := newTestBroadcaster()
	defer b.Close()

	owner := uuid.New()
	sub1 := b.Subscribe(owner)
	sub2 := b.Subscribe(owner)

	event := models.Event{
		Kind:       models.EventInstanceStatusChanged,
		OwnerID:    owner,
		InstanceID: uuid.New(),
	}
	b.Publish(context.Background(), event)

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case got := <-sub.C:
			assert.Equal(t, models.EventInstanceStatusChanged, got.Kind)
			assert.Equal(t, event.InstanceID, got.InstanceID)
			assert.False(t, got.OccurredAt.IsZero(), "OccurredAt should be stamped")
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestPublishIsScopedToOwner(t *testing.T) {
	b := newTestBroadcaster()
	defer b.Close()

	ownerA := uuid.New()
	ownerB := uuid.New()
	subA := b.Subscribe(ownerA)
	subB := b.Subscribe(ownerB)

	b.Publish(context.Background(), models.Event{Kind: models.EventWorkflowDelta, OwnerID: ownerA})

	select {
	case <-subA.C:
	case <-time.After(time.Second):
		t.Fatal("owner A subscriber did not receive event")
	}

	select {
	case got := <-subB.C:
		t.Fatalf("owner B should not receive owner A's event, got %v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	b := newTestBroadcaster()
	defer b.Close()

	owner := uuid.New()
	b.Subscribe(owner) // never drained

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*3; i++ {
			b.Publish(context.Background(), models.Event{Kind: models.EventWorkflowDelta, OwnerID: owner})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := newTestBroadcaster()
	defer b.Close()

	owner := uuid.New()
	sub := b.Subscribe(owner)
	b.Unsubscribe(owner, sub)

	_, open := <-sub.C
	require.False(t, open, "channel should be closed after unsubscribe")

	// Publishing after unsubscribe must not panic.
	b.Publish(context.Background(), models.Event{Kind: models.EventWorkflowDelta, OwnerID: owner})
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := newTestBroadcaster()
	defer b.Close()

	owner := uuid.New()
	sub := b.Subscribe(owner)
	b.Unsubscribe(owner, sub)
	b.Unsubscribe(owner, sub)
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	b := newTestBroadcaster()

	sub1 := b.Subscribe(uuid.New())
	sub2 := b.Subscribe(uuid.New())
	b.Close()

	_, open := <-sub1.C
	assert.False(t, open)
	_, open = <-sub2.C
	assert.False(t, open)

	// Publish and a second Close after shutdown are no-ops.
	b.Publish(context.Background(), models.Event{OwnerID: uuid.New()})
	b.Close()
}
