package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_DeliversToMatchingSubscriber(t *testing.T) {
	bus := New()
	sub := bus.Subscribe([]string{TypeTaskCreated}, "")
	defer sub.Close()

	bus.Publish(Event{Type: TypeTaskCreated, Payload: map[string]interface{}{"id": "t1"}})

	select {
	case e := <-sub.Events:
		assert.Equal(t, TypeTaskCreated, e.Type)
		assert.False(t, e.TimestampUTC.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublish_FiltersByType(t *testing.T) {
	bus := New()
	sub := bus.Subscribe([]string{TypeTaskCreated}, "")
	defer sub.Close()

	bus.Publish(Event{Type: TypeAgentStatusChanged})

	select {
	case e := <-sub.Events:
		t.Fatalf("unexpected event delivered: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublish_FiltersByEntity(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(nil, "task:1")
	defer sub.Close()

	bus.Publish(Event{Type: TypeTaskUpdated, EntityKey: "task:2"})
	bus.Publish(Event{Type: TypeTaskUpdated, EntityKey: "task:1"})

	select {
	case e := <-sub.Events:
		assert.Equal(t, "task:1", e.EntityKey)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case e := <-sub.Events:
		t.Fatalf("unexpected second event delivered: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublish_PerEntityFIFOOrdering(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(nil, "task:1")
	defer sub.Close()

	const n = 50
	for i := 0; i < n; i++ {
		bus.Publish(Event{Type: TypeTaskUpdated, EntityKey: "task:1", Payload: map[string]interface{}{"i": i}})
	}

	var lastSeq uint64
	for i := 0; i < n; i++ {
		select {
		case e := <-sub.Events:
			require.Greater(t, e.Seq, lastSeq)
			lastSeq = e.Seq
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestClose_StopsDelivery(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(nil, "")
	sub.Close()

	// Publishing after Close must not panic even though the channel is
	// closed; deliver() simply finds no matching (removed) subscriber.
	assert.NotPanics(t, func() {
		bus.Publish(Event{Type: TypeTaskCreated})
	})
}
