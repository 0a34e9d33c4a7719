package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-runtime/conductor/pkg/models"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	a := bus.Subscribe()
	b := bus.Subscribe()

	bus.Publish(Event{
		Type:    TypeTaskStatus,
		TaskID:  "task-1",
		Payload: TaskStatusPayload{Status: models.TaskStatusInProgress},
	})

	for _, sub := range []*Subscription{a, b} {
		select {
		case evt := <-sub.Events():
			assert.Equal(t, TypeTaskStatus, evt.Type)
			assert.Equal(t, "task-1", evt.TaskID)
			assert.False(t, evt.Timestamp.IsZero(), "publish stamps the timestamp")
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBusFiltersByType(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(TypeDeadLetterAdded)

	bus.Publish(Event{Type: TypeTaskStatus, TaskID: "task-1"})
	bus.Publish(Event{Type: TypeDeadLetterAdded, TaskID: "task-2"})

	select {
	case evt := <-sub.Events():
		assert.Equal(t, TypeDeadLetterAdded, evt.Type)
		assert.Equal(t, "task-2", evt.TaskID)
	case <-time.After(time.Second):
		t.Fatal("filtered event not delivered")
	}
	select {
	case evt := <-sub.Events():
		t.Fatalf("unexpected extra event %v", evt.Type)
	default:
	}
}

func TestBusPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Nobody drains sub; overflow events must be dropped, not block.
		for i := 0; i < defaultBuffer*2; i++ {
			bus.Publish(Event{Type: TypeTaskProgress})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}

	// The buffer holds exactly its capacity.
	count := 0
	for {
		select {
		case <-sub.Events():
			count++
			continue
		default:
		}
		break
	}
	assert.Equal(t, defaultBuffer, count)
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe()
	sub.Close()

	_, open := <-sub.Events()
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{Type: TypeTaskStatus})
}

func TestBusCloseClosesAllSubscribers(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	bus.Close()

	_, open := <-sub.Events()
	require.False(t, open)

	// Subscribing after close yields an already-closed channel.
	late := bus.Subscribe()
	_, open = <-late.Events()
	assert.False(t, open)
}
