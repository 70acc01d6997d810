package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publishN(ctx context.Context, b *Bus, topic Topic, n int) {
	for i := 0; i < n; i++ {
		b.Publish(ctx, Started{Base: NewBase(topic, time.Now(), "", nil)})
	}
}

func TestSubscribeAllTopics(t *testing.T) {
	ctx := context.Background()
	b := NewBus()
	defer b.Close()

	sub := b.Subscribe()
	b.Publish(ctx, Started{Base: NewBase(TopicStarted, time.Now(), "", nil)})
	b.Publish(ctx, JobCreated{Base: NewBase(TopicJobCreated, time.Now(), "writer", nil)})

	e := <-sub.Events()
	assert.Equal(t, TopicStarted, e.Topic())
	e = <-sub.Events()
	assert.Equal(t, TopicJobCreated, e.Topic())
	assert.Equal(t, "writer", e.Agent())
}

func TestTopicFiltering(t *testing.T) {
	ctx := context.Background()
	b := NewBus()
	defer b.Close()

	sub := b.Subscribe(TopicJobCompleted)
	b.Publish(ctx, Started{Base: NewBase(TopicStarted, time.Now(), "", nil)})
	b.Publish(ctx, JobCompleted{Base: NewBase(TopicJobCompleted, time.Now(), "writer", nil)})

	select {
	case e := <-sub.Events():
		assert.Equal(t, TopicJobCompleted, e.Topic())
	case <-time.After(time.Second):
		t.Fatal("expected matching event")
	}
	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected event %s", e.Topic())
	default:
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	ctx := context.Background()
	b := NewBus(WithQueueSize(4))
	defer b.Close()

	sub := b.Subscribe(TopicStarted)
	publishN(ctx, b, TopicStarted, 10)

	// The queue holds the newest 4 events; the first 6 were dropped.
	var got int
	for {
		select {
		case <-sub.Events():
			got++
		default:
			assert.Equal(t, 4, got)
			return
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	ctx := context.Background()
	b := NewBus(WithQueueSize(1))
	defer b.Close()

	_ = b.Subscribe() // never drained
	done := make(chan struct{})
	go func() {
		publishN(ctx, b, TopicStarted, 1000)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestCloseIdempotentAndConcurrentSafe(t *testing.T) {
	ctx := context.Background()
	b := NewBus()
	sub := b.Subscribe()

	done := make(chan struct{})
	go func() {
		publishN(ctx, b, TopicStarted, 100)
		close(done)
	}()
	sub.Close()
	sub.Close()
	<-done

	_, ok := <-sub.Events()
	assert.False(t, ok, "channel closes with the subscription")

	// Publishing after close must not panic.
	b.Publish(ctx, Started{Base: NewBase(TopicStarted, time.Now(), "", nil)})
	b.Close()
}

func TestBusCloseClosesAllSubscriptions(t *testing.T) {
	b := NewBus()
	s1 := b.Subscribe()
	s2 := b.Subscribe(TopicJobOutput)
	b.Close()

	_, ok := <-s1.Events()
	require.False(t, ok)
	_, ok = <-s2.Events()
	require.False(t, ok)
}
