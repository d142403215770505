package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()

	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublish_DeliversToAllSubscribers(t *testing.T) {
	t.Parallel()

	b := NewBus(time.Millisecond)
	defer b.Close()

	a, unsubA := b.Subscribe(4)
	defer unsubA()

	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(TypeConnectionChange, ConnectionChange{Online: true})

	for _, ch := range []<-chan Event{a, c} {
		e := recv(t, ch)
		assert.Equal(t, TypeConnectionChange, e.Type)
		assert.Equal(t, ConnectionChange{Online: true}, e.Data)
	}
}

func TestPublish_NeverBlocksOnSlowSubscriber(t *testing.T) {
	t.Parallel()

	b := NewBus(time.Millisecond)
	defer b.Close()

	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})

	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(TypeConnectionChange, ConnectionChange{Online: i%2 == 0})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	// Only the newest event survives in a buffer of one.
	e := recv(t, ch)
	assert.Equal(t, ConnectionChange{Online: false}, e.Data)
}

func TestPublishProgress_Coalesces(t *testing.T) {
	t.Parallel()

	b := NewBus(50 * time.Millisecond)
	defer b.Close()

	ch, unsub := b.Subscribe(64)
	defer unsub()

	for i := 1; i <= 200; i++ {
		b.PublishProgress(Progress{Done: i, Total: 200})
	}

	var delivered int

	for {
		e := recv(t, ch)
		require.Equal(t, TypeProgress, e.Type)
		delivered++

		if e.Data.(Progress).Done == 200 {
			break
		}
	}

	assert.Less(t, delivered, 10, "progress should be coalesced into frames")

	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra event %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublish_FlushesProgressFirst(t *testing.T) {
	t.Parallel()

	b := NewBus(time.Hour)
	defer b.Close()

	ch, unsub := b.Subscribe(8)
	defer unsub()

	b.PublishProgress(Progress{Done: 5, Total: 5})
	b.Publish(TypeSyncComplete, "summary")

	assert.Equal(t, TypeProgress, recv(t, ch).Type)
	assert.Equal(t, TypeSyncComplete, recv(t, ch).Type)
}

func TestUnsubscribeAndClose(t *testing.T) {
	t.Parallel()

	b := NewBus(time.Millisecond)

	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)

	other, _ := b.Subscribe(1)
	b.Close()

	_, ok = <-other
	assert.False(t, ok)

	late, _ := b.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok, "subscribing to a closed bus yields a closed channel")

	b.Publish(TypeSyncComplete, nil)
}
