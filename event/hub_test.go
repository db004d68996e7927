package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ev(line int, kind Kind) ProgressEvent {
	return ProgressEvent{TransferID: "t", Line: line, Kind: kind, TS: time.Now()}
}

func drain(s *Subscription) []ProgressEvent {
	var out []ProgressEvent
	for e := range s.C() {
		out = append(out, e)
	}

	return out
}

func TestHub_FanOutInOrder(t *testing.T) {
	h := NewHub(16)
	a, b := h.Subscribe(), h.Subscribe()
	assert.Equal(t, 2, h.Len())

	for i := 1; i <= 5; i++ {
		h.Publish(ev(i, KindAck))
	}
	h.Publish(ev(5, KindCompleted))
	h.Close()

	for _, s := range []*Subscription{a, b} {
		got := drain(s)
		require.Len(t, got, 6)
		for i := 0; i < 5; i++ {
			assert.Equal(t, i+1, got[i].Line)
		}
		assert.Equal(t, KindCompleted, got[5].Kind)
		assert.Zero(t, s.Dropped())
	}
	assert.Zero(t, h.Len())
}

func TestHub_SlowSubscriberDropsOldest(t *testing.T) {
	h := NewHub(4)
	slow := h.Subscribe()

	for i := 1; i <= 100; i++ {
		h.Publish(ev(i, KindAck))
	}
	h.Publish(ev(100, KindCompleted))
	h.Close()

	got := drain(slow)
	require.Len(t, got, 4)
	assert.Equal(t, KindCompleted, got[3].Kind, "terminal event must survive")
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i].Line, got[i-1].Line)
	}
	assert.Equal(t, uint64(97), slow.Dropped())
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	h := NewHub(1)
	_ = h.Subscribe() // never read

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10_000; i++ {
			h.Publish(ev(i, KindAck))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a stalled subscriber")
	}
}

func TestHub_LateSubscriberGetsLastEvent(t *testing.T) {
	h := NewHub(8)
	_, ok := h.Last()
	assert.False(t, ok)

	h.Publish(ev(1, KindRunning))
	h.Publish(ev(2, KindAck))

	s := h.Subscribe()
	h.Publish(ev(3, KindAck))

	first := <-s.C()
	assert.Equal(t, 2, first.Line)
	next := <-s.C()
	assert.Equal(t, 3, next.Line)

	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, 3, last.Line)
}

func TestHub_SubscribeAfterClose(t *testing.T) {
	h := NewHub(8)
	h.Publish(ev(7, KindCanceled))
	h.Close()
	h.Close()
	assert.True(t, h.Closed())

	got := drain(h.Subscribe())
	require.Len(t, got, 1)
	assert.Equal(t, KindCanceled, got[0].Kind)

	h.Publish(ev(8, KindAck))
	last, _ := h.Last()
	assert.Equal(t, 7, last.Line)

	empty := NewHub(8)
	empty.Close()
	assert.Empty(t, drain(empty.Subscribe()))
}

func TestSubscription_Close(t *testing.T) {
	h := NewHub(8)
	s := h.Subscribe()
	h.Publish(ev(1, KindAck))

	s.Close()
	s.Close()
	assert.Zero(t, h.Len())

	got := drain(s)
	require.Len(t, got, 1)

	h.Publish(ev(2, KindAck))
	h.Close()
}

func TestHub_ConcurrentPublishSubscribe(t *testing.T) {
	h := NewHub(8)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := h.Subscribe()
			for j := 0; j < 50; j++ {
				select {
				case <-s.C():
				default:
				}
			}
			s.Close()
		}()
	}
	for i := 0; i < 1000; i++ {
		h.Publish(ev(i, KindAck))
	}
	wg.Wait()
	h.Close()
}

func TestKind_IsTerminal(t *testing.T) {
	assert.False(t, KindAck.IsTerminal())
	assert.False(t, KindRunning.IsTerminal())
	assert.True(t, KindCompleted.IsTerminal())
	assert.True(t, KindError.IsTerminal())
	assert.True(t, KindCanceled.IsTerminal())
}
