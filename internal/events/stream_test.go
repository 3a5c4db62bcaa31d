package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentsupervisor/internal/events"
	"github.com/kandev/agentsupervisor/internal/logging"
)

func TestStreamDeliversInPublishOrder(t *testing.T) {
	s := events.NewStream(logging.Default())
	defer s.Close()

	ch, unsubscribe := s.Subscribe(context.Background())
	defer unsubscribe()

	s.Publish(events.AgentCreated, "a1", nil)
	s.Publish(events.AgentStarted, "a1", nil)
	s.Publish(events.AgentStopped, "a1", nil)

	var got []events.Kind
	for i := 0; i < 3; i++ {
		select {
		case ev := <-ch:
			got = append(got, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	assert.Equal(t, []events.Kind{events.AgentCreated, events.AgentStarted, events.AgentStopped}, got)
}

func TestStreamFanOutToMultipleSubscribers(t *testing.T) {
	s := events.NewStream(logging.Default())
	defer s.Close()

	ch1, unsub1 := s.Subscribe(context.Background())
	ch2, unsub2 := s.Subscribe(context.Background())
	defer unsub1()
	defer unsub2()

	s.Publish(events.AgentCreated, "a1", nil)

	for _, ch := range []<-chan events.Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, events.AgentCreated, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out delivery")
		}
	}
}

func TestStreamCloseIsIdempotentAndClosesSubscriberChannels(t *testing.T) {
	s := events.NewStream(logging.Default())
	ch, unsubscribe := s.Subscribe(context.Background())
	defer unsubscribe()

	s.Close()
	s.Close() // must not panic

	_, ok := <-ch
	assert.False(t, ok, "subscriber channel should be closed")
}

func TestUnsubscribeViaContextCancellation(t *testing.T) {
	s := events.NewStream(logging.Default())
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := s.Subscribe(ctx)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}
