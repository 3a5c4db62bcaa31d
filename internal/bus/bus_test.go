package bus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentsupervisor/internal/bus"
	"github.com/kandev/agentsupervisor/internal/events"
	"github.com/kandev/agentsupervisor/internal/logging"
	"github.com/kandev/agentsupervisor/internal/model"
)

func newTestBus(t *testing.T, cfg bus.Config) (*bus.Bus, *events.Stream) {
	t.Helper()
	stream := events.NewStream(logging.Default())
	b := bus.New(cfg, stream, nil, logging.Default())
	t.Cleanup(func() {
		b.Close()
		stream.Close()
	})
	return b, stream
}

func TestSendDeliversImmediatelyToActiveSubscriber(t *testing.T) {
	b, _ := newTestBus(t, bus.Config{})
	ctx := context.Background()

	var mu sync.Mutex
	var received *model.Message
	delivered := make(chan struct{})
	b.RegisterRoute("a2", "*", bus.MatchType, func(ctx context.Context, msg *model.Message) (any, error) {
		mu.Lock()
		received = msg
		mu.Unlock()
		close(delivered)
		return nil, nil
	})
	require.NoError(t, b.Subscribe(ctx, "a2"))

	require.NoError(t, b.Send(ctx, &model.Message{
		SenderID:     "a1",
		RecipientIDs: []string{"a2"},
		Type:         model.MessageEvent,
		Payload:      "hello",
	}))

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, received)
	assert.Equal(t, "hello", received.Payload)
}

func TestSendQueuesForOfflineRecipientAndFlushesOnSubscribe(t *testing.T) {
	b, stream := newTestBus(t, bus.Config{})
	ctx := context.Background()

	require.NoError(t, b.Send(ctx, &model.Message{
		SenderID:     "a1",
		RecipientIDs: []string{"a2"},
		Type:         model.MessageEvent,
		Payload:      "queued",
	}))

	ch, unsubscribe := stream.Subscribe(ctx)
	defer unsubscribe()

	require.NoError(t, b.Subscribe(ctx, "a2"))

	select {
	case ev := <-ch:
		assert.Equal(t, events.AgentMessage, ev.Kind)
		assert.Equal(t, "a2", ev.AgentID)
		msg, ok := ev.Payload.(*model.Message)
		require.True(t, ok)
		assert.Equal(t, "queued", msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for flushed message")
	}
}

func TestRequestResponseRoundTrip(t *testing.T) {
	b, _ := newTestBus(t, bus.Config{})
	ctx := context.Background()

	b.RegisterRoute("a2", "*", bus.MatchType, func(ctx context.Context, msg *model.Message) (any, error) {
		return "pong", nil
	})
	require.NoError(t, b.Subscribe(ctx, "a2"))

	resp, err := b.Request(ctx, "a1", "a2", "ping", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", resp)
}

func TestRequestTimesOutWithNoResponder(t *testing.T) {
	b, _ := newTestBus(t, bus.Config{})
	ctx := context.Background()

	_, err := b.Request(ctx, "a1", "a2", "ping", 20*time.Millisecond)
	assert.Error(t, err)
}

func TestBroadcastDeliversOnlyToMatchingSubscribers(t *testing.T) {
	b, _ := newTestBus(t, bus.Config{})
	ctx := context.Background()

	var mu sync.Mutex
	var gotA2, gotA3 bool
	done := make(chan struct{}, 2)
	b.RegisterRoute("a2", "*", bus.MatchType, func(ctx context.Context, msg *model.Message) (any, error) {
		mu.Lock()
		gotA2 = true
		mu.Unlock()
		done <- struct{}{}
		return nil, nil
	})
	b.RegisterRoute("a3", "*", bus.MatchType, func(ctx context.Context, msg *model.Message) (any, error) {
		mu.Lock()
		gotA3 = true
		mu.Unlock()
		done <- struct{}{}
		return nil, nil
	})
	require.NoError(t, b.Subscribe(ctx, "a2", "topic.interesting"))
	require.NoError(t, b.Subscribe(ctx, "a3", "topic.other"))

	require.NoError(t, b.Broadcast(ctx, "a1", "topic.interesting", "news"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast delivery")
	}
	time.Sleep(20 * time.Millisecond) // drain window for the non-matching side to (not) fire

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, gotA2)
	assert.False(t, gotA3)
}

func TestRetryExhaustionPublishesRetryFailed(t *testing.T) {
	b, stream := newTestBus(t, bus.Config{MaxAttempts: 1})
	ctx := context.Background()

	b.RegisterRoute("a2", "*", bus.MatchType, func(ctx context.Context, msg *model.Message) (any, error) {
		return nil, assertFailure
	})
	require.NoError(t, b.Subscribe(ctx, "a2"))

	ch, unsubscribe := stream.Subscribe(ctx)
	defer unsubscribe()

	require.NoError(t, b.Send(ctx, &model.Message{
		SenderID:     "a1",
		RecipientIDs: []string{"a2"},
		Type:         model.MessageEvent,
		Payload:      "boom",
		MaxAttempts:  1,
	}))

	select {
	case ev := <-ch:
		assert.Equal(t, events.MessageRetryFailed, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for retry_failed event")
	}
}

var assertFailure = assertError("handler failure")

type assertError string

func (e assertError) Error() string { return string(e) }

func TestPriorityOrderingOvertakesQueuedLowerPriorityForActiveRecipient(t *testing.T) {
	b, _ := newTestBus(t, bus.Config{})
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	first := true
	started := make(chan struct{})
	release := make(chan struct{})

	b.RegisterRoute("b1", "*", bus.MatchType, func(ctx context.Context, msg *model.Message) (any, error) {
		mu.Lock()
		isFirst := first
		first = false
		mu.Unlock()
		if isFirst {
			close(started)
			<-release
		}
		mu.Lock()
		order = append(order, msg.Payload.(string))
		mu.Unlock()
		return nil, nil
	})
	require.NoError(t, b.Subscribe(ctx, "b1"))

	go func() {
		_ = b.Send(ctx, &model.Message{SenderID: "a1", RecipientIDs: []string{"b1"}, Type: model.MessageEvent, Payload: "low-1", Priority: model.PriorityLow})
	}()
	<-started // the handler is now blocked mid-delivery of low-1

	require.NoError(t, b.Send(ctx, &model.Message{SenderID: "a1", RecipientIDs: []string{"b1"}, Type: model.MessageEvent, Payload: "critical", Priority: model.PriorityCritical}))
	require.NoError(t, b.Send(ctx, &model.Message{SenderID: "a1", RecipientIDs: []string{"b1"}, Type: model.MessageEvent, Payload: "low-2", Priority: model.PriorityLow}))

	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// low-1 was already in flight when critical and low-2 arrived, so it
	// finishes first; between the two still queued behind it, critical
	// overtakes low-2 despite being submitted second (§4.4, §8.6).
	assert.Equal(t, []string{"low-1", "critical", "low-2"}, order)
}

func TestHistoryRecordsBothSidesOfARequest(t *testing.T) {
	b, _ := newTestBus(t, bus.Config{})
	ctx := context.Background()

	var correlationID string
	var mu sync.Mutex
	b.RegisterRoute("a2", "*", bus.MatchType, func(ctx context.Context, msg *model.Message) (any, error) {
		mu.Lock()
		correlationID = msg.EffectiveCorrelationID()
		mu.Unlock()
		return "pong", nil
	})
	require.NoError(t, b.Subscribe(ctx, "a2"))

	_, err := b.Request(ctx, "a1", "a2", "ping", time.Second)
	require.NoError(t, err)

	mu.Lock()
	corr := correlationID
	mu.Unlock()
	require.NotEmpty(t, corr)

	var log []*model.Message
	require.Eventually(t, func() bool {
		log = b.History(corr)
		return len(log) == 2
	}, time.Second, 10*time.Millisecond, "history should contain both the request and its response")

	assert.Equal(t, model.MessageRequest, log[0].Type)
	assert.Equal(t, model.MessageResponse, log[1].Type)
}
