package events

import (
	"context"
	"sync"
	"time"

	"github.com/kandev/agentsupervisor/internal/logging"
	"go.uber.org/zap"
)

// streamBuffer is the per-subscriber channel depth. A slow subscriber beyond
// this depth has events dropped for it specifically (logged), rather than
// blocking the publisher and breaking the total order other subscribers see.
const streamBuffer = 256

// Stream is the Lifecycle Controller's single ordered event stream (§4.5).
// Publish is totally ordered with respect to the operations that call it:
// a single internal goroutine drains a queue and fans events out to
// subscribers in submission order, so "subscribers receive a stream, not a
// snapshot" holds for every subscriber simultaneously.
type Stream struct {
	logger *logging.Logger

	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int

	in     chan Event
	closed chan struct{}
	once   sync.Once
}

// NewStream constructs a Stream and starts its dispatch loop. Call Close when
// the owning Lifecycle Controller shuts down.
func NewStream(log *logging.Logger) *Stream {
	s := &Stream{
		logger:      log.With(zap.String("component", "event-stream")),
		subscribers: make(map[int]chan Event),
		in:          make(chan Event, streamBuffer),
		closed:      make(chan struct{}),
	}
	go s.dispatchLoop()
	return s
}

// Publish enqueues an event for ordered delivery to all current subscribers.
// It blocks only while the internal queue is full, which bounds how far a
// hung dispatch loop can fall behind without silently dropping events.
func (s *Stream) Publish(kind Kind, agentID string, payload any) {
	select {
	case <-s.closed:
		return
	default:
	}
	s.in <- Event{Kind: kind, AgentID: agentID, Payload: payload, Timestamp: time.Now().UTC()}
}

// Subscribe registers a new consumer and returns a channel of events from
// this point forward plus an unsubscribe function. Callers are responsible
// for fetching any initial state via the read API before subscribing, since
// the stream carries no history (§4.5).
func (s *Stream) Subscribe(ctx context.Context) (<-chan Event, func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	ch := make(chan Event, streamBuffer)
	s.subscribers[id] = ch
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		if c, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(c)
		}
		s.mu.Unlock()
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-s.closed:
		}
	}()

	return ch, unsubscribe
}

// Close stops the dispatch loop and closes every subscriber channel. Safe to
// call more than once.
func (s *Stream) Close() {
	s.once.Do(func() {
		close(s.closed)
		s.mu.Lock()
		for id, ch := range s.subscribers {
			delete(s.subscribers, id)
			close(ch)
		}
		s.mu.Unlock()
	})
}

func (s *Stream) dispatchLoop() {
	for {
		select {
		case ev := <-s.in:
			s.mu.Lock()
			for id, ch := range s.subscribers {
				select {
				case ch <- ev:
				default:
					s.logger.Warn("dropping event for slow subscriber",
						zap.Int("subscriber", id), zap.String("kind", string(ev.Kind)))
				}
			}
			s.mu.Unlock()
		case <-s.closed:
			return
		}
	}
}
