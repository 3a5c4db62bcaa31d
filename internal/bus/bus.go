// Package bus implements the Message Bus (§4.4): routes messages between
// agents one-to-one, via request/response, and via topic broadcast;
// persists queues for disconnected recipients; applies prioritised delivery
// with bounded retries and TTL expiry. It is grounded on the teacher's
// in-memory EventBus (wildcard subscriptions, `_INBOX.<id>` request/reply)
// combined with its priority-heap task queue, generalised from topic events
// to addressed messages with offline persistence.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/agentsupervisor/internal/apperrors"
	"github.com/kandev/agentsupervisor/internal/events"
	"github.com/kandev/agentsupervisor/internal/logging"
	"github.com/kandev/agentsupervisor/internal/model"
)

// MatchField selects which part of a message a Route matches against (§4.4).
type MatchField int

const (
	MatchType MatchField = iota
	MatchPayload
)

// RouteHandler processes a delivered message. A non-nil result returned for
// a request-typed message triggers an automatic response (§4.4).
type RouteHandler func(ctx context.Context, msg *model.Message) (any, error)

// Middleware runs ahead of delivery to any active connection. Returning an
// error counts as a delivery failure for retry purposes (§4.4).
type Middleware func(ctx context.Context, msg *model.Message) error

type route struct {
	id      string
	pattern string
	field   MatchField
	handler RouteHandler
}

type subscriber struct {
	mu       sync.Mutex
	active   bool
	draining bool // a drain loop is currently popping this subscriber's queue
	topics   map[string]struct{}
	routes   []*route
	queue    *recipientQueue
	soft     bool // true once the queue has crossed the configured soft limit
}

// Bus is the Message Bus (§4.4).
type Bus struct {
	logger         *logging.Logger
	stream         *events.Stream
	maxAttempts    int
	queueSoftLimit int
	broadcaster    Broadcaster

	mu             sync.RWMutex
	subscribers    map[string]*subscriber
	middlewareList []Middleware

	history *history

	pendingMu sync.Mutex
	pending   map[string]chan *model.Message

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Broadcaster optionally relays broadcasts to an external transport (e.g.
// NATS) in addition to local in-process delivery. A nil Broadcaster means
// broadcast is purely local.
type Broadcaster interface {
	Broadcast(ctx context.Context, topic string, payload any) error
}

// Config parameterises bus tuning knobs sourced from internal/config (§4.4,
// §6 MESSAGE_RETRY_MAX / MESSAGE_QUEUE_SOFT_LIMIT).
type Config struct {
	MaxAttempts    int
	QueueSoftLimit int
}

// New constructs a Bus and starts its TTL and history-cleanup sweeps.
func New(cfg Config, stream *events.Stream, broadcaster Broadcaster, log *logging.Logger) *Bus {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = model.DefaultMaxAttempts
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		logger:         log.With(zap.String("component", "message-bus")),
		stream:         stream,
		maxAttempts:    cfg.MaxAttempts,
		queueSoftLimit: cfg.QueueSoftLimit,
		broadcaster:    broadcaster,
		subscribers:    make(map[string]*subscriber),
		history:        newHistory(),
		pending:        make(map[string]chan *model.Message),
		cancel:         cancel,
	}
	b.wg.Add(2)
	go b.ttlSweepLoop(ctx)
	go b.historyCleanupLoop(ctx)
	return b
}

func (b *Bus) getOrCreateSubscriber(agentID string) *subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscribers[agentID]
	if !ok {
		sub = &subscriber{topics: make(map[string]struct{}), queue: newRecipientQueue()}
		b.subscribers[agentID] = sub
	}
	return sub
}

// Subscribe marks agentID as an active connection and records its topic
// patterns, then flushes any messages queued while it was offline, in
// priority order (§4.4).
func (b *Bus) Subscribe(ctx context.Context, agentID string, topics ...string) error {
	sub := b.getOrCreateSubscriber(agentID)

	sub.mu.Lock()
	sub.active = true
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}
	startDrain := !sub.draining
	if startDrain {
		sub.draining = true
	}
	sub.mu.Unlock()

	if startDrain {
		b.drainActive(ctx, agentID, sub)
	}
	return nil
}

// Unsubscribe removes topics from agentID's subscription. Called with no
// topics, it tears down the agent's active status, routes, and queue
// entirely (§4.4).
func (b *Bus) Unsubscribe(agentID string, topics ...string) error {
	b.mu.Lock()
	sub, ok := b.subscribers[agentID]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	if len(topics) == 0 {
		delete(b.subscribers, agentID)
		b.mu.Unlock()
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	sub.mu.Lock()
	for _, t := range topics {
		delete(sub.topics, t)
	}
	sub.mu.Unlock()
	return nil
}

// RegisterRoute adds a route on agentID matched against either the message
// type or its payload (§4.4). Pattern is matched literally unless it parses
// as a topic-style wildcard pattern.
func (b *Bus) RegisterRoute(agentID, pattern string, field MatchField, handler RouteHandler) string {
	sub := b.getOrCreateSubscriber(agentID)
	id := uuid.NewString()
	sub.mu.Lock()
	sub.routes = append(sub.routes, &route{id: id, pattern: pattern, field: field, handler: handler})
	sub.mu.Unlock()
	return id
}

// UnregisterRoute removes a previously registered route.
func (b *Bus) UnregisterRoute(agentID, routeID string) {
	b.mu.RLock()
	sub, ok := b.subscribers[agentID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for i, r := range sub.routes {
		if r.id == routeID {
			sub.routes = append(sub.routes[:i], sub.routes[i+1:]...)
			return
		}
	}
}

// Use registers global middleware run before any active-connection delivery.
func (b *Bus) Use(mw Middleware) {
	b.mu.Lock()
	b.middlewareList = append(b.middlewareList, mw)
	b.mu.Unlock()
}

// Send delivers msg to every recipient (§4.4), always via the recipient's
// priority queue: a message is popped and delivered as soon as the
// recipient is active and nothing higher-priority is ahead of it, which
// degenerates to immediate delivery when the queue is otherwise empty.
func (b *Bus) Send(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = b.maxAttempts
	}

	if msg.Type == model.MessageResponse {
		if b.deliverToWaiter(msg) {
			b.history.record(msg)
			return nil
		}
	}

	b.history.record(msg)

	for _, recipientID := range msg.RecipientIDs {
		sub := b.getOrCreateSubscriber(recipientID)
		b.enqueueOrDeliver(ctx, recipientID, sub, msg)
	}
	return nil
}

func (b *Bus) deliverToWaiter(msg *model.Message) bool {
	key := msg.EffectiveCorrelationID()
	b.pendingMu.Lock()
	ch, ok := b.pending[key]
	b.pendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- msg:
	default:
	}
	return true
}

// enqueueOrDeliver pushes msg onto recipientID's priority queue and, if the
// recipient is active, ensures a drain loop is running to pop and deliver it
// in priority order. A higher-priority message submitted while a lower one
// is still queued overtakes it even for an already-connected recipient
// (§4.4, §8.6) — the two clauses read the same offline/active queue, so
// priority governs delivery order in both cases.
func (b *Bus) enqueueOrDeliver(ctx context.Context, recipientID string, sub *subscriber, msg *model.Message) {
	sub.mu.Lock()
	qm := &model.QueuedMessage{Message: msg, RecipientID: recipientID, EnqueuedAt: time.Now().UTC()}
	sub.queue.push(qm)
	if !sub.soft && b.queueSoftLimit > 0 && sub.queue.len() > b.queueSoftLimit {
		sub.soft = true
		depth := sub.queue.len()
		sub.mu.Unlock()
		b.stream.Publish(events.QueueSoftLimit, recipientID, depth)
		b.logger.Warn("recipient queue exceeded soft limit", zap.String("agent_id", recipientID), zap.Int("depth", depth))
		sub.mu.Lock()
	}
	startDrain := sub.active && !sub.draining
	if startDrain {
		sub.draining = true
	}
	sub.mu.Unlock()

	if startDrain {
		b.drainActive(ctx, recipientID, sub)
	}
}

// drainActive pops recipientID's queue in priority order and delivers each
// message while the recipient remains active, stopping once the queue is
// empty or the recipient goes offline. Only one drain loop runs per
// subscriber at a time (guarded by sub.draining).
func (b *Bus) drainActive(ctx context.Context, recipientID string, sub *subscriber) {
	for {
		sub.mu.Lock()
		if !sub.active {
			sub.draining = false
			sub.mu.Unlock()
			return
		}
		qm := sub.queue.pop()
		if qm == nil {
			sub.draining = false
			sub.mu.Unlock()
			return
		}
		sub.mu.Unlock()

		if qm.Message.Expired(time.Now().UTC()) {
			b.stream.Publish(events.MessageExpired, recipientID, qm.Message)
			continue
		}
		b.deliverActive(ctx, recipientID, sub, qm.Message)
	}
}

// deliverActive runs global middleware then matching routes for recipientID.
// Failures are retried with exponential backoff (attempts*5s) up to
// maxAttempts (§4.4).
func (b *Bus) deliverActive(ctx context.Context, recipientID string, sub *subscriber, msg *model.Message) {
	b.mu.RLock()
	mws := append([]Middleware(nil), b.middlewareList...)
	b.mu.RUnlock()

	for _, mw := range mws {
		if err := mw(ctx, msg); err != nil {
			b.retryOrFail(ctx, recipientID, sub, msg, err)
			return
		}
	}

	sub.mu.Lock()
	matching := make([]*route, 0, len(sub.routes))
	for _, r := range sub.routes {
		if routeMatches(r, msg) {
			matching = append(matching, r)
		}
	}
	sub.mu.Unlock()

	if len(matching) == 0 {
		b.stream.Publish(events.AgentMessage, recipientID, msg)
		return
	}

	for _, r := range matching {
		result, err := r.handler(ctx, msg)
		if err != nil {
			b.logger.Warn("route handler failed", zap.String("agent_id", recipientID), zap.Error(err))
			b.retryOrFail(ctx, recipientID, sub, msg, err)
			continue
		}
		if result != nil && msg.Type == model.MessageRequest {
			response := &model.Message{
				SenderID:      recipientID,
				RecipientIDs:  []string{msg.SenderID},
				Type:          model.MessageResponse,
				Payload:       result,
				CorrelationID: msg.EffectiveCorrelationID(),
			}
			_ = b.Send(ctx, response)
		}
	}
}

func routeMatches(r *route, msg *model.Message) bool {
	var subject string
	switch r.field {
	case MatchType:
		subject = string(msg.Type)
	case MatchPayload:
		subject = fmt.Sprintf("%v", msg.Payload)
	}
	return topicMatches(subject, r.pattern)
}

func (b *Bus) retryOrFail(ctx context.Context, recipientID string, sub *subscriber, msg *model.Message, cause error) {
	msg.Attempts++
	if msg.Attempts >= msg.MaxAttempts {
		b.stream.Publish(events.MessageRetryFailed, recipientID, msg)
		b.logger.Warn("message retry exhausted", zap.String("agent_id", recipientID), zap.String("message_id", msg.ID), zap.Error(cause))
		return
	}
	delay := time.Duration(msg.Attempts) * 5 * time.Second
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		b.enqueueOrDeliver(ctx, recipientID, sub, msg)
	}()
}

// Request allocates a correlation id, sends a request message, and awaits
// the matching response until timeout elapses (§4.4).
func (b *Bus) Request(ctx context.Context, from, to string, payload any, timeout time.Duration) (any, error) {
	correlationID := uuid.NewString()
	ch := make(chan *model.Message, 1)

	b.pendingMu.Lock()
	b.pending[correlationID] = ch
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, correlationID)
		b.pendingMu.Unlock()
	}()

	msg := &model.Message{
		SenderID:      from,
		RecipientIDs:  []string{to},
		Type:          model.MessageRequest,
		Payload:       payload,
		CorrelationID: correlationID,
	}
	if err := b.Send(ctx, msg); err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case resp := <-ch:
		return resp.Payload, nil
	case <-timeoutCtx.Done():
		return nil, apperrors.Wrap(apperrors.Timeout, "request", "no response within timeout", timeoutCtx.Err())
	}
}

// Broadcast resolves topic against every subscriber's subscribed patterns
// (a subscriber pattern of "*" matches any topic) and delivers to each
// matching subscriber as if it were an explicit recipient (§4.4). A
// subscriber that subscribed with no topics never receives broadcasts. If an
// external Broadcaster is configured, the broadcast is also relayed there.
func (b *Bus) Broadcast(ctx context.Context, from, topic string, payload any) error {
	b.mu.RLock()
	var recipients []string
	for id, sub := range b.subscribers {
		sub.mu.Lock()
		match := false
		for t := range sub.topics {
			if topicMatches(topic, t) {
				match = true
				break
			}
		}
		sub.mu.Unlock()
		if match {
			recipients = append(recipients, id)
		}
	}
	b.mu.RUnlock()

	if len(recipients) > 0 {
		msg := &model.Message{
			SenderID:     from,
			RecipientIDs: recipients,
			Type:         model.MessageBroadcast,
			Payload:      payload,
		}
		if err := b.Send(ctx, msg); err != nil {
			return err
		}
	}

	if b.broadcaster != nil {
		if err := b.broadcaster.Broadcast(ctx, topic, payload); err != nil {
			b.logger.Warn("external broadcast relay failed", zap.String("topic", topic), zap.Error(err))
		}
	}
	return nil
}

// History returns the conversation log for a correlation id.
func (b *Bus) History(correlationID string) []*model.Message {
	return b.history.get(correlationID)
}

func (b *Bus) ttlSweepLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweepTTL()
		}
	}
}

func (b *Bus) sweepTTL() {
	now := time.Now().UTC()
	b.mu.RLock()
	subs := make(map[string]*subscriber, len(b.subscribers))
	for id, sub := range b.subscribers {
		subs[id] = sub
	}
	b.mu.RUnlock()

	for id, sub := range subs {
		sub.mu.Lock()
		expired := sub.queue.removeExpired(now)
		sub.mu.Unlock()
		for _, qm := range expired {
			b.stream.Publish(events.MessageExpired, id, qm.Message)
		}
	}
}

func (b *Bus) historyCleanupLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.history.cleanup(time.Now().UTC())
		}
	}
}

// Close stops the bus's background sweeps.
func (b *Bus) Close() error {
	b.cancel()
	b.wg.Wait()
	return nil
}
