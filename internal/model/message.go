package model

import "time"

// MessageType enumerates the Message Bus's delivery kinds (§3).
type MessageType string

const (
	MessageRequest   MessageType = "request"
	MessageResponse  MessageType = "response"
	MessageEvent     MessageType = "event"
	MessageBroadcast MessageType = "broadcast"
)

// Priority orders delivery within a single recipient's queue (§3, §4.4).
// Lower numeric value sorts first ("critical" overtakes "low").
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// DefaultMaxAttempts is the default retry ceiling for a Message (§3).
const DefaultMaxAttempts = 3

// Message is a unit of inter-agent communication routed by the Message Bus.
type Message struct {
	ID            string
	SenderID      string
	RecipientIDs  []string // one or more recipients
	Type          MessageType
	Payload       any
	CreatedAt     time.Time
	Priority      Priority
	CorrelationID string // optional; empty means "use ID"
	TTL           time.Duration // optional; zero means no expiry
	Attempts      int
	MaxAttempts   int
}

// EffectiveCorrelationID returns CorrelationID if set, else the message's own
// ID (so a lone request/response pair can always be correlated).
func (m *Message) EffectiveCorrelationID() string {
	if m.CorrelationID != "" {
		return m.CorrelationID
	}
	return m.ID
}

// ExpiresAt returns the wall-clock deadline derived from TTL, or the zero
// time if the message never expires.
func (m *Message) ExpiresAt() time.Time {
	if m.TTL <= 0 {
		return time.Time{}
	}
	return m.CreatedAt.Add(m.TTL)
}

// Expired reports whether the message's TTL has elapsed as of now (§3, §8.7).
func (m *Message) Expired(now time.Time) bool {
	exp := m.ExpiresAt()
	return !exp.IsZero() && !now.Before(exp)
}

// QueuedMessage is a Message held in a per-recipient offline queue (§3,
// §4.4). The Bus orders the queue by EnqueuedAt and schedules retries with
// timers; it neither sets nor reads NextRetryAt.
type QueuedMessage struct {
	Message     *Message
	RecipientID string
	EnqueuedAt  time.Time
	NextRetryAt time.Time
}
