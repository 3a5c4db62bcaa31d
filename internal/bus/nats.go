package bus

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
)

// NATSBroadcaster relays Bus broadcasts onto an external NATS subject space,
// for deployments that run multiple supervisor processes sharing a fleet
// (§2 notes the core itself is single-node; this is an optional enrichment
// for operators who front several cores with a shared broadcast fabric, not
// a requirement of the specification).
type NATSBroadcaster struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSBroadcaster connects to a NATS server at url. The supervisor must
// still function with broadcaster nil if no NATS deployment is configured.
func NewNATSBroadcaster(url, subjectPrefix string) (*NATSBroadcaster, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &NATSBroadcaster{conn: conn, prefix: subjectPrefix}, nil
}

// Broadcast publishes payload, JSON-encoded, to <prefix>.<topic>.
func (n *NATSBroadcaster) Broadcast(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	subject := topic
	if n.prefix != "" {
		subject = n.prefix + "." + topic
	}
	return n.conn.Publish(subject, data)
}

// Close drains and closes the underlying NATS connection.
func (n *NATSBroadcaster) Close() error {
	return n.conn.Drain()
}
