package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/devflow/devflow/domain"
)

// NATSPublisher publishes domain events to a NATS subject per event name:
// devflow.events.<event-name>. Payloads are small JSON envelopes; consumers
// needing full aggregate state should read it back through the store.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// envelope is the wire shape of a published event.
type envelope struct {
	Event       string    `json:"event"`
	AggregateID string    `json:"aggregateId"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// ConnectNATS dials the NATS server and returns a publisher. The connection
// reconnects indefinitely with a short backoff, matching a long-lived server
// process.
func ConnectNATS(url, name string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return &NATSPublisher{conn: conn, subject: "devflow.events"}, nil
}

// NewNATSPublisher wraps an existing connection (used by tests).
func NewNATSPublisher(conn *nats.Conn) *NATSPublisher {
	return &NATSPublisher{conn: conn, subject: "devflow.events"}
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, event domain.Event) error {
	data, err := json.Marshal(envelope{
		Event:       event.EventName(),
		AggregateID: event.AggregateID(),
		OccurredAt:  event.OccurredAt(),
	})
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.EventName(), err)
	}
	subject := p.subject + "." + event.EventName()
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the underlying connection.
func (p *NATSPublisher) Close() {
	if p.conn != nil && !p.conn.IsClosed() {
		p.conn.Close()
	}
}
