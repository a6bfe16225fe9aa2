package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// NATSSink publishes entries to "<subject>.<entity_type>".
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// NewNATSSink connects to url.
func NewNATSSink(url, subject string) (*NATSSink, error) {
	nc, err := nats.Connect(url, nats.Name("tsoam-audit"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return NewNATSSinkConn(nc, subject), nil
}

// NewNATSSinkConn wraps an existing connection.
func NewNATSSinkConn(nc *nats.Conn, subject string) *NATSSink {
	if subject == "" {
		subject = "tsoam.audit"
	}
	return &NATSSink{conn: nc, subject: strings.TrimSuffix(subject, ".")}
}

// Publish implements Sink.
func (s *NATSSink) Publish(_ context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	subject := s.subject + "." + string(e.EntityType)
	if err := s.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection.
func (s *NATSSink) Close() error {
	return s.conn.Drain()
}
