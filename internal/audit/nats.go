package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the NATS subject audit records are published on.
const DefaultSubject = "gpuwatch.audit"

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink streams records to a NATS subject for fleet-level consumers.
type NATSSink struct {
	pub     Publisher
	subject string
	conn    *nats.Conn
}

// NewNATSSink connects to url and publishes on subject.
func NewNATSSink(url, subject string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("gpuwatch-audit"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	s := NewNATSPublisherSink(nc, subject)
	s.conn = nc
	return s, nil
}

// NewNATSPublisherSink publishes through an existing publisher.
func NewNATSPublisherSink(pub Publisher, subject string) *NATSSink {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSSink{pub: pub, subject: subject}
}

// Append publishes r as JSON.
func (s *NATSSink) Append(_ context.Context, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		return fmt.Errorf("publish audit record: %w", err)
	}
	return nil
}

// Close drains the connection if the sink owns one.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
