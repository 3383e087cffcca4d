package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the subject prefix events are published under. The
// full subject is "<prefix>.<type>".
const DefaultSubjectPrefix = "testidp.events"

var _ Publisher = (*NATSPublisher)(nil)

// NATSPublisher publishes events as JSON messages.
type NATSPublisher struct {
	Conn   *nats.Conn
	Prefix string

	ownsConn bool
}

// ConnectNATS connects to the NATS server at url and returns a publisher that
// closes the connection on [NATSPublisher.Close].
func ConnectNATS(url string, prefix string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("testidp"))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{
		Conn:     conn,
		Prefix:   prefix,
		ownsConn: true,
	}, nil
}

// Subject returns the subject events of type t are published on.
func (p *NATSPublisher) Subject(t Type) string {
	prefix := p.Prefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + string(t)
}

func (p *NATSPublisher) Publish(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.Conn.Publish(p.Subject(event.Type), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	if err := p.Conn.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if p.ownsConn {
		p.Conn.Close()
	}
	return nil
}
