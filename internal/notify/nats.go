package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// natsConn is the part of *nats.Conn the publisher uses
type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher publishes status snapshots on a NATS subject
type NATSPublisher struct {
	conn    natsConn
	subject string
}

// NewNATSPublisher connects to url and publishes on subject
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("curation-outbox"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSPublisher{conn: conn, subject: subject}, nil
}

func (p *NATSPublisher) Notify(ctx context.Context, st Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := st.Marshal(ctx)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.subject, body); err != nil {
		return fmt.Errorf("nats publish %s: %w", p.subject, err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
