package notify

import (
	"context"
	"fmt"

	"github.com/nsqio/go-nsq"
)

// nsqProducer is the part of *nsq.Producer the publisher uses
type nsqProducer interface {
	Publish(topic string, body []byte) error
	Stop()
}

// NSQPublisher publishes status snapshots to an NSQ topic
type NSQPublisher struct {
	producer nsqProducer
	topic    string
}

// NewNSQPublisher connects a producer to nsqd at addr
func NewNSQPublisher(addr, topic string) (*NSQPublisher, error) {
	producer, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	producer.SetLoggerLevel(nsq.LogLevelWarning)
	if err := producer.Ping(); err != nil {
		producer.Stop()
		return nil, fmt.Errorf("nsq ping %s: %w", addr, err)
	}
	return &NSQPublisher{producer: producer, topic: topic}, nil
}

func (p *NSQPublisher) Notify(ctx context.Context, st Status) error {
	body, err := st.Marshal(ctx)
	if err != nil {
		return err
	}
	if err := p.producer.Publish(p.topic, body); err != nil {
		return fmt.Errorf("nsq publish %s: %w", p.topic, err)
	}
	return nil
}

func (p *NSQPublisher) Close() error {
	p.producer.Stop()
	return nil
}
