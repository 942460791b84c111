package notify

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/internhub/trustledger/internal/protocol"
)

// Channel is the part of amqp.Channel the publisher uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type RabbitPublisher struct {
	conn  *amqp.Connection
	chn   Channel
	queue string
}

func DialRabbit(url, queue string) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	chn, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	p, err := NewRabbitPublisherWithChannel(chn, queue)
	if err != nil {
		_ = chn.Close()
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewRabbitPublisherWithChannel declares the durable queue on chn.
func NewRabbitPublisherWithChannel(chn Channel, queue string) (*RabbitPublisher, error) {
	if _, err := chn.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &RabbitPublisher{chn: chn, queue: queue}, nil
}

func (p *RabbitPublisher) Publish(ctx context.Context, change protocol.TierChange) error {
	b, err := encode(change)
	if err != nil {
		return err
	}
	err = p.chn.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    change.EventID,
		Timestamp:    change.ChangedAt,
		Type:         "tier_change",
		Body:         b,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq publish tier change %s: %w", change.EventID, err)
	}
	return nil
}

func (p *RabbitPublisher) Close() error {
	err := p.chn.Close()
	if p.conn != nil {
		err = errors.Join(err, p.conn.Close())
	}
	return err
}
