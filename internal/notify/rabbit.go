// README: RabbitMQ sink publishing JSON events to a topic exchange.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpPublisher is satisfied by *amqp.Channel.
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type RabbitSink struct {
	ch       amqpPublisher
	exchange string
}

func NewRabbitSink(ch amqpPublisher, exchange string) *RabbitSink {
	return &RabbitSink{ch: ch, exchange: exchange}
}

func (r *RabbitSink) Name() string { return "rabbitmq" }

func (r *RabbitSink) Deliver(ctx context.Context, e Event) error {
	const op = "RabbitSink.Deliver"

	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%s: marshal event: %w", op, err)
	}
	if err := r.ch.PublishWithContext(
		ctx,
		r.exchange,
		e.RoutingKey(),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    e.ID,
			Type:         string(e.Type),
			Timestamp:    time.Now(),
			Body:         body,
		},
	); err != nil {
		return fmt.Errorf("%s: publish %s: %w", op, e.RoutingKey(), err)
	}
	return nil
}
