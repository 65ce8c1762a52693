package mailer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the exchange mail requests are published to.
const DefaultExchange = "notifications"

// DefaultRoutingKey routes mail requests to the mail delivery service.
const DefaultRoutingKey = "mail.send"

// Publisher is the part of an AMQP channel used to publish.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSender publishes messages as JSON for the mail delivery service.
type AMQPSender struct {
	pub        Publisher
	exchange   string
	routingKey string
}

// NewAMQPSender creates an AMQPSender on pub.
func NewAMQPSender(pub Publisher, exchange, routingKey string) *AMQPSender {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if routingKey == "" {
		routingKey = DefaultRoutingKey
	}
	return &AMQPSender{pub: pub, exchange: exchange, routingKey: routingKey}
}

// DeclareExchange declares the durable topic exchange mail is published to.
func DeclareExchange(ch *amqp.Channel, exchange string) error {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}
	return nil
}

// Send implements Sender.
func (s *AMQPSender) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return ErrNoRecipients
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding mail: %w", err)
	}
	err = s.pub.PublishWithContext(ctx, s.exchange, s.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publishing mail: %w", err)
	}
	return nil
}

var _ Sender = (*AMQPSender)(nil)
