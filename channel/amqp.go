package channel

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/routewatch/schedule-engine/engine"
)

const amqpExchange = "routewatch.changes"

// AMQP publishes change set envelopes to a RabbitMQ topic exchange with
// routing key schedule.changes.<userID>. Publisher Confirms are enabled so
// Send only returns nil once the broker acknowledged the message.
type AMQP struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewAMQP dials the broker, opens a channel and declares the exchange.
func NewAMQP(url string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	if err := ch.ExchangeDeclare(amqpExchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare topic exchange: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to activate Publisher Confirms: %w", err)
	}

	return &AMQP{conn: conn, channel: ch}, nil
}

func (c *AMQP) Name() string { return "amqp" }

func (c *AMQP) Send(ctx context.Context, userID string, cs *engine.ChangeSet) error {
	body, err := EncodeEnvelope(userID, cs)
	if err != nil {
		return fmt.Errorf("encode amqp payload: %w", err)
	}

	confirm, err := c.channel.PublishWithDeferredConfirmWithContext(ctx,
		amqpExchange,
		"schedule.changes."+userID,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}

	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("amqp confirm: %w", err)
	}
	if !ok {
		return fmt.Errorf("amqp publish: broker nacked message")
	}
	return nil
}

// Close releases the channel and connection.
func (c *AMQP) Close() error {
	if err := c.channel.Close(); err != nil {
		c.conn.Close()
		return err
	}
	return c.conn.Close()
}
