// Package notify publishes templated notifications to the delivery
// workers over AMQP. Publishing is fire-and-forget from the engine's point
// of view: a failed publish surfaces only to the handler that requested it.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the notification surface the trigger handlers consume.
type Publisher interface {
	PublishEmail(ctx context.Context, notificationType string, data map[string]any) error
	PublishSMS(ctx context.Context, notificationType string, data map[string]any) error
}

// Channel is the subset of amqp.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPPublisher publishes notification messages to a topic exchange with
// routing keys notification.<channel>.<type>.
type AMQPPublisher struct {
	ch       Channel
	exchange string
}

func NewAMQPPublisher(ch Channel, exchange string) *AMQPPublisher {
	if exchange == "" {
		exchange = "notifications"
	}
	return &AMQPPublisher{ch: ch, exchange: exchange}
}

// DeclareExchange sets up the topic exchange; call once at startup.
func DeclareExchange(ch *amqp.Channel, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("notify: declare exchange %s: %w", exchange, err)
	}
	return nil
}

func (p *AMQPPublisher) PublishEmail(ctx context.Context, notificationType string, data map[string]any) error {
	return p.publish(ctx, "email", notificationType, data)
}

func (p *AMQPPublisher) PublishSMS(ctx context.Context, notificationType string, data map[string]any) error {
	return p.publish(ctx, "sms", notificationType, data)
}

func (p *AMQPPublisher) publish(ctx context.Context, channel, notificationType string, data map[string]any) error {
	body, err := json.Marshal(map[string]any{
		"type": notificationType,
		"data": data,
	})
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}

	key := fmt.Sprintf("notification.%s.%s", channel, notificationType)
	err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("notify: publish %s: %w", key, err)
	}
	return nil
}
