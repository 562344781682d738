// Package rabbitmq — альтернативная шина событий саги поверх RabbitMQ:
// durable topic exchange, routing key = топик события, отдельная durable очередь на consumer group.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/events"
)

// DefaultExchange — имя exchange по умолчанию.
const DefaultExchange = "storefront.events"

// channel — подмножество *amqp.Channel, которым пользуется шина.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Bus публикует и потребляет события саги через RabbitMQ.
type Bus struct {
	conn         *amqp.Connection
	ch           channel
	exchange     string
	prefetch     int
	requeueDelay time.Duration
	logger       *log.Entry
}

// Dial подключается к брокеру и объявляет exchange.
func Dial(url, exchange string) (*Bus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	bus, err := newBus(ch, exchange, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	bus.conn = conn
	return bus, nil
}

func newBus(ch channel, exchange string, logger *log.Entry) (*Bus, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = log.WithField("component", "rabbitmq-bus")
	}
	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return &Bus{
		ch:           ch,
		exchange:     exchange,
		prefetch:     16,
		requeueDelay: 500 * time.Millisecond,
		logger:       logger,
	}, nil
}

// Publish отправляет события persistent-сообщениями в порядке аргументов.
func (b *Bus) Publish(ctx context.Context, evs ...events.Event) error {
	for _, ev := range evs {
		body, err := events.Encode(ev)
		if err != nil {
			return err
		}
		msg := amqp.Publishing{
			DeliveryMode:  amqp.Persistent,
			Timestamp:     time.Now(),
			ContentType:   "application/json",
			CorrelationId: ev.Key(),
			Type:          ev.Topic(),
			Body:          body,
		}
		if err := b.ch.PublishWithContext(ctx, b.exchange, ev.Topic(), false, false, msg); err != nil {
			b.logger.WithError(err).WithFields(log.Fields{
				"topic":    ev.Topic(),
				"order_id": ev.Key(),
			}).Error("failed to publish to rabbitmq")
			return fmt.Errorf("failed to publish %s: %w", ev.Topic(), err)
		}
	}
	return nil
}

// Consume объявляет очередь группы, привязывает её к топикам роутера и обрабатывает
// сообщения до отмены ctx. Успех — Ack, битое сообщение — Nack без requeue,
// ошибка обработчика — Nack с requeue (повторная доставка).
func (b *Bus) Consume(ctx context.Context, group string, router *events.Router) error {
	queue, err := b.ch.QueueDeclare(
		group,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		amqp.Table{"x-queue-type": "classic"},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", group, err)
	}
	for _, topic := range router.Topics() {
		if err := b.ch.QueueBind(queue.Name, topic, b.exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind %s to %s: %w", queue.Name, topic, err)
		}
	}
	if err := b.ch.Qos(b.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := b.ch.Consume(
		queue.Name,
		group, // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer %s: %w", group, err)
	}

	b.logger.WithFields(log.Fields{"group": group, "topics": router.Topics()}).Info("rabbitmq consumer started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			b.handle(ctx, router, d)
		}
	}
}

func (b *Bus) handle(ctx context.Context, router *events.Router, d amqp.Delivery) {
	fields := log.Fields{"topic": d.RoutingKey, "delivery_tag": d.DeliveryTag}

	err := router.Dispatch(ctx, d.RoutingKey, d.Body)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			b.logger.WithError(ackErr).WithFields(fields).Error("failed to ack message")
		}
	case events.IsPoison(err):
		b.logger.WithError(err).WithFields(fields).Error("dropping malformed message")
		if nackErr := d.Nack(false, false); nackErr != nil {
			b.logger.WithError(nackErr).WithFields(fields).Error("failed to nack message")
		}
	default:
		b.logger.WithError(err).WithFields(fields).Warn("message processing failed, requeue")
		if b.requeueDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(b.requeueDelay):
			}
		}
		if nackErr := d.Nack(false, true); nackErr != nil {
			b.logger.WithError(nackErr).WithFields(fields).Error("failed to nack message")
		}
	}
}

// Close закрывает канал и соединение.
func (b *Bus) Close() error {
	var errs []error
	if b.ch != nil {
		if err := b.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ events.Publisher = (*Bus)(nil)
