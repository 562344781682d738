package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/events"
)

// Publisher — events.Publisher, который вместо шины пишет события в outbox.
// Участник публикует через него, а Worker ретранслирует записи в шину.
type Publisher struct {
	repo          domain.OutboxRepository
	aggregateType string
	now           func() time.Time
}

// NewPublisher создаёт outbox-паблишер для агрегата aggregateType (order, payment).
func NewPublisher(repo domain.OutboxRepository, aggregateType string) *Publisher {
	return &Publisher{repo: repo, aggregateType: aggregateType, now: time.Now}
}

// Publish сохраняет события в outbox в порядке аргументов.
func (p *Publisher) Publish(ctx context.Context, evs ...events.Event) error {
	for _, ev := range evs {
		payload, err := events.Encode(ev)
		if err != nil {
			return err
		}
		if _, err := p.repo.Enqueue(ctx, domain.OutboxMessage{
			AggregateType: p.aggregateType,
			AggregateID:   ev.Key(),
			Topic:         ev.Topic(),
			Payload:       payload,
			CreatedAt:     p.now().UTC(),
		}); err != nil {
			return fmt.Errorf("enqueue %s: %w", ev.Topic(), err)
		}
	}
	return nil
}

// BusRelay — domain.OutboxPublisher поверх любой events.Publisher (RabbitMQ, in-memory шина).
type BusRelay struct {
	bus events.Publisher
}

// NewBusRelay создаёт ретранслятор outbox-записей в шину событий.
func NewBusRelay(bus events.Publisher) *BusRelay {
	return &BusRelay{bus: bus}
}

// Publish декодирует запись обратно в событие и публикует его.
func (r *BusRelay) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	ev, err := events.Decode(msg.Topic, msg.Payload)
	if err != nil {
		return err
	}
	return r.bus.Publish(ctx, ev)
}

var (
	_ events.Publisher       = (*Publisher)(nil)
	_ domain.OutboxPublisher = (*BusRelay)(nil)
)
