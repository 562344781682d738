// Package memory — in-process шина событий для локального запуска всех участников
// в одном процессе и для тестов.
package memory

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/events"
)

type subscription struct {
	group  string
	router *events.Router
}

// Bus синхронно доставляет каждое событие во все подписанные consumer groups.
// Ошибки обработчиков логируются: повторной доставки в памяти нет.
type Bus struct {
	mu        sync.RWMutex
	subs      []subscription
	published []events.Event
	logger    *log.Entry
}

// NewBus создаёт пустую шину.
func NewBus(logger *log.Entry) *Bus {
	if logger == nil {
		logger = log.WithField("component", "memory-bus")
	}
	return &Bus{logger: logger}
}

// Subscribe подписывает consumer group на топики роутера.
func (b *Bus) Subscribe(group string, router *events.Router) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{group: group, router: router})
}

// Publish кодирует событие и передаёт его подписчикам по порядку.
// События, опубликованные обработчиками, доставляются до перехода к следующему аргументу.
func (b *Bus) Publish(ctx context.Context, evs ...events.Event) error {
	for _, ev := range evs {
		data, err := events.Encode(ev)
		if err != nil {
			return err
		}

		b.mu.Lock()
		b.published = append(b.published, ev)
		subs := append([]subscription(nil), b.subs...)
		b.mu.Unlock()

		for _, sub := range subs {
			if err := sub.router.Dispatch(ctx, ev.Topic(), data); err != nil {
				b.logger.WithError(err).WithFields(log.Fields{
					"group":    sub.group,
					"topic":    ev.Topic(),
					"order_id": ev.Key(),
				}).Error("event handler failed")
			}
		}
	}
	return nil
}

// Published возвращает копию журнала опубликованных событий.
func (b *Bus) Published() []events.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]events.Event(nil), b.published...)
}

// Topics возвращает топики опубликованных событий по порядку.
func (b *Bus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	topics := make([]string, 0, len(b.published))
	for _, ev := range b.published {
		topics = append(topics, ev.Topic())
	}
	return topics
}

var _ events.Publisher = (*Bus)(nil)
