package events

import (
	"context"
	"errors"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"
)

// Publisher отправляет события в шину. Реализации: kafka, rabbitmq, memory, outbox.
type Publisher interface {
	Publish(ctx context.Context, evs ...Event) error
}

// Handler обрабатывает одно событие.
type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

// HandlerFunc позволяет использовать функцию как Handler.
type HandlerFunc func(ctx context.Context, ev Event) error

// Handle вызывает f(ctx, ev).
func (f HandlerFunc) Handle(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Router сопоставляет топики обработчикам участника саги.
type Router struct {
	handlers map[string]Handler
	logger   *log.Entry
}

// NewRouter создаёт пустой роутер.
func NewRouter(logger *log.Entry) *Router {
	if logger == nil {
		logger = log.WithField("component", "event-router")
	}
	return &Router{handlers: make(map[string]Handler), logger: logger}
}

// On регистрирует обработчик топика.
func (r *Router) On(topic string, h Handler) *Router {
	r.handlers[topic] = h
	return r
}

// Topics возвращает отсортированный список топиков с обработчиками.
func (r *Router) Topics() []string {
	topics := make([]string, 0, len(r.handlers))
	for topic := range r.handlers {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Dispatch декодирует сообщение и передаёт его обработчику.
// Сообщения без обработчика пропускаются.
func (r *Router) Dispatch(ctx context.Context, topic string, data []byte) error {
	h, ok := r.handlers[topic]
	if !ok {
		r.logger.WithField("topic", topic).Debug("no handler for topic, skipping")
		return nil
	}

	ev, err := Decode(topic, data)
	if err != nil {
		return err
	}
	if err := h.Handle(ctx, ev); err != nil {
		return fmt.Errorf("handle %s for order %s: %w", topic, ev.Key(), err)
	}
	return nil
}

// IsPoison сообщает, что сообщение нельзя обработать ни при какой повторной доставке.
func IsPoison(err error) bool {
	return errors.Is(err, ErrMalformedEvent) || errors.Is(err, ErrUnknownTopic)
}
