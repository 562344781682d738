package events

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Encode сериализует событие в JSON.
func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", e.Topic(), err)
	}
	return data, nil
}

// Decode восстанавливает событие по топику и телу сообщения.
func Decode(topic string, data []byte) (Event, error) {
	var (
		ev  Event
		err error
	)

	switch topic {
	case TopicOrderPlaced:
		var e OrderPlaced
		err = json.Unmarshal(data, &e)
		ev = e
	case TopicOrderShipped:
		var e OrderShipped
		err = json.Unmarshal(data, &e)
		ev = e
	case TopicOrderCanceled:
		var e OrderCanceled
		err = json.Unmarshal(data, &e)
		ev = e
	case TopicOrderExpired:
		var e OrderExpired
		err = json.Unmarshal(data, &e)
		ev = e
	case TopicPaymentCompleted:
		var e PaymentCompleted
		err = json.Unmarshal(data, &e)
		ev = e
	case TopicPaymentFailed:
		var e PaymentFailed
		err = json.Unmarshal(data, &e)
		ev = e
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, topic, err)
	}
	if strings.TrimSpace(ev.Key()) == "" {
		return nil, fmt.Errorf("%w: %s: orderId is empty", ErrMalformedEvent, topic)
	}
	return ev, nil
}
