package kafka

// TopicDeadLetterQueue — топик для сообщений, которые не удалось обработать после всех попыток.
const TopicDeadLetterQueue = "storefront.dlq"

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)
