package mq

import (
	"context"
	"time"
)

// MessageQueue is the broker abstraction used by the worker. Kafka and NATS
// both implement it; the worker only depends on this interface.
type MessageQueue interface {
	Producer
	Consumer

	// Ping verifies the broker connection is alive
	Ping(ctx context.Context) error

	// Close stops consumers and releases the connection
	Close() error
}

// Producer publishes messages.
type Producer interface {
	Publish(ctx context.Context, topic string, message *Message) error
}

// Consumer delivers messages from a set of topics to a handler.
type Consumer interface {
	// Subscribe registers handler for all topics. Consumption begins on Start.
	Subscribe(ctx context.Context, topics []string, handler HandlerFunc, opts *SubscribeOptions) error

	// Start starts consuming messages
	Start() error

	// Stop stops fetching and waits for in-flight handlers
	Stop() error
}

// Message is a broker-neutral message.
type Message struct {
	ID string `json:"id"`

	// Topic is the topic the message was delivered on. Empty when publishing.
	Topic string `json:"topic"`

	Body      []byte            `json:"body"`
	Headers   map[string]string `json:"headers"`
	Timestamp time.Time         `json:"timestamp"`
}

// HandlerFunc processes one message. A returned error is logged and, when
// configured, the message is forwarded to the dead letter topic.
type HandlerFunc func(ctx context.Context, message *Message) error

// SubscribeOptions tunes a subscription.
type SubscribeOptions struct {
	// ConsumerGroup is the Kafka group id or the NATS queue group
	ConsumerGroup string

	// Limiter bounds the number of messages fetched but not yet handled.
	// Nil means one message at a time.
	Limiter FetchLimiter

	// DeadLetterTopic receives messages whose handler returned an error
	DeadLetterTopic string
}

// SetDefaults fills unset options.
func (o *SubscribeOptions) SetDefaults() {
	if o.ConsumerGroup == "" {
		o.ConsumerGroup = "tiger-workers"
	}
	if o.Limiter == nil {
		o.Limiter = NewTokenLimiter(1)
	}
}

// NewMessage creates a message with the given body.
func NewMessage(body []byte) *Message {
	return &Message{
		Body:      body,
		Headers:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// SetHeader sets a header value
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// GetHeader retrieves a header value
func (m *Message) GetHeader(key string) (string, bool) {
	if m.Headers == nil {
		return "", false
	}
	val, ok := m.Headers[key]
	return val, ok
}

// Clone returns a copy safe to publish again.
func (m *Message) Clone() *Message {
	out := &Message{
		ID:        m.ID,
		Body:      m.Body,
		Headers:   make(map[string]string, len(m.Headers)+1),
		Timestamp: time.Now(),
	}
	for k, v := range m.Headers {
		out.Headers[k] = v
	}
	return out
}
