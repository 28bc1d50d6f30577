package mq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tiger/pkg/utils/logger"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSConfig defines configuration for the NATS broker.
type NATSConfig struct {
	URL            string        `yaml:"url"`
	Name           string        `yaml:"name"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	MaxReconnects  int           `yaml:"maxReconnects"`
}

// NATSQueue implements MessageQueue on core NATS queue groups. Delivery is
// at most once: a message lost while a worker dies is not redelivered.
type NATSQueue struct {
	conn *nats.Conn

	mu            sync.Mutex
	subscriptions []*natsSubscription
	started       bool
	closed        bool
}

type natsSubscription struct {
	topics  []string
	handler HandlerFunc
	opts    SubscribeOptions
	baseCtx context.Context

	subs   []*nats.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ MessageQueue = (*NATSQueue)(nil)

// NewNATSQueue connects to the configured server.
func NewNATSQueue(cfg NATSConfig) (*NATSQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url is required")
	}
	if cfg.Name == "" {
		cfg.Name = "tiger"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(cfg.MaxReconnects),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats failed: %w", err)
	}
	return &NATSQueue{conn: conn}, nil
}

// Publish publishes a message to a subject.
func (n *NATSQueue) Publish(ctx context.Context, topic string, message *Message) error {
	if message == nil {
		return errors.New("message is nil")
	}
	if topic == "" {
		return errors.New("topic is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return n.conn.PublishMsg(toNATSMessage(topic, message))
}

// Subscribe registers queue subscriptions for topics.
func (n *NATSQueue) Subscribe(ctx context.Context, topics []string, handler HandlerFunc, opts *SubscribeOptions) error {
	if len(topics) == 0 {
		return errors.New("topics are required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	var options SubscribeOptions
	if opts != nil {
		options = *opts
	}
	options.SetDefaults()
	sub := &natsSubscription{
		topics:  append([]string(nil), topics...),
		handler: handler,
		opts:    options,
		baseCtx: ctx,
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errors.New("message queue is closed")
	}
	n.subscriptions = append(n.subscriptions, sub)
	if n.started {
		return n.startSubscription(sub)
	}
	return nil
}

// Start starts consuming messages for all subscriptions.
func (n *NATSQueue) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errors.New("message queue is closed")
	}
	if n.started {
		return nil
	}
	for _, sub := range n.subscriptions {
		if err := n.startSubscription(sub); err != nil {
			return err
		}
	}
	n.started = true
	return nil
}

func (n *NATSQueue) startSubscription(sub *natsSubscription) error {
	if sub.baseCtx == nil {
		sub.baseCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(sub.baseCtx)
	sub.cancel = cancel
	for _, topic := range sub.topics {
		s, err := n.conn.QueueSubscribeSync(topic, sub.opts.ConsumerGroup)
		if err != nil {
			cancel()
			return fmt.Errorf("subscribe %s failed: %w", topic, err)
		}
		sub.subs = append(sub.subs, s)
		sub.wg.Add(1)
		go func(s *nats.Subscription) {
			defer sub.wg.Done()
			n.fetchLoop(ctx, sub, s)
		}(s)
	}
	return nil
}

func (n *NATSQueue) fetchLoop(ctx context.Context, sub *natsSubscription, s *nats.Subscription) {
	for {
		if err := sub.opts.Limiter.Acquire(ctx); err != nil {
			return
		}
		msg, err := s.NextMsgWithContext(ctx)
		if err != nil {
			sub.opts.Limiter.Release()
			if ctx.Err() != nil || errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
				return
			}
			logger.Warn(ctx, "nats fetch failed", zap.String("subject", s.Subject), zap.Error(err))
			sleepCtx(ctx, fetchErrorBackoff)
			continue
		}
		sub.wg.Add(1)
		go func(m *nats.Msg) {
			defer sub.wg.Done()
			defer sub.opts.Limiter.Release()
			dispatch(ctx, n, &sub.opts, sub.handler, fromNATSMessage(m))
		}(msg)
	}
}

// Stop unsubscribes and waits for in-flight handlers.
func (n *NATSQueue) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, sub := range n.subscriptions {
		if sub.cancel != nil {
			sub.cancel()
		}
		for _, s := range sub.subs {
			_ = s.Unsubscribe()
		}
		sub.subs = nil
	}
	for _, sub := range n.subscriptions {
		sub.wg.Wait()
	}
	n.started = false
	return nil
}

// Ping round-trips to the server.
func (n *NATSQueue) Ping(ctx context.Context) error {
	return n.conn.FlushWithContext(ctx)
}

// Close stops consumers and closes the connection.
func (n *NATSQueue) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	_ = n.Stop()
	n.conn.Close()
	return nil
}

func toNATSMessage(topic string, message *Message) *nats.Msg {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	header := nats.Header{}
	for k, v := range message.Headers {
		header.Set(k, v)
	}
	if message.ID != "" {
		header.Set(headerID, message.ID)
	}
	header.Set(headerTimestamp, message.Timestamp.Format(time.RFC3339Nano))
	return &nats.Msg{Subject: topic, Data: message.Body, Header: header}
}

func fromNATSMessage(msg *nats.Msg) *Message {
	m := &Message{
		Topic:   msg.Subject,
		Body:    msg.Data,
		Headers: make(map[string]string, len(msg.Header)),
	}
	for key := range msg.Header {
		val := msg.Header.Get(key)
		switch key {
		case headerID:
			m.ID = val
		case headerTimestamp:
			if ts, err := time.Parse(time.RFC3339Nano, val); err == nil {
				m.Timestamp = ts
			}
		default:
			m.Headers[key] = val
		}
	}
	return m
}
