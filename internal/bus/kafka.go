package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/opensource-finance/heron/internal/domain"
)

const (
	defaultKafkaGroup = "heron-workers"
	tenantHeader      = "heron-tenant"
)

// ErrRequestUnsupported is returned by buses without request-reply.
var ErrRequestUnsupported = errors.New("request-reply is not supported")

// KafkaBus implements EventBus on Kafka. Bus topics map one to one onto
// Kafka topics and messages are keyed by tenant, so a tenant's events keep
// their order within a partition.
type KafkaBus struct {
	mu            sync.Mutex
	brokers       []string
	groupID       string
	writers       map[string]*kafka.Writer
	subscriptions map[string]*kafkaSubscription
	closed        bool
}

type kafkaSubscription struct {
	id       string
	tenantID string
	topic    string
	reader   *kafka.Reader
	cancel   context.CancelFunc
	done     chan struct{}
	bus      *KafkaBus
}

// NewKafkaBus creates a Kafka bus. Connections are opened lazily by the
// first publish or subscribe.
func NewKafkaBus(cfg domain.EventBusConfig) (*KafkaBus, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("kafka bus requires at least one broker")
	}
	group := cfg.KafkaGroupID
	if group == "" {
		group = defaultKafkaGroup
	}
	return &KafkaBus{
		brokers:       cfg.KafkaBrokers,
		groupID:       group,
		writers:       make(map[string]*kafka.Writer),
		subscriptions: make(map[string]*kafkaSubscription),
	}, nil
}

func (b *KafkaBus) writer(topic string) (*kafka.Writer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}
	if w, ok := b.writers[topic]; ok {
		return w, nil
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(b.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	b.writers[topic] = w
	return w, nil
}

// Publish writes one message keyed by tenant.
func (b *KafkaBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if err := checkPublisher(tenantID); err != nil {
		return err
	}

	m, err := encodeKafka(newMessage(tenantID, topic, payload))
	if err != nil {
		return err
	}
	w, err := b.writer(topic)
	if err != nil {
		return err
	}
	if err := w.WriteMessages(ctx, m); err != nil {
		return fmt.Errorf("kafka write %s: %w", topic, err)
	}
	return nil
}

// Subscribe starts a consumer group reader on topic. AnyTenant readers
// share the configured group so each message is handled once; tenant
// readers get their own group and skip other tenants' messages.
func (b *KafkaBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if err := checkSubscriber(tenantID); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	group := b.groupID
	if tenantID != domain.AnyTenant {
		group = b.groupID + "." + tenantID
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.brokers,
		GroupID:  group,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		id:       uuid.New().String(),
		tenantID: tenantID,
		topic:    topic,
		reader:   reader,
		cancel:   cancel,
		done:     make(chan struct{}),
		bus:      b,
	}
	b.subscriptions[sub.id] = sub

	go sub.consume(subCtx, handler)
	return sub, nil
}

func (s *kafkaSubscription) consume(ctx context.Context, handler domain.MessageHandler) {
	defer close(s.done)
	for {
		m, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			slog.Error("kafka read failed", "component", "bus", "topic", s.topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		msg, err := decodeKafka(m)
		if err != nil {
			slog.Error("failed to decode kafka message",
				"component", "bus",
				"topic", s.topic,
				"offset", m.Offset,
				"error", err,
			)
			continue
		}
		if s.tenantID != domain.AnyTenant && msg.TenantID != s.tenantID {
			continue
		}
		if err := handler(ctx, msg); err != nil {
			slog.Error("handler error",
				"component", "bus",
				"topic", s.topic,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}
}

// Request is not available on Kafka.
func (b *KafkaBus) Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error) {
	return nil, fmt.Errorf("kafka: %w", ErrRequestUnsupported)
}

// Ping dials the first reachable broker.
func (b *KafkaBus) Ping(ctx context.Context) error {
	var lastErr error
	for _, addr := range b.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}

// Close stops every reader and flushes the writers.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subscriptions
	writers := b.writers
	b.subscriptions = make(map[string]*kafkaSubscription)
	b.writers = make(map[string]*kafka.Writer)
	b.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		errs = append(errs, sub.stop())
	}
	for _, w := range writers {
		errs = append(errs, w.Close())
	}
	return errors.Join(errs...)
}

func encodeKafka(msg *domain.Message) (kafka.Message, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal message: %w", err)
	}
	return kafka.Message{
		Key:     []byte(msg.TenantID),
		Value:   data,
		Headers: []kafka.Header{{Key: tenantHeader, Value: []byte(msg.TenantID)}},
		Time:    time.Unix(0, msg.Timestamp),
	}, nil
}

func decodeKafka(m kafka.Message) (*domain.Message, error) {
	var msg domain.Message
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		return nil, err
	}
	if msg.TenantID == "" {
		for _, h := range m.Headers {
			if h.Key == tenantHeader {
				msg.TenantID = string(h.Value)
			}
		}
	}
	if msg.TenantID == "" {
		return nil, fmt.Errorf("message without tenant")
	}
	if msg.Topic == "" {
		msg.Topic = m.Topic
	}
	return &msg, nil
}

func (s *kafkaSubscription) stop() error {
	s.cancel()
	<-s.done
	return s.reader.Close()
}

// Unsubscribe stops the reader and leaves the consumer group.
func (s *kafkaSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	_, live := s.bus.subscriptions[s.id]
	delete(s.bus.subscriptions, s.id)
	s.bus.mu.Unlock()
	if !live {
		return nil
	}
	return s.stop()
}

// Topic returns the subscribed topic.
func (s *kafkaSubscription) Topic() string {
	return s.topic
}
