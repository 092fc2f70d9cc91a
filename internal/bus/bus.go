// Package bus provides event bus implementations for Heron.
package bus

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/heron/internal/domain"
)

// New creates an event bus based on configuration: "channel" in process,
// "nats" or "kafka" across nodes.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "", "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	case "kafka":
		return NewKafkaBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// checkPublisher validates the tenant of an outgoing message.
func checkPublisher(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	if tenantID == domain.AnyTenant || strings.Contains(tenantID, ".") {
		return fmt.Errorf("invalid tenantID %q", tenantID)
	}
	return nil
}

// checkSubscriber validates the tenant of a subscription.
func checkSubscriber(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	if tenantID != domain.AnyTenant && strings.Contains(tenantID, ".") {
		return fmt.Errorf("invalid tenantID %q", tenantID)
	}
	return nil
}

func newMessage(tenantID, topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
}

func replyTopic(topic string) string {
	return topic + ".reply." + uuid.New().String()
}
