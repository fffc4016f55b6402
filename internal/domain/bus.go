package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `json:"type" env:"BUS_TYPE"`

	// Channel settings (Community tier)
	ChannelBufferSize int `json:"channelBufferSize" env:"BUS_CHANNEL_BUFFER"`

	// NATS settings (Pro tier)
	NATSUrl           string `json:"natsUrl" env:"NATS_URL"`
	NATSToken         string `json:"-" env:"NATS_TOKEN"`
	NATSMaxReconnects int    `json:"natsMaxReconnects" env:"NATS_MAX_RECONNECTS"`
	NATSReconnectWait int    `json:"natsReconnectWait" env:"NATS_RECONNECT_WAIT"` // seconds

	// NATSQueueGroup, when set, load-balances each subject between the instances
	// of the group instead of delivering it to all of them.
	NATSQueueGroup string `json:"natsQueueGroup" env:"NATS_QUEUE_GROUP"`
}

// Standard topic names for the evaluation pipeline.
const (
	TopicVoucherWritten = "fuelwatch.voucher.written"
	TopicAnomalyFlagged = "fuelwatch.anomaly.flagged"
)

// VoucherWrittenEvent is the payload of TopicVoucherWritten.
type VoucherWrittenEvent struct {
	VoucherID string `json:"voucherId"`
	TraceID   string `json:"traceId,omitempty"`
}
