package bus

import (
	"fmt"

	"github.com/opensource-finance/fuelwatch/internal/domain"
)

// New creates a new event bus based on configuration.
// "channel" keeps events in process; "nats" shares them between instances.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "", "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}
