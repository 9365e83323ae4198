// Package transports opens the liveness transport selected in configuration.
package transports

import (
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/massimiliano76/AltStore/internal/config"
	"github.com/massimiliano76/AltStore/internal/infra/liveness"
	"github.com/massimiliano76/AltStore/internal/infra/liveness/fsbus"
	"github.com/massimiliano76/AltStore/internal/infra/liveness/kafka"
	"github.com/massimiliano76/AltStore/internal/infra/liveness/memory"
	"github.com/massimiliano76/AltStore/pkg/common/logger"
)

// Open returns a transport for cfg. The memory transport only reaches
// endpoints of hub, which must be non-nil for it.
func Open(cfg config.LivenessConfig, hub *memory.Hub, log *logger.Logger, tracer trace.Tracer) (liveness.Transport, error) {
	switch cfg.Transport {
	case config.LivenessMemory, "":
		if hub == nil {
			hub = memory.NewHub()
		}
		return hub.Endpoint(), nil
	case config.LivenessFS:
		bus, err := fsbus.New(cfg.Dir, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open signal directory: %w", err)
		}
		return bus, nil
	case config.LivenessKafka:
		bus, err := kafka.Connect(&kafka.Config{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			ClientID: cfg.Kafka.ClientID,
		}, log, tracer)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to kafka: %w", err)
		}
		return bus, nil
	default:
		return nil, fmt.Errorf("unknown liveness transport %q", cfg.Transport)
	}
}
