// Package events wires the configured event bus implementation.
package events

import (
	"fmt"
	"strings"

	"github.com/kagan-dev/kagan/internal/common/config"
	"github.com/kagan-dev/kagan/internal/common/logger"
	"github.com/kagan-dev/kagan/internal/events/bus"
)

// Provide builds the configured event bus: NATS when a URL is set, the
// in-process bus otherwise. The cleanup closes whichever was built.
func Provide(cfg config.EventsConfig, log *logger.Logger) (bus.EventBus, func() error, error) {
	if strings.TrimSpace(cfg.NATSUrl) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		return natsBus, func() error {
			natsBus.Close()
			return nil
		}, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return memBus, func() error {
		memBus.Close()
		return nil
	}, nil
}
