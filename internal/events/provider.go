package events

import (
	"fmt"
	"strings"

	"github.com/kandev/agentmux/internal/common/config"
	"github.com/kandev/agentmux/internal/common/logger"
	"github.com/kandev/agentmux/internal/events/bus"
)

// ProvidedBus wraps the active bus implementation.
type ProvidedBus struct {
	Bus      bus.Bus
	Subjects Subjects
	Memory   *bus.MemoryBus
	NATS     *bus.NATSBus
}

// Provide builds the configured bus implementation. A non-empty NATS URL
// selects the NATS transport; otherwise the in-process bus is used.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	subjects := NewSubjects(cfg.Bus.SubjectSeparator)

	if strings.TrimSpace(cfg.Bus.NATS.URL) != "" {
		natsBus, err := bus.NewNATSBus(bus.NATSConfig{
			URL:           cfg.Bus.NATS.URL,
			Name:          cfg.Bus.NATS.Name,
			MaxReconnects: cfg.Bus.NATS.MaxReconnects,
			Separator:     cfg.Bus.SubjectSeparator,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return &ProvidedBus{Bus: natsBus, Subjects: subjects, NATS: natsBus}, cleanup, nil
	}

	memBus := bus.NewMemoryBus(log, cfg.Bus.SubjectSeparator)
	cleanup := func() error {
		memBus.Close()
		return nil
	}
	return &ProvidedBus{Bus: memBus, Subjects: subjects, Memory: memBus}, cleanup, nil
}
