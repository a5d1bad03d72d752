package mcpserver

import (
	"context"
	"sync"
	"time"

	"github.com/kagan-dev/kagan/internal/common/logger"
	"github.com/kagan-dev/kagan/internal/common/portutil"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Port:                 9090,
		ScratchpadLimitBytes: 65536,
	}
}

// Provide starts the MCP server and returns a cleanup function to stop
// it, for wiring into the bootstrap.
func Provide(ctx context.Context, cfg Config, deps Deps, log *logger.Logger) (*Server, func() error, error) {
	// Port zero delegates the choice to the OS; agent configs read the
	// final endpoint from the server, not the config.
	if cfg.Port == 0 {
		port, err := portutil.AllocatePort()
		if err != nil {
			return nil, nil, err
		}
		cfg.Port = port
	}

	srv := New(cfg, deps, log)
	if err := srv.Start(ctx); err != nil {
		return nil, nil, err
	}

	var stopOnce sync.Once
	cleanup := func() error {
		var stopErr error
		stopOnce.Do(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			stopErr = srv.Stop(stopCtx)
		})
		return stopErr
	}

	return srv, cleanup, nil
}
