package eventlog

import (
	"context"
	"fmt"
	"log/slog"
)

// Store drivers understood by Open.
const (
	DriverMemory   = "memory"
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
)

// OpenConfig selects and locates a store.
type OpenConfig struct {
	Driver      string
	PostgresDSN string
	BadgerPath  string
	Logger      *slog.Logger
}

// Open returns the store named by cfg.Driver. An empty driver means memory.
func Open(ctx context.Context, cfg OpenConfig) (Store, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverBadger:
		s, err := OpenBadger(cfg.BadgerPath, cfg.Logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverPostgres:
		s, err := OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("eventlog: unknown driver %q", cfg.Driver)
	}
}
