package storage

import (
	"context"
	"fmt"

	"github.com/your-org/fpmatch/internal/config"
)

// Open constructs the backend selected by cfg.Storage.Driver.
func Open(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		s, err := NewPostgresStore(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverMongo:
		s, err := NewMongoStore(ctx, cfg.MongoDB)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverSQLite:
		s, err := OpenSQLite(ctx, cfg.SQLite)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
}
