package store

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quote-extract/internal/config"
)

// Open builds the Store selected by cfg.Driver and runs its migration.
// Driver "none" (or empty) returns a nil Store and no error.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch strings.ToLower(cfg.Driver) {
	case "", "none":
		return nil, nil
	case "sqlite":
		s, err = NewSQLite(cfg.DatabaseURL)
	case "postgres":
		s, err = NewPostgres(ctx, cfg.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	zap.L().Debug("store: opened", zap.String("driver", cfg.Driver))
	return s, nil
}
