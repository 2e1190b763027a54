package factory

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mikey/warmup-engine/internal/adapters/store"
	"github.com/mikey/warmup-engine/internal/config"
	"go.uber.org/zap"
)

// StoreFactory creates the account and ledger store based on configuration
type StoreFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewStoreFactory creates a new store factory
func NewStoreFactory(cfg *config.Config, logger *zap.Logger) *StoreFactory {
	return &StoreFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateStore creates a store based on the configuration
func (f *StoreFactory) CreateStore() (store.Backend, error) {
	storageCfg := f.cfg.GetStorage()

	switch storageCfg.Type {
	case "memory":
		f.logger.Warn("Using in-memory store; state is lost on restart")
		return store.NewMemoryStore(f.logger), nil
	case "sqlite":
		// Ensure directory exists
		if err := os.MkdirAll(filepath.Dir(storageCfg.SQLitePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create SQLite directory: %w", err)
		}
		return store.NewSQLStore(store.DialectSQLite, storageCfg.SQLitePath, f.logger)
	case "mysql":
		return store.NewSQLStore(store.DialectMySQL, storageCfg.MySQLDSN, f.logger)
	case "postgres":
		return store.NewSQLStore(store.DialectPostgres, storageCfg.PostgresDSN, f.logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageCfg.Type)
	}
}
