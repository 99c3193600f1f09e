package core

import (
	"cascadecore/internal/config"
	"cascadecore/internal/infra/persistence/access"
	"cascadecore/internal/infra/persistence/memory"
	"cascadecore/internal/infra/persistence/postgres"
	"cascadecore/internal/infra/persistence/sqlite"
	"cascadecore/pkg/domain"
	"fmt"
	"io"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// OpenPersistentStore selects a backend from cfg. User updates are checked
// against cfg.ReadOnlyTypes; an empty list allows everything.
func OpenPersistentStore(cfg config.StorageConfig, engine *RulesEngine) (PersistentStore, error) {
	opts := []memory.Option{memory.WithAccessPolicy(accessPolicy(cfg))}
	switch StorageDriver(cfg.Driver) {
	case StorageMemory:
		return memory.NewStore(engine, opts...), nil
	case StorageSQLite, "":
		return NewSQLiteStore(cfg.SQLitePath, engine, opts...)
	case StoragePostgres:
		return NewPostgresStore(cfg.PostgresDSN, engine, opts...)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}

// NewSQLiteStore constructs a SQLite-backed store at path (may be empty for
// the default file).
func NewSQLiteStore(path string, engine *RulesEngine, opts ...memory.Option) (*sqlite.Store, error) {
	return sqlite.NewStore(path, engine, opts...)
}

// NewPostgresStore constructs a Postgres-backed store from the provided DSN.
func NewPostgresStore(dsn string, engine *RulesEngine, opts ...memory.Option) (*postgres.Store, error) {
	return postgres.NewStore(dsn, engine, opts...)
}

// CloseStore releases the backend's resources when it holds any.
func CloseStore(store PersistentStore) error {
	if c, ok := store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func accessPolicy(cfg config.StorageConfig) domain.AccessPolicy {
	if len(cfg.ReadOnlyTypes) == 0 {
		return access.AllowAll{}
	}
	return access.NewReadOnlyTypes(cfg.ReadOnlyTypes...)
}
