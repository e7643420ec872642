package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/asedra/fleetctl/internal/common/config"
	"github.com/asedra/fleetctl/internal/store/dialect"
)

// sqlStore is the single Store implementation shared by both backends;
// only connection setup differs (Open below). One interface, two
// constructors — the backend choice is an initialisation concern, never
// runtime polymorphism scattered through callers.
type sqlStore struct {
	pool   *pool
	driver string
}

// Open opens the Store backend selected by cfg.Database.Driver
// ("sqlite" default, "postgres"), wires dialect-portable schema
// creation, and returns the narrow Store interface the core depends on.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return openPostgresStore(ctx, cfg)
	case "", "sqlite":
		return openSQLiteStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func openPostgresStore(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	sqlDB, err := openPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
	if err != nil {
		return nil, err
	}
	db := sqlx.NewDb(sqlDB, dialect.PGX)
	p := newPool(db, db)

	if err := createSchema(ctx, db, dialect.PGX); err != nil {
		_ = p.Close()
		return nil, err
	}
	return &sqlStore{pool: p, driver: dialect.PGX}, nil
}

func openSQLiteStore(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	path := cfg.Path
	if path == "" {
		path = "./fleetctl.db"
	}

	writerDB, err := openSQLiteWriter(path)
	if err != nil {
		return nil, err
	}
	readerDB, err := openSQLiteReader(path, cfg.MaxConns)
	if err != nil {
		_ = writerDB.Close()
		return nil, err
	}

	writer := sqlx.NewDb(writerDB, dialect.SQLite3)
	reader := sqlx.NewDb(readerDB, dialect.SQLite3)
	p := newPool(writer, reader)

	if err := createSchema(ctx, writer, dialect.SQLite3); err != nil {
		_ = p.Close()
		return nil, err
	}
	return &sqlStore{pool: p, driver: dialect.SQLite3}, nil
}

func (s *sqlStore) Agents() AgentStore                  { return agentStore{s.pool, s.driver} }
func (s *sqlStore) CommandHistory() CommandHistoryStore { return commandHistoryStore{s.pool, s.driver} }
func (s *sqlStore) SavedCommands() SavedCommandStore    { return savedCommandStore{s.pool, s.driver} }
func (s *sqlStore) Users() UserStore                    { return userStore{s.pool} }
func (s *sqlStore) Settings() SettingsStore             { return settingsStore{s.pool} }
func (s *sqlStore) Close() error                        { return s.pool.Close() }
