// Package entity implements the durable store adapter over Postgres.
// It owns the users and events collections, runs transactional
// read-modify-write with internal conflict retry, and maps driver
// errors into the shared taxonomy at the boundary.
package entity

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/ambleapp/amble/internal/entity/dbretry"
	"github.com/ambleapp/amble/internal/entity/migrations"
	"github.com/ambleapp/amble/internal/setup/config"
	"github.com/bytedance/sonic"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bunjson"
	"github.com/uptrace/bun/migrate"
	"go.uber.org/zap"
)

// sonicProvider is a JSON provider that uses Sonic for encoding and decoding.
type sonicProvider struct{}

func (sonicProvider) Marshal(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

func (sonicProvider) Unmarshal(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

func (sonicProvider) NewEncoder(w io.Writer) bunjson.Encoder {
	return sonic.ConfigDefault.NewEncoder(w)
}

func (sonicProvider) NewDecoder(r io.Reader) bunjson.Decoder {
	return sonic.ConfigDefault.NewDecoder(r)
}

// Client defines the methods an entity store client must implement.
type Client interface {
	// Users returns the users collection.
	Users() *UserCollection
	// Events returns the events collection.
	Events() *EventCollection
	// Transact runs fn inside one snapshot-isolated transaction,
	// retrying internally on write conflicts. fn may be replayed and
	// must stay free of side effects beyond the transaction.
	Transact(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error
	// DB returns the underlying bun.DB instance.
	DB() *bun.DB
	// Close gracefully shuts down the store connection.
	Close() error
}

// clientImpl represents the concrete implementation of the entity client.
type clientImpl struct {
	db        *bun.DB
	txOptions *sql.TxOptions
	logger    *zap.Logger
	users     *UserCollection
	events    *EventCollection
}

// Connect establishes the production Postgres connection and returns a
// Client instance.
func Connect(
	ctx context.Context, config *config.PostgreSQL, logger *zap.Logger, autoMigrate bool,
) (Client, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(
		pgdriver.WithAddr(fmt.Sprintf("%s:%d", config.Host, config.Port)),
		pgdriver.WithUser(config.User),
		pgdriver.WithPassword(config.Password),
		pgdriver.WithDatabase(config.DBName),
		pgdriver.WithInsecure(true),
		pgdriver.WithApplicationName("amble"),
	))

	sqldb.SetMaxOpenConns(config.MaxOpenConns)
	sqldb.SetMaxIdleConns(config.MaxIdleConns)
	sqldb.SetConnMaxLifetime(time.Duration(config.MaxLifetime) * time.Minute)
	sqldb.SetConnMaxIdleTime(time.Duration(config.MaxIdleTime) * time.Minute)

	db := bun.NewDB(sqldb, pgdialect.New())

	// REPEATABLE READ gives each transaction a consistent snapshot;
	// conflicting commits fail with a serialization error and retry.
	txOptions := &sql.TxOptions{Isolation: sql.LevelRepeatableRead}

	client := NewClient(db, txOptions, logger)

	if autoMigrate {
		migrator := migrate.NewMigrator(db, migrations.Migrations)
		if err := migrator.Init(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize migrations: %w", err)
		}

		group, err := migrator.Migrate(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}

		if !group.IsZero() {
			logger.Info("Automatically ran migrations", zap.String("group", group.String()))
		}
	}

	logger.Info("Entity store connection established")

	return client, nil
}

// NewClient wraps a prepared bun.DB. Production code connects through
// Connect; tests hand in an in-memory SQLite database and nil
// transaction options, exercising the same adapter code.
func NewClient(db *bun.DB, txOptions *sql.TxOptions, logger *zap.Logger) Client {
	bunjson.SetProvider(sonicProvider{})
	db.AddQueryHook(NewHook(logger))

	return &clientImpl{
		db:        db,
		txOptions: txOptions,
		logger:    logger,
		users:     &UserCollection{db: db, logger: logger.Named("entity_users")},
		events:    &EventCollection{db: db, logger: logger.Named("entity_events")},
	}
}

// Users returns the users collection.
func (c *clientImpl) Users() *UserCollection {
	return c.users
}

// Events returns the events collection.
func (c *clientImpl) Events() *EventCollection {
	return c.events
}

// Transact runs fn inside one transaction with conflict retry.
func (c *clientImpl) Transact(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	return dbretry.Transaction(ctx, c.db, c.txOptions, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, &Tx{tx: tx})
	})
}

// DB returns the underlying bun.DB instance.
func (c *clientImpl) DB() *bun.DB {
	return c.db
}

// Close gracefully shuts down the store connection.
func (c *clientImpl) Close() error {
	if err := c.db.Close(); err != nil {
		c.logger.Error("Failed to close entity store connection", zap.Error(err))
		return err
	}

	c.logger.Info("Entity store connection closed")

	return nil
}
