package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		// One statement per Exec keeps the migration portable across
		// the production dialect and the in-memory test dialect.
		indexes := []string{
			"CREATE INDEX IF NOT EXISTS idx_users_phone_hash ON users (phone_hash)",
			"CREATE INDEX IF NOT EXISTS idx_users_username ON users (username)",
			"CREATE INDEX IF NOT EXISTS idx_events_host ON events (host_id)",
			"CREATE INDEX IF NOT EXISTS idx_events_feed ON events (visibility, status, starts_at)",
		}

		for _, stmt := range indexes {
			if _, err := db.NewRaw(stmt).Exec(ctx); err != nil {
				return fmt.Errorf("failed to create index: %w", err)
			}
		}

		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		indexes := []string{
			"DROP INDEX IF EXISTS idx_users_phone_hash",
			"DROP INDEX IF EXISTS idx_users_username",
			"DROP INDEX IF EXISTS idx_events_host",
			"DROP INDEX IF EXISTS idx_events_feed",
		}

		for _, stmt := range indexes {
			if _, err := db.NewRaw(stmt).Exec(ctx); err != nil {
				return fmt.Errorf("failed to drop index: %w", err)
			}
		}

		return nil
	})
}
