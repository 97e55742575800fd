// Package migrations registers the entity store schema, applied by
// cmd/db and by clients connecting with auto-migration enabled.
package migrations

import "github.com/uptrace/bun/migrate"

var Migrations = migrate.NewMigrations() //nolint:gochecknoglobals // -
