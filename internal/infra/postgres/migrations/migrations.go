package migrations

import "github.com/uptrace/bun/migrate"

// Migrations holds the schema changes, registered from the numbered files in this package.
var Migrations = migrate.NewMigrations()
