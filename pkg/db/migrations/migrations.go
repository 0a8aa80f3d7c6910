package migrations

import "github.com/uptrace/bun/migrate"

// Migrations is the registry the migrator runs, in file name order.
var Migrations = migrate.NewMigrations()
