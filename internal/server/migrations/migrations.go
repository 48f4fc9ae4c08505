// Package migrations embeds the goose SQL migrations for the token store
// schema.
package migrations

import "embed"

// Migrations holds the embedded *.sql migration files, applied by
// repomanager.RunMigrations at startup.
//
//go:embed *.sql
var Migrations embed.FS
