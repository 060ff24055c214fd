// Package migrations embeds the engine metadata schema.
package migrations

import "embed"

// FS holds the numbered up/down SQL files applied by database.RunMigrations.
//
//go:embed *.sql
var FS embed.FS
