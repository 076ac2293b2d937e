package migrations

import "embed"

// FS contains embedded SQLite migrations for game-logic storage.
//
//go:embed *.sql
var FS embed.FS
