package migrations

import "embed"

// FS contains embedded SQLite migrations for packet-pipeline storage.
//
//go:embed *.sql
var FS embed.FS
