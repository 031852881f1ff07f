// Package migrations embeds the bridge's SQL schema migrations.
//
// Files follow YYYYMMDD_HHMMSS_description.{up,down}.sql and are applied
// with database.DB.Migrate(ctx, migrations.FS).
package migrations

import "embed"

// FS holds every migration file at its root.
//
//go:embed *.sql
var FS embed.FS
