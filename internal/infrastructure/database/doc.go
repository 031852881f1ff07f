// Package database provides the SQLite store behind the bridge's device history.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Schema migrations from an fs.FS (see the migrations package)
//   - STRICT mode tables for type safety
//
// Security Considerations:
//   - All queries use parameterised statements
//   - Database file permissions are set to 0600 (owner read/write only)
//   - Gateway keys never reach the database; only reports and status changes do
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration Strategy:
//
// Migrations are additive-only so an older binary can still read the file:
//   - New columns must be NULLABLE or have DEFAULT values
//   - Never DROP or RENAME columns
//   - Each migration file has both .up.sql and .down.sql
package database
