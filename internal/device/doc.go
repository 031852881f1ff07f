// Package device stores the Mi Home bridge's local device history.
//
// The bridge keeps live device state in memory and on retained MQTT
// topics. This package adds a bounded audit trail in SQLite:
//
//   - Report: one row per report or read_ack carrying data
//   - GatewayEvent: one row per gateway online/offline transition
//
// Rows are pruned by age (mihome.history_retention) from the serve loop.
//
// # Usage
//
//	repo := device.NewSQLiteHistoryRepository(db.DB)
//	err := repo.RecordReport(ctx, "158d0001a2b3c4", "7811dcb0a1b2", "report",
//	    map[string]any{"status": "open"})
//	reports, err := repo.GetHistory(ctx, "158d0001a2b3c4", 20)
//
// # Thread Safety
//
// SQLiteHistoryRepository is safe for concurrent use; serialisation is
// left to database/sql and SQLite's busy timeout.
package device
