package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	// timestampLayout is fixed-width so stored values sort lexically.
	timestampLayout = "2006-01-02T15:04:05.000Z"
)

// SQLiteHistoryRepository implements HistoryRepository using SQLite.
//
// Report data is stored as JSON in the device_reports table; gateway
// transitions go to gateway_events.
type SQLiteHistoryRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteHistoryRepository creates a history repository on an open,
// migrated database.
func NewSQLiteHistoryRepository(db *sql.DB) *SQLiteHistoryRepository {
	return &SQLiteHistoryRepository{db: db, now: time.Now}
}

// RecordReport inserts one device report.
func (r *SQLiteHistoryRepository) RecordReport(ctx context.Context, sid, gateway, command string, state map[string]any) error {
	if sid == "" || gateway == "" {
		return ErrInvalidReport
	}
	if state == nil {
		state = map[string]any{}
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		"INSERT INTO device_reports (sid, gateway, command, state, recorded_at) VALUES (?, ?, ?, ?, ?)",
		sid,
		gateway,
		command,
		string(stateJSON),
		formatTimestamp(r.now()),
	)
	if err != nil {
		return fmt.Errorf("inserting device report: %w", err)
	}
	return nil
}

// RecordGatewayEvent inserts one gateway transition.
func (r *SQLiteHistoryRepository) RecordGatewayEvent(ctx context.Context, gateway, state, reason string) error {
	if gateway == "" {
		return ErrInvalidReport
	}

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO gateway_events (gateway, state, reason, recorded_at) VALUES (?, ?, ?, ?)",
		gateway,
		state,
		reason,
		formatTimestamp(r.now()),
	)
	if err != nil {
		return fmt.Errorf("inserting gateway event: %w", err)
	}
	return nil
}

// GetHistory returns recent reports for a device, ordered newest first.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - sid: Device SID
//   - limit: Maximum entries to return (default 50, max 200)
//
// Returns:
//   - []Report: Reports ordered by recorded_at DESC (may be empty)
//   - error: nil on success, otherwise the underlying query error
func (r *SQLiteHistoryRepository) GetHistory(ctx context.Context, sid string, limit int) ([]Report, error) {
	if sid == "" {
		return nil, ErrInvalidReport
	}
	limit = clampLimit(limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, sid, gateway, command, state, recorded_at
		 FROM device_reports
		 WHERE sid = ?
		 ORDER BY recorded_at DESC, id DESC
		 LIMIT ?`,
		sid,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying device reports: %w", err)
	}
	defer rows.Close()

	reports := make([]Report, 0, limit)
	for rows.Next() {
		var rep Report
		var stateJSON, recordedAt string

		if err := rows.Scan(&rep.ID, &rep.SID, &rep.Gateway, &rep.Command, &stateJSON, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning device report: %w", err)
		}
		if err := json.Unmarshal([]byte(stateJSON), &rep.State); err != nil {
			return nil, fmt.Errorf("unmarshalling state: %w", err)
		}
		if rep.RecordedAt, err = parseTimestamp(recordedAt); err != nil {
			return nil, err
		}
		reports = append(reports, rep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device reports: %w", err)
	}

	return reports, nil
}

// GetGatewayEvents returns recent transitions for a gateway, ordered newest first.
func (r *SQLiteHistoryRepository) GetGatewayEvents(ctx context.Context, gateway string, limit int) ([]GatewayEvent, error) {
	if gateway == "" {
		return nil, ErrInvalidReport
	}
	limit = clampLimit(limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, gateway, state, reason, recorded_at
		 FROM gateway_events
		 WHERE gateway = ?
		 ORDER BY recorded_at DESC, id DESC
		 LIMIT ?`,
		gateway,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying gateway events: %w", err)
	}
	defer rows.Close()

	events := make([]GatewayEvent, 0, limit)
	for rows.Next() {
		var ev GatewayEvent
		var recordedAt string
		if err := rows.Scan(&ev.ID, &ev.Gateway, &ev.State, &ev.Reason, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning gateway event: %w", err)
		}
		if ev.RecordedAt, err = parseTimestamp(recordedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating gateway events: %w", err)
	}

	return events, nil
}

// PruneHistory deletes reports and gateway events older than olderThan.
//
// Both tables are pruned in one transaction.
//
// Returns:
//   - int64: Total rows deleted
//   - error: ErrInvalidRetention for a non-positive window, otherwise the database error
func (r *SQLiteHistoryRepository) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, ErrInvalidRetention
	}

	cutoff := formatTimestamp(r.now().Add(-olderThan))

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting prune: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	var total int64
	for _, table := range []string{"device_reports", "gateway_events"} {
		result, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE recorded_at < ?", cutoff) //nolint:gosec // table names are constants
		if err != nil {
			return 0, fmt.Errorf("pruning %s: %w", table, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("checking rows affected: %w", err)
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing prune: %w", err)
	}
	return total, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("recorded_at is empty")
	}
	ts, err := time.Parse(timestampLayout, value)
	if err == nil {
		return ts, nil
	}
	if fallback, fallbackErr := time.Parse(time.RFC3339, value); fallbackErr == nil {
		return fallback.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("parsing recorded_at: %w", err)
}
