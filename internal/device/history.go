package device

import (
	"context"
	"time"
)

// Report is one stored device report.
//
// Every report or read_ack that carried data is kept with the gateway it
// arrived through, giving a local audit trail independent of the
// time-series database.
type Report struct {
	ID int64 `json:"id"`

	// SID is the device's Mi Home short ID.
	SID string `json:"sid"`

	// Gateway is the SID of the gateway that relayed the report.
	Gateway string `json:"gateway"`

	// Command is the gateway command the data came from (report, read_ack).
	Command string `json:"command"`

	// State is the decoded data object of the report.
	State map[string]any `json:"state"`

	RecordedAt time.Time `json:"recorded_at"`
}

// GatewayEvent is one stored gateway availability transition.
type GatewayEvent struct {
	ID         int64     `json:"id"`
	Gateway    string    `json:"gateway"`
	State      string    `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// HistoryRepository stores and retrieves device reports and gateway events.
//
// Implementations must be thread-safe and use UTC timestamps.
type HistoryRepository interface {
	// RecordReport stores one device report.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - sid: Device SID
	//   - gateway: Relaying gateway SID
	//   - command: Originating gateway command
	//   - state: Decoded report data (nil stores an empty object)
	//
	// Returns:
	//   - error: ErrInvalidReport for missing identifiers, otherwise the persistence error
	RecordReport(ctx context.Context, sid, gateway, command string, state map[string]any) error

	// RecordGatewayEvent stores a gateway state transition.
	RecordGatewayEvent(ctx context.Context, gateway, state, reason string) error

	// GetHistory returns recent reports for a device, newest first.
	// limit is clamped to [1, 200]; zero or negative selects 50.
	GetHistory(ctx context.Context, sid string, limit int) ([]Report, error)

	// GetGatewayEvents returns recent events for a gateway, newest first.
	GetGatewayEvents(ctx context.Context, gateway string, limit int) ([]GatewayEvent, error)

	// PruneHistory deletes reports and events older than olderThan and
	// returns the number of rows removed.
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}
