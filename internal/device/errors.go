package device

import "errors"

// Domain errors for history operations.
var (
	// ErrInvalidReport is returned when a report lacks its device or gateway SID.
	ErrInvalidReport = errors.New("device: sid and gateway are required")

	// ErrInvalidRetention is returned when a prune window is not positive.
	ErrInvalidRetention = errors.New("device: retention must be positive")
)
