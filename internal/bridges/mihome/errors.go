package mihome

import "errors"

// Domain errors for the Mi Home bridge package.
var (
	// ErrTransport is returned when the multicast socket cannot be bound
	// or the multicast group cannot be joined.
	ErrTransport = errors.New("mihome: transport error")

	// ErrTransportClosed is returned when registering on a transport
	// that has been shut down.
	ErrTransportClosed = errors.New("mihome: transport closed")

	// ErrNoInterface is returned when no network interface could join
	// the multicast group.
	ErrNoInterface = errors.New("mihome: no usable multicast interface")

	// ErrSend is returned when writing a datagram fails.
	ErrSend = errors.New("mihome: send failed")

	// ErrDecode is returned when a datagram is not a valid command envelope.
	ErrDecode = errors.New("mihome: decode failed")

	// ErrEncode is returned when a command cannot be encoded.
	ErrEncode = errors.New("mihome: encode failed")

	// ErrUnknownModel is returned when a device model has no thing type.
	ErrUnknownModel = errors.New("mihome: unknown device model")

	// ErrNotReady is returned when a write is attempted before the
	// gateway has issued a token.
	ErrNotReady = errors.New("mihome: no gateway token observed")

	// ErrConfiguration is returned when gateway identity or address
	// settings are missing or invalid.
	ErrConfiguration = errors.New("mihome: invalid configuration")

	// ErrUnknownDevice is returned when a device id is not in any
	// gateway directory.
	ErrUnknownDevice = errors.New("mihome: unknown device")

	// ErrUnsupportedCommand is returned for bridge commands other than
	// write, on, off and read.
	ErrUnsupportedCommand = errors.New("mihome: unsupported command")

	// ErrScanInProgress is returned when StartScan is called while the
	// same scanner is already scanning.
	ErrScanInProgress = errors.New("mihome: scan already in progress")
)
