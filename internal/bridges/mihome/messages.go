package mihome

import (
	"fmt"
	"time"
)

// MQTT message types exchanged between Gray Logic Core and the Mi Home bridge.

// Protocol is the protocol identifier carried in bridge messages.
const Protocol = "mihome"

// CommandMessage is sent from Core to the bridge to act on a device.
// Topic: graylogic/command/mihome/{sid}
type CommandMessage struct {
	// ID correlates the command with its acknowledgment.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the device sid.
	DeviceID string `json:"device_id"`

	// Command is "write", "on", "off" or "read".
	Command string `json:"command"`

	// Parameters are the fields written by "write" (e.g., {"status": "on"}).
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated ("api", "automation").
	Source string `json:"source,omitempty"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the command was sent to the gateway.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be sent.
	AckFailed AckStatus = "failed"
)

// AckMessage acknowledges a command.
// Topic: graylogic/ack/mihome/{sid}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Gateway   string    `json:"gateway,omitempty"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command and request failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeProtocolError     = "PROTOCOL_ERROR"
	ErrCodeNotReady          = "NOT_READY"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage carries a device's latest payload.
// Topic: graylogic/state/mihome/{sid}
// QoS: 1, Retained: Yes
type StateMessage struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`

	// State is the decoded device payload, e.g. {"temperature": "2150"}.
	State map[string]any `json:"state"`

	Protocol  string    `json:"protocol"`
	Gateway   string    `json:"gateway"`
	Model     string    `json:"model,omitempty"`
	ThingType ThingType `json:"thing_type,omitempty"`

	// Command is the protocol command that carried the update.
	Command string `json:"command"`

	// Online is the device liveness at the time of the update.
	Online bool `json:"online"`
}

// GatewayStatusMessage announces a gateway online/offline transition.
// Topic: graylogic/status/mihome/{gateway}
// QoS: 1, Retained: Yes
type GatewayStatusMessage struct {
	Gateway   string    `json:"gateway"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthOffline   HealthStatus = "offline"
	HealthStarting  HealthStatus = "starting"
	HealthStopping  HealthStatus = "stopping"
)

// HealthMessage reports bridge status.
// Topic: graylogic/health/mihome
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge        string            `json:"bridge"`
	Timestamp     time.Time         `json:"timestamp"`
	Status        HealthStatus      `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Gateways      []GatewayHealth   `json:"gateways,omitempty"`
	Statistics    *BridgeStatistics `json:"statistics,omitempty"`
	Devices       int               `json:"devices"`
	Reason        string            `json:"reason,omitempty"`
}

// GatewayHealth summarises one gateway session.
type GatewayHealth struct {
	Gateway string       `json:"gateway"`
	State   SessionState `json:"state"`
	Devices int          `json:"devices"`
}

// BridgeStatistics contains transport counters.
type BridgeStatistics struct {
	SocketOpen       bool   `json:"socket_open"`
	MessagesReceived uint64 `json:"messages_received"`
	MessagesSent     uint64 `json:"messages_sent"`
	DecodeErrors     uint64 `json:"decode_errors"`
	Dropped          uint64 `json:"dropped"`
	Errors           uint64 `json:"errors"`
}

// RequestMessage asks the bridge for data or a scan.
// Topic: graylogic/request/mihome/{request_id}
type RequestMessage struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Action is "read_state", "list_devices", "list_gateways", "discover",
	// "discover_gateways" or "discovery_results".
	Action string `json:"action"`

	DeviceID string `json:"device_id,omitempty"`

	// Parameters may carry "gateway" to narrow list_devices and discover.
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ResponseMessage answers a request.
// Topic: graylogic/response/mihome/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DiscoveryMessage announces scan results.
// Topic: graylogic/discovery/mihome
type DiscoveryMessage struct {
	ScanID     string      `json:"scan_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Bridge     string      `json:"bridge"`
	Kind       string      `json:"kind"`
	Candidates []Candidate `json:"candidates"`
}

// Discovery kinds.
const (
	DiscoveryKindGateways = "gateways"
	DiscoveryKindDevices  = "devices"
)

// NewAckMessage creates an acknowledgment for a command.
func NewAckMessage(cmd CommandMessage, status AckStatus, gateway string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Protocol:  Protocol,
		Gateway:   gateway,
	}
}

// NewAckError creates a failed acknowledgment with error details.
func NewAckError(cmd CommandMessage, gateway, code, message string) AckMessage {
	ack := NewAckMessage(cmd, AckFailed, gateway)
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewLWTMessage creates the MQTT Last Will payload for the bridge.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// Topic helpers

// TopicPrefix is the base topic for all Gray Logic messages.
const TopicPrefix = "graylogic"

// CommandTopic returns the topic for commands to a device.
// Example: graylogic/command/mihome/158d0001
func CommandTopic(sid string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, Protocol, sid)
}

// AckTopic returns the topic for command acknowledgments.
func AckTopic(sid string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, Protocol, sid)
}

// StateTopic returns the topic for device state.
func StateTopic(sid string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, Protocol, sid)
}

// StateSubscribeTopic returns the subscription pattern for all device state.
func StateSubscribeTopic() string {
	return fmt.Sprintf("%s/state/%s/+", TopicPrefix, Protocol)
}

// GatewayStatusTopic returns the topic for a gateway's status.
func GatewayStatusTopic(gateway string) string {
	return fmt.Sprintf("%s/status/%s/%s", TopicPrefix, Protocol, gateway)
}

// HealthTopic returns the topic for bridge health.
func HealthTopic() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, Protocol)
}

// RequestTopic returns the topic for a request.
func RequestTopic(requestID string) string {
	return fmt.Sprintf("%s/request/%s/%s", TopicPrefix, Protocol, requestID)
}

// ResponseTopic returns the topic for a response.
func ResponseTopic(requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefix, Protocol, requestID)
}

// DiscoveryTopic returns the topic for scan results.
func DiscoveryTopic() string {
	return fmt.Sprintf("%s/discovery/%s", TopicPrefix, Protocol)
}

// CommandSubscribeTopic returns the subscription pattern for all commands.
func CommandSubscribeTopic() string {
	return fmt.Sprintf("%s/command/%s/#", TopicPrefix, Protocol)
}

// RequestSubscribeTopic returns the subscription pattern for all requests.
func RequestSubscribeTopic() string {
	return fmt.Sprintf("%s/request/%s/#", TopicPrefix, Protocol)
}
