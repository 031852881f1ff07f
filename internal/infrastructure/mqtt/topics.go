package mqtt

import "fmt"

// TopicPrefix is the root of every Gray Logic topic.
const TopicPrefix = "graylogic"

// Topics provides builders for the Gray Logic topics this service touches.
//
// Bridge topics use the flat scheme graylogic/{category}/{protocol}/{id}:
//
//	mqtt.Topics{}.BridgeState("mihome", "158d0001a2b3c4")
//	// Returns: "graylogic/state/mihome/158d0001a2b3c4"
type Topics struct{}

// BridgeState returns the retained state topic for one device.
func (Topics) BridgeState(protocol, id string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, protocol, id)
}

// BridgeCommand returns the command topic for one device.
func (Topics) BridgeCommand(protocol, id string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, protocol, id)
}

// BridgeHealth returns the health topic of a bridge.
//
// Example: graylogic/health/mihome
func (Topics) BridgeHealth(protocol string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, protocol)
}

// ServiceStatus returns the lifecycle topic for a connected client.
// The broker publishes the client's Last Will here when no bridge will is set.
//
// Example: graylogic/system/status/graylogic-mihome
func (Topics) ServiceStatus(clientID string) string {
	return fmt.Sprintf("%s/system/status/%s", TopicPrefix, clientID)
}

// AllBridgeStates matches every device state of one protocol.
func (Topics) AllBridgeStates(protocol string) string {
	return fmt.Sprintf("%s/state/%s/+", TopicPrefix, protocol)
}

// AllBridgeTopics matches everything published under one protocol, any category.
func (Topics) AllBridgeTopics(protocol string) string {
	return fmt.Sprintf("%s/+/%s/#", TopicPrefix, protocol)
}
