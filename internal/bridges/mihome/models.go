package mihome

import "fmt"

// ThingType identifies the kind of device a model maps to.
type ThingType string

// Supported thing types.
const (
	ThingTypeBridge       ThingType = "bridge"
	ThingTypeGateway      ThingType = "gateway"
	ThingTypeSensorHT     ThingType = "sensor_ht"
	ThingTypeSensorMotion ThingType = "sensor_motion"
	ThingTypeSensorSwitch ThingType = "sensor_switch"
	ThingTypeSensorMagnet ThingType = "sensor_magnet"
	ThingTypeSensorPlug   ThingType = "sensor_plug"
)

// BridgeLabel is the display label for a discovered gateway bridge.
const BridgeLabel = "Xiaomi Gateway"

// Candidate property keys.
const (
	PropertySerialNumber = "serialNumber"
	PropertyIPAddress    = "ipAddress"
	PropertyPort         = "port"
	PropertyItemID       = "itemId"
	PropertyModel        = "model"
)

type modelInfo struct {
	thingType ThingType
	label     string
}

var models = map[string]modelInfo{
	"gateway":   {ThingTypeGateway, "Gateway"},
	"sensor_ht": {ThingTypeSensorHT, "Temperature & Humidity Sensor"},
	"motion":    {ThingTypeSensorMotion, "Motion Sensor"},
	"switch":    {ThingTypeSensorSwitch, "Button"},
	"magnet":    {ThingTypeSensorMagnet, "Open/close Sensor"},
	"plug":      {ThingTypeSensorPlug, "Plug"},
}

// ResolveModel maps a device model reported by the gateway to its thing type.
//
// Returns ErrUnknownModel for models this bridge does not support.
func ResolveModel(model string) (ThingType, error) {
	info, ok := models[model]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	return info.thingType, nil
}

// ModelLabel returns the display label for a model, or the model name
// itself when unknown.
func ModelLabel(model string) string {
	if info, ok := models[model]; ok {
		return info.label
	}
	return model
}
