package mqtt

import "fmt"

// Topic prefixes for the farmhub MQTT hierarchy.
//
// Device topics use the scheme: farmhub/device/{udid}/{suffix}
const (
	// TopicPrefix is the base for all farmhub topics.
	TopicPrefix = "farmhub"

	// TopicPrefixDevice is the base for per-device topics.
	TopicPrefixDevice = "farmhub/device"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "farmhub/system"
)

// Topics provides builders for farmhub MQTT topics.
// Using these helpers keeps topic naming consistent across the codebase.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.DeviceState("emulator-5554")
//	// Returns: "farmhub/device/emulator-5554/state"
type Topics struct{}

// DeviceState returns the retained state topic for one device.
//
// Example: farmhub/device/emulator-5554/state
func (Topics) DeviceState(udid string) string {
	return fmt.Sprintf("%s/%s/state", TopicPrefixDevice, udid)
}

// CenterDevices returns the retained full-list topic for one hub node.
//
// Example: farmhub/center/9f3a1c77/devices
func (Topics) CenterDevices(centerID string) string {
	return fmt.Sprintf("%s/center/%s/devices", TopicPrefix, centerID)
}

// SystemStatus returns the hub status topic, also used for the LWT.
//
// Example: farmhub/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// DeviceCommand returns the command topic for one device. Controllers
// publish device commands here; the hub subscribes.
//
// Example: farmhub/device/emulator-5554/cmd
func (Topics) DeviceCommand(udid string) string {
	return fmt.Sprintf("%s/%s/cmd", TopicPrefixDevice, udid)
}

// AllDeviceStates returns a pattern matching every device state topic.
//
// Pattern: farmhub/device/+/state
func (Topics) AllDeviceStates() string {
	return fmt.Sprintf("%s/+/state", TopicPrefixDevice)
}

// AllDeviceCommands returns a pattern matching every device command topic.
//
// Pattern: farmhub/device/+/cmd
func (Topics) AllDeviceCommands() string {
	return fmt.Sprintf("%s/+/cmd", TopicPrefixDevice)
}
