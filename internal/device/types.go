package device

import "context"

// State is the coarse lifecycle state of an attached device.
//
// All values except StateDisconnected come from the enumeration source.
// StateDisconnected is synthesised by the Center when the source reports a
// device as removed: identity is retained and only the state flips, so a
// reconnect is a state transition rather than a new device.
type State string

const (
	StateConnecting   State = "connecting"
	StateOnline       State = "online"
	StateOffline      State = "offline"
	StateUnauthorized State = "unauthorized"
	StateDisconnected State = "disconnected"
)

// NetInterface is a single network interface reported by a device.
type NetInterface struct {
	Name string `json:"name"`
	IPv4 string `json:"ipv4"`
}

// Descriptor is a point-in-time metadata snapshot for one device.
//
// Descriptors are rebuilt whole whenever the underlying facts change, never
// patched in place. Consumers always receive copies; the registry keeps the
// only canonical instance.
type Descriptor struct {
	UDID          string         `json:"udid"`
	State         State          `json:"state"`
	Release       string         `json:"release_version"`
	SDK           string         `json:"sdk_version"`
	ABI           string         `json:"cpu_abi"`
	Manufacturer  string         `json:"manufacturer"`
	Model         string         `json:"model"`
	WiFiInterface string         `json:"wifi_interface"`
	Interfaces    []NetInterface `json:"interfaces"`
	Pid           int            `json:"pid"`
	LastUpdate    int64          `json:"last_update_timestamp"` // unix milliseconds
}

// Copy returns an independent copy of the Descriptor. The Interfaces slice
// is cloned so the registry's canonical snapshot cannot be mutated through
// a value handed to a subscriber.
func (d Descriptor) Copy() Descriptor {
	cpy := d
	if d.Interfaces != nil {
		cpy.Interfaces = make([]NetInterface, len(d.Interfaces))
		copy(cpy.Interfaces, d.Interfaces)
	}
	return cpy
}

// Observation is a single (device id, state) fact from the enumeration source.
type Observation struct {
	UDID  string
	State State
}

// ChangeSet is one batch of device observations from the enumeration source.
// Within a batch the Center processes Added before Removed before Changed,
// so a device that flaps within a single batch lands in a deterministic
// final state.
type ChangeSet struct {
	Added   []Observation
	Removed []Observation
	Changed []Observation
}

// Tracker is a live subscription to the enumeration source's change stream.
//
// Changes is closed when the stream ends for any reason; Err reports the
// terminal failure afterwards (nil for a clean stop). The Center treats end
// and error identically: both trigger the restart policy.
type Tracker interface {
	// Changes delivers change-set batches in arrival order.
	Changes() <-chan ChangeSet

	// Err returns the terminal stream error once Changes is closed.
	Err() error

	// Stop tears the subscription down and closes Changes.
	Stop()
}

// Enumerator is the device-enumeration client the Center reconciles against.
// The concrete implementation (adb smart-socket client) lives in the adb
// package; tests substitute their own.
type Enumerator interface {
	// ListDevices returns a snapshot of currently known devices.
	ListDevices(ctx context.Context) ([]Observation, error)

	// TrackDevices opens a live change-event subscription.
	TrackDevices(ctx context.Context) (Tracker, error)
}

// Commander executes device-scoped operations on behalf of a Device.
// Implementations talk to the platform tooling (adb shell and friends);
// every call may block on device I/O and honours the context.
type Commander interface {
	// Properties reads the device's build properties (version, model, abi).
	Properties(ctx context.Context, udid string) (map[string]string, error)

	// Interfaces lists the device's active network interfaces.
	Interfaces(ctx context.Context, udid string) ([]NetInterface, error)

	// KillProcess terminates an on-device agent process by pid.
	KillProcess(ctx context.Context, udid string, pid int) error

	// StartAgent launches the on-device agent and returns its pid.
	StartAgent(ctx context.Context, udid string) (int, error)
}

// Property keys surfaced into the Descriptor. These are the standard
// Android build property names.
const (
	propRelease       = "ro.build.version.release"
	propSDK           = "ro.build.version.sdk"
	propABI           = "ro.product.cpu.abi"
	propManufacturer  = "ro.product.manufacturer"
	propModel         = "ro.product.model"
	propWiFiInterface = "wifi.interface"
)
