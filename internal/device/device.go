package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rlanyon/farmhub/internal/infrastructure/logging"
)

// fetchTimeout bounds the background property/interface refresh that runs
// when a device comes online.
const fetchTimeout = 30 * time.Second

// Device wraps one enumerated device identity.
//
// It holds the device's mutable state and rebuilds its Descriptor whenever
// the underlying facts change, notifying its owner through the update
// callback. Devices are owned exclusively by the Center; everything outside
// the registry sees descriptor copies only.
type Device struct {
	udid      string
	commander Commander
	logger    *logging.Logger

	// onUpdate is invoked after every descriptor rebuild. Set once by the
	// Center before the first state transition; never fired while the
	// device mutex is held.
	onUpdate func(*Device)

	mu         sync.Mutex
	state      State
	props      map[string]string
	interfaces []NetInterface
	pid        int
	descriptor Descriptor
}

// newDevice creates a Device with no state; the Center applies the first
// observed state via SetState, which performs the initial descriptor build.
func newDevice(udid string, commander Commander, logger *logging.Logger) *Device {
	return &Device{
		udid:      udid,
		commander: commander,
		logger:    logger.With("udid", udid),
	}
}

// UDID returns the device's stable identity.
func (d *Device) UDID() string {
	return d.udid
}

// State returns the current lifecycle state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Descriptor returns a copy of the current descriptor snapshot.
func (d *Device) Descriptor() Descriptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.descriptor.Copy()
}

// SetState applies a newly observed state. When the state differs from the
// prior one the descriptor is rebuilt and the update callback fires. A
// transition to online additionally refreshes device metadata in the
// background, producing a second update once properties arrive.
func (d *Device) SetState(state State) {
	d.mu.Lock()
	if d.state == state {
		d.mu.Unlock()
		return
	}
	wasOnline := d.state == StateOnline
	d.state = state
	d.rebuildLocked()
	d.mu.Unlock()

	d.emit()

	if state == StateOnline && !wasOnline {
		go d.refreshInfo()
	}
}

// KillServer terminates the on-device agent process.
func (d *Device) KillServer(ctx context.Context, pid int) error {
	if d.commander == nil {
		return ErrNoCommander
	}
	if pid <= 0 {
		d.mu.Lock()
		pid = d.pid
		d.mu.Unlock()
	}
	if pid <= 0 {
		return fmt.Errorf("kill server on %q: no known agent pid", d.udid)
	}
	if err := d.commander.KillProcess(ctx, d.udid, pid); err != nil {
		return fmt.Errorf("kill server on %q: %w", d.udid, err)
	}

	d.mu.Lock()
	if d.pid == pid {
		d.pid = 0
	}
	d.rebuildLocked()
	d.mu.Unlock()
	d.emit()
	return nil
}

// StartServer launches the on-device agent and records its pid.
func (d *Device) StartServer(ctx context.Context) error {
	if d.commander == nil {
		return ErrNoCommander
	}
	pid, err := d.commander.StartAgent(ctx, d.udid)
	if err != nil {
		return fmt.Errorf("start server on %q: %w", d.udid, err)
	}

	d.mu.Lock()
	d.pid = pid
	d.rebuildLocked()
	d.mu.Unlock()
	d.emit()
	return nil
}

// UpdateInterfaces re-reads the device's network interfaces.
func (d *Device) UpdateInterfaces(ctx context.Context) error {
	if d.commander == nil {
		return ErrNoCommander
	}
	ifaces, err := d.commander.Interfaces(ctx, d.udid)
	if err != nil {
		return fmt.Errorf("update interfaces on %q: %w", d.udid, err)
	}

	d.mu.Lock()
	d.interfaces = ifaces
	d.rebuildLocked()
	d.mu.Unlock()
	d.emit()
	return nil
}

// refreshInfo fetches build properties and network interfaces after the
// device comes online. Failures are logged and leave the previous metadata
// in place; the registry stays consistent either way.
func (d *Device) refreshInfo() {
	if d.commander == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	props, err := d.commander.Properties(ctx, d.udid)
	if err != nil {
		d.logger.Warn("reading device properties failed", "error", err)
		props = nil
	}

	ifaces, err := d.commander.Interfaces(ctx, d.udid)
	if err != nil {
		d.logger.Debug("reading device interfaces failed", "error", err)
		ifaces = nil
	}

	if props == nil && ifaces == nil {
		return
	}

	d.mu.Lock()
	if props != nil {
		d.props = props
	}
	if ifaces != nil {
		d.interfaces = ifaces
	}
	d.rebuildLocked()
	d.mu.Unlock()
	d.emit()
}

// rebuildLocked reconstructs the descriptor from current facts.
// Caller must hold d.mu.
func (d *Device) rebuildLocked() {
	ifaces := make([]NetInterface, len(d.interfaces))
	copy(ifaces, d.interfaces)

	d.descriptor = Descriptor{
		UDID:          d.udid,
		State:         d.state,
		Release:       d.props[propRelease],
		SDK:           d.props[propSDK],
		ABI:           d.props[propABI],
		Manufacturer:  d.props[propManufacturer],
		Model:         d.props[propModel],
		WiFiInterface: d.props[propWiFiInterface],
		Interfaces:    ifaces,
		Pid:           d.pid,
		LastUpdate:    time.Now().UnixMilli(),
	}
}

// emit fires the update callback outside the device mutex.
func (d *Device) emit() {
	if d.onUpdate != nil {
		d.onUpdate(d)
	}
}
