package device

import (
	"context"
	"crypto/md5" //nolint:gosec // Non-cryptographic: short stable instance id
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rlanyon/farmhub/internal/infrastructure/config"
	"github.com/rlanyon/farmhub/internal/infrastructure/logging"
)

// backoffFactor is the multiplicative growth applied to the tracker restart
// delay after each restart attempt.
const backoffFactor = 1.2

// TransitionRecorder persists device state transitions. The history package
// provides the SQLite implementation; the Center treats failures as
// non-fatal diagnostics.
type TransitionRecorder interface {
	RecordTransition(ctx context.Context, udid string, from, to State) error
}

// MetricsSink receives device telemetry. The telemetry package provides the
// InfluxDB implementation; all calls must be non-blocking.
type MetricsSink interface {
	DeviceOnline(udid string, online bool)
	TrackerRestart()
}

// CenterOptions holds the dependencies required by NewCenter.
type CenterOptions struct {
	// Name is the display label for this registry. If empty, a label is
	// derived from the hostname.
	Name string

	// Enumerator is the device-enumeration client (required).
	Enumerator Enumerator

	// Commander executes device-scoped operations (optional; commands fail
	// with ErrNoCommander without one).
	Commander Commander

	// Logger is the structured logger (required).
	Logger *logging.Logger

	// Tracker holds the restart/backoff tuning.
	Tracker config.TrackerConfig

	// History, when set, records every device state transition.
	History TransitionRecorder

	// Metrics, when set, receives online/offline gauges and restart counts.
	Metrics MetricsSink
}

// Center is the authoritative device registry for one farm node.
//
// It owns the canonical udid → Device map and the derived descriptor cache,
// reconciles change-sets from the enumeration source into them, restarts a
// failed enumeration subscription with growing backoff, and fans out a
// normalised descriptor event to every subscriber whenever any device's
// descriptor changes.
//
// Exactly one Center exists per process. It is created in main and passed
// explicitly to the components that need it; there is no package-level
// instance to look up.
//
// Thread Safety: all exported methods are safe for concurrent use.
type Center struct {
	id        string
	name      string
	enum      Enumerator
	commander Commander
	logger    *logging.Logger
	history   TransitionRecorder
	metrics   MetricsSink

	defaultWait time.Duration
	maxWait     time.Duration

	// initMu serialises bootstrap so concurrent Init callers race to a
	// single tracker subscription.
	initMu sync.Mutex

	mu             sync.Mutex
	initialized    bool
	released       bool
	tracker        Tracker
	devices        map[string]*Device
	descriptors    map[string]Descriptor
	subscribers    map[int]func(Descriptor)
	nextSubscriber int
	waitAfterError time.Duration
	restartTimer   *time.Timer
}

// NewCenter creates the device registry control center.
//
// The returned Center is idle until Start (or Init) is called.
//
// Returns:
//   - *Center: Configured registry
//   - error: If required dependencies are missing
func NewCenter(opts CenterOptions) (*Center, error) {
	if opts.Enumerator == nil {
		return nil, fmt.Errorf("enumerator is required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("Device Tracker [%s]", hostname)
	}

	defaultWait := opts.Tracker.WaitAfterErrorDuration()
	if defaultWait <= 0 {
		defaultWait = time.Second
	}
	maxWait := opts.Tracker.MaxWaitAfterErrorDuration()
	if maxWait < defaultWait {
		maxWait = 5 * time.Minute
	}

	return &Center{
		id:             deriveID(hostname),
		name:           name,
		enum:           opts.Enumerator,
		commander:      opts.Commander,
		logger:         opts.Logger.With("component", "center"),
		history:        opts.History,
		metrics:        opts.Metrics,
		defaultWait:    defaultWait,
		maxWait:        maxWait,
		devices:        make(map[string]*Device),
		descriptors:    make(map[string]Descriptor),
		subscribers:    make(map[int]func(Descriptor)),
		waitAfterError: defaultWait,
	}, nil
}

// deriveID hashes the hostname and process start time into a short instance
// id. Downstream aggregators use it to tell farm-node incarnations apart.
func deriveID(hostname string) string {
	seed := fmt.Sprintf("farmhub|%s|%d", hostname, time.Now().UnixNano())
	sum := md5.Sum([]byte(seed)) //nolint:gosec // instance id, not a credential
	return hex.EncodeToString(sum[:])
}

// ID returns the registry instance identity.
func (c *Center) ID() string {
	return c.id
}

// Name returns the registry display label.
func (c *Center) Name() string {
	return c.name
}

// Init performs the registry bootstrap: subscribe to the enumeration change
// stream, pull an initial device snapshot, and reconcile it.
//
// Init is idempotent and safe to call concurrently; only one bootstrap ever
// executes, later calls return immediately while the registry is tracking.
func (c *Center) Init(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return ErrReleased
	}
	if c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	tracker, err := c.enum.TrackDevices(ctx)
	if err != nil {
		return fmt.Errorf("starting device tracking: %w", err)
	}

	list, err := c.enum.ListDevices(ctx)
	if err != nil {
		tracker.Stop()
		return fmt.Errorf("listing devices: %w", err)
	}

	c.mu.Lock()
	c.tracker = tracker
	c.initialized = true
	c.mu.Unlock()

	for _, obs := range list {
		c.handleConnected(obs.UDID, obs.State)
	}

	go c.consume(tracker)

	c.logger.Info("device tracking started", "devices", len(list))
	return nil
}

// Start implements the service lifecycle. A failed bootstrap is logged and
// handed to the restart policy rather than aborting process startup: the
// enumeration source may simply not be up yet.
func (c *Center) Start(ctx context.Context) error {
	if err := c.Init(ctx); err != nil {
		c.logger.Error("control center init failed", "error", err)
		c.scheduleRestart(err)
	}
	return nil
}

// Release tears down the enumeration subscription and stops the restart
// timer. The device map is kept: the process is assumed to be shutting down.
func (c *Center) Release() {
	c.mu.Lock()
	c.released = true
	if c.restartTimer != nil {
		c.restartTimer.Stop()
		c.restartTimer = nil
	}
	tracker := c.tracker
	c.tracker = nil
	c.initialized = false
	c.mu.Unlock()

	if tracker != nil {
		tracker.Stop()
	}
}

// consume drains one tracker subscription. When the stream ends, for any
// reason, the restart policy takes over unless the tracker was already
// superseded or the Center released.
func (c *Center) consume(t Tracker) {
	for cs := range t.Changes() {
		c.applyChangeSet(cs)
	}

	c.mu.Lock()
	current := c.tracker == t
	if current {
		c.tracker = nil
		c.initialized = false
	}
	released := c.released
	c.mu.Unlock()

	if current && !released {
		c.scheduleRestart(t.Err())
	}
}

// applyChangeSet reconciles one change-set batch. Added entries are
// processed before Removed before Changed; a Removed observation flips the
// device into the synthetic disconnected state without deleting it. Any
// delivered batch counts as a sign of life and resets the restart backoff.
func (c *Center) applyChangeSet(cs ChangeSet) {
	c.mu.Lock()
	c.waitAfterError = c.defaultWait
	c.mu.Unlock()

	for _, obs := range cs.Added {
		c.handleConnected(obs.UDID, obs.State)
	}
	for _, obs := range cs.Removed {
		c.handleConnected(obs.UDID, StateDisconnected)
	}
	for _, obs := range cs.Changed {
		c.handleConnected(obs.UDID, obs.State)
	}
}

// handleConnected records one observation: an unknown udid creates a Device
// wired into the update fan-out, a known one mutates state in place. Once
// seen, an identity is never removed from the map.
func (c *Center) handleConnected(udid string, state State) {
	c.mu.Lock()
	d, ok := c.devices[udid]
	if !ok {
		d = newDevice(udid, c.commander, c.logger)
		d.onUpdate = c.onDeviceUpdate
		c.devices[udid] = d
	}
	c.mu.Unlock()

	d.SetState(state)
}

// onDeviceUpdate refreshes the descriptor cache for one device and
// broadcasts the fresh descriptor to every subscriber. Delivery is
// sequential; subscriber callbacks must hand work off (buffered channels)
// rather than block, or they delay later subscribers.
func (c *Center) onDeviceUpdate(d *Device) {
	desc := d.Descriptor()

	c.mu.Lock()
	prev, seen := c.descriptors[desc.UDID]
	c.descriptors[desc.UDID] = desc
	subs := make([]func(Descriptor), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	stateChanged := !seen || prev.State != desc.State
	if stateChanged {
		if c.history != nil {
			var from State
			if seen {
				from = prev.State
			}
			if err := c.history.RecordTransition(context.Background(), desc.UDID, from, desc.State); err != nil {
				c.logger.Debug("state history write failed", "udid", desc.UDID, "error", err)
			}
		}
		if c.metrics != nil {
			c.metrics.DeviceOnline(desc.UDID, desc.State == StateOnline)
		}
	}

	for _, fn := range subs {
		fn(desc.Copy())
	}
}

// scheduleRestart arms the single restart timer slot. Further failure
// signals while a restart is pending are coalesced.
func (c *Center) scheduleRestart(cause error) {
	c.mu.Lock()
	if c.released || c.restartTimer != nil {
		c.mu.Unlock()
		return
	}
	delay := c.waitAfterError
	c.restartTimer = time.AfterFunc(delay, c.restartTracker)
	c.mu.Unlock()

	c.logger.Warn("device tracker is down, scheduling restart",
		"retry_in", delay.String(),
		"error", cause,
	)
}

// restartTracker fires from the restart timer: tear down whatever is left
// of the old subscription, grow the delay for the next failure, and
// re-bootstrap.
func (c *Center) restartTracker() {
	c.mu.Lock()
	c.restartTimer = nil
	if c.released {
		c.mu.Unlock()
		return
	}
	tracker := c.tracker
	c.tracker = nil
	c.initialized = false

	grown := time.Duration(float64(c.waitAfterError) * backoffFactor)
	if grown > c.maxWait {
		grown = c.maxWait
	}
	c.waitAfterError = grown
	c.mu.Unlock()

	if tracker != nil {
		tracker.Stop()
	}
	if c.metrics != nil {
		c.metrics.TrackerRestart()
	}

	if err := c.Init(context.Background()); err != nil {
		c.logger.Error("control center restart failed", "error", err)
		c.scheduleRestart(err)
	}
}

// Subscribe registers a descriptor-event callback and returns a token for
// Unsubscribe. Every session must unsubscribe on teardown or it leaks a
// fan-out slot for the process lifetime.
func (c *Center) Subscribe(fn func(Descriptor)) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubscriber++
	token := c.nextSubscriber
	c.subscribers[token] = fn
	return token
}

// Unsubscribe removes a previously registered callback.
func (c *Center) Unsubscribe(token int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribers, token)
}

// Devices returns the current descriptor snapshot, sorted by udid.
func (c *Center) Devices() []Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := make([]Descriptor, 0, len(c.descriptors))
	for _, desc := range c.descriptors {
		list = append(list, desc.Copy())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UDID < list[j].UDID })
	return list
}

// Device returns the canonical Device for a udid, or nil if never seen.
func (c *Center) Device(udid string) *Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.devices[udid]
}

// RunCommand dispatches a client command to the target device.
//
// An unknown udid is logged and ignored: devices come and go, and a stale
// client command is a transient condition, not an error. An unknown command
// type is a protocol defect and is returned as ErrUnsupportedCommand.
func (c *Center) RunCommand(ctx context.Context, cmd Command) error {
	d := c.Device(cmd.UDID)
	if d == nil {
		// An unknown udid usually means the device detached mid-flight;
		// log and swallow rather than fail the session.
		c.logger.Error("command for unknown device",
			"udid", cmd.UDID, "type", cmd.Type, "error", ErrDeviceNotFound)
		return nil
	}

	switch cmd.Type {
	case CommandKillServer:
		return d.KillServer(ctx, cmd.Pid)
	case CommandStartServer:
		return d.StartServer(ctx)
	case CommandUpdateInterfaces:
		return d.UpdateInterfaces(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedCommand, cmd.Type)
	}
}
