package announce

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rlanyon/farmhub/internal/device"
	"github.com/rlanyon/farmhub/internal/infrastructure/logging"
	"github.com/rlanyon/farmhub/internal/infrastructure/mqtt"
)

// announceBuffer is the per-announcer event queue depth. When the broker
// falls this far behind, further announcements are dropped; the retained
// full-snapshot publish on the next event heals any gap.
const announceBuffer = 64

// commandQoS is the subscription QoS for inbound device commands.
// At-least-once: a duplicated command is preferable to a lost one, and
// the command handlers tolerate replays.
const commandQoS = 1

// commandRunTimeout bounds one inbound command's execution.
const commandRunTimeout = 30 * time.Second

// Broker is the MQTT surface the announcer needs: retained publishes
// outbound, a command subscription inbound. *mqtt.Client satisfies it.
type Broker interface {
	PublishRetained(topic string, payload []byte) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Registry is the device-registry surface the announcer consumes.
// *device.Center satisfies it.
type Registry interface {
	ID() string
	Subscribe(fn func(device.Descriptor)) int
	Unsubscribe(token int)
	Devices() []device.Descriptor
	RunCommand(ctx context.Context, cmd device.Command) error
}

// Announcer bridges the registry and the broker: it mirrors device
// state onto retained MQTT topics and feeds inbound device commands
// back into the registry. It implements service.Service.
type Announcer struct {
	registry Registry
	broker   Broker
	topics   mqtt.Topics
	logger   *logging.Logger

	send chan device.Descriptor
	done chan struct{}
	wg   sync.WaitGroup

	token       int
	releaseOnce sync.Once
}

// New creates an Announcer for the given registry and broker client.
func New(registry Registry, broker Broker, logger *logging.Logger) (*Announcer, error) {
	if registry == nil {
		return nil, fmt.Errorf("announce: registry is required")
	}
	if broker == nil {
		return nil, fmt.Errorf("announce: broker is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("announce: logger is required")
	}

	return &Announcer{
		registry: registry,
		broker:   broker,
		logger:   logger.With("component", "announce"),
		send:     make(chan device.Descriptor, announceBuffer),
		done:     make(chan struct{}),
	}, nil
}

// Name identifies the announcer in service-runner logs.
func (a *Announcer) Name() string { return "mqtt-announce" }

// Start subscribes to the registry and the broker, then begins
// publishing. The registry subscription is registered before the initial
// snapshot is taken, so a transition in the gap is announced twice
// rather than lost (retained topics make the duplicate harmless).
func (a *Announcer) Start(ctx context.Context) error {
	if err := a.broker.Subscribe(a.topics.AllDeviceCommands(), commandQoS, a.onCommand); err != nil {
		return fmt.Errorf("announce: subscribing to device commands: %w", err)
	}

	a.token = a.registry.Subscribe(a.onDeviceUpdate)

	snapshot := a.registry.Devices()

	a.wg.Add(1)
	go a.publishPump(snapshot)

	a.logger.Info("announcer started", "devices", len(snapshot))
	return nil
}

// Release unsubscribes from the registry and the broker and stops the
// publish pump. Retained messages are left on the broker; the client's
// LWT marks the hub itself offline.
func (a *Announcer) Release() {
	a.releaseOnce.Do(func() {
		if err := a.broker.Unsubscribe(a.topics.AllDeviceCommands()); err != nil {
			a.logger.Warn("unsubscribe device commands", "error", err)
		}
		a.registry.Unsubscribe(a.token)
		close(a.done)
		a.wg.Wait()
	})
}

// onCommand parses one inbound broker command and hands it to the
// registry. Commands are fire-and-forget: failures are logged, nothing
// is published back.
func (a *Announcer) onCommand(topic string, payload []byte) error {
	cmd, err := device.ParseCommand(payload)
	if err != nil {
		a.logger.Warn("rejecting malformed broker command", "topic", topic, "error", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandRunTimeout)
	defer cancel()
	if err := a.registry.RunCommand(ctx, cmd); err != nil {
		a.logger.Warn("broker command failed", "type", cmd.Type, "udid", cmd.UDID, "error", err)
	}
	return nil
}

// onDeviceUpdate queues a descriptor for publishing. Never blocks: the
// registry fans out updates synchronously and must not wait on the broker.
func (a *Announcer) onDeviceUpdate(desc device.Descriptor) {
	select {
	case a.send <- desc:
	default:
		a.logger.Warn("announce queue full, dropping update", "udid", desc.UDID)
	}
}

// publishPump announces the initial snapshot, then drains the event queue.
func (a *Announcer) publishPump(snapshot []device.Descriptor) {
	defer a.wg.Done()

	for _, desc := range snapshot {
		a.publishDevice(desc)
	}
	a.publishList(snapshot)

	for {
		select {
		case <-a.done:
			return
		case desc := <-a.send:
			a.publishDevice(desc)
			a.publishList(a.registry.Devices())
		}
	}
}

// publishDevice publishes one retained per-device descriptor.
func (a *Announcer) publishDevice(desc device.Descriptor) {
	payload, err := json.Marshal(desc)
	if err != nil {
		a.logger.Error("marshal descriptor", "udid", desc.UDID, "error", err)
		return
	}

	topic := a.topics.DeviceState(desc.UDID)
	if err := a.broker.PublishRetained(topic, payload); err != nil {
		a.logger.Warn("publish device state", "topic", topic, "error", err)
	}
}

// publishList publishes the retained full snapshot for this hub.
func (a *Announcer) publishList(list []device.Descriptor) {
	payload, err := json.Marshal(list)
	if err != nil {
		a.logger.Error("marshal device list", "error", err)
		return
	}

	topic := a.topics.CenterDevices(a.registry.ID())
	if err := a.broker.PublishRetained(topic, payload); err != nil {
		a.logger.Warn("publish device list", "topic", topic, "error", err)
	}
}
