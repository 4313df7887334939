package ws

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rlanyon/farmhub/internal/device"
	"github.com/rlanyon/farmhub/internal/infrastructure/logging"
)

// Tracker session identifiers: the query action a plain connection asks
// for, and the capability code a multiplexed channel opens with.
const (
	ActionDeviceList  = "device-list"
	CodeDeviceTracker = "DTRC"
	trackerEnvelopeID = -1
	trackerSendBuffer = 256
	commandRunTimeout = 30 * time.Second
)

// Envelope message types sent to tracker clients.
const (
	MessageTypeDeviceList = "devicelist"
	MessageTypeDevice     = "device"
)

// envelope is the outer frame of every tracker message.
type envelope struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
	Data any    `json:"data"`
}

// deviceListEvent carries the initial full snapshot.
type deviceListEvent struct {
	ID   string              `json:"id"`
	Name string              `json:"name"`
	List []device.Descriptor `json:"list"`
}

// deviceEvent carries one incremental descriptor update.
type deviceEvent struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Device device.Descriptor `json:"device"`
}

// TrackerFactory builds device-tracker sessions. Register its Request
// and Channel methods on the Router to serve both transports.
type TrackerFactory struct {
	center *device.Center
	logger *logging.Logger
}

// NewTrackerFactory creates a factory bound to a device center.
func NewTrackerFactory(center *device.Center, logger *logging.Logger) *TrackerFactory {
	return &TrackerFactory{
		center: center,
		logger: logger.With("component", "tracker"),
	}
}

// Request claims plain connections asking for the device-list action.
func (f *TrackerFactory) Request(conn MessageConn, params url.Values) Handler {
	if params.Get("action") != ActionDeviceList {
		return nil
	}
	return f.start(conn)
}

// Channel claims multiplexed channels opened with the tracker code.
func (f *TrackerFactory) Channel(conn MessageConn, code string) Handler {
	if code != CodeDeviceTracker {
		return nil
	}
	return f.start(conn)
}

// start wires a session: make sure the center is enumerating, subscribe
// to it, then stream the snapshot followed by incremental updates.
// Subscribing before the snapshot is read means a transition in the gap
// is delivered twice rather than lost; descriptor updates are
// idempotent.
func (f *TrackerFactory) start(conn MessageConn) Handler {
	t := &trackerSession{
		conn:   conn,
		center: f.center,
		logger: f.logger,
		send:   make(chan []byte, trackerSendBuffer),
		done:   make(chan struct{}),
	}

	// Init is idempotent; a session attaching before the center has
	// enumerated still gets a real snapshot instead of an empty list.
	initCtx, cancel := context.WithTimeout(context.Background(), commandRunTimeout)
	if err := f.center.Init(initCtx); err != nil {
		f.logger.Warn("device center init failed, serving current state", "error", err)
	}
	cancel()

	t.token = f.center.Subscribe(t.onDeviceUpdate)
	snapshot := t.marshal(MessageTypeDeviceList, deviceListEvent{
		ID:   f.center.ID(),
		Name: f.center.Name(),
		List: f.center.Devices(),
	})

	go t.writePump(snapshot)
	go t.readPump()
	return t
}

// trackerSession streams device state to one client and executes the
// commands it sends back.
type trackerSession struct {
	conn   MessageConn
	center *device.Center
	logger *logging.Logger
	send   chan []byte
	token  int
	done   chan struct{}
	once   sync.Once
}

// Release implements Handler. It detaches from the center and closes
// the connection; both pumps unwind from there.
func (t *trackerSession) Release() {
	t.once.Do(func() {
		t.center.Unsubscribe(t.token)
		close(t.done)
		t.conn.Close() //nolint:errcheck // teardown
	})
}

// onDeviceUpdate queues one descriptor update for the client. A slow
// client loses intermediate updates, never the session: descriptors are
// full state, so the next update re-converges.
func (t *trackerSession) onDeviceUpdate(d device.Descriptor) {
	msg := t.marshal(MessageTypeDevice, deviceEvent{
		ID:     t.center.ID(),
		Name:   t.center.Name(),
		Device: d,
	})
	if msg == nil {
		return
	}
	select {
	case t.send <- msg:
	case <-t.done:
	default:
		t.logger.Warn("tracker client send buffer full, dropping update", "udid", d.UDID)
	}
}

// writePump sends the snapshot, then queued updates, until the session
// ends.
func (t *trackerSession) writePump(snapshot []byte) {
	defer t.Release()

	if snapshot != nil {
		if err := t.conn.WriteMessage(websocket.TextMessage, snapshot); err != nil {
			return
		}
	}

	for {
		select {
		case msg := <-t.send:
			if err := t.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-t.done:
			return
		}
	}
}

// readPump parses client commands and hands them to the center.
func (t *trackerSession) readPump() {
	defer t.Release()

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}

		// Commands are fire-and-forget: failures are logged, never
		// answered on the wire.
		cmd, err := device.ParseCommand(data)
		if err != nil {
			t.logger.Warn("rejecting malformed command", "error", err)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), commandRunTimeout)
		if err := t.center.RunCommand(ctx, cmd); err != nil {
			t.logger.Warn("command failed", "type", cmd.Type, "udid", cmd.UDID, "error", err)
		}
		cancel()
	}
}

// marshal renders one enveloped message, logging instead of failing.
func (t *trackerSession) marshal(msgType string, data any) []byte {
	payload, err := json.Marshal(envelope{
		ID:   trackerEnvelopeID,
		Type: msgType,
		Data: data,
	})
	if err != nil {
		t.logger.Error("failed to marshal tracker message", "type", msgType, "error", err)
		return nil
	}
	return payload
}
