package adb

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rlanyon/farmhub/internal/device"
	"github.com/rlanyon/farmhub/internal/infrastructure/logging"
)

// trackerBuffer is the change-set channel depth. Reconciliation is fast; a
// small buffer rides out bursts when many devices flap at once.
const trackerBuffer = 16

// TrackDevices opens a host:track-devices subscription, implementing
// device.Enumerator. The adb server pushes a full device list on every
// change; the tracker diffs consecutive lists into change-sets.
func (c *Client) TrackDevices(ctx context.Context) (device.Tracker, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := sendRequest(conn, "host:track-devices"); err != nil {
		conn.Close() //nolint:errcheck // handshake failed, nothing to flush
		return nil, err
	}
	// The tracking stream outlives the bootstrap context; clear any
	// deadline inherited from dial.
	_ = conn.SetDeadline(time.Time{}) //nolint:errcheck // best-effort

	t := &tracker{
		conn:   conn,
		ch:     make(chan device.ChangeSet, trackerBuffer),
		done:   make(chan struct{}),
		known:  make(map[string]device.State),
		logger: c.logger,
	}
	go t.run()
	return t, nil
}

// tracker consumes one host:track-devices stream.
type tracker struct {
	conn   net.Conn
	ch     chan device.ChangeSet
	done   chan struct{}
	known  map[string]device.State
	logger *logging.Logger

	mu      sync.Mutex
	stopped bool
	err     error
}

// Changes implements device.Tracker.
func (t *tracker) Changes() <-chan device.ChangeSet { return t.ch }

// Err implements device.Tracker.
func (t *tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Stop implements device.Tracker. Closing the connection unblocks the read
// loop, which closes the Changes channel on its way out.
func (t *tracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	close(t.done)
	t.mu.Unlock()

	t.conn.Close() //nolint:errcheck // teardown
}

// run reads length-prefixed device lists until the stream dies, emitting a
// diff against the previously seen list for each one.
func (t *tracker) run() {
	defer close(t.ch)

	for {
		payload, err := readHexPayload(t.conn)
		if err != nil {
			t.finish(err)
			return
		}

		cs := t.diff(parseDeviceList(string(payload)))
		if len(cs.Added) == 0 && len(cs.Removed) == 0 && len(cs.Changed) == 0 {
			continue
		}

		// diff has already folded this list into t.known, so the batch
		// must reach the consumer; dropping it would lose the transitions
		// for good. Block until the reconcile loop catches up or the
		// tracker is stopped.
		select {
		case t.ch <- cs:
		case <-t.done:
			return
		}
	}
}

// finish records the terminal error. A deliberate Stop is a clean end, not
// a failure.
func (t *tracker) finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	close(t.done)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	t.err = err
	t.conn.Close() //nolint:errcheck // teardown
}

// diff computes the change-set between the previously known device list
// and a freshly received one, updating the known set in place.
func (t *tracker) diff(current []device.Observation) device.ChangeSet {
	var cs device.ChangeSet

	seen := make(map[string]device.State, len(current))
	for _, obs := range current {
		seen[obs.UDID] = obs.State
		prev, ok := t.known[obs.UDID]
		switch {
		case !ok:
			cs.Added = append(cs.Added, obs)
		case prev != obs.State:
			cs.Changed = append(cs.Changed, obs)
		}
	}

	for udid, state := range t.known {
		if _, ok := seen[udid]; !ok {
			cs.Removed = append(cs.Removed, device.Observation{UDID: udid, State: state})
		}
	}

	t.known = seen
	return cs
}
