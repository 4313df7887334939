package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rlanyon/farmhub/internal/infrastructure/config"
	"github.com/rlanyon/farmhub/internal/infrastructure/logging"
)

// fakeTracker is a test implementation of Tracker driven by the test body.
type fakeTracker struct {
	ch       chan ChangeSet
	err      error
	stopOnce sync.Once
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{ch: make(chan ChangeSet, 16)}
}

func (t *fakeTracker) Changes() <-chan ChangeSet { return t.ch }
func (t *fakeTracker) Err() error                { return t.err }

func (t *fakeTracker) Stop() {
	t.stopOnce.Do(func() { close(t.ch) })
}

// fail closes the change stream with a terminal error, simulating an
// enumeration-source failure.
func (t *fakeTracker) fail(err error) {
	t.err = err
	t.Stop()
}

// fakeEnumerator is a test implementation of Enumerator.
type fakeEnumerator struct {
	mu       sync.Mutex
	list     []Observation
	listErr  error
	trackErr error
	trackers []*fakeTracker
}

func (e *fakeEnumerator) ListDevices(_ context.Context) ([]Observation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listErr != nil {
		return nil, e.listErr
	}
	return append([]Observation(nil), e.list...), nil
}

func (e *fakeEnumerator) TrackDevices(_ context.Context) (Tracker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.trackErr != nil {
		return nil, e.trackErr
	}
	t := newFakeTracker()
	e.trackers = append(e.trackers, t)
	return t, nil
}

func (e *fakeEnumerator) trackCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.trackers)
}

func (e *fakeEnumerator) lastTracker() *fakeTracker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.trackers) == 0 {
		return nil
	}
	return e.trackers[len(e.trackers)-1]
}

// fakeCommander records device operations.
type fakeCommander struct {
	mu        sync.Mutex
	killed    []int
	started   int
	refreshed int
	startErr  error
}

func (c *fakeCommander) Properties(_ context.Context, _ string) (map[string]string, error) {
	return map[string]string{propModel: "Pixel 4"}, nil
}

func (c *fakeCommander) Interfaces(_ context.Context, _ string) ([]NetInterface, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshed++
	return []NetInterface{{Name: "wlan0", IPv4: "192.168.1.20"}}, nil
}

func (c *fakeCommander) KillProcess(_ context.Context, _ string, pid int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killed = append(c.killed, pid)
	return nil
}

func (c *fakeCommander) StartAgent(_ context.Context, _ string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return 0, c.startErr
	}
	c.started++
	return 4242, nil
}

func quietLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stderr"}, "test")
}

func newTestCenter(t *testing.T, enum Enumerator, commander Commander) *Center {
	t.Helper()
	c, err := NewCenter(CenterOptions{
		Enumerator: enum,
		Commander:  commander,
		Logger:     quietLogger(),
		Tracker:    config.TrackerConfig{WaitAfterError: 10, MaxWaitAfterError: 10000},
	})
	if err != nil {
		t.Fatalf("NewCenter() error = %v", err)
	}
	t.Cleanup(c.Release)
	return c
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewCenter_RequiresDependencies(t *testing.T) {
	if _, err := NewCenter(CenterOptions{Logger: quietLogger()}); err == nil {
		t.Error("NewCenter() without enumerator expected error, got nil")
	}
	if _, err := NewCenter(CenterOptions{Enumerator: &fakeEnumerator{}}); err == nil {
		t.Error("NewCenter() without logger expected error, got nil")
	}
}

func TestCenter_InitReconcilesSnapshot(t *testing.T) {
	enum := &fakeEnumerator{list: []Observation{
		{UDID: "serial-b", State: StateOffline},
		{UDID: "serial-a", State: StateOnline},
	}}
	c := newTestCenter(t, enum, nil)

	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	devices := c.Devices()
	if len(devices) != 2 {
		t.Fatalf("Devices() returned %d descriptors, want 2", len(devices))
	}
	// Snapshot is sorted by udid.
	if devices[0].UDID != "serial-a" || devices[1].UDID != "serial-b" {
		t.Errorf("Devices() order = [%s %s], want [serial-a serial-b]", devices[0].UDID, devices[1].UDID)
	}
	if devices[0].State != StateOnline {
		t.Errorf("serial-a state = %q, want %q", devices[0].State, StateOnline)
	}

	// Second Init is a no-op while tracking.
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("second Init() error = %v", err)
	}
	if got := enum.trackCount(); got != 1 {
		t.Errorf("TrackDevices called %d times, want 1", got)
	}
}

func TestCenter_IdentityStableAcrossRemoval(t *testing.T) {
	enum := &fakeEnumerator{list: []Observation{{UDID: "serial-a", State: StateOnline}}}
	c := newTestCenter(t, enum, nil)
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	enum.lastTracker().ch <- ChangeSet{Removed: []Observation{{UDID: "serial-a"}}}

	waitFor(t, time.Second, "disconnected state", func() bool {
		list := c.Devices()
		return len(list) == 1 && list[0].State == StateDisconnected
	})

	// Reconnect is a state transition on the same identity.
	enum.lastTracker().ch <- ChangeSet{Added: []Observation{{UDID: "serial-a", State: StateOnline}}}

	waitFor(t, time.Second, "reconnect", func() bool {
		list := c.Devices()
		return len(list) == 1 && list[0].State == StateOnline
	})
}

func TestCenter_BatchOrderAddedRemovedChanged(t *testing.T) {
	enum := &fakeEnumerator{}
	c := newTestCenter(t, enum, nil)
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	// A device present in both Added and Removed within one batch must land
	// on the Removed outcome: Added is processed first, deterministically.
	c.applyChangeSet(ChangeSet{
		Added:   []Observation{{UDID: "flapper", State: StateOnline}},
		Removed: []Observation{{UDID: "flapper"}},
	})
	if got := c.Device("flapper").State(); got != StateDisconnected {
		t.Errorf("flapper state = %q, want %q", got, StateDisconnected)
	}

	// Changed is processed last and wins over Removed in the same batch.
	c.applyChangeSet(ChangeSet{
		Removed: []Observation{{UDID: "flapper"}},
		Changed: []Observation{{UDID: "flapper", State: StateOnline}},
	})
	if got := c.Device("flapper").State(); got != StateOnline {
		t.Errorf("flapper state = %q, want %q", got, StateOnline)
	}
}

func TestCenter_BackoffGrowthAndReset(t *testing.T) {
	enum := &fakeEnumerator{trackErr: errors.New("adb unreachable")}
	c := newTestCenter(t, enum, nil)

	delays := make([]time.Duration, 0, 3)
	for i := 0; i < 3; i++ {
		c.mu.Lock()
		delays = append(delays, c.waitAfterError)
		c.mu.Unlock()
		c.restartTracker() // Init fails, delay grows.
		c.mu.Lock()
		c.restartTimer.Stop() // keep the test in control of timing
		c.restartTimer = nil
		c.mu.Unlock()
	}

	if delays[0] != 10*time.Millisecond {
		t.Errorf("first delay = %v, want 10ms", delays[0])
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] <= delays[i-1] {
			t.Errorf("delay %d = %v, want strictly greater than %v", i, delays[i], delays[i-1])
		}
	}
	if delays[2] != time.Duration(float64(10*time.Millisecond)*backoffFactor*backoffFactor) {
		t.Errorf("third delay = %v, want factor-1.2 growth from 10ms", delays[2])
	}

	// Any delivered change-set resets the backoff to the base value.
	c.applyChangeSet(ChangeSet{})
	c.mu.Lock()
	reset := c.waitAfterError
	c.mu.Unlock()
	if reset != 10*time.Millisecond {
		t.Errorf("waitAfterError after change-set = %v, want reset to 10ms", reset)
	}
}

func TestCenter_BackoffCapped(t *testing.T) {
	enum := &fakeEnumerator{trackErr: errors.New("adb unreachable")}
	c, err := NewCenter(CenterOptions{
		Enumerator: enum,
		Logger:     quietLogger(),
		Tracker:    config.TrackerConfig{WaitAfterError: 10, MaxWaitAfterError: 12},
	})
	if err != nil {
		t.Fatalf("NewCenter() error = %v", err)
	}
	t.Cleanup(c.Release)

	for i := 0; i < 5; i++ {
		c.restartTracker()
		c.mu.Lock()
		if c.restartTimer != nil {
			c.restartTimer.Stop()
			c.restartTimer = nil
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	got := c.waitAfterError
	c.mu.Unlock()
	if got != 12*time.Millisecond {
		t.Errorf("waitAfterError = %v, want capped at 12ms", got)
	}
}

func TestCenter_RestartCoalesced(t *testing.T) {
	enum := &fakeEnumerator{trackErr: errors.New("adb unreachable")}
	c := newTestCenter(t, enum, nil)

	// Stop the timer from actually firing during the test.
	c.mu.Lock()
	c.waitAfterError = time.Hour
	c.mu.Unlock()

	c.scheduleRestart(errors.New("first failure"))
	c.mu.Lock()
	first := c.restartTimer
	c.mu.Unlock()
	if first == nil {
		t.Fatal("expected a pending restart timer")
	}

	c.scheduleRestart(errors.New("second failure"))
	c.mu.Lock()
	second := c.restartTimer
	c.mu.Unlock()
	if second != first {
		t.Error("second failure signal replaced the pending restart, want coalesced")
	}
}

func TestCenter_TrackerFailureTriggersRestart(t *testing.T) {
	enum := &fakeEnumerator{list: []Observation{{UDID: "serial-a", State: StateOnline}}}
	c := newTestCenter(t, enum, nil)
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	enum.lastTracker().fail(errors.New("stream broke"))

	waitFor(t, 2*time.Second, "tracker restart", func() bool {
		return enum.trackCount() == 2
	})

	// The registry survives the restart with identities intact.
	if got := len(c.Devices()); got != 1 {
		t.Errorf("Devices() after restart = %d, want 1", got)
	}
}

func TestCenter_RunCommand(t *testing.T) {
	commander := &fakeCommander{}
	enum := &fakeEnumerator{list: []Observation{{UDID: "serial-a", State: StateOffline}}}
	c := newTestCenter(t, enum, commander)
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	// Unknown udid: logged, no-op, nil error.
	if err := c.RunCommand(context.Background(), Command{Type: CommandStartServer, UDID: "ghost"}); err != nil {
		t.Errorf("RunCommand(unknown udid) error = %v, want nil", err)
	}
	commander.mu.Lock()
	started := commander.started
	commander.mu.Unlock()
	if started != 0 {
		t.Errorf("unknown udid started %d agents, want 0", started)
	}

	// Unsupported command type on a known device: distinct defect error.
	err := c.RunCommand(context.Background(), Command{Type: "reboot", UDID: "serial-a"})
	if !errors.Is(err, ErrUnsupportedCommand) {
		t.Errorf("RunCommand(unsupported) error = %v, want ErrUnsupportedCommand", err)
	}

	// Supported commands dispatch to the commander.
	if err := c.RunCommand(context.Background(), Command{Type: CommandStartServer, UDID: "serial-a"}); err != nil {
		t.Fatalf("RunCommand(start_server) error = %v", err)
	}
	if err := c.RunCommand(context.Background(), Command{Type: CommandKillServer, UDID: "serial-a", Pid: 4242}); err != nil {
		t.Fatalf("RunCommand(kill_server) error = %v", err)
	}

	commander.mu.Lock()
	defer commander.mu.Unlock()
	if commander.started != 1 {
		t.Errorf("started = %d, want 1", commander.started)
	}
	if len(commander.killed) != 1 || commander.killed[0] != 4242 {
		t.Errorf("killed = %v, want [4242]", commander.killed)
	}
}

func TestCenter_SubscribeFanout(t *testing.T) {
	enum := &fakeEnumerator{}
	c := newTestCenter(t, enum, nil)
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	var mu sync.Mutex
	var got1, got2 []Descriptor
	tok1 := c.Subscribe(func(d Descriptor) {
		mu.Lock()
		got1 = append(got1, d)
		mu.Unlock()
	})
	tok2 := c.Subscribe(func(d Descriptor) {
		mu.Lock()
		got2 = append(got2, d)
		mu.Unlock()
	})

	c.applyChangeSet(ChangeSet{Added: []Observation{{UDID: "serial-a", State: StateOnline}}})

	mu.Lock()
	if len(got1) != 1 || len(got2) != 1 {
		mu.Unlock()
		t.Fatalf("fan-out delivered %d/%d events, want 1/1", len(got1), len(got2))
	}
	if got1[0].UDID != "serial-a" || got1[0].State != StateOnline {
		t.Errorf("subscriber 1 got %+v", got1[0])
	}
	mu.Unlock()

	// After unsubscribing, only the remaining subscriber receives events.
	c.Unsubscribe(tok1)
	c.applyChangeSet(ChangeSet{Changed: []Observation{{UDID: "serial-a", State: StateOffline}}})

	mu.Lock()
	defer mu.Unlock()
	if len(got1) != 1 {
		t.Errorf("unsubscribed callback received %d events, want 1", len(got1))
	}
	if len(got2) != 2 {
		t.Errorf("remaining subscriber received %d events, want 2", len(got2))
	}
	_ = tok2
}

func TestCenter_ReleaseStopsTracking(t *testing.T) {
	enum := &fakeEnumerator{}
	c := newTestCenter(t, enum, nil)
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	c.Release()

	// The tracker stream was closed by Release; no restart may follow.
	time.Sleep(50 * time.Millisecond)
	if got := enum.trackCount(); got != 1 {
		t.Errorf("TrackDevices called %d times after Release, want 1", got)
	}

	if err := c.Init(context.Background()); !errors.Is(err, ErrReleased) {
		t.Errorf("Init() after Release error = %v, want ErrReleased", err)
	}
}
