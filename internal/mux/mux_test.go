package mux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rlanyon/farmhub/internal/infrastructure/config"
	"github.com/rlanyon/farmhub/internal/infrastructure/logging"
)

// pipeConn is an in-memory message connection. Two halves share the
// closed state, like the two ends of one socket.
type pipeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   *sync.Once
}

// newConnPair returns two connected message transports.
func newConnPair() (*pipeConn, *pipeConn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	closed := make(chan struct{})
	once := &sync.Once{}
	a := &pipeConn{in: ba, out: ab, closed: closed, once: once}
	b := &pipeConn{in: ab, out: ba, closed: closed, once: once}
	return a, b
}

func (p *pipeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-p.in:
		return websocket.BinaryMessage, msg, nil
	case <-p.closed:
		return 0, nil, errors.New("pipe closed")
	}
}

func (p *pipeConn) WriteMessage(_ int, payload []byte) error {
	msg := make([]byte, len(payload))
	copy(msg, payload)
	select {
	case p.out <- msg:
		return nil
	case <-p.closed:
		return errors.New("pipe closed")
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func quietLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stderr"}, "test")
}

func newMuxPair(t *testing.T) (*Multiplexer, *Multiplexer) {
	t.Helper()
	a, b := newConnPair()
	ma := New(a, quietLogger())
	mb := New(b, quietLogger())
	t.Cleanup(func() {
		ma.Close()
		mb.Close()
	})
	return ma, mb
}

func acceptChannel(t *testing.T, m *Multiplexer) *Channel {
	t.Helper()
	select {
	case ch, ok := <-m.Accept():
		if !ok {
			t.Fatal("accept channel closed")
		}
		return ch
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel accept")
		return nil
	}
}

func TestOpenChannelReachesPeer(t *testing.T) {
	ma, mb := newMuxPair(t)

	local, err := ma.OpenChannel("DTRC")
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	remote := acceptChannel(t, mb)

	if remote.Code() != "DTRC" {
		t.Errorf("remote code = %q, want DTRC", remote.Code())
	}
	if remote.ID() != local.ID() {
		t.Errorf("remote id = %d, local id = %d", remote.ID(), local.ID())
	}
}

func TestOpenChannelRejectsBadCode(t *testing.T) {
	ma, _ := newMuxPair(t)

	for _, code := range []string{"", "DT", "TOOLONG", "ab\x00d"} {
		if _, err := ma.OpenChannel(code); !errors.Is(err, ErrBadCode) {
			t.Errorf("OpenChannel(%q) err = %v, want ErrBadCode", code, err)
		}
	}
}

func TestDataDeliveredInOrder(t *testing.T) {
	ma, mb := newMuxPair(t)

	local, err := ma.OpenChannel("DTRC")
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	remote := acceptChannel(t, mb)

	const n = 50
	go func() {
		for i := 0; i < n; i++ {
			local.WriteMessage(websocket.BinaryMessage, []byte(fmt.Sprintf("msg-%03d", i))) //nolint:errcheck
		}
	}()

	for i := 0; i < n; i++ {
		_, payload, err := remote.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage %d: %v", i, err)
		}
		if want := fmt.Sprintf("msg-%03d", i); string(payload) != want {
			t.Fatalf("message %d = %q, want %q", i, payload, want)
		}
	}
}

func TestChannelsAreIndependent(t *testing.T) {
	ma, mb := newMuxPair(t)

	first, err := ma.OpenChannel("DTRC")
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	second, err := ma.OpenChannel("SHEL")
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	remoteFirst := acceptChannel(t, mb)
	remoteSecond := acceptChannel(t, mb)

	first.WriteMessage(websocket.BinaryMessage, []byte("tracker"))  //nolint:errcheck
	second.WriteMessage(websocket.BinaryMessage, []byte("shell"))   //nolint:errcheck
	first.WriteMessage(websocket.BinaryMessage, []byte("tracker2")) //nolint:errcheck

	_, p1, err := remoteFirst.ReadMessage()
	if err != nil || string(p1) != "tracker" {
		t.Fatalf("first channel read = %q, %v", p1, err)
	}
	_, p2, err := remoteSecond.ReadMessage()
	if err != nil || string(p2) != "shell" {
		t.Fatalf("second channel read = %q, %v", p2, err)
	}
	_, p3, err := remoteFirst.ReadMessage()
	if err != nil || string(p3) != "tracker2" {
		t.Fatalf("first channel second read = %q, %v", p3, err)
	}
}

func TestPeerCloseDrainsQueuedMessages(t *testing.T) {
	ma, mb := newMuxPair(t)

	local, err := ma.OpenChannel("DTRC")
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	remote := acceptChannel(t, mb)

	local.WriteMessage(websocket.BinaryMessage, []byte("one")) //nolint:errcheck
	local.WriteMessage(websocket.BinaryMessage, []byte("two")) //nolint:errcheck
	local.Close()

	for _, want := range []string{"one", "two"} {
		_, payload, err := readEventually(remote)
		if err != nil {
			t.Fatalf("read %q: %v", want, err)
		}
		if string(payload) != want {
			t.Fatalf("payload = %q, want %q", payload, want)
		}
	}

	if _, _, err := readEventually(remote); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("err after drain = %v, want ErrChannelClosed", err)
	}
}

// readEventually retries until the message or terminal error arrives;
// close frames race with data frames on the shared transport.
func readEventually(ch *Channel) (int, []byte, error) {
	deadline := time.Now().Add(2 * time.Second)
	for {
		mt, payload, err := ch.ReadMessage()
		if err == nil || time.Now().After(deadline) {
			return mt, payload, err
		}
		if errors.Is(err, ErrChannelClosed) || errors.Is(err, ErrMuxClosed) {
			return mt, payload, err
		}
	}
}

func TestLocalCloseStopsWrites(t *testing.T) {
	ma, mb := newMuxPair(t)

	local, err := ma.OpenChannel("DTRC")
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	acceptChannel(t, mb)

	local.Close()
	local.Close() // idempotent

	if err := local.WriteMessage(websocket.BinaryMessage, []byte("late")); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("write after close = %v, want ErrChannelClosed", err)
	}
}

func TestConnectionDeathCascades(t *testing.T) {
	a, b := newConnPair()
	ma := New(a, quietLogger())
	mb := New(b, quietLogger())

	local, err := ma.OpenChannel("DTRC")
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	remote := acceptChannel(t, mb)

	a.Close()

	if _, _, err := readEventually(local); !errors.Is(err, ErrMuxClosed) {
		t.Fatalf("local read after death = %v, want ErrMuxClosed", err)
	}
	if _, _, err := readEventually(remote); !errors.Is(err, ErrMuxClosed) {
		t.Fatalf("remote read after death = %v, want ErrMuxClosed", err)
	}

	waitAcceptClosed(t, mb)
	if _, err := ma.OpenChannel("SHEL"); !errors.Is(err, ErrMuxClosed) {
		t.Fatalf("open after death = %v, want ErrMuxClosed", err)
	}
}

func waitAcceptClosed(t *testing.T, m *Multiplexer) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-m.Accept():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for accept close")
		}
	}
}

func TestMalformedOpenIsRefused(t *testing.T) {
	a, raw := newConnPair()
	m := New(a, quietLogger())
	defer m.Close()

	// Open with a truncated capability code.
	frame := []byte{frameOpen, 0, 0, 0, 7, 'D', 'T'}
	if err := raw.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, reply, err := raw.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply[0] != frameClose || binary.BigEndian.Uint32(reply[1:]) != 7 {
		t.Fatalf("reply = %v, want close frame for channel 7", reply)
	}
}

func TestShortFrameIsDropped(t *testing.T) {
	a, raw := newConnPair()
	m := New(a, quietLogger())
	defer m.Close()

	if err := raw.WriteMessage(websocket.BinaryMessage, []byte{frameData, 0}); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The mux must survive the bad frame and keep serving opens.
	open := encodeFrame(frame{kind: frameOpen, channel: 1, payload: []byte("DTRC")})
	if err := raw.WriteMessage(websocket.BinaryMessage, open); err != nil {
		t.Fatalf("write open: %v", err)
	}
	ch := acceptChannel(t, m)
	if ch.Code() != "DTRC" {
		t.Errorf("code = %q, want DTRC", ch.Code())
	}
}

func TestFrameRoundTrip(t *testing.T) {
	in := frame{kind: frameData, channel: 0xdeadbeef, payload: []byte("payload")}
	out, err := decodeFrame(encodeFrame(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.kind != in.kind || out.channel != in.channel || string(out.payload) != "payload" {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}

	if _, err := decodeFrame([]byte{9, 0, 0, 0, 1}); !errors.Is(err, ErrBadFrame) {
		t.Errorf("unknown type err = %v, want ErrBadFrame", err)
	}
}
