package mux

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/rlanyon/farmhub/internal/infrastructure/logging"
)

// acceptBuffer bounds how many peer-opened channels may sit unclaimed
// before further opens are refused.
const acceptBuffer = 8

// channelBuffer is the per-channel incoming message queue depth. A full
// queue blocks the shared read loop, applying backpressure to the peer.
const channelBuffer = 32

// localIDBase is the first id used for locally opened channels. The peer
// allocates from zero upward, so the halves never meet.
const localIDBase = 1 << 31

// Conn is the duplex message transport a Multiplexer runs over. A
// gorilla *websocket.Conn satisfies it directly.
type Conn interface {
	ReadMessage() (messageType int, payload []byte, err error)
	WriteMessage(messageType int, payload []byte) error
	Close() error
}

// Multiplexer frames logical channels onto one Conn. It owns the
// connection: closing the Multiplexer closes the Conn, and a Conn error
// tears down every open channel.
type Multiplexer struct {
	conn   Conn
	logger *logging.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	channels map[uint32]*Channel
	nextID   uint32
	closed   bool
	err      error

	accept chan *Channel
	done   chan struct{}
}

// New wraps conn in a Multiplexer and starts its read loop.
func New(conn Conn, logger *logging.Logger) *Multiplexer {
	m := &Multiplexer{
		conn:     conn,
		logger:   logger.With("component", "mux"),
		channels: make(map[uint32]*Channel),
		nextID:   localIDBase,
		accept:   make(chan *Channel, acceptBuffer),
		done:     make(chan struct{}),
	}
	go m.readLoop()
	return m
}

// Accept returns the channel on which peer-opened channels are
// delivered. It is closed when the Multiplexer shuts down.
func (m *Multiplexer) Accept() <-chan *Channel {
	return m.accept
}

// OpenChannel opens a new channel toward the peer, announcing the given
// four-character capability code.
func (m *Multiplexer) OpenChannel(code string) (*Channel, error) {
	if !validCode(code) {
		return nil, fmt.Errorf("%w: %q", ErrBadCode, code)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrMuxClosed
	}
	id := m.nextID
	m.nextID++
	ch := newChannel(m, id, code)
	m.channels[id] = ch
	m.mu.Unlock()

	if err := m.writeFrame(frame{kind: frameOpen, channel: id, payload: []byte(code)}); err != nil {
		m.removeChannel(id)
		ch.shutdown(err)
		return nil, err
	}
	return ch, nil
}

// Close shuts down the Multiplexer and every open channel.
func (m *Multiplexer) Close() error {
	m.teardown(ErrMuxClosed)
	return nil
}

// Err returns the error that terminated the Multiplexer, or nil while it
// is still running or after a deliberate Close.
func (m *Multiplexer) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// readLoop demultiplexes incoming frames until the connection dies.
func (m *Multiplexer) readLoop() {
	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			m.teardown(fmt.Errorf("%w: %w", ErrMuxClosed, err))
			return
		}

		f, err := decodeFrame(data)
		if err != nil {
			m.logger.Warn("dropping frame", "error", err)
			continue
		}

		switch f.kind {
		case frameOpen:
			m.handleOpen(f)
		case frameData:
			m.handleData(f)
		case frameClose:
			m.handleClose(f)
		}
	}
}

// handleOpen registers a peer-opened channel and offers it for accept.
// Opens that cannot be honoured are answered with a close frame so the
// peer never waits on a channel nobody will serve.
func (m *Multiplexer) handleOpen(f frame) {
	if len(f.payload) < codeLength || !validCode(string(f.payload[:codeLength])) {
		m.logger.Warn("rejecting open with bad capability code", "channel", f.channel)
		m.refuse(f.channel)
		return
	}
	code := string(f.payload[:codeLength])

	m.mu.Lock()
	if _, exists := m.channels[f.channel]; exists {
		m.mu.Unlock()
		m.logger.Warn("rejecting open for channel id already in use", "channel", f.channel)
		m.refuse(f.channel)
		return
	}
	ch := newChannel(m, f.channel, code)
	m.channels[f.channel] = ch
	m.mu.Unlock()

	select {
	case m.accept <- ch:
	default:
		m.logger.Warn("accept queue full, refusing channel", "channel", f.channel, "code", code)
		m.removeChannel(f.channel)
		ch.shutdown(ErrChannelClosed)
		m.refuse(f.channel)
	}
}

// handleData forwards a data frame to its channel, preserving order.
// Data for an unknown channel is dropped; it races with close.
func (m *Multiplexer) handleData(f frame) {
	m.mu.Lock()
	ch := m.channels[f.channel]
	m.mu.Unlock()
	if ch == nil {
		m.logger.Debug("dropping data for unknown channel", "channel", f.channel)
		return
	}

	payload := make([]byte, len(f.payload))
	copy(payload, f.payload)
	ch.deliver(payload)
}

// handleClose tears down one channel at the peer's request. Messages
// already queued stay readable until drained.
func (m *Multiplexer) handleClose(f frame) {
	ch := m.removeChannel(f.channel)
	if ch != nil {
		ch.shutdown(ErrChannelClosed)
	}
}

// refuse answers an unwanted open with a close frame.
func (m *Multiplexer) refuse(id uint32) {
	if err := m.writeFrame(frame{kind: frameClose, channel: id}); err != nil {
		m.logger.Debug("failed to refuse channel", "channel", id, "error", err)
	}
}

// writeFrame serialises writes to the shared connection.
func (m *Multiplexer) writeFrame(f frame) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.conn.WriteMessage(websocket.BinaryMessage, encodeFrame(f))
}

// removeChannel detaches a channel from the routing table.
func (m *Multiplexer) removeChannel(id uint32) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := m.channels[id]
	delete(m.channels, id)
	return ch
}

// closeChannel handles a locally initiated channel close: notify the
// peer, then detach.
func (m *Multiplexer) closeChannel(id uint32) {
	if m.removeChannel(id) == nil {
		return
	}
	if err := m.writeFrame(frame{kind: frameClose, channel: id}); err != nil {
		m.logger.Debug("close frame not delivered", "channel", id, "error", err)
	}
}

// teardown shuts the Multiplexer down exactly once, cascading to every
// open channel. A deliberate Close records no error.
func (m *Multiplexer) teardown(cause error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if cause != ErrMuxClosed {
		m.err = cause
	}
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.channels = make(map[uint32]*Channel)
	m.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(cause)
	}
	close(m.accept)
	close(m.done)
	m.conn.Close() //nolint:errcheck // teardown
}
