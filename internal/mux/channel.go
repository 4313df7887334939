package mux

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Channel is one logical stream inside a Multiplexer. It exposes the
// same message surface as a websocket connection, so session handlers
// work identically over a dedicated socket or a multiplexed channel.
type Channel struct {
	mux  *Multiplexer
	id   uint32
	code string

	incoming chan []byte
	done     chan struct{}

	mu       sync.Mutex
	closed   bool
	closeErr error
}

func newChannel(m *Multiplexer, id uint32, code string) *Channel {
	return &Channel{
		mux:      m,
		id:       id,
		code:     code,
		incoming: make(chan []byte, channelBuffer),
		done:     make(chan struct{}),
	}
}

// ID returns the channel's wire id.
func (ch *Channel) ID() uint32 { return ch.id }

// Code returns the capability code the channel was opened with.
func (ch *Channel) Code() string { return ch.code }

// ReadMessage returns the next message on the channel, in arrival
// order. After the channel closes, queued messages remain readable
// until drained, then the close error is reported.
func (ch *Channel) ReadMessage() (int, []byte, error) {
	select {
	case payload := <-ch.incoming:
		return websocket.BinaryMessage, payload, nil
	case <-ch.done:
		// Drain before reporting closure so no delivered message is lost.
		select {
		case payload := <-ch.incoming:
			return websocket.BinaryMessage, payload, nil
		default:
			return 0, nil, ch.closeReason()
		}
	}
}

// WriteMessage sends one message on the channel. The message type is
// accepted for interface compatibility; every frame travels as binary.
func (ch *Channel) WriteMessage(_ int, payload []byte) error {
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		return ch.closeReason()
	}
	return ch.mux.writeFrame(frame{kind: frameData, channel: ch.id, payload: payload})
}

// Close tears the channel down and notifies the peer. It is safe to
// call more than once.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	ch.closeErr = ErrChannelClosed
	ch.mu.Unlock()

	close(ch.done)
	ch.mux.closeChannel(ch.id)
	return nil
}

// deliver queues one incoming message, blocking for backpressure until
// the consumer catches up or the channel closes.
func (ch *Channel) deliver(payload []byte) {
	select {
	case ch.incoming <- payload:
	case <-ch.done:
	}
}

// shutdown closes the channel from the Multiplexer side without sending
// a close frame.
func (ch *Channel) shutdown(cause error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	ch.closeErr = cause
	ch.mu.Unlock()

	close(ch.done)
}

func (ch *Channel) closeReason() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closeErr != nil {
		return ch.closeErr
	}
	return ErrChannelClosed
}
