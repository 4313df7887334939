// Package mux multiplexes logical channels over a single duplex message
// connection, letting one websocket carry several independent streams.
//
// Every frame is binary: a one-byte frame type, a big-endian uint32
// channel id, and the payload. An open frame's payload begins with a
// four-character ASCII capability code naming the protocol the channel
// will speak; the accepting side uses the code to pick a handler. Data
// frames are delivered in order per channel. A close frame tears down
// one channel; closing the underlying connection tears down all of them.
//
// Both ends may open channels. Locally opened channels take ids from the
// upper half of the id space so they never collide with ids chosen by
// the peer.
package mux
