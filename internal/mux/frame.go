package mux

import (
	"encoding/binary"
	"fmt"
)

// Frame types on the wire.
const (
	frameOpen  byte = 1
	frameData  byte = 2
	frameClose byte = 3
)

// frameHeaderSize is one type byte plus a big-endian uint32 channel id.
const frameHeaderSize = 5

// codeLength is the fixed size of a channel capability code.
const codeLength = 4

type frame struct {
	kind    byte
	channel uint32
	payload []byte
}

// encodeFrame renders a frame into a fresh buffer.
func encodeFrame(f frame) []byte {
	buf := make([]byte, frameHeaderSize+len(f.payload))
	buf[0] = f.kind
	binary.BigEndian.PutUint32(buf[1:], f.channel)
	copy(buf[frameHeaderSize:], f.payload)
	return buf
}

// decodeFrame parses a raw message into a frame. The payload aliases the
// input buffer; callers must not reuse it.
func decodeFrame(data []byte) (frame, error) {
	if len(data) < frameHeaderSize {
		return frame{}, fmt.Errorf("%w: %d bytes", ErrBadFrame, len(data))
	}
	f := frame{
		kind:    data[0],
		channel: binary.BigEndian.Uint32(data[1:]),
		payload: data[frameHeaderSize:],
	}
	switch f.kind {
	case frameOpen, frameData, frameClose:
		return f, nil
	default:
		return frame{}, fmt.Errorf("%w: unknown type %d", ErrBadFrame, f.kind)
	}
}

// validCode reports whether a capability code is four printable ASCII
// characters.
func validCode(code string) bool {
	if len(code) != codeLength {
		return false
	}
	for i := 0; i < codeLength; i++ {
		if code[i] < 0x20 || code[i] > 0x7e {
			return false
		}
	}
	return true
}
