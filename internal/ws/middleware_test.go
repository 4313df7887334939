package ws

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

// statusWriter sits between chi and the WebSocket upgrader, so it must
// expose the underlying connection for hijacking.
var _ http.Hijacker = (*statusWriter)(nil)

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (r *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.hijacked = true
	client, server := net.Pipe()
	go client.Close() //nolint:errcheck
	return server, bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server)), nil
}

func TestStatusWriterHijackPassthrough(t *testing.T) {
	rec := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	sw := &statusWriter{ResponseWriter: rec, status: http.StatusOK}

	conn, rw, err := sw.Hijack()
	if err != nil {
		t.Fatalf("Hijack: %v", err)
	}
	defer conn.Close()

	if !rec.hijacked {
		t.Error("hijack did not reach the underlying writer")
	}
	if rw == nil {
		t.Error("Hijack returned a nil ReadWriter")
	}
}

func TestStatusWriterHijackUnsupported(t *testing.T) {
	sw := &statusWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}

	if _, _, err := sw.Hijack(); err == nil {
		t.Fatal("Hijack on a non-hijackable writer should fail")
	}
}
