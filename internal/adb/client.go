package adb

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/rlanyon/farmhub/internal/device"
	"github.com/rlanyon/farmhub/internal/infrastructure/config"
	"github.com/rlanyon/farmhub/internal/infrastructure/logging"
)

// Client talks to a local adb server over its smart-socket protocol.
//
// Each request opens a fresh connection: the adb server dedicates a
// connection to one service, so there is nothing to pool. The zero
// per-request state also means the Client is safe for concurrent use.
type Client struct {
	addr   string
	logger *logging.Logger
}

// NewClient creates an adb client for the configured server address.
func NewClient(cfg config.ADBConfig, logger *logging.Logger) *Client {
	return &Client{
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		logger: logger.With("component", "adb"),
	}
}

// ListDevices returns a snapshot of devices currently known to the adb
// server, implementing device.Enumerator.
func (c *Client) ListDevices(ctx context.Context) ([]device.Observation, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close() //nolint:errcheck // read-only connection teardown

	if err := sendRequest(conn, "host:devices"); err != nil {
		return nil, err
	}
	payload, err := readHexPayload(conn)
	if err != nil {
		return nil, err
	}
	return parseDeviceList(string(payload)), nil
}

// dial opens a connection to the adb server, honouring the context for the
// connect phase and propagating its deadline to the whole exchange.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, c.addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline) //nolint:errcheck // best-effort deadline
	}
	return conn, nil
}

// sendRequest writes one length-prefixed service request and consumes the
// server's OKAY/FAIL status.
func sendRequest(conn net.Conn, service string) error {
	if _, err := fmt.Fprintf(conn, "%04x%s", len(service), service); err != nil {
		return fmt.Errorf("writing %q: %w", service, err)
	}
	return readStatus(conn, service)
}

// readStatus reads the 4-byte OKAY/FAIL reply for one request.
func readStatus(conn net.Conn, service string) error {
	status := make([]byte, 4)
	if _, err := io.ReadFull(conn, status); err != nil {
		return fmt.Errorf("reading status for %q: %w", service, err)
	}
	switch string(status) {
	case "OKAY":
		return nil
	case "FAIL":
		msg, err := readHexPayload(conn)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrCommandRejected, service)
		}
		return fmt.Errorf("%w: %s: %s", ErrCommandRejected, service, msg)
	default:
		return fmt.Errorf("%w: unexpected status %q for %s", ErrProtocol, status, service)
	}
}

// readHexPayload reads one 4-hex-digit length header and its payload.
func readHexPayload(conn net.Conn) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, fmt.Errorf("reading length header: %w", err)
	}
	size, err := strconv.ParseUint(string(header), 16, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: bad length header %q", ErrProtocol, header)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	return payload, nil
}

// parseDeviceList converts an adb device-list payload ("serial\tstate" per
// line) into observations, translating wire states into registry states.
func parseDeviceList(payload string) []device.Observation {
	var observations []device.Observation
	for _, line := range strings.Split(payload, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		observations = append(observations, device.Observation{
			UDID:  fields[0],
			State: translateState(fields[1]),
		})
	}
	return observations
}

// translateState maps adb wire states onto the registry vocabulary. The
// adb server reports "device" (or "emulator") for a usable device; it
// never reports "disconnected" — that state is synthesised by the Center.
func translateState(wire string) device.State {
	switch wire {
	case "device", "emulator":
		return device.StateOnline
	case "offline":
		return device.StateOffline
	case "unauthorized":
		return device.StateUnauthorized
	case "connecting", "authorizing", "bootloader", "recovery":
		return device.StateConnecting
	default:
		return device.State(wire)
	}
}
