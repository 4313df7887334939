package adb

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rlanyon/farmhub/internal/device"
)

// agentStartCommand launches the on-device farmhub agent detached from the
// shell and echoes its pid. The agent binary is pushed to the device by the
// provisioning tooling, outside this process.
const agentStartCommand = `CLASSPATH=/data/local/tmp/farmhub-agent.jar nohup app_process / com.farmhub.agent.Main >/dev/null 2>&1 & echo $!`

// Properties reads the device build properties via getprop, implementing
// device.Commander.
func (c *Client) Properties(ctx context.Context, udid string) (map[string]string, error) {
	out, err := c.shell(ctx, udid, "getprop")
	if err != nil {
		return nil, err
	}
	return parseProperties(out), nil
}

// Interfaces lists the device's configured IPv4 interfaces, implementing
// device.Commander.
func (c *Client) Interfaces(ctx context.Context, udid string) ([]device.NetInterface, error) {
	out, err := c.shell(ctx, udid, "ip -f inet -o addr show")
	if err != nil {
		return nil, err
	}
	return parseInterfaces(out), nil
}

// KillProcess terminates an on-device process by pid, implementing
// device.Commander.
func (c *Client) KillProcess(ctx context.Context, udid string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("%w: invalid pid %d", ErrCommandRejected, pid)
	}
	_, err := c.shell(ctx, udid, fmt.Sprintf("kill %d", pid))
	return err
}

// StartAgent launches the on-device agent and returns its pid, implementing
// device.Commander.
func (c *Client) StartAgent(ctx context.Context, udid string) (int, error) {
	out, err := c.shell(ctx, udid, agentStartCommand)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("%w: agent start returned %q, want pid", ErrProtocol, strings.TrimSpace(out))
	}
	return pid, nil
}

// shell runs one shell command on a device and returns its combined output.
// Each invocation uses a dedicated connection: transport selection binds
// the connection to the device, and the shell service streams until EOF.
func (c *Client) shell(ctx context.Context, udid, command string) (string, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close() //nolint:errcheck // one-shot connection

	if err := sendRequest(conn, "host:transport:"+udid); err != nil {
		return "", err
	}
	if err := sendRequest(conn, "shell:"+command); err != nil {
		return "", err
	}

	out, err := io.ReadAll(conn)
	if err != nil {
		return "", fmt.Errorf("reading shell output: %w", err)
	}
	return string(out), nil
}

// parseProperties parses getprop output lines of the form
// "[ro.product.model]: [Pixel 4]".
func parseProperties(out string) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "[") {
			continue
		}
		key, value, ok := strings.Cut(line, "]: [")
		if !ok {
			continue
		}
		key = strings.TrimPrefix(key, "[")
		value = strings.TrimSuffix(value, "]")
		props[key] = value
	}
	return props
}

// parseInterfaces parses one-line-per-interface output from
// "ip -f inet -o addr show", e.g.
// "11: wlan0    inet 192.168.1.20/24 brd ... scope global wlan0".
// Loopback is skipped; clients care about reachable addresses only.
func parseInterfaces(out string) []device.NetInterface {
	var interfaces []device.NetInterface
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 || fields[2] != "inet" {
			continue
		}
		name := strings.TrimSuffix(fields[1], ":")
		if name == "lo" {
			continue
		}
		addr, _, ok := strings.Cut(fields[3], "/")
		if !ok {
			addr = fields[3]
		}
		interfaces = append(interfaces, device.NetInterface{Name: name, IPv4: addr})
	}
	return interfaces
}
