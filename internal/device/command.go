package device

import (
	"encoding/json"
	"fmt"
)

// Command types accepted by Center.RunCommand. These match the wire values
// sent by tracking clients.
const (
	CommandKillServer       = "kill_server"
	CommandStartServer      = "start_server"
	CommandUpdateInterfaces = "update_interfaces"
)

// Command is a device-scoped control request from a client session.
type Command struct {
	Type string `json:"type"`
	UDID string `json:"udid"`
	Pid  int    `json:"pid,omitempty"`
}

// ParseCommand deserialises a client command payload.
//
// Returns:
//   - Command: The parsed command
//   - error: If the payload is not valid JSON or names no device
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("parsing command: %w", err)
	}
	if cmd.Type == "" {
		return Command{}, fmt.Errorf("parsing command: missing type")
	}
	if cmd.UDID == "" {
		return Command{}, fmt.Errorf("parsing command: missing udid")
	}
	return cmd, nil
}
