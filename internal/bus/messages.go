// ABOUTME: JSON wire payloads exchanged over the bus
// ABOUTME: Command arguments are flattened into the top-level command object

package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Device status values reported by agents.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Heartbeat is published by an agent on TopicHeartbeat.
type Heartbeat struct {
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// DeviceStatus is one activity report for a single input device.
type DeviceStatus struct {
	AgentID        string    `json:"agent_id"`
	DeviceID       string    `json:"device_id"`
	DeviceName     string    `json:"device_name"`
	Status         string    `json:"status"`
	KeyboardEvents int64     `json:"keyboard_events"`
	MouseClicks    int64     `json:"mouse_clicks"`
	Timestamp      time.Time `json:"timestamp,omitzero"`
}

// Presence announces an agent coming online or, as a last-will, going away.
type Presence struct {
	AgentID   string    `json:"agent_id"`
	Online    bool      `json:"online"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Command is a server-to-agent instruction. On the wire Args are merged into
// the same object as action and command_id.
type Command struct {
	Action    string
	CommandID string
	Args      map[string]any
}

// MarshalJSON flattens Args next to the reserved keys.
func (c Command) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(c.Args)+2)
	for k, v := range c.Args {
		obj[k] = v
	}
	obj["action"] = c.Action
	if c.CommandID != "" {
		obj["command_id"] = c.CommandID
	}
	return json.Marshal(obj)
}

// UnmarshalJSON splits the reserved keys out and keeps the rest as Args.
func (c *Command) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}

	*c = Command{}
	if raw, ok := obj["action"]; ok {
		if err := json.Unmarshal(raw, &c.Action); err != nil {
			return fmt.Errorf("action: %w", err)
		}
		delete(obj, "action")
	}
	if raw, ok := obj["command_id"]; ok {
		if err := json.Unmarshal(raw, &c.CommandID); err != nil {
			return fmt.Errorf("command_id: %w", err)
		}
		delete(obj, "command_id")
	}

	if len(obj) > 0 {
		c.Args = make(map[string]any, len(obj))
		for k, raw := range obj {
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			c.Args[k] = v
		}
	}
	return nil
}

// Response is the single reply an agent publishes for each command.
// Exactly one of Status or Error is set.
type Response struct {
	CommandID string         `json:"command_id,omitempty"`
	Status    map[string]any `json:"status,omitempty"`
	Error     string         `json:"error,omitempty"`
}
