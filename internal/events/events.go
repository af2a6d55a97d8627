// ABOUTME: Fleet event types published by the server as state changes
// ABOUTME: Consumed by the websocket stream and the notifier

package events

import (
	"fmt"
	"strings"
	"time"
)

// Type names a kind of fleet event.
type Type string

const (
	TypeHeartbeat         Type = "heartbeat"
	TypeDeviceStatus      Type = "device_status"
	TypeCommandDispatched Type = "command_dispatched"
	TypeCommandResponse   Type = "command_response"
	TypeCommandExpired    Type = "command_expired"
	TypePresence          Type = "presence"
	TypeAgentOffline      Type = "agent_offline"
	TypeAgentOnline       Type = "agent_online"
)

var knownTypes = map[Type]bool{
	TypeHeartbeat:         true,
	TypeDeviceStatus:      true,
	TypeCommandDispatched: true,
	TypeCommandResponse:   true,
	TypeCommandExpired:    true,
	TypePresence:          true,
	TypeAgentOffline:      true,
	TypeAgentOnline:       true,
}

// ParseTypes parses a comma-separated list of event types. An empty string
// yields nil, meaning every type.
func ParseTypes(csv string) ([]Type, error) {
	var types []Type
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t := Type(part)
		if !knownTypes[t] {
			return nil, fmt.Errorf("unknown event type %q", part)
		}
		types = append(types, t)
	}
	return types, nil
}

// Event is one state change in the fleet.
type Event struct {
	Type      Type      `json:"type"`
	AgentID   string    `json:"agent_id,omitempty"`
	DeviceID  string    `json:"device_id,omitempty"`
	CommandID string    `json:"command_id,omitempty"`
	Time      time.Time `json:"time"`
	Data      any       `json:"data,omitempty"`
}

// Publisher accepts events for fan-out.
type Publisher interface {
	Publish(ev Event)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
