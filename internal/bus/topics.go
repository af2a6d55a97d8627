// ABOUTME: MQTT topic names shared by agents, the relay, and the server
// ABOUTME: Includes per-agent topic builders and an MQTT wildcard matcher

package bus

import "strings"

// Fleet-wide topics and subscription filters.
const (
	TopicHeartbeat    = "agents/heartbeat"
	TopicDeviceStatus = "device/status"

	FilterDeviceStatus     = "device/status/#"
	FilterCommandResponses = "agents/+/command/response"
	FilterPresence         = "agents/+/presence"
)

// ValidAgentID reports whether id can be used as a single topic level: it
// must be non-empty and free of level separators, wildcards, and NUL.
func ValidAgentID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/+#\x00")
}

// CommandTopic is where the server publishes commands for one agent.
func CommandTopic(agentID string) string {
	return "agents/" + agentID + "/command"
}

// CommandResponseTopic is where an agent publishes its command responses.
func CommandResponseTopic(agentID string) string {
	return "agents/" + agentID + "/command/response"
}

// PresenceTopic carries an agent's online announcement and last-will.
func PresenceTopic(agentID string) string {
	return "agents/" + agentID + "/presence"
}

// AgentFromTopic extracts the agent id from an agents/{id}/... topic.
// The fleet-wide heartbeat topic does not name an agent.
func AgentFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != "agents" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// MatchTopic reports whether topic matches the subscription filter using MQTT
// rules: '+' matches one level, a trailing '#' matches the parent level and
// everything below it. Wildcards at the first level never match '$' topics.
func MatchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")

	for i, level := range f {
		if level == "#" {
			return i == len(f)-1
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}
