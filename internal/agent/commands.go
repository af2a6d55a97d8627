// ABOUTME: Agent command handlers keyed by action, with exactly one response per command
// ABOUTME: Parse failures and unknown actions become error responses instead of crashing the agent

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Davery92/sara-jarvis/internal/bus"
)

// Built-in command actions.
const (
	ActionGetStatus = "get_status"
	ActionShutdown  = "shutdown"
	ActionPing      = "ping"
)

// CommandFunc executes one command and returns the response status.
type CommandFunc func(ctx context.Context, cmd bus.Command) (map[string]any, error)

// CommandError is an unknown or malformed command. It is reported back on
// the response topic and never stops the agent.
type CommandError struct {
	Action  string
	Message string
}

func (e *CommandError) Error() string {
	return e.Message
}

// RegisterCommand adds or replaces the handler for action.
func (r *Runtime) RegisterCommand(action string, fn CommandFunc) {
	r.commandsMu.Lock()
	defer r.commandsMu.Unlock()
	r.commands[action] = fn
}

// Actions lists the registered actions in order.
func (r *Runtime) Actions() []string {
	r.commandsMu.RLock()
	defer r.commandsMu.RUnlock()
	actions := make([]string, 0, len(r.commands))
	for a := range r.commands {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	return actions
}

func (r *Runtime) registerBuiltins() {
	r.RegisterCommand(ActionGetStatus, r.getStatus)
	r.RegisterCommand(ActionPing, r.ping)
	r.RegisterCommand(ActionShutdown, func(context.Context, bus.Command) (map[string]any, error) {
		return map[string]any{"state": "shutting_down"}, nil
	})
}

func (r *Runtime) getStatus(context.Context, bus.Command) (map[string]any, error) {
	ds := r.LastStatus()
	live := r.activity.Peek()
	status := map[string]any{
		"agent_id":        ds.AgentID,
		"device_id":       ds.DeviceID,
		"device_name":     ds.DeviceName,
		"status":          ds.Status,
		"keyboard_events": ds.KeyboardEvents,
		"mouse_clicks":    ds.MouseClicks,
		"live": map[string]any{
			"keyboard_events": live.KeyboardEvents,
			"mouse_clicks":    live.MouseClicks,
		},
	}
	if !ds.Timestamp.IsZero() {
		status["timestamp"] = ds.Timestamp
	}
	return status, nil
}

func (r *Runtime) ping(context.Context, bus.Command) (map[string]any, error) {
	return map[string]any{"pong": true, "time": r.clock.Now()}, nil
}

// HandleCommand executes a command message and publishes exactly one
// response. A successful shutdown command stops Run after the response is
// published.
func (r *Runtime) HandleCommand(ctx context.Context, _ string, payload []byte) {
	cmd, err := r.parseCommand(payload)

	var resp bus.Response
	resp.CommandID = cmd.CommandID
	if err == nil {
		resp.Status, err = r.execute(ctx, cmd)
	}
	if err != nil {
		resp.Error = err.Error()
		r.logger.Warn("command failed", "action", cmd.Action, "command_id", cmd.CommandID, "error", err)
	} else {
		r.logger.Info("command executed", "action", cmd.Action, "command_id", cmd.CommandID)
	}

	if perr := bus.PublishJSON(ctx, r.publisher, bus.CommandResponseTopic(r.cfg.AgentID), resp); perr != nil {
		r.logger.Error("command response publish failed", "command_id", cmd.CommandID, "error", perr)
	}

	if err == nil && cmd.Action == ActionShutdown {
		r.RequestShutdown()
	}
}

func (r *Runtime) parseCommand(payload []byte) (bus.Command, error) {
	var cmd bus.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return bus.Command{}, &CommandError{Message: fmt.Sprintf("invalid command payload: %v", err)}
	}
	if cmd.Action == "" {
		return cmd, &CommandError{Message: "invalid command payload: action is required"}
	}
	return cmd, nil
}

func (r *Runtime) execute(ctx context.Context, cmd bus.Command) (status map[string]any, err error) {
	r.commandsMu.RLock()
	fn, ok := r.commands[cmd.Action]
	r.commandsMu.RUnlock()
	if !ok {
		return nil, &CommandError{Action: cmd.Action, Message: fmt.Sprintf("unknown action: %s", cmd.Action)}
	}

	defer func() {
		if p := recover(); p != nil {
			status, err = nil, &CommandError{Action: cmd.Action, Message: fmt.Sprintf("command %s panicked: %v", cmd.Action, p)}
		}
	}()
	return fn(ctx, cmd)
}
