// ABOUTME: Tracks dispatched commands and correlates agent responses by command id
// ABOUTME: Entries expire after the command timeout and are forgotten after the retention window

package fleet

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Davery92/sara-jarvis/internal/bus"
)

// CommandState is the lifecycle stage of a dispatched command.
type CommandState string

const (
	CommandPending   CommandState = "pending"
	CommandCompleted CommandState = "completed"
	CommandFailed    CommandState = "failed"
	CommandExpired   CommandState = "expired"
)

// CommandRecord is the tracker's view of one command.
type CommandRecord struct {
	CommandID    string         `json:"command_id"`
	AgentID      string         `json:"agent_id"`
	Action       string         `json:"action"`
	Args         map[string]any `json:"args,omitempty"`
	State        CommandState   `json:"state"`
	DispatchedAt time.Time      `json:"dispatched_at"`
	FinishedAt   time.Time      `json:"finished_at,omitzero"`
	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
}

type trackedCommand struct {
	CommandRecord
	done chan struct{}
}

func (c *trackedCommand) finish(state CommandState, at time.Time) {
	c.State = state
	c.FinishedAt = at
	close(c.done)
}

// CommandTracker remembers commands in flight. Nothing here is persisted.
type CommandTracker struct {
	mu       sync.RWMutex
	commands map[string]*trackedCommand
	logger   *slog.Logger
}

// NewCommandTracker creates an empty tracker.
func NewCommandTracker(logger *slog.Logger) *CommandTracker {
	return &CommandTracker{
		commands: make(map[string]*trackedCommand),
		logger:   logger.With("component", "commands"),
	}
}

// Track registers a newly dispatched command as pending.
func (t *CommandTracker) Track(rec CommandRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec.State = CommandPending
	t.commands[rec.CommandID] = &trackedCommand{CommandRecord: rec, done: make(chan struct{})}
}

// Untrack drops a command that never made it onto the bus.
func (t *CommandTracker) Untrack(commandID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.commands, commandID)
}

// Resolve records an agent's response. Responses name their command id; a
// response without one is matched to the agent's oldest pending command.
// It returns false when nothing pending matches.
func (t *CommandTracker) Resolve(agentID string, resp bus.Response, at time.Time) (CommandRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var cmd *trackedCommand
	if resp.CommandID != "" {
		cmd = t.commands[resp.CommandID]
		if cmd != nil && cmd.AgentID != agentID {
			t.logger.Warn("response from unexpected agent",
				"command_id", resp.CommandID,
				"agent_id", agentID,
				"target_agent_id", cmd.AgentID,
			)
			return CommandRecord{}, false
		}
	} else {
		cmd = t.oldestPendingLocked(agentID)
	}

	if cmd == nil {
		t.logger.Warn("received response for unknown command",
			"command_id", resp.CommandID,
			"agent_id", agentID,
		)
		return CommandRecord{}, false
	}

	if cmd.State != CommandPending {
		t.logger.Debug("ignoring response for finished command",
			"command_id", cmd.CommandID,
			"state", cmd.State,
		)
		return CommandRecord{}, false
	}

	if resp.Error != "" {
		cmd.Error = resp.Error
		cmd.finish(CommandFailed, at)
	} else {
		cmd.Result = resp.Status
		cmd.finish(CommandCompleted, at)
	}
	return cmd.CommandRecord, true
}

func (t *CommandTracker) oldestPendingLocked(agentID string) *trackedCommand {
	var oldest *trackedCommand
	for _, cmd := range t.commands {
		if cmd.AgentID != agentID || cmd.State != CommandPending {
			continue
		}
		if oldest == nil || cmd.DispatchedAt.Before(oldest.DispatchedAt) {
			oldest = cmd
		}
	}
	return oldest
}

// Get returns a command's current record.
func (t *CommandTracker) Get(commandID string) (CommandRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cmd, ok := t.commands[commandID]
	if !ok {
		return CommandRecord{}, ErrUnknownCommand
	}
	return cmd.CommandRecord, nil
}

// Wait blocks until the command leaves the pending state or ctx is done, and
// returns the latest record either way.
func (t *CommandTracker) Wait(ctx context.Context, commandID string) (CommandRecord, error) {
	t.mu.RLock()
	cmd, ok := t.commands[commandID]
	t.mu.RUnlock()
	if !ok {
		return CommandRecord{}, ErrUnknownCommand
	}

	select {
	case <-cmd.done:
	case <-ctx.Done():
	}
	return t.Get(commandID)
}

// Pending returns every pending command, oldest first.
func (t *CommandTracker) Pending() []CommandRecord {
	t.mu.RLock()
	var out []CommandRecord
	for _, cmd := range t.commands {
		if cmd.State == CommandPending {
			out = append(out, cmd.CommandRecord)
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DispatchedAt.Before(out[j].DispatchedAt) })
	return out
}

// Expire marks pending commands older than timeout as expired and returns them.
func (t *CommandTracker) Expire(now time.Time, timeout time.Duration) []CommandRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []CommandRecord
	for _, cmd := range t.commands {
		if cmd.State == CommandPending && now.Sub(cmd.DispatchedAt) > timeout {
			cmd.finish(CommandExpired, now)
			expired = append(expired, cmd.CommandRecord)
		}
	}
	return expired
}

// Forget drops finished commands that finished more than retention ago.
// It returns how many were dropped.
func (t *CommandTracker) Forget(now time.Time, retention time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, cmd := range t.commands {
		if cmd.State != CommandPending && now.Sub(cmd.FinishedAt) > retention {
			delete(t.commands, id)
			n++
		}
	}
	return n
}
