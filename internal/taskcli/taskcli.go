// Package taskcli shells out to the external task tracker. The tracker is
// optional tooling on the agent's machine; every failure here degrades to
// an empty result so a missing or broken tracker never blocks a hook
// reply.
package taskcli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"gatehouse/internal/logging"
)

// Task statuses the router queries for.
const (
	StatusActive = "active"
	StatusInbox  = "inbox"
)

// Task is one tracker item, as printed by `<command> list --json`. Extra
// fields in the tracker's output are ignored.
type Task struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Priority int    `json:"priority,omitempty"`
	Assignee string `json:"assignee,omitempty"`
}

// Snapshot is the tracker view embedded in hydration payloads.
type Snapshot struct {
	Active []Task
	Inbox  []Task
}

// Empty reports whether the tracker returned nothing at all.
func (s Snapshot) Empty() bool { return len(s.Active) == 0 && len(s.Inbox) == 0 }

// Client invokes the tracker CLI.
type Client struct {
	command string
	timeout time.Duration
	log     *logging.Logger
}

// New builds a Client for the named tracker command.
func New(command string, timeout time.Duration, log *logging.Logger) *Client {
	if log == nil {
		log = logging.Nop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{command: command, timeout: timeout, log: log}
}

// List returns tasks with the given status, newest first as the tracker
// orders them. A missing tracker, a timeout, or unparsable output all
// return an empty list.
func (c *Client) List(ctx context.Context, status string, limit int) []Task {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, c.command,
		"list", "--status="+status, fmt.Sprintf("--limit=%d", limit), "--json")
	out, err := cmd.Output()
	if err != nil {
		c.log.Debug("task tracker unavailable",
			zap.String("command", c.command),
			zap.String("status", status),
			zap.Error(err))
		return nil
	}

	var tasks []Task
	if err := json.Unmarshal(bytes.TrimSpace(out), &tasks); err != nil {
		c.log.Debug("task tracker output unparsable", zap.Error(err))
		return nil
	}
	return tasks
}

// SnapshotTasks collects the active and inbox views in one call.
func (c *Client) SnapshotTasks(ctx context.Context, limit int) Snapshot {
	return Snapshot{
		Active: c.List(ctx, StatusActive, limit),
		Inbox:  c.List(ctx, StatusInbox, limit),
	}
}
