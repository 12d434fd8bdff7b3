// Package command implements the per-session command pipeline: the bounded
// queue, the tracker, the result cache, and the processors that drive queued
// debugger commands one at a time.
package command

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a queued command.
type State string

const (
	StateQueued    State = "queued"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// IsTerminal reports whether the state is absorbing.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Terminal result messages. These exact strings are part of the caller-facing
// contract and end up in cached results.
const (
	MsgCancelledByUser       = "Command was cancelled by user request"
	MsgCancelledBeforeExec   = "Command was cancelled before execution"
	MsgCancelledShutdown     = "Command cancelled due to service shutdown"
	msgTimedOutPrefix        = "Command timed out after "
	msgExecutionFailedPrefix = "Command execution failed: "
)

// timedOutMessage builds the timeout result message.
func timedOutMessage(timeout time.Duration) string {
	return msgTimedOutPrefix + FormatElapsed(timeout)
}

// executionFailedMessage builds the generic failure result message.
func executionFailedMessage(err error) string {
	return fmt.Sprintf("%s%v", msgExecutionFailedPrefix, err)
}

// completionValue is the single-shot value delivered to result waiters.
type completionValue struct {
	output string
	err    error
}

// QueuedCommand is a command admitted to a session's queue: immutable identity
// plus mutable progress. The completion channel is set at most once; the
// cancel signal may be triggered any number of times but only the first one
// matters.
type QueuedCommand struct {
	ID        string
	Text      string
	QueueTime time.Time

	cancelCtx context.Context
	cancel    context.CancelFunc

	completeOnce sync.Once
	completed    chan struct{}
	result       completionValue

	mu    sync.Mutex
	state State
}

// NewQueuedCommand creates a command with a fresh id in state Queued.
func NewQueuedCommand(text string) *QueuedCommand {
	ctx, cancel := context.WithCancel(context.Background())
	return &QueuedCommand{
		ID:        uuid.New().String(),
		Text:      text,
		QueueTime: time.Now().UTC(),
		cancelCtx: ctx,
		cancel:    cancel,
		completed: make(chan struct{}),
		state:     StateQueued,
	}
}

// State returns the current lifecycle state.
func (c *QueuedCommand) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState transitions the command. Terminal states are absorbing: a
// transition out of one is ignored.
func (c *QueuedCommand) SetState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.IsTerminal() {
		return
	}
	c.state = s
}

// Cancel triggers the command's cancel signal. Idempotent.
func (c *QueuedCommand) Cancel() {
	c.cancel()
}

// CancelSignal returns the channel closed when the command is cancelled.
func (c *QueuedCommand) CancelSignal() <-chan struct{} {
	return c.cancelCtx.Done()
}

// CancelRequested reports whether the cancel signal has been triggered.
func (c *QueuedCommand) CancelRequested() bool {
	return c.cancelCtx.Err() != nil
}

// Complete delivers the command's result to waiters. The first call wins;
// later calls return false and change nothing, so waiters always observe the
// first authoritative result.
func (c *QueuedCommand) Complete(output string, err error) bool {
	set := false
	c.completeOnce.Do(func() {
		c.result = completionValue{output: output, err: err}
		close(c.completed)
		set = true
	})
	return set
}

// Await blocks until the command completes or the context is done. Any number
// of waiters may await the same command.
func (c *QueuedCommand) Await(ctx context.Context) (string, error) {
	select {
	case <-c.completed:
		return c.result.output, c.result.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// CommandResult is an immutable execution outcome.
type CommandResult struct {
	Success      bool                   `json:"success"`
	Output       string                 `json:"output"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Duration     time.Duration          `json:"duration"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

// SuccessResult builds a successful result.
func SuccessResult(output string, duration time.Duration) CommandResult {
	return CommandResult{Success: true, Output: output, Duration: duration}
}

// FailureResult builds a failed result.
func FailureResult(errorMessage string, duration time.Duration) CommandResult {
	return CommandResult{Success: false, ErrorMessage: errorMessage, Duration: duration}
}

// CommandInfo is the external view of a live or cached command.
type CommandInfo struct {
	ID            string        `json:"id"`
	Text          string        `json:"text"`
	State         State         `json:"state"`
	QueueTime     time.Time     `json:"queue_time"`
	Elapsed       time.Duration `json:"elapsed"`
	Remaining     time.Duration `json:"remaining"`
	QueuePosition int           `json:"queue_position"`
	IsCompleted   bool          `json:"is_completed"`
}

// QueueEntry is one row of the queue status listing.
type QueueEntry struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	QueueTime   time.Time `json:"queue_time"`
	StatusLabel string    `json:"status"`
}

// FormatElapsed renders a duration for heartbeat display: "Nd" at a day or
// more, "Nh" at an hour, "Nm" at a minute, otherwise whole seconds as "Ns"
// and fractional seconds as "N.Ns".
func FormatElapsed(d time.Duration) string {
	switch {
	case d >= 24*time.Hour:
		return fmt.Sprintf("%dd", int(d.Hours())/24)
	case d >= time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	case d >= time.Minute:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		secs := d.Seconds()
		if secs == float64(int64(secs)) {
			return fmt.Sprintf("%ds", int64(secs))
		}
		return fmt.Sprintf("%.1fs", secs)
	}
}
