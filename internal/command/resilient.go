package command

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/dbgbridge/dbgbridge/internal/common/errors"
)

// ResilientProcessor wraps the processor with the session recovery policy and
// carries the public command API (enqueue, status, results, queue listing).
// When an execution error looks like a dead session it recovers the session
// and retries the command exactly once before finalizing.
type ResilientProcessor struct {
	*Processor
	recovery *RecoveryManager
}

// NewResilientProcessor pairs a processor with its recovery manager.
func NewResilientProcessor(proc *Processor, recovery *RecoveryManager) *ResilientProcessor {
	return &ResilientProcessor{Processor: proc, recovery: recovery}
}

// Run consumes the queue until it is disposed, with recovery-and-retry around
// each execution. Shadows the plain processor loop.
func (p *ResilientProcessor) Run() {
	defer close(p.done)
	for cmd := range p.queue.Receive() {
		if p.shutdownCtx.Err() != nil {
			p.finalizeWithoutExecution(cmd, StateCancelled, MsgCancelledShutdown)
			continue
		}
		p.executeResilient(cmd)
	}
}

// Enqueue admits a command to the queue and registers it for tracking.
// Returns the command id.
func (p *ResilientProcessor) Enqueue(text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", apperrors.InvalidArgument("command text must not be empty")
	}

	cmd := NewQueuedCommand(text)
	p.tracker.Register(cmd)
	if err := p.queue.Enqueue(cmd); err != nil {
		p.tracker.TryRemove(cmd.ID)
		return "", err
	}

	p.logger.Info("command queued",
		zap.String("command_id", cmd.ID),
		zap.Int("queue_depth", p.queue.Len()))
	p.publishStatus(cmd.ID, StateQueued, "")
	return cmd.ID, nil
}

// executeResilient is executeOne plus the single recovery retry.
func (p *ResilientProcessor) executeResilient(cmd *QueuedCommand) {
	if cmd.State().IsTerminal() {
		return
	}
	if cmd.CancelRequested() {
		p.finalizeWithoutExecution(cmd, StateCancelled, MsgCancelledBeforeExec)
		return
	}

	cmd.SetState(StateExecuting)
	p.tracker.SetCurrent(cmd)
	p.publishStatus(cmd.ID, StateExecuting, "")

	start := time.Now()
	stopHeartbeat := p.startHeartbeat(cmd, start)

	output, err := p.attempt(cmd)

	if p.shouldRecover(cmd, err) {
		recErr := p.recovery.Recover(p.shutdownCtx, err.Error(), nil, []string{cmd.ID})
		if recErr == nil {
			p.logger.Info("retrying command after recovery",
				zap.String("command_id", cmd.ID))
			output, err = p.attempt(cmd)
		} else {
			err = recErr
		}
	}

	stopHeartbeat()
	p.finalize(cmd, start, output, err)
}

// shouldRecover gates the retry: the error must classify as a lost session,
// the command must not have been cancelled, shutdown must not be underway,
// and the recovery budget must allow an attempt.
func (p *ResilientProcessor) shouldRecover(cmd *QueuedCommand, err error) bool {
	if err == nil {
		return false
	}
	if cmd.CancelRequested() || p.shutdownCtx.Err() != nil {
		return false
	}
	if !p.recovery.IsSessionLost(err) {
		return false
	}
	return p.recovery.ShouldAttempt()
}

// GetCommandResult returns the command's output, blocking until the command
// reaches a terminal state. Completed commands resolve from the cache without
// blocking. Unknown ids fail with NotFound; a disposed pipeline with no
// record of the id fails with Disposed.
func (p *ResilientProcessor) GetCommandResult(ctx context.Context, id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", apperrors.InvalidArgument("command id must not be empty")
	}

	if cmd, ok := p.tracker.Get(id); ok {
		return cmd.Await(ctx)
	}

	if res, ok := p.cache.Get(id); ok {
		return resultValue(res)
	}

	if p.queue.Disposed() {
		return "", apperrors.Disposed("command pipeline")
	}
	return "", apperrors.NotFound("command", id)
}

// resultValue converts a cached result back into the Await contract.
func resultValue(res CommandResult) (string, error) {
	if res.Success {
		return res.Output, nil
	}
	switch {
	case res.ErrorMessage == MsgCancelledByUser,
		res.ErrorMessage == MsgCancelledBeforeExec,
		res.ErrorMessage == MsgCancelledShutdown:
		return "", apperrors.Cancelled(res.ErrorMessage)
	case strings.HasPrefix(res.ErrorMessage, msgTimedOutPrefix):
		return "", apperrors.Timeout(res.ErrorMessage)
	default:
		return "", apperrors.Internal(res.ErrorMessage, nil)
	}
}

// GetCommandState resolves the lifecycle state of a live or completed command.
func (p *ResilientProcessor) GetCommandState(id string) (State, error) {
	if cmd, ok := p.tracker.Get(id); ok {
		return cmd.State(), nil
	}
	if res, ok := p.cache.Get(id); ok {
		return cachedState(res), nil
	}
	return "", apperrors.NotFound("command", id)
}

// cachedState derives the terminal state a cached result represents.
func cachedState(res CommandResult) State {
	if res.Success {
		return StateCompleted
	}
	switch res.ErrorMessage {
	case MsgCancelledByUser, MsgCancelledBeforeExec, MsgCancelledShutdown:
		return StateCancelled
	}
	return StateFailed
}

// GetCommandInfo returns the external view of a command: live commands carry
// elapsed/remaining time and queue position, completed commands resolve from
// the cache.
func (p *ResilientProcessor) GetCommandInfo(id string) (CommandInfo, error) {
	if cmd, ok := p.tracker.Get(id); ok {
		now := time.Now().UTC()
		elapsed := now.Sub(cmd.QueueTime)
		remaining := p.cfg.CommandTimeout - elapsed
		if remaining < 0 {
			remaining = 0
		}
		return CommandInfo{
			ID:            cmd.ID,
			Text:          cmd.Text,
			State:         cmd.State(),
			QueueTime:     cmd.QueueTime,
			Elapsed:       elapsed,
			Remaining:     remaining,
			QueuePosition: p.queuePosition(cmd),
			IsCompleted:   cmd.State().IsTerminal(),
		}, nil
	}

	if entry, ok := p.cache.GetWithMetadata(id); ok {
		return CommandInfo{
			ID:          id,
			Text:        entry.OriginalCommand,
			State:       cachedState(entry.Result),
			QueueTime:   entry.QueueTime,
			Elapsed:     entry.Result.Duration,
			Remaining:   0,
			IsCompleted: true,
		}, nil
	}
	return CommandInfo{}, apperrors.NotFound("command", id)
}

// queuePosition is the command's rank among still-queued commands by queue
// time; the executing command reports 0.
func (p *ResilientProcessor) queuePosition(cmd *QueuedCommand) int {
	if cmd.State() != StateQueued {
		return 0
	}
	position := 0
	for _, other := range p.tracker.List() {
		if other.ID == cmd.ID {
			break
		}
		if other.State() == StateQueued {
			position++
		}
	}
	return position
}

// GetQueueStatus lists tracked commands in queue order.
func (p *ResilientProcessor) GetQueueStatus() []QueueEntry {
	tracked := p.tracker.List()
	entries := make([]QueueEntry, 0, len(tracked))
	for _, cmd := range tracked {
		entries = append(entries, QueueEntry{
			ID:          cmd.ID,
			Text:        cmd.Text,
			QueueTime:   cmd.QueueTime,
			StatusLabel: string(cmd.State()),
		})
	}
	return entries
}

// QueueDepth reports the number of commands waiting in the queue.
func (p *ResilientProcessor) QueueDepth() int {
	return p.queue.Len()
}

// Counters returns the terminal-state counters.
func (p *ResilientProcessor) Counters() Counters {
	return p.tracker.Counts()
}

// CancelAll cancels every tracked command and returns how many were signalled.
func (p *ResilientProcessor) CancelAll() int {
	cancelled := 0
	for _, cmd := range p.tracker.List() {
		if p.Cancel(cmd.ID) {
			cancelled++
		}
	}
	if cancelled > 0 {
		p.logger.Info("cancelled tracked commands", zap.Int("count", cancelled))
	}
	return cancelled
}

// Recovery exposes the recovery manager for health checks by the owner.
func (p *ResilientProcessor) Recovery() *RecoveryManager {
	return p.recovery
}
