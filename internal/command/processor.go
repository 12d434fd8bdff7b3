package command

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/dbgbridge/dbgbridge/internal/common/errors"
	"github.com/dbgbridge/dbgbridge/internal/common/logger"
	"github.com/dbgbridge/dbgbridge/internal/events/bus"
)

// Executor is the debugger surface the processor drives. *debugger.Session
// satisfies it; tests substitute fakes.
type Executor interface {
	Execute(ctx context.Context, command string) (string, error)
	CancelCurrent()
	IsActive() bool
}

// ProcessorConfig bounds a single command execution.
type ProcessorConfig struct {
	CommandTimeout    time.Duration
	HeartbeatInterval time.Duration
}

// shutdownWait bounds how long Shutdown waits for the worker to drain.
const shutdownWait = 10 * time.Second

// Processor is the single consumer of a session's command queue. It executes
// one command at a time against the debugger session; that single-inflight
// guarantee is the serialization point for the whole session.
type Processor struct {
	cfg       ProcessorConfig
	sessionID string
	logger    *logger.Logger
	queue     *Queue
	tracker   *Tracker
	cache     *Cache
	session   Executor
	notifier  bus.Notifier

	shutdownCtx context.Context
	shutdownFn  context.CancelFunc
	done        chan struct{}
	stopOnce    sync.Once
}

// NewProcessor wires a processor to its session's queue, tracker, cache and
// debugger. Run must be started by the owner.
func NewProcessor(cfg ProcessorConfig, sessionID string, q *Queue, t *Tracker, c *Cache, session Executor, notifier bus.Notifier, log *logger.Logger) *Processor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		cfg:         cfg,
		sessionID:   sessionID,
		logger:      log.WithFields(zap.String("component", "command-processor"), zap.String("session_id", sessionID)),
		queue:       q,
		tracker:     t,
		cache:       c,
		session:     session,
		notifier:    notifier,
		shutdownCtx: ctx,
		shutdownFn:  cancel,
		done:        make(chan struct{}),
	}
}

// Run consumes the queue until it is disposed. Per-command failures never
// stop the loop; commands still buffered after shutdown are completed as
// cancelled.
func (p *Processor) Run() {
	defer close(p.done)
	for cmd := range p.queue.Receive() {
		if p.shutdownCtx.Err() != nil {
			p.finalizeWithoutExecution(cmd, StateCancelled, MsgCancelledShutdown)
			continue
		}
		p.executeOne(cmd)
	}
}

// Shutdown signals the worker, completes the queue, and waits for the drain.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.shutdownFn()
		p.queue.Dispose()
	})

	select {
	case <-p.done:
		return nil
	case <-time.After(shutdownWait):
		return apperrors.Timeout("command processor did not stop in time")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// executeOne drives a single command through the debugger session.
func (p *Processor) executeOne(cmd *QueuedCommand) {
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

	stopHeartbeat()
	p.finalize(cmd, start, output, err)
}

// attempt executes the command under the linked cancellation composed of the
// command's cancel signal, the per-command timeout, and processor shutdown.
func (p *Processor) attempt(cmd *QueuedCommand) (string, error) {
	base, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-cmd.CancelSignal():
			cancel()
		case <-p.shutdownCtx.Done():
			cancel()
		case <-base.Done():
		}
	}()

	execCtx, cancelTimeout := context.WithTimeout(base, p.cfg.CommandTimeout)
	defer cancelTimeout()

	return p.session.Execute(execCtx, cmd.Text)
}

// finalize applies the terminal transition for an executed command. The
// result is always cached before the tracker entry is removed so a late
// status poll still finds it.
func (p *Processor) finalize(cmd *QueuedCommand, start time.Time, output string, err error) {
	elapsed := time.Since(start)
	endTime := time.Now().UTC()
	startTime := endTime.Add(-elapsed)
	meta := ResultMeta{
		OriginalCommand: cmd.Text,
		QueueTime:       cmd.QueueTime,
		StartTime:       startTime,
		EndTime:         endTime,
	}

	var state State
	var errorMessage string

	switch {
	case err == nil:
		state = StateCompleted

	case cmd.CancelRequested():
		state = StateCancelled
		errorMessage = MsgCancelledByUser

	case errors.Is(err, context.DeadlineExceeded) || apperrors.IsTimeout(err) || elapsed >= p.cfg.CommandTimeout:
		state = StateFailed
		errorMessage = timedOutMessage(p.cfg.CommandTimeout)

	case errors.Is(err, context.Canceled) || apperrors.IsCancelled(err):
		state = StateCancelled
		errorMessage = MsgCancelledShutdown

	default:
		state = StateFailed
		errorMessage = executionFailedMessage(err)
	}

	if state == StateCompleted {
		p.cache.Store(cmd.ID, SuccessResult(output, elapsed), meta)
		queueWait := startTime.Sub(cmd.QueueTime)
		p.logger.Info("command succeeded",
			zap.String("command_id", cmd.ID),
			zap.Int64("queue_wait_ms", queueWait.Milliseconds()),
			zap.Int64("execution_ms", elapsed.Milliseconds()),
			zap.Int64("total_ms", endTime.Sub(cmd.QueueTime).Milliseconds()))
		if !cmd.Complete(output, nil) {
			p.logger.Warn("completion already set", zap.String("command_id", cmd.ID))
		}
		cmd.SetState(StateCompleted)
		p.tracker.IncrCompleted()
	} else {
		p.cache.Store(cmd.ID, FailureResult(errorMessage, elapsed), meta)
		var resultErr error
		switch state {
		case StateCancelled:
			resultErr = apperrors.Cancelled(errorMessage)
			p.tracker.IncrCancelled()
		default:
			if errors.Is(err, context.DeadlineExceeded) || apperrors.IsTimeout(err) || elapsed >= p.cfg.CommandTimeout {
				resultErr = apperrors.Timeout(errorMessage)
			} else {
				resultErr = apperrors.Internal(errorMessage, err)
			}
			p.tracker.IncrFailed()
		}
		p.logger.Warn("command did not complete",
			zap.String("command_id", cmd.ID),
			zap.String("state", string(state)),
			zap.String("error", errorMessage),
			zap.Int64("execution_ms", elapsed.Milliseconds()))
		if !cmd.Complete("", resultErr) {
			p.logger.Warn("completion already set", zap.String("command_id", cmd.ID))
		}
		cmd.SetState(state)
	}

	p.publishStatus(cmd.ID, state, errorMessage)
	p.tracker.TryRemove(cmd.ID)
	p.tracker.SetCurrent(nil)
}

// finalizeWithoutExecution terminates a command that never reached the
// debugger (cancelled while queued, or flushed at shutdown).
func (p *Processor) finalizeWithoutExecution(cmd *QueuedCommand, state State, message string) {
	if cmd.State().IsTerminal() {
		return
	}

	now := time.Now().UTC()
	p.cache.Store(cmd.ID, FailureResult(message, 0), ResultMeta{
		OriginalCommand: cmd.Text,
		QueueTime:       cmd.QueueTime,
		StartTime:       now,
		EndTime:         now,
	})
	cmd.Complete("", apperrors.Cancelled(message))
	cmd.SetState(state)
	p.tracker.IncrCancelled()
	p.publishStatus(cmd.ID, state, message)
	p.tracker.TryRemove(cmd.ID)
}

// Cancel signals cancellation for the command with the given id. Unknown ids
// return false; ids already terminal (still in the cache) return true since
// there is nothing left to cancel.
func (p *Processor) Cancel(id string) bool {
	cmd, ok := p.tracker.Get(id)
	if !ok {
		return p.cache.Has(id)
	}

	if cmd.State() == StateCancelled {
		return true
	}

	cmd.Cancel()

	if cmd.State() == StateExecuting {
		if p.tracker.Current() == cmd {
			// Best-effort break-in; CancelCurrent blocks for its settle wait,
			// so keep it off the caller's goroutine.
			go p.session.CancelCurrent()
		}
	} else {
		p.finalizeWithoutExecution(cmd, StateCancelled, MsgCancelledBeforeExec)
	}
	return true
}

// startHeartbeat emits a progress record every heartbeat interval while the
// command is in flight. The returned func stops it.
func (p *Processor) startHeartbeat(cmd *QueuedCommand, start time.Time) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				elapsed := time.Since(start)
				p.logger.Debug("command in flight",
					zap.String("command_id", cmd.ID),
					zap.Duration("elapsed", elapsed))
				if p.notifier != nil {
					p.notifier.Notify(ctx, bus.MethodCommandHeartbeat, map[string]interface{}{
						"sessionId":      p.sessionID,
						"commandId":      cmd.ID,
						"command":        cmd.Text,
						"elapsedMs":      elapsed.Milliseconds(),
						"elapsedDisplay": FormatElapsed(elapsed),
					})
				}
			}
		}
	}()
	return cancel
}

// publishStatus emits a commandStatus notification for a state transition.
func (p *Processor) publishStatus(commandID string, state State, errorMessage string) {
	if p.notifier == nil {
		return
	}
	params := map[string]interface{}{
		"sessionId": p.sessionID,
		"commandId": commandID,
		"status":    string(state),
	}
	if errorMessage != "" {
		params["error"] = errorMessage
	}
	p.notifier.Notify(context.Background(), bus.MethodCommandStatus, params)
}
