package command

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/dbgbridge/dbgbridge/internal/common/errors"
	"github.com/dbgbridge/dbgbridge/internal/common/logger"
)

// fakeSession scripts the debugger side of the processor.
type fakeSession struct {
	handler     func(ctx context.Context, command string) (string, error)
	active      atomic.Bool
	cancelCalls atomic.Int32
}

func (f *fakeSession) Execute(ctx context.Context, command string) (string, error) {
	return f.handler(ctx, command)
}

func (f *fakeSession) CancelCurrent() {
	f.cancelCalls.Add(1)
}

func (f *fakeSession) IsActive() bool {
	return f.active.Load()
}

// echoSession completes immediately with a fixed transform of the command.
func echoSession() *fakeSession {
	f := &fakeSession{
		handler: func(ctx context.Context, command string) (string, error) {
			return "echo: " + command, nil
		},
	}
	f.active.Store(true)
	return f
}

// blockingSession blocks until the linked context fires, as the real session
// does while waiting for debugger output.
func blockingSession() *fakeSession {
	f := &fakeSession{
		handler: func(ctx context.Context, command string) (string, error) {
			<-ctx.Done()
			return CancelledOutput, ctx.Err()
		},
	}
	f.active.Store(true)
	return f
}

// CancelledOutput mirrors the debugger session's cancelled-read sentinel.
const CancelledOutput = "Command execution was cancelled"

// captureNotifier records notification methods in order.
type captureNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *captureNotifier) Notify(ctx context.Context, method string, params map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, method)
}

func (n *captureNotifier) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, m := range n.events {
		if m == method {
			c++
		}
	}
	return c
}

func newTestProcessor(sess Executor, timeout time.Duration) (*Processor, *Queue, *Tracker, *Cache, *captureNotifier) {
	q := NewQueue(10)
	tr := NewTracker()
	cache := NewCache(DefaultCacheConfig(), logger.Default())
	cache.SetProbes(nil, nil)
	notifier := &captureNotifier{}
	proc := NewProcessor(ProcessorConfig{
		CommandTimeout:    timeout,
		HeartbeatInterval: time.Hour,
	}, "s1", q, tr, cache, sess, notifier, logger.Default())
	return proc, q, tr, cache, notifier
}

func enqueue(t *testing.T, q *Queue, tr *Tracker, text string) *QueuedCommand {
	t.Helper()
	cmd := NewQueuedCommand(text)
	tr.Register(cmd)
	if err := q.Enqueue(cmd); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return cmd
}

func TestProcessorCompletesCommand(t *testing.T) {
	proc, q, tr, cache, _ := newTestProcessor(echoSession(), time.Minute)
	cmd := enqueue(t, q, tr, "k")

	go proc.Run()
	defer func() { _ = proc.Shutdown(context.Background()) }()

	out, err := cmd.Await(context.Background())
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if out != "echo: k" {
		t.Errorf("unexpected output: %q", out)
	}
	if cmd.State() != StateCompleted {
		t.Errorf("expected completed, got %s", cmd.State())
	}

	// The result is cached and the tracker entry removed.
	res, ok := cache.Get(cmd.ID)
	if !ok || res.Output != "echo: k" {
		t.Error("expected result in cache")
	}
	waitFor(t, func() bool {
		_, tracked := tr.Get(cmd.ID)
		return !tracked
	})
	if tr.Counts().Completed != 1 {
		t.Error("expected completed counter incremented")
	}
}

func TestProcessorExecutionFailure(t *testing.T) {
	sess := &fakeSession{
		handler: func(ctx context.Context, command string) (string, error) {
			return "", errors.New("stream torn")
		},
	}
	sess.active.Store(true)

	proc, q, tr, cache, _ := newTestProcessor(sess, time.Minute)
	cmd := enqueue(t, q, tr, "k")

	go proc.Run()
	defer func() { _ = proc.Shutdown(context.Background()) }()

	_, err := cmd.Await(context.Background())
	if err == nil || !strings.Contains(err.Error(), "Command execution failed: stream torn") {
		t.Errorf("expected execution failure message, got %v", err)
	}
	if cmd.State() != StateFailed {
		t.Errorf("expected failed, got %s", cmd.State())
	}
	res, _ := cache.Get(cmd.ID)
	if res.Success || !strings.HasPrefix(res.ErrorMessage, "Command execution failed: ") {
		t.Errorf("unexpected cached result: %+v", res)
	}
}

func TestProcessorUserCancel(t *testing.T) {
	sess := blockingSession()
	proc, q, tr, cache, _ := newTestProcessor(sess, time.Minute)
	cmd := enqueue(t, q, tr, "k")

	go proc.Run()
	defer func() { _ = proc.Shutdown(context.Background()) }()

	// Wait for pickup, then cancel.
	waitFor(t, func() bool { return tr.Current() == cmd })
	if !proc.Cancel(cmd.ID) {
		t.Fatal("Cancel should report true for an executing command")
	}

	_, err := cmd.Await(context.Background())
	if !apperrors.IsCancelled(err) {
		t.Fatalf("expected cancelled error, got %v", err)
	}
	if !strings.Contains(err.Error(), MsgCancelledByUser) {
		t.Errorf("expected user-cancel message, got %v", err)
	}
	if cmd.State() != StateCancelled {
		t.Errorf("expected cancelled, got %s", cmd.State())
	}
	res, _ := cache.Get(cmd.ID)
	if res.ErrorMessage != MsgCancelledByUser {
		t.Errorf("unexpected cached message: %q", res.ErrorMessage)
	}
	waitFor(t, func() bool { return sess.cancelCalls.Load() == 1 })
}

func TestProcessorCancelBeforeExecution(t *testing.T) {
	proc, q, tr, cache, _ := newTestProcessor(echoSession(), time.Minute)

	// Not running the loop: the command stays queued.
	cmd := enqueue(t, q, tr, "k")
	if !proc.Cancel(cmd.ID) {
		t.Fatal("Cancel should report true")
	}

	out, err := cmd.Await(context.Background())
	if out != "" || !apperrors.IsCancelled(err) {
		t.Fatalf("expected cancelled completion, got %q, %v", out, err)
	}
	if !strings.Contains(err.Error(), MsgCancelledBeforeExec) {
		t.Errorf("expected before-execution message, got %v", err)
	}
	res, _ := cache.Get(cmd.ID)
	if res.ErrorMessage != MsgCancelledBeforeExec {
		t.Errorf("unexpected cached message: %q", res.ErrorMessage)
	}
}

func TestProcessorCancelUnknownID(t *testing.T) {
	proc, _, _, _, _ := newTestProcessor(echoSession(), time.Minute)
	if proc.Cancel("nope") {
		t.Error("expected false for unknown id")
	}
}

func TestProcessorTimeout(t *testing.T) {
	proc, q, tr, _, _ := newTestProcessor(blockingSession(), 30*time.Millisecond)
	cmd := enqueue(t, q, tr, "k")

	go proc.Run()
	defer func() { _ = proc.Shutdown(context.Background()) }()

	_, err := cmd.Await(context.Background())
	if !apperrors.IsTimeout(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if !strings.Contains(err.Error(), "Command timed out after ") {
		t.Errorf("expected timeout message, got %v", err)
	}
	if cmd.State() != StateFailed {
		t.Errorf("timeout should finalize as failed, got %s", cmd.State())
	}
}

func TestProcessorShutdownDrainsQueue(t *testing.T) {
	proc, q, tr, _, _ := newTestProcessor(blockingSession(), time.Minute)
	inflight := enqueue(t, q, tr, "first")
	buffered := enqueue(t, q, tr, "second")

	go proc.Run()
	waitFor(t, func() bool { return tr.Current() == inflight })

	if err := proc.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	_, err := inflight.Await(context.Background())
	if !apperrors.IsCancelled(err) || !strings.Contains(err.Error(), MsgCancelledShutdown) {
		t.Errorf("in-flight command should be shutdown-cancelled, got %v", err)
	}
	_, err = buffered.Await(context.Background())
	if !apperrors.IsCancelled(err) || !strings.Contains(err.Error(), MsgCancelledShutdown) {
		t.Errorf("buffered command should be shutdown-cancelled, got %v", err)
	}
}

func TestProcessorStatusNotifications(t *testing.T) {
	proc, q, tr, _, notifier := newTestProcessor(echoSession(), time.Minute)
	cmd := enqueue(t, q, tr, "k")

	go proc.Run()
	defer func() { _ = proc.Shutdown(context.Background()) }()

	_, _ = cmd.Await(context.Background())
	waitFor(t, func() bool {
		return notifier.count("notifications/commandStatus") >= 2
	})
}

// waitFor polls a condition with a deadline; processor goroutines finish
// asynchronously after completion is delivered.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
