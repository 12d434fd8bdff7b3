package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestNewQueuedCommand(t *testing.T) {
	cmd := NewQueuedCommand("k")
	if cmd.ID == "" {
		t.Fatal("expected a generated id")
	}
	if cmd.Text != "k" {
		t.Errorf("expected Text = %q, got %q", "k", cmd.Text)
	}
	if cmd.State() != StateQueued {
		t.Errorf("expected initial state queued, got %s", cmd.State())
	}
	if cmd.CancelRequested() {
		t.Error("fresh command should not be cancelled")
	}
}

func TestSetStateTerminalAbsorbing(t *testing.T) {
	cmd := NewQueuedCommand("k")
	cmd.SetState(StateExecuting)
	cmd.SetState(StateCompleted)
	cmd.SetState(StateExecuting)
	if cmd.State() != StateCompleted {
		t.Errorf("terminal state should absorb transitions, got %s", cmd.State())
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []State{StateCompleted, StateCancelled, StateFailed}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StateQueued, StateExecuting} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestCancelIdempotent(t *testing.T) {
	cmd := NewQueuedCommand("k")
	cmd.Cancel()
	cmd.Cancel()
	if !cmd.CancelRequested() {
		t.Error("expected cancel signal set")
	}
	select {
	case <-cmd.CancelSignal():
	default:
		t.Error("cancel signal channel should be closed")
	}
}

func TestCompleteFirstWriteWins(t *testing.T) {
	cmd := NewQueuedCommand("k")
	if !cmd.Complete("first", nil) {
		t.Fatal("first Complete should report true")
	}
	if cmd.Complete("second", errors.New("late")) {
		t.Error("second Complete should report false")
	}

	out, err := cmd.Await(context.Background())
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if out != "first" {
		t.Errorf("expected first result to win, got %q", out)
	}
}

func TestAwaitMultipleWaiters(t *testing.T) {
	cmd := NewQueuedCommand("k")

	const waiters = 4
	results := make([]string, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, _ := cmd.Await(context.Background())
			results[i] = out
		}(i)
	}

	cmd.Complete("done", nil)
	wg.Wait()

	for i, out := range results {
		if out != "done" {
			t.Errorf("waiter %d got %q, want %q", i, out, "done")
		}
	}
}

func TestAwaitContextCancelled(t *testing.T) {
	cmd := NewQueuedCommand("k")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := cmd.Await(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestFormatElapsed(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Millisecond, "0.5s"},
		{time.Second, "1s"},
		{90 * time.Second, "1m"},
		{30 * time.Second, "30s"},
		{2 * time.Minute, "2m"},
		{time.Hour, "1h"},
		{25 * time.Hour, "1d"},
		{48 * time.Hour, "2d"},
	}
	for _, tc := range cases {
		if got := FormatElapsed(tc.d); got != tc.want {
			t.Errorf("FormatElapsed(%s) = %q, want %q", tc.d, got, tc.want)
		}
	}
}

func TestTerminalMessages(t *testing.T) {
	if got := timedOutMessage(3 * time.Minute); got != "Command timed out after 3m" {
		t.Errorf("unexpected timeout message: %q", got)
	}
	if got := executionFailedMessage(errors.New("boom")); got != "Command execution failed: boom" {
		t.Errorf("unexpected failure message: %q", got)
	}
}
