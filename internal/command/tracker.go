package command

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Counters are the tracker's terminal-state tallies.
type Counters struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}

// Tracker is the in-memory registry of live commands plus the
// current-command slot and terminal counters. All operations are
// non-blocking: the map is a sync.Map, the slot and counters are atomics.
type Tracker struct {
	commands sync.Map // id -> *QueuedCommand
	current  atomic.Pointer[QueuedCommand]

	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Register adds a command to the registry.
func (t *Tracker) Register(cmd *QueuedCommand) {
	t.commands.Store(cmd.ID, cmd)
}

// Get returns the command with the given id, if registered.
func (t *Tracker) Get(id string) (*QueuedCommand, bool) {
	v, ok := t.commands.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*QueuedCommand), true
}

// TryRemove removes and returns the command with the given id.
func (t *Tracker) TryRemove(id string) (*QueuedCommand, bool) {
	v, ok := t.commands.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	return v.(*QueuedCommand), true
}

// SetCurrent updates the current-command slot; nil clears it.
func (t *Tracker) SetCurrent(cmd *QueuedCommand) {
	t.current.Store(cmd)
}

// Current returns the command currently executing, if any.
func (t *Tracker) Current() *QueuedCommand {
	return t.current.Load()
}

// List returns a snapshot of registered commands ordered by queue time.
func (t *Tracker) List() []*QueuedCommand {
	var out []*QueuedCommand
	t.commands.Range(func(_, v interface{}) bool {
		out = append(out, v.(*QueuedCommand))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].QueueTime.Before(out[j].QueueTime)
	})
	return out
}

// IncrCompleted increments the completed counter.
func (t *Tracker) IncrCompleted() { t.completed.Add(1) }

// IncrFailed increments the failed counter.
func (t *Tracker) IncrFailed() { t.failed.Add(1) }

// IncrCancelled increments the cancelled counter.
func (t *Tracker) IncrCancelled() { t.cancelled.Add(1) }

// Counts returns the terminal counters.
func (t *Tracker) Counts() Counters {
	return Counters{
		Completed: t.completed.Load(),
		Failed:    t.failed.Load(),
		Cancelled: t.cancelled.Load(),
	}
}
