package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dbgbridge/dbgbridge/internal/common/logger"
)

// recorder collects delivered notifications.
type recorder struct {
	mu      sync.Mutex
	methods []string
	done    chan struct{}
}

func newRecorder(expect int) *recorder {
	return &recorder{done: make(chan struct{}, expect)}
}

func (r *recorder) handler(ctx context.Context, n *Notification) error {
	r.mu.Lock()
	r.methods = append(r.methods, n.Method)
	r.mu.Unlock()
	r.done <- struct{}{}
	return nil
}

func (r *recorder) await(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", i+1, n)
		}
	}
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.methods...)
}

func TestMemoryBusExactMatch(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	rec := newRecorder(1)
	if _, err := b.Subscribe(MethodCommandStatus, rec.handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	b.Notify(context.Background(), MethodCommandStatus, map[string]interface{}{"commandId": "c1"})
	rec.await(t, 1)

	b.Notify(context.Background(), MethodCommandHeartbeat, nil)
	time.Sleep(20 * time.Millisecond)
	if got := rec.seen(); len(got) != 1 {
		t.Errorf("non-matching method should not be delivered, got %v", got)
	}
}

func TestMemoryBusWildcards(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	star := newRecorder(4)
	if _, err := b.Subscribe("notifications/*", star.handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	all := newRecorder(4)
	if _, err := b.Subscribe("notifications/>", all.handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	b.Notify(context.Background(), MethodCommandStatus, nil)
	b.Notify(context.Background(), MethodSessionRecovery, nil)

	star.await(t, 2)
	all.await(t, 2)
}

func TestMemoryBusHandlerIsolation(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	if _, err := b.Subscribe(MethodCommandStatus, func(ctx context.Context, n *Notification) error {
		panic("handler bug")
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := b.Subscribe(MethodCommandStatus, func(ctx context.Context, n *Notification) error {
		return errors.New("handler error")
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	rec := newRecorder(1)
	if _, err := b.Subscribe(MethodCommandStatus, rec.handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	b.Notify(context.Background(), MethodCommandStatus, nil)
	rec.await(t, 1)
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	rec := newRecorder(1)
	sub, err := b.Subscribe(MethodCommandStatus, rec.handler)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if !sub.IsValid() {
		t.Error("fresh subscription should be valid")
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("unsubscribed subscription should be invalid")
	}

	b.Notify(context.Background(), MethodCommandStatus, nil)
	time.Sleep(20 * time.Millisecond)
	if len(rec.seen()) != 0 {
		t.Error("unsubscribed handler should not be delivered")
	}
}

func TestMemoryBusClosed(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	b.Close()

	if b.IsConnected() {
		t.Error("closed bus should report disconnected")
	}
	if err := b.Publish(context.Background(), NewNotification(MethodCommandStatus, nil)); err == nil {
		t.Error("publish on a closed bus should fail")
	}
	if _, err := b.Subscribe(MethodCommandStatus, func(ctx context.Context, n *Notification) error { return nil }); err == nil {
		t.Error("subscribe on a closed bus should fail")
	}
}

func TestCompilePattern(t *testing.T) {
	cases := []struct {
		method  string
		pattern string
		want    bool
	}{
		{"notifications/commandStatus", "notifications/commandStatus", true},
		{"notifications/commandStatus", "notifications/*", true},
		{"notifications/commandStatus", "notifications/>", true},
		{"notifications/a/b", "notifications/*", false},
		{"notifications/a/b", "notifications/>", true},
		{"other/commandStatus", "notifications/*", false},
	}
	for _, tc := range cases {
		got := matches(tc.method, tc.pattern, compilePattern(tc.pattern))
		if got != tc.want {
			t.Errorf("matches(%q, %q) = %v, want %v", tc.method, tc.pattern, got, tc.want)
		}
	}
}
