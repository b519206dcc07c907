package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aios/aios/internal/common/clock"
	"github.com/aios/aios/internal/common/logger"
	"github.com/aios/aios/internal/events"
	"github.com/aios/aios/internal/events/bus"
	v1 "github.com/aios/aios/pkg/api/v1"
)

type captureNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (c *captureNotifier) Notify(_ context.Context, severity, title, body, correlationID string) {
	c.mu.Lock()
	c.sent = append(c.sent, title)
	c.mu.Unlock()
}

func (c *captureNotifier) titles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	copy(out, c.sent)
	return out
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var mu sync.Mutex
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		_ = json.Unmarshal(data, &got)
		mu.Unlock()
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, logger.NewNop())
	n.Notify(context.Background(), "critical", "breaker quarantined", "agent a1", "e7")

	mu.Lock()
	defer mu.Unlock()
	if got["severity"] != "critical" || got["title"] != "breaker quarantined" || got["correlation_id"] != "e7" {
		t.Errorf("delivered payload = %v", got)
	}
}

func TestWebhookNotifierSwallowsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	// Neither a 5xx nor an unreachable endpoint may panic or block.
	NewWebhookNotifier(srv.URL, logger.NewNop()).Notify(context.Background(), "warning", "t", "b", "c")
	NewWebhookNotifier("http://127.0.0.1:0", logger.NewNop()).Notify(context.Background(), "warning", "t", "b", "c")
}

func TestWatcherForwardsOperatorEvents(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	b := bus.NewInProcessBus(nil, clk, bus.Options{}, logger.NewNop())
	defer b.Close()

	sink := &captureNotifier{}
	w := NewWatcher(sink, b, logger.NewNop())
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	publish := func(eventType string) {
		t.Helper()
		if err := b.Publish(context.Background(), bus.NewEvent(eventType, "test", nil)); err != nil {
			t.Fatalf("Publish %s failed: %v", eventType, err)
		}
	}
	publish(events.BreakerQuarantined)
	publish(events.RollbackExecuted)
	// Routine traffic is not operator-worthy.
	publish("task.submitted")

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.titles()) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	titles := sink.titles()
	if len(titles) != 2 {
		t.Fatalf("notifications = %v, want the two watched events", titles)
	}
	// Delivery order across subscriptions is not guaranteed.
	seen := map[string]bool{titles[0]: true, titles[1]: true}
	if !seen[events.BreakerQuarantined] || !seen[events.RollbackExecuted] {
		t.Errorf("titles = %v", titles)
	}
}

func TestWatcherStopSilences(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	b := bus.NewInProcessBus(nil, clk, bus.Options{}, logger.NewNop())
	defer b.Close()

	sink := &captureNotifier{}
	w := NewWatcher(sink, b, logger.NewNop())
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	w.Stop()

	if err := b.Publish(context.Background(), bus.NewEvent(events.BreakerOpened, "test", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := sink.titles(); len(got) != 0 {
		t.Errorf("notifications after Stop = %v, want none", got)
	}
}

var _ Notifier = (*LogNotifier)(nil)

func TestLogNotifierDoesNotPanic(t *testing.T) {
	NewLogNotifier(logger.NewNop()).Notify(context.Background(), string(v1.SeverityCritical), "t", "b", "c")
}
