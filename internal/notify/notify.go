// Package notify delivers operator notifications. Notifier failures are
// swallowed and logged; notification must never break the control path.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/aios/aios/internal/common/logger"
	"github.com/aios/aios/internal/events"
	"github.com/aios/aios/internal/events/bus"
	v1 "github.com/aios/aios/pkg/api/v1"
)

// Notifier is the outbound notification contract.
type Notifier interface {
	Notify(ctx context.Context, severity, title, body, correlationID string)
}

// LogNotifier writes notifications to the structured log. The default sink
// when no webhook is configured.
type LogNotifier struct {
	log *logger.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log.WithFields(zap.String("component", "notifier"))}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, severity, title, body, correlationID string) {
	n.log.Warn("operator notification",
		zap.String("severity", severity),
		zap.String("title", title),
		zap.String("body", body),
		zap.String("correlation_id", correlationID))
}

// WebhookNotifier posts notifications as JSON to a configured URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
	log    *logger.Logger
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(url string, log *logger.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log.WithFields(zap.String("component", "notifier")),
	}
}

// Notify implements Notifier. Delivery failures are logged, never returned.
func (n *WebhookNotifier) Notify(ctx context.Context, severity, title, body, correlationID string) {
	payload, err := json.Marshal(map[string]string{
		"severity":       severity,
		"title":          title,
		"body":           body,
		"correlation_id": correlationID,
	})
	if err != nil {
		n.log.Error("failed to marshal notification", zap.Error(err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		n.log.Error("failed to build notification request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Error("notification delivery failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.log.Error("notification rejected",
			zap.Int("status", resp.StatusCode), zap.String("url", n.url))
	}
}

// watchedTypes are the events that page an operator: persistent breaker
// trouble, rollbacks, storage degradation, quarantine.
var watchedTypes = []string{
	events.BreakerOpened,
	events.BreakerQuarantined,
	events.RollbackExecuted,
	events.CoreStorageDegraded,
}

// Watcher subscribes to operator-worthy events and forwards them.
type Watcher struct {
	notifier Notifier
	bus      bus.EventBus
	log      *logger.Logger
	subs     []string
}

// NewWatcher creates the watcher.
func NewWatcher(notifier Notifier, eventBus bus.EventBus, log *logger.Logger) *Watcher {
	return &Watcher{
		notifier: notifier,
		bus:      eventBus,
		log:      log.WithFields(zap.String("component", "notify-watcher")),
	}
}

// Start subscribes to the watched event types.
func (w *Watcher) Start() error {
	for _, eventType := range watchedTypes {
		id, err := w.bus.Subscribe(eventType, w.forward)
		if err != nil {
			return fmt.Errorf("subscribe %q: %w", eventType, err)
		}
		w.subs = append(w.subs, id)
	}
	return nil
}

// Stop unsubscribes.
func (w *Watcher) Stop() {
	for _, id := range w.subs {
		w.bus.Unsubscribe(id)
	}
	w.subs = nil
}

func (w *Watcher) forward(ctx context.Context, event *v1.Event) {
	title := event.Type
	body := ""
	if data, err := json.Marshal(event.Payload); err == nil {
		body = string(data)
	}
	w.notifier.Notify(ctx, string(event.Severity), title, body, event.ID)
}
