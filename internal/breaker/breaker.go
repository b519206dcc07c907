// Package breaker implements per-key circuit breakers guarding agents and
// playbooks against repeated failures. Keys are "agentID|taskType" for
// dispatch and the playbook id for remediation.
package breaker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aios/aios/internal/common/clock"
	"github.com/aios/aios/internal/common/logger"
	"github.com/aios/aios/internal/events"
	"github.com/aios/aios/internal/events/bus"
	v1 "github.com/aios/aios/pkg/api/v1"
)

// State of one breaker key.
type State string

const (
	StateClosed      State = "closed"
	StateOpen        State = "open"
	StateHalfOpen    State = "half_open"
	StateQuarantined State = "quarantined"
)

// Config controls breaker behavior.
type Config struct {
	// Threshold failures within Window open the breaker.
	Threshold int
	Window    time.Duration
	// Cooldown before a half-open probe; doubles on probe failure up to
	// CooldownMax.
	Cooldown    time.Duration
	CooldownMax time.Duration
	// QuarantineAfter marks a key that has been open this long without a
	// probe success; quarantined keys need operator action.
	QuarantineAfter time.Duration
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:       3,
		Window:          10 * time.Minute,
		Cooldown:        time.Minute,
		CooldownMax:     30 * time.Minute,
		QuarantineAfter: 24 * time.Hour,
	}
}

// Key builds the dispatch breaker key for an agent and task type.
func Key(agentID, taskType string) string {
	return agentID + "|" + taskType
}

type keyState struct {
	state         State
	failures      []time.Time
	lastFailure   time.Time
	openedAt      time.Time
	cooldown      time.Duration
	probeInFlight bool
	lastSignature string
}

// Breaker is the per-key state machine set.
type Breaker struct {
	cfg Config
	clk clock.Clock
	bus bus.EventBus
	log *logger.Logger

	mu   sync.Mutex
	keys map[string]*keyState
}

// New creates a breaker set. eventBus may be nil in tests.
func New(cfg Config, clk clock.Clock, eventBus bus.EventBus, log *logger.Logger) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	if cfg.CooldownMax < cfg.Cooldown {
		cfg.CooldownMax = 30 * cfg.Cooldown
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Minute
	}
	if cfg.QuarantineAfter <= 0 {
		cfg.QuarantineAfter = 24 * time.Hour
	}
	return &Breaker{
		cfg:  cfg,
		clk:  clk,
		bus:  eventBus,
		log:  log.WithFields(zap.String("component", "breaker")),
		keys: make(map[string]*keyState),
	}
}

func (b *Breaker) key(key string) *keyState {
	ks, ok := b.keys[key]
	if !ok {
		ks = &keyState{state: StateClosed, cooldown: b.cfg.Cooldown}
		b.keys[key] = ks
	}
	return ks
}

// ShouldExecute reports whether a call through this key is currently allowed.
// In half-open, exactly one probe is permitted per cooldown lapse.
func (b *Breaker) ShouldExecute(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	ks := b.key(key)
	switch ks.state {
	case StateClosed:
		return true
	case StateQuarantined:
		return false
	case StateOpen:
		if b.clk.Since(ks.openedAt) >= b.cfg.QuarantineAfter {
			ks.state = StateQuarantined
			b.emit(events.BreakerQuarantined, key, ks)
			b.log.Warn("breaker quarantined, operator action required",
				zap.String("key", key))
			return false
		}
		if b.clk.Since(ks.openedAt) >= ks.cooldown {
			ks.state = StateHalfOpen
			ks.probeInFlight = true
			b.emit(events.BreakerHalfOpenProbe, key, ks)
			return true
		}
		return false
	case StateHalfOpen:
		if ks.probeInFlight {
			return false
		}
		ks.probeInFlight = true
		b.emit(events.BreakerHalfOpenProbe, key, ks)
		return true
	}
	return false
}

// RecordSuccess closes the key after a successful probe and trims the
// rolling failure window otherwise.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ks := b.key(key)
	switch ks.state {
	case StateHalfOpen:
		ks.state = StateClosed
		ks.failures = nil
		ks.cooldown = b.cfg.Cooldown
		ks.probeInFlight = false
		b.emit(events.BreakerClosed, key, ks)
	case StateClosed:
		ks.failures = b.trim(ks.failures)
	}
}

// RecordFailure counts a failure; opens the key at the threshold, and
// re-opens with doubled cooldown on a failed probe.
func (b *Breaker) RecordFailure(key, signature string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	ks := b.key(key)
	ks.lastFailure = now
	ks.lastSignature = signature

	switch ks.state {
	case StateClosed:
		ks.failures = append(b.trim(ks.failures), now)
		if len(ks.failures) >= b.cfg.Threshold {
			ks.state = StateOpen
			ks.openedAt = now
			b.emit(events.BreakerOpened, key, ks)
			b.log.Warn("breaker opened",
				zap.String("key", key),
				zap.String("signature", signature),
				zap.Int("failures", len(ks.failures)))
		}
	case StateHalfOpen:
		ks.state = StateOpen
		ks.openedAt = now
		ks.probeInFlight = false
		ks.cooldown = ks.cooldown * 2
		if ks.cooldown > b.cfg.CooldownMax {
			ks.cooldown = b.cfg.CooldownMax
		}
		b.emit(events.BreakerOpened, key, ks)
	}
}

// Reset closes a key unconditionally. Operator action for quarantined keys.
func (b *Breaker) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ks := b.key(key)
	ks.state = StateClosed
	ks.failures = nil
	ks.cooldown = b.cfg.Cooldown
	ks.probeInFlight = false
	b.emit(events.BreakerClosed, key, ks)
}

// StateOf returns the current state of a key.
func (b *Breaker) StateOf(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.key(key).state
}

// OpenedAt returns when the key opened; zero time when not open. Used by the
// router to pick the least-recently-opened candidate as a probe.
func (b *Breaker) OpenedAt(key string) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	ks, ok := b.keys[key]
	if !ok || (ks.state != StateOpen && ks.state != StateQuarantined) {
		return time.Time{}
	}
	return ks.openedAt
}

// Snapshot returns the non-closed keys for health reporting.
func (b *Breaker) Snapshot() []v1.BreakerInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []v1.BreakerInfo
	for key, ks := range b.keys {
		if ks.state == StateClosed {
			continue
		}
		info := v1.BreakerInfo{
			Key:          key,
			State:        string(ks.state),
			FailureCount: len(ks.failures),
			CooldownMS:   ks.cooldown.Milliseconds(),
		}
		if !ks.openedAt.IsZero() {
			info.OpenedAtMS = ks.openedAt.UnixMilli()
		}
		out = append(out, info)
	}
	return out
}

// trim drops failures older than the rolling window.
func (b *Breaker) trim(failures []time.Time) []time.Time {
	cutoff := b.clk.Now().Add(-b.cfg.Window)
	kept := failures[:0]
	for _, t := range failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// emit publishes a breaker transition event. Caller holds b.mu; publishing
// is queue-based so this never blocks on subscribers.
func (b *Breaker) emit(eventType, key string, ks *keyState) {
	if b.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "breaker", map[string]interface{}{
		"key":           key,
		"state":         string(ks.state),
		"failure_count": len(ks.failures),
		"cooldown_ms":   ks.cooldown.Milliseconds(),
		"signature":     ks.lastSignature,
	})
	if err := b.bus.Publish(context.Background(), event); err != nil {
		b.log.Error("failed to publish breaker event",
			zap.String("key", key), zap.Error(err))
	}
}
