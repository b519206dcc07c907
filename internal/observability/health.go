package observability

import (
	"github.com/aios/aios/internal/agent/registry"
	"github.com/aios/aios/internal/breaker"
	"github.com/aios/aios/internal/events/bus"
	"github.com/aios/aios/internal/events/store"
	v1 "github.com/aios/aios/pkg/api/v1"
)

// Health aggregates the component views the heartbeat's report needs.
type Health struct {
	breaker  *breaker.Breaker
	store    *store.Store
	bus      *bus.InProcessBus
	registry *registry.Registry
	metrics  *Metrics
}

// NewHealth wires the health aggregate.
func NewHealth(brk *breaker.Breaker, st *store.Store, eventBus *bus.InProcessBus, reg *registry.Registry, m *Metrics) *Health {
	return &Health{breaker: brk, store: st, bus: eventBus, registry: reg, metrics: m}
}

// BreakerSnapshot returns all breaker keys not in the closed state.
func (h *Health) BreakerSnapshot() []v1.BreakerInfo {
	if h.breaker == nil {
		return nil
	}
	snapshot := h.breaker.Snapshot()
	if h.metrics != nil {
		h.metrics.UpdateBreakers(len(snapshot))
	}
	return snapshot
}

// StorageBytes reports the total size of the append logs.
func (h *Health) StorageBytes() int64 {
	if h.store == nil {
		return 0
	}
	return h.store.Size()
}

// StorageDegraded reports whether any persistence path is failing.
func (h *Health) StorageDegraded() bool {
	degraded := false
	if h.store != nil && h.store.Degraded() {
		degraded = true
	}
	if h.bus != nil && h.bus.StorageDegraded() {
		degraded = true
	}
	return degraded
}

// AgentCount reports the number of registered agents.
func (h *Health) AgentCount() int {
	if h.registry == nil {
		return 0
	}
	return len(h.registry.List())
}

// RecentFailureRate reports the task failure ratio observed so far.
func (h *Health) RecentFailureRate() float64 {
	if h.metrics == nil {
		return 0
	}
	return h.metrics.RecentFailureRate()
}
