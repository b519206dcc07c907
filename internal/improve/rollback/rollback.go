// Package rollback owns agent config snapshot history and reverts agents to
// a prior snapshot, either on explicit request or when a change regresses.
package rollback

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/aios/aios/internal/common/clock"
	"github.com/aios/aios/internal/common/errors"
	"github.com/aios/aios/internal/common/logger"
	"github.com/aios/aios/internal/events"
	"github.com/aios/aios/internal/events/bus"
	"github.com/aios/aios/internal/events/store"
	v1 "github.com/aios/aios/pkg/api/v1"
)

// maxHistoryDepth bounds the in-memory snapshot stack per agent. The full
// history stays in the rollback stream.
const maxHistoryDepth = 20

// Origin of a snapshot: a regular config update, or a restore the manager
// itself performed. Reverts only target update-origin snapshots so that
// reverting twice is a no-op, not a ping-pong.
const (
	originUpdate  = "update"
	originRestore = "restore"
)

// AgentRestorer reverts an agent's live config. Implemented by the registry.
type AgentRestorer interface {
	Restore(ctx context.Context, id string, snapshot *v1.Agent) (int64, error)
}

// Thresholds define what counts as a regression after a config change.
type Thresholds struct {
	// SuccessRateDrop triggers when after.SuccessRate < before - drop.
	SuccessRateDrop float64
	// DurationIncrease triggers when avg duration grows by more than this
	// fraction.
	DurationIncrease float64
	// MinSamples is the verification window floor.
	MinSamples int
}

// DefaultThresholds returns the stock regression bounds.
func DefaultThresholds() Thresholds {
	return Thresholds{SuccessRateDrop: 0.10, DurationIncrease: 0.20, MinSamples: 5}
}

type snapshotRecord struct {
	AgentID string    `json:"agent_id"`
	TSMS    int64     `json:"ts_ms"`
	Origin  string    `json:"origin"`
	Agent   *v1.Agent `json:"agent"`
}

// Manager is the snapshot sink and revert executor.
type Manager struct {
	store      *store.Store
	restorer   AgentRestorer
	bus        bus.EventBus
	clk        clock.Clock
	log        *logger.Logger
	thresholds Thresholds

	mu        sync.Mutex
	history   map[string][]*snapshotRecord
	restoring map[string]bool
}

// New creates a rollback manager. st and eventBus may be nil in tests.
func New(st *store.Store, restorer AgentRestorer, eventBus bus.EventBus, clk clock.Clock, thresholds Thresholds, log *logger.Logger) *Manager {
	if thresholds.SuccessRateDrop <= 0 {
		thresholds.SuccessRateDrop = 0.10
	}
	if thresholds.DurationIncrease <= 0 {
		thresholds.DurationIncrease = 0.20
	}
	if thresholds.MinSamples <= 0 {
		thresholds.MinSamples = 5
	}
	return &Manager{
		store:      st,
		restorer:   restorer,
		bus:        eventBus,
		clk:        clk,
		log:        log.WithFields(zap.String("component", "rollback")),
		thresholds: thresholds,
		history:    make(map[string][]*snapshotRecord),
		restoring:  make(map[string]bool),
	}
}

// Load rebuilds the in-memory history from the rollback stream.
func (m *Manager) Load() error {
	if m.store == nil {
		return nil
	}
	records, err := m.store.ReadAll(store.StreamRollback, store.ReadOptions{})
	if err != nil {
		return errors.Wrap(err, "read rollback stream")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		var sr snapshotRecord
		if err := rec.Decode(&sr); err != nil || sr.Agent == nil {
			continue
		}
		m.pushLocked(&sr)
	}
	return nil
}

// Snapshot records the prior config before a mutation. Implements the
// registry's snapshot sink; called under the registry's per-agent lock.
func (m *Manager) Snapshot(agent *v1.Agent) error {
	origin := originUpdate
	m.mu.Lock()
	if m.restoring[agent.ID] {
		origin = originRestore
	}
	sr := &snapshotRecord{
		AgentID: agent.ID,
		TSMS:    m.clk.NowMS(),
		Origin:  origin,
		Agent:   agent,
	}
	m.pushLocked(sr)
	m.mu.Unlock()

	if m.store != nil {
		if _, err := m.store.Append(store.StreamRollback, sr); err != nil {
			return fmt.Errorf("persist snapshot for %s: %w", agent.ID, err)
		}
	}
	return nil
}

// RevertLatest restores the most recent update-origin snapshot. Calling it
// again after a successful revert is a no-op because the live config already
// equals that snapshot.
func (m *Manager) RevertLatest(ctx context.Context, agentID, reason string) error {
	m.mu.Lock()
	var target *snapshotRecord
	for i := len(m.history[agentID]) - 1; i >= 0; i-- {
		if m.history[agentID][i].Origin == originUpdate {
			target = m.history[agentID][i]
			break
		}
	}
	m.mu.Unlock()
	if target == nil {
		return errors.NotFound("snapshot for agent", agentID)
	}
	return m.revert(ctx, agentID, target, reason)
}

// RevertToVersion restores the snapshot carrying the given config version.
func (m *Manager) RevertToVersion(ctx context.Context, agentID string, version int64, reason string) error {
	m.mu.Lock()
	var target *snapshotRecord
	for i := len(m.history[agentID]) - 1; i >= 0; i-- {
		if m.history[agentID][i].Agent.ConfigVersion == version {
			target = m.history[agentID][i]
			break
		}
	}
	m.mu.Unlock()
	if target == nil {
		return errors.NotFound("snapshot version for agent", agentID)
	}
	return m.revert(ctx, agentID, target, reason)
}

// History returns the snapshot configs for an agent, oldest first.
func (m *Manager) History(agentID string) []*v1.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*v1.Agent, 0, len(m.history[agentID]))
	for _, sr := range m.history[agentID] {
		out = append(out, sr.Agent.Clone())
	}
	return out
}

// Regressed reports whether after-metrics regress against before-metrics
// past the configured thresholds, with enough samples to trust the window.
func (m *Manager) Regressed(before, after v1.AgentMetrics) bool {
	if after.SampleCount < m.thresholds.MinSamples {
		return false
	}
	if after.SuccessRate < before.SuccessRate-m.thresholds.SuccessRateDrop {
		return true
	}
	if before.AvgDurationMS > 0 {
		limit := float64(before.AvgDurationMS) * (1 + m.thresholds.DurationIncrease)
		if float64(after.AvgDurationMS) > limit {
			return true
		}
	}
	return false
}

func (m *Manager) revert(ctx context.Context, agentID string, target *snapshotRecord, reason string) error {
	m.mu.Lock()
	m.restoring[agentID] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.restoring, agentID)
		m.mu.Unlock()
	}()

	newVersion, err := m.restorer.Restore(ctx, agentID, target.Agent)
	if err != nil {
		return errors.Wrap(err, "restore agent "+agentID)
	}

	m.log.Info("agent reverted",
		zap.String("agent_id", agentID),
		zap.Int64("snapshot_version", target.Agent.ConfigVersion),
		zap.Int64("new_version", newVersion),
		zap.String("reason", reason))

	if m.bus != nil {
		event := bus.NewEvent(events.RollbackExecuted, "rollback", map[string]interface{}{
			"snapshot_version": target.Agent.ConfigVersion,
			"new_version":      newVersion,
			"reason":           reason,
		})
		event.AgentID = agentID
		if err := m.bus.Publish(ctx, event); err != nil {
			m.log.Error("failed to publish rollback event", zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) pushLocked(sr *snapshotRecord) {
	stack := append(m.history[sr.AgentID], sr)
	if len(stack) > maxHistoryDepth {
		stack = stack[len(stack)-maxHistoryDepth:]
	}
	m.history[sr.AgentID] = stack
}
