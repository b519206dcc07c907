// Package registry stores the authoritative live agent configuration.
// Reads are copy-on-write; updates are serialized per agent, snapshot the
// prior version for rollback, bump the config version, and emit
// agent.config.updated. Stats updates take a separate fast path that never
// bumps the version.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/aios/aios/internal/common/clock"
	"github.com/aios/aios/internal/common/errors"
	"github.com/aios/aios/internal/common/logger"
	"github.com/aios/aios/internal/events"
	"github.com/aios/aios/internal/events/bus"
	"github.com/aios/aios/internal/events/store"
	v1 "github.com/aios/aios/pkg/api/v1"
)

// SnapshotSink receives the prior record before every config mutation.
// Implemented by the rollback manager.
type SnapshotSink interface {
	Snapshot(agent *v1.Agent) error
}

// Patch is a partial agent config update. Nil fields are left unchanged.
type Patch struct {
	ModelID         *string           `json:"model_id,omitempty"`
	ThinkingLevel   *v1.ThinkingLevel `json:"thinking_level,omitempty"`
	TimeoutMS       *int64            `json:"timeout_ms,omitempty"`
	SystemPrompt    *string           `json:"system_prompt,omitempty"`
	MaxConcurrent   *int              `json:"max_concurrent,omitempty"`
	TaskTypes       []string          `json:"task_types,omitempty"`
	Keywords        []string          `json:"keywords,omitempty"`
	ToolPermissions []string          `json:"tool_permissions,omitempty"`
	Critical        *bool             `json:"critical,omitempty"`
}

// Fields returns the names of the fields the patch sets.
func (p *Patch) Fields() []string {
	var out []string
	if p.ModelID != nil {
		out = append(out, "model_id")
	}
	if p.ThinkingLevel != nil {
		out = append(out, "thinking_level")
	}
	if p.TimeoutMS != nil {
		out = append(out, "timeout_ms")
	}
	if p.SystemPrompt != nil {
		out = append(out, "system_prompt")
	}
	if p.MaxConcurrent != nil {
		out = append(out, "max_concurrent")
	}
	if p.TaskTypes != nil {
		out = append(out, "task_types")
	}
	if p.Keywords != nil {
		out = append(out, "keywords")
	}
	if p.ToolPermissions != nil {
		out = append(out, "tool_permissions")
	}
	if p.Critical != nil {
		out = append(out, "critical")
	}
	return out
}

// statsCell holds the lock-free stats counters for one agent.
type statsCell struct {
	completed   atomic.Int64
	failed      atomic.Int64
	durationSum atomic.Int64
	lastFailure atomic.Int64
}

func (c *statsCell) view() v1.AgentStats {
	completed := c.completed.Load()
	failed := c.failed.Load()
	total := completed + failed
	stats := v1.AgentStats{
		TasksCompleted: completed,
		TasksFailed:    failed,
		LastFailureMS:  c.lastFailure.Load(),
	}
	if total > 0 {
		stats.SuccessRate = float64(completed) / float64(total)
		stats.AvgDurationMS = c.durationSum.Load() / total
	}
	return stats
}

// Registry is the agent config store.
type Registry struct {
	log   *logger.Logger
	clk   clock.Clock
	bus   bus.EventBus
	store *store.Store
	// snapshotPath is the replaceable current-set file (agent_configs.json).
	snapshotPath string

	mu     sync.RWMutex
	agents map[string]*v1.Agent
	locks  map[string]*sync.Mutex
	stats  map[string]*statsCell

	sink SnapshotSink
}

// NewRegistry creates an empty registry. st and eventBus may be nil in tests.
func NewRegistry(st *store.Store, eventBus bus.EventBus, clk clock.Clock, dataDir string, log *logger.Logger) *Registry {
	return &Registry{
		log:          log.WithFields(zap.String("component", "agent-registry")),
		clk:          clk,
		bus:          eventBus,
		store:        st,
		snapshotPath: filepath.Join(dataDir, "agent_configs.json"),
		agents:       make(map[string]*v1.Agent),
		locks:        make(map[string]*sync.Mutex),
		stats:        make(map[string]*statsCell),
	}
}

// SetSnapshotSink wires the rollback manager. Must be called before updates.
func (r *Registry) SetSnapshotSink(sink SnapshotSink) {
	r.sink = sink
}

// Load restores the agent set from agent_configs.json, falling back to the
// built-in defaults when the file does not exist.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			for _, a := range DefaultAgents() {
				if err := r.Register(a); err != nil {
					return err
				}
			}
			return nil
		}
		return err
	}
	var agents []*v1.Agent
	if err := json.Unmarshal(data, &agents); err != nil {
		return fmt.Errorf("parse %s: %w", r.snapshotPath, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range agents {
		r.agents[a.ID] = a
		r.locks[a.ID] = &sync.Mutex{}
		cell := &statsCell{}
		cell.completed.Store(a.Stats.TasksCompleted)
		cell.failed.Store(a.Stats.TasksFailed)
		cell.durationSum.Store(a.Stats.AvgDurationMS * (a.Stats.TasksCompleted + a.Stats.TasksFailed))
		cell.lastFailure.Store(a.Stats.LastFailureMS)
		r.stats[a.ID] = cell
	}
	return nil
}

// Register adds a new agent with config version 1.
func (r *Registry) Register(agent *v1.Agent) error {
	if agent.ID == "" {
		return errors.BadRequest("agent id is required")
	}
	if agent.MaxConcurrent <= 0 {
		agent.MaxConcurrent = 2
	}
	if agent.Env == "" {
		agent.Env = v1.EnvProd
	}
	if agent.ThinkingLevel == "" {
		agent.ThinkingLevel = v1.ThinkingMedium
	}
	agent.ConfigVersion = 1

	r.mu.Lock()
	if _, exists := r.agents[agent.ID]; exists {
		r.mu.Unlock()
		return errors.Conflict(fmt.Sprintf("agent '%s' already registered", agent.ID))
	}
	r.agents[agent.ID] = agent.Clone()
	r.locks[agent.ID] = &sync.Mutex{}
	r.stats[agent.ID] = &statsCell{}
	r.mu.Unlock()

	r.persist()
	return nil
}

// Get returns a copy of the agent record with live stats folded in.
func (r *Registry) Get(id string) (*v1.Agent, error) {
	r.mu.RLock()
	agent, ok := r.agents[id]
	cell := r.stats[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound("agent", id)
	}
	cp := agent.Clone()
	if cell != nil {
		cp.Stats = cell.view()
	}
	return cp, nil
}

// List returns copies of all agents, ordered by id.
func (r *Registry) List() []*v1.Agent {
	r.mu.RLock()
	out := make([]*v1.Agent, 0, len(r.agents))
	for id, a := range r.agents {
		cp := a.Clone()
		if cell := r.stats[id]; cell != nil {
			cp.Stats = cell.view()
		}
		out = append(out, cp)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Update applies a patch: snapshot prior, bump version, write, emit.
// Returns the new config version.
func (r *Registry) Update(ctx context.Context, id string, patch *Patch) (int64, error) {
	r.mu.RLock()
	lock, ok := r.locks[id]
	r.mu.RUnlock()
	if !ok {
		return 0, errors.NotFound("agent", id)
	}

	// Serialize mutations per agent; concurrent readers keep the old copy.
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	current := r.agents[id]
	r.mu.RUnlock()
	if current == nil {
		return 0, errors.NotFound("agent", id)
	}

	if r.sink != nil {
		if err := r.sink.Snapshot(current.Clone()); err != nil {
			return 0, errors.Wrap(err, "snapshot before update")
		}
	}

	next := current.Clone()
	applyPatch(next, patch)
	next.ConfigVersion = current.ConfigVersion + 1

	r.mu.Lock()
	r.agents[id] = next
	r.mu.Unlock()

	r.persist()
	r.appendHistory(next)
	r.emitUpdated(ctx, next, patch.Fields(), false)
	return next.ConfigVersion, nil
}

// Restore reverts an agent's configuration to a snapshot. Idempotent: when
// the live config already equals the snapshot, nothing changes and the
// current version is returned.
func (r *Registry) Restore(ctx context.Context, id string, snapshot *v1.Agent) (int64, error) {
	r.mu.RLock()
	lock, ok := r.locks[id]
	r.mu.RUnlock()
	if !ok {
		return 0, errors.NotFound("agent", id)
	}

	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	current := r.agents[id]
	r.mu.RUnlock()
	if current == nil {
		return 0, errors.NotFound("agent", id)
	}
	if current.ConfigEqual(snapshot) {
		return current.ConfigVersion, nil
	}

	if r.sink != nil {
		if err := r.sink.Snapshot(current.Clone()); err != nil {
			return 0, errors.Wrap(err, "snapshot before restore")
		}
	}

	next := snapshot.Clone()
	next.ID = id
	next.ConfigVersion = current.ConfigVersion + 1

	r.mu.Lock()
	r.agents[id] = next
	r.mu.Unlock()

	r.persist()
	r.appendHistory(next)
	r.emitUpdated(ctx, next, []string{"restored"}, true)
	return next.ConfigVersion, nil
}

// RecordOutcome is the stats fast path. It never touches the config record.
func (r *Registry) RecordOutcome(id string, success bool, durationMS int64) {
	r.mu.RLock()
	cell := r.stats[id]
	r.mu.RUnlock()
	if cell == nil {
		return
	}
	if success {
		cell.completed.Add(1)
	} else {
		cell.failed.Add(1)
		cell.lastFailure.Store(r.clk.NowMS())
	}
	cell.durationSum.Add(durationMS)
}

func applyPatch(a *v1.Agent, p *Patch) {
	if p.ModelID != nil {
		a.ModelID = *p.ModelID
	}
	if p.ThinkingLevel != nil {
		a.ThinkingLevel = *p.ThinkingLevel
	}
	if p.TimeoutMS != nil {
		a.TimeoutMS = *p.TimeoutMS
	}
	if p.SystemPrompt != nil {
		a.SystemPrompt = *p.SystemPrompt
	}
	if p.MaxConcurrent != nil {
		a.MaxConcurrent = *p.MaxConcurrent
	}
	if p.TaskTypes != nil {
		a.TaskTypes = append([]string(nil), p.TaskTypes...)
	}
	if p.Keywords != nil {
		a.Keywords = append([]string(nil), p.Keywords...)
	}
	if p.ToolPermissions != nil {
		a.ToolPermissions = append([]string(nil), p.ToolPermissions...)
	}
	if p.Critical != nil {
		a.Critical = *p.Critical
	}
}

// persist rewrites agent_configs.json atomically.
func (r *Registry) persist() {
	agents := r.List()
	data, err := json.MarshalIndent(agents, "", "  ")
	if err != nil {
		r.log.Error("failed to marshal agent configs", zap.Error(err))
		return
	}
	tmp := r.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		r.log.Error("failed to write agent configs", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, r.snapshotPath); err != nil {
		r.log.Error("failed to replace agent configs", zap.Error(err))
	}
}

func (r *Registry) appendHistory(agent *v1.Agent) {
	if r.store == nil {
		return
	}
	if _, err := r.store.Append(store.StreamAgentConfigs, agent); err != nil {
		r.log.Error("failed to append agent config history",
			zap.String("agent_id", agent.ID), zap.Error(err))
	}
}

func (r *Registry) emitUpdated(ctx context.Context, agent *v1.Agent, fields []string, restored bool) {
	if r.bus == nil {
		return
	}
	event := bus.NewEvent(events.AgentConfigUpdated, "agent-registry", map[string]interface{}{
		"config_version": agent.ConfigVersion,
		"fields":         fields,
		"restored":       restored,
	})
	event.AgentID = agent.ID
	if err := r.bus.Publish(ctx, event); err != nil {
		r.log.Error("failed to publish config update event",
			zap.String("agent_id", agent.ID), zap.Error(err))
	}
}
