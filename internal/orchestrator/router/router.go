// Package router resolves a task to an agent id. Selection policy, in
// order: explicit assignment, exact task-type eligibility, keyword match
// with load tie-break, then the designated fallback agent.
package router

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aios/aios/internal/agent/registry"
	"github.com/aios/aios/internal/breaker"
	"github.com/aios/aios/internal/common/errors"
	"github.com/aios/aios/internal/common/logger"
	v1 "github.com/aios/aios/pkg/api/v1"
)

// FallbackAgentID is the generic agent used when nothing else matches.
const FallbackAgentID = "coder"

// LoadReporter reports how many tasks an agent currently has in flight.
// Implemented by the dispatcher.
type LoadReporter interface {
	InFlight(agentID string) int
}

// Router picks agents for tasks.
type Router struct {
	registry *registry.Registry
	breaker  *breaker.Breaker
	load     LoadReporter
	log      *logger.Logger
}

// New creates a router. load may be nil (treated as zero load everywhere).
func New(reg *registry.Registry, brk *breaker.Breaker, load LoadReporter, log *logger.Logger) *Router {
	return &Router{
		registry: reg,
		breaker:  brk,
		load:     load,
		log:      log.WithFields(zap.String("component", "router")),
	}
}

// Route returns the agent for a task. It returns an unknown_agent rejection
// when no agent is eligible, and a breaker_open rejection when every
// candidate's breaker refuses the call and no probe is warranted.
func (r *Router) Route(task *v1.Task) (*v1.Agent, error) {
	// Explicit assignment wins.
	if task.AssignedAgentID != "" {
		agent, err := r.registry.Get(task.AssignedAgentID)
		if err != nil {
			return nil, errors.Rejected(errors.SigUnknownAgent,
				"assigned agent '"+task.AssignedAgentID+"' is not registered")
		}
		if r.breaker != nil && !r.breaker.ShouldExecute(breaker.Key(agent.ID, task.Type)) {
			return nil, r.breakerRejection(agent.ID, task.Type)
		}
		return agent, nil
	}

	candidates := r.candidates(task)
	if len(candidates) == 0 {
		return nil, errors.Rejected(errors.SigUnknownAgent,
			"no agent eligible for task type '"+task.Type+"'")
	}

	agent := r.pick(task, candidates)
	if agent == nil {
		return nil, errors.Rejected(errors.SigBreakerOpen,
			"all agents for task type '"+task.Type+"' have open breakers")
	}
	return agent, nil
}

// candidates builds the ordered candidate list: exact type matches first,
// then keyword matches, then the fallback agent.
func (r *Router) candidates(task *v1.Task) []*v1.Agent {
	env := task.Env
	if env == "" {
		env = v1.EnvProd
	}
	all := r.registry.List()

	var exact []*v1.Agent
	for _, a := range all {
		if a.Env == env && a.EligibleFor(task.Type) {
			exact = append(exact, a)
		}
	}
	if len(exact) > 0 {
		return exact
	}

	// Skill match: description tokens against declared keywords, ties
	// resolved by lower current load.
	tokens := tokenize(task.Description)
	best := 0
	var byScore []*v1.Agent
	for _, a := range all {
		if a.Env != env {
			continue
		}
		score := keywordScore(a, tokens)
		if score == 0 {
			continue
		}
		if score > best {
			best = score
			byScore = []*v1.Agent{a}
		} else if score == best {
			byScore = append(byScore, a)
		}
	}
	if len(byScore) > 1 && r.load != nil {
		least := byScore[0]
		for _, a := range byScore[1:] {
			if r.load.InFlight(a.ID) < r.load.InFlight(least.ID) {
				least = a
			}
		}
		byScore = []*v1.Agent{least}
	}
	if len(byScore) > 0 {
		return byScore
	}

	if fallback, err := r.registry.Get(FallbackAgentID); err == nil && fallback.Env == env {
		return []*v1.Agent{fallback}
	}
	return nil
}

// pick applies the breaker to the candidate list. Candidates with open
// breakers are skipped; when every candidate is open, the least-recently
// opened one is offered as a probe.
func (r *Router) pick(task *v1.Task, candidates []*v1.Agent) *v1.Agent {
	if r.breaker == nil {
		return candidates[0]
	}
	for _, a := range candidates {
		if r.breaker.ShouldExecute(breaker.Key(a.ID, task.Type)) {
			return a
		}
	}

	var probe *v1.Agent
	var oldest time.Time
	for _, a := range candidates {
		openedAt := r.breaker.OpenedAt(breaker.Key(a.ID, task.Type))
		if openedAt.IsZero() {
			continue
		}
		if probe == nil || openedAt.Before(oldest) {
			probe, oldest = a, openedAt
		}
	}
	if probe != nil {
		r.log.Warn("all candidate breakers open, probing least-recently-opened",
			zap.String("agent_id", probe.ID),
			zap.String("task_type", task.Type))
	}
	return probe
}

func (r *Router) breakerRejection(agentID, taskType string) error {
	sig := errors.SigBreakerOpen
	if r.breaker.StateOf(breaker.Key(agentID, taskType)) == breaker.StateQuarantined {
		sig = errors.SigQuarantined
	}
	return errors.Rejected(sig, "agent '"+agentID+"' is not accepting '"+taskType+"' tasks")
}

func tokenize(description string) map[string]bool {
	tokens := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(description), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(tok) > 2 {
			tokens[tok] = true
		}
	}
	return tokens
}

func keywordScore(a *v1.Agent, tokens map[string]bool) int {
	score := 0
	for _, kw := range a.Keywords {
		if tokens[strings.ToLower(kw)] {
			score++
		}
	}
	return score
}
