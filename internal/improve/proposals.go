package improve

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/aios/aios/internal/common/clock"
	"github.com/aios/aios/internal/common/errors"
	"github.com/aios/aios/internal/common/logger"
	"github.com/aios/aios/internal/events/store"
	v1 "github.com/aios/aios/pkg/api/v1"
)

// proposalStore keeps the live proposal set, journaling every state change
// to the proposals stream. The current view is rebuilt from the journal on
// start by keeping the last record per proposal id.
type proposalStore struct {
	store *store.Store
	clk   clock.Clock
	log   *logger.Logger

	mu        sync.Mutex
	proposals map[string]*v1.ChangeProposal
}

func newProposalStore(st *store.Store, clk clock.Clock, log *logger.Logger) *proposalStore {
	return &proposalStore{
		store:     st,
		clk:       clk,
		log:       log,
		proposals: make(map[string]*v1.ChangeProposal),
	}
}

func (p *proposalStore) load() error {
	if p.store == nil {
		return nil
	}
	records, err := p.store.ReadAll(store.StreamProposals, store.ReadOptions{})
	if err != nil {
		return errors.Wrap(err, "read proposals stream")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range records {
		var prop v1.ChangeProposal
		if err := rec.Decode(&prop); err != nil {
			continue
		}
		p.proposals[prop.ID] = &prop
	}
	return nil
}

// save journals the proposal's current state and updates the live view.
func (p *proposalStore) save(prop *v1.ChangeProposal) {
	prop.UpdatedAtMS = p.clk.NowMS()
	cp := *prop

	p.mu.Lock()
	p.proposals[prop.ID] = &cp
	p.mu.Unlock()

	if p.store == nil {
		return
	}
	if _, err := p.store.Append(store.StreamProposals, &cp); err != nil {
		p.log.Error("failed to journal proposal",
			zap.String("proposal_id", prop.ID), zap.Error(err))
	}
}

func (p *proposalStore) get(id string) (*v1.ChangeProposal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prop, ok := p.proposals[id]; ok {
		cp := *prop
		return &cp, nil
	}
	return nil, errors.NotFound("proposal", id)
}

// list returns proposals, optionally filtered by status, newest first.
func (p *proposalStore) list(status v1.ProposalStatus) []*v1.ChangeProposal {
	p.mu.Lock()
	out := make([]*v1.ChangeProposal, 0, len(p.proposals))
	for _, prop := range p.proposals {
		if status != "" && prop.Status != status {
			continue
		}
		cp := *prop
		out = append(out, &cp)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtMS > out[j].CreatedAtMS })
	return out
}

// hasOpenFor reports whether the agent already has a non-terminal proposal.
func (p *proposalStore) hasOpenFor(agentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, prop := range p.proposals {
		if prop.TargetAgentID != agentID {
			continue
		}
		switch prop.Status {
		case v1.ProposalDraft, v1.ProposalGated, v1.ProposalApproved, v1.ProposalApplied:
			return true
		}
	}
	return false
}
