package allowlist

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Stratton1/SOLATv3.1-sub000/bus"
	"github.com/Stratton1/SOLATv3.1-sub000/storage"
	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// Proposal statuses.
const (
	ProposalPending  = "pending"
	ProposalApplied  = "applied"
	ProposalRejected = "rejected"
)

// Proposal is a set of combos awaiting operator approval. Proposals are never
// auto-applied.
type Proposal struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	SourceRunID string    `json:"source_run_id"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	AppliedAt   time.Time `json:"applied_at"`
	Entries     []Entry   `json:"entries"`
}

// ProposalStore persists proposals under proposals/{id}.json.
type ProposalStore struct {
	layout storage.Layout
}

func NewProposalStore(layout storage.Layout) *ProposalStore {
	return &ProposalStore{layout: layout}
}

// Create writes a new pending proposal.
func (p *ProposalStore) Create(entries []Entry, sourceRunID string) (*Proposal, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("proposal needs at least one entry")
	}
	proposal := &Proposal{
		ID:          "prop_" + uuid.NewString()[:8],
		CreatedAt:   time.Now().UTC(),
		SourceRunID: sourceRunID,
		Status:      ProposalPending,
		Entries:     entries,
	}
	if err := storage.WriteJSONAtomic(p.layout.ProposalPath(proposal.ID), proposal); err != nil {
		return nil, err
	}
	log.Info().Str("proposal_id", proposal.ID).Int("entries", len(entries)).Msg("Proposal created")
	return proposal, nil
}

// Get loads one proposal by id.
func (p *ProposalStore) Get(id string) (*Proposal, error) {
	var proposal Proposal
	if err := storage.ReadJSON(p.layout.ProposalPath(id), &proposal); err != nil {
		return nil, err
	}
	return &proposal, nil
}

// List returns all proposals, newest first.
func (p *ProposalStore) List() ([]Proposal, error) {
	pattern := p.layout.ProposalPath("*")
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	var out []Proposal
	for _, path := range paths {
		var proposal Proposal
		if err := storage.ReadJSON(path, &proposal); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Skipping unreadable proposal")
			continue
		}
		out = append(out, proposal)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (p *ProposalStore) save(proposal *Proposal) error {
	return storage.WriteJSONAtomic(p.layout.ProposalPath(proposal.ID), proposal)
}

// Apply merges a pending proposal into the allowlist. Only DEMO mode may
// apply; in LIVE the proposal is marked rejected and an error returned.
func (p *ProposalStore) Apply(id string, mode types.Mode, store *Store) (*Proposal, error) {
	proposal, err := p.Get(id)
	if err != nil {
		return nil, err
	}
	if proposal.Status != ProposalPending {
		return proposal, fmt.Errorf("proposal %s is %s, not pending", id, proposal.Status)
	}

	if mode != types.ModeDemo {
		proposal.Status = ProposalRejected
		proposal.Reason = "LIVE mode blocked: proposals can only be applied in DEMO"
		if saveErr := p.save(proposal); saveErr != nil {
			return proposal, saveErr
		}
		log.Warn().Str("proposal_id", id).Msg("Proposal apply blocked in LIVE mode")
		return proposal, fmt.Errorf("apply blocked in %s mode", mode)
	}

	var combos []string
	for _, entry := range proposal.Entries {
		if err := store.Upsert(entry); err != nil {
			return proposal, err
		}
		combos = append(combos, entry.Key.String())
	}

	proposal.Status = ProposalApplied
	proposal.AppliedAt = time.Now().UTC()
	if err := p.save(proposal); err != nil {
		return proposal, err
	}

	bus.Get().Publish(bus.Event{
		Type:      bus.EventRecommendationApplied,
		Timestamp: time.Now().UTC(),
		RunID:     proposal.SourceRunID,
		Data:      map[string]any{"proposal_id": proposal.ID, "combos": strings.Join(combos, ",")},
	})
	log.Info().Str("proposal_id", id).Int("entries", len(proposal.Entries)).Msg("Proposal applied")
	return proposal, nil
}
