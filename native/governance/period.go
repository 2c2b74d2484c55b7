package governance

import (
	"errors"
	"fmt"
)

// Phase enumerates the stages of a voting cycle in chain order.
type Phase uint8

const (
	PhaseUndefined Phase = iota
	PhaseProposal
	PhaseBreak1
	PhaseBlindVote
	PhaseBreak2
	PhaseVoteReveal
	PhaseBreak3
	PhaseResult
)

// String implements fmt.Stringer for logging and API output.
func (p Phase) String() string {
	switch p {
	case PhaseProposal:
		return "PROPOSAL"
	case PhaseBreak1:
		return "BREAK1"
	case PhaseBlindVote:
		return "BLIND_VOTE"
	case PhaseBreak2:
		return "BREAK2"
	case PhaseVoteReveal:
		return "VOTE_REVEAL"
	case PhaseBreak3:
		return "BREAK3"
	case PhaseResult:
		return "RESULT"
	default:
		return "UNDEFINED"
	}
}

// PhaseDuration is the length of one phase in blocks.
type PhaseDuration struct {
	Phase  Phase
	Blocks int
}

// DefaultPhaseDurations mirrors the mainnet cycle of roughly one month.
func DefaultPhaseDurations() []PhaseDuration {
	return []PhaseDuration{
		{Phase: PhaseProposal, Blocks: 3600},
		{Phase: PhaseBreak1, Blocks: 150},
		{Phase: PhaseBlindVote, Blocks: 600},
		{Phase: PhaseBreak2, Blocks: 10},
		{Phase: PhaseVoteReveal, Blocks: 300},
		{Phase: PhaseBreak3, Blocks: 10},
		{Phase: PhaseResult, Blocks: 10},
	}
}

var errInvalidPhases = errors.New("governance: invalid phase durations")

// Cycle is one voting cycle starting at StartHeight.
type Cycle struct {
	Index       int
	StartHeight int
	phases      []PhaseDuration
}

// Length returns the number of blocks of the cycle.
func (c Cycle) Length() int {
	n := 0
	for _, p := range c.phases {
		n += p.Blocks
	}
	return n
}

// EndHeight is the last block of the cycle.
func (c Cycle) EndHeight() int { return c.StartHeight + c.Length() - 1 }

// FirstBlockOfPhase returns the first block of phase, or -1 if the cycle has no such phase.
func (c Cycle) FirstBlockOfPhase(phase Phase) int {
	height := c.StartHeight
	for _, p := range c.phases {
		if p.Phase == phase {
			return height
		}
		height += p.Blocks
	}
	return -1
}

// LastBlockOfPhase returns the last block of phase, or -1 if the cycle has no such phase.
func (c Cycle) LastBlockOfPhase(phase Phase) int {
	height := c.StartHeight
	for _, p := range c.phases {
		height += p.Blocks
		if p.Phase == phase {
			return height - 1
		}
	}
	return -1
}

// PhaseAt returns the phase covering height, PhaseUndefined outside the cycle.
func (c Cycle) PhaseAt(height int) Phase {
	if height < c.StartHeight {
		return PhaseUndefined
	}
	offset := height - c.StartHeight
	for _, p := range c.phases {
		if offset < p.Blocks {
			return p.Phase
		}
		offset -= p.Blocks
	}
	return PhaseUndefined
}

// PeriodService maps block heights to voting cycles and phases.
type PeriodService struct {
	genesisHeight int
	phases        []PhaseDuration
	cycleLength   int
}

// NewPeriodService validates the phase layout. Every phase needs a positive
// length and phases must be listed in chain order.
func NewPeriodService(genesisHeight int, phases []PhaseDuration) (*PeriodService, error) {
	if genesisHeight < 0 {
		return nil, fmt.Errorf("%w: negative genesis height", errInvalidPhases)
	}
	if len(phases) == 0 {
		return nil, fmt.Errorf("%w: no phases", errInvalidPhases)
	}
	total := 0
	last := PhaseUndefined
	for _, p := range phases {
		if p.Blocks <= 0 {
			return nil, fmt.Errorf("%w: %s has %d blocks", errInvalidPhases, p.Phase, p.Blocks)
		}
		if p.Phase <= last {
			return nil, fmt.Errorf("%w: %s out of order", errInvalidPhases, p.Phase)
		}
		last = p.Phase
		total += p.Blocks
	}
	return &PeriodService{
		genesisHeight: genesisHeight,
		phases:        append([]PhaseDuration(nil), phases...),
		cycleLength:   total,
	}, nil
}

// CycleAt returns the cycle containing height. Heights before genesis have none.
func (s *PeriodService) CycleAt(height int) (Cycle, bool) {
	if height < s.genesisHeight {
		return Cycle{}, false
	}
	index := (height - s.genesisHeight) / s.cycleLength
	return Cycle{
		Index:       index,
		StartHeight: s.genesisHeight + index*s.cycleLength,
		phases:      s.phases,
	}, true
}

// PhaseAt returns the phase at height.
func (s *PeriodService) PhaseAt(height int) Phase {
	cycle, ok := s.CycleAt(height)
	if !ok {
		return PhaseUndefined
	}
	return cycle.PhaseAt(height)
}

// IsInPhase reports whether height falls inside phase.
func (s *PeriodService) IsInPhase(height int, phase Phase) bool {
	return s.PhaseAt(height) == phase
}

// IsTxInPhaseAndCycle reports whether a transaction confirmed at txHeight lies
// in phase of the cycle containing chainHeight.
func (s *PeriodService) IsTxInPhaseAndCycle(txHeight int, phase Phase, chainHeight int) bool {
	current, ok := s.CycleAt(chainHeight)
	if !ok {
		return false
	}
	txCycle, ok := s.CycleAt(txHeight)
	if !ok || txCycle.Index != current.Index {
		return false
	}
	return txCycle.PhaseAt(txHeight) == phase
}
