package governance

import (
	"log/slog"
	"sync"

	"tradenet/core/events"
	"tradenet/observability"
	"tradenet/p2p/payload"
	"tradenet/p2p/store"
)

// BlindVoteList is the observable collection of blind votes received from
// the network.
//
// Votes gossiped live while the chain is in the vote reveal phase are
// dropped so the vote view cannot be polluted right before reveal. Votes
// delivered by the initial sync are history and are always accepted. Phase
// and cycle are not checked on add; the counted set is derived on read.
type BlindVoteList struct {
	period    *PeriodService
	chain     ChainState
	validator *BlindVoteValidator
	emitter   events.Emitter
	logger    *slog.Logger

	mu        sync.RWMutex
	votes     map[store.ByteArray]*payload.BlindVotePayload
	listeners []func(*payload.BlindVotePayload)
}

// NewBlindVoteList builds an empty list.
func NewBlindVoteList(period *PeriodService, chain ChainState, validator *BlindVoteValidator, emitter events.Emitter, logger *slog.Logger) *BlindVoteList {
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	return &BlindVoteList{
		period:    period,
		chain:     chain,
		validator: validator,
		emitter:   emitter,
		logger:    logger,
		votes:     make(map[store.ByteArray]*payload.BlindVotePayload),
	}
}

// Attach fills the list from the votes already stored and subscribes to new ones.
func (l *BlindVoteList) Attach(ds *store.DataStorage) {
	for _, p := range ds.AppendOnly().Map() {
		l.OnAppendOnlyAdded(p, store.OriginInitialSync)
	}
	ds.AddAppendOnlyListener(func(p payload.Payload, origin store.Origin) { l.OnAppendOnlyAdded(p, origin) })
}

// AddListener registers fn for votes added to the list.
func (l *BlindVoteList) AddListener(fn func(*payload.BlindVotePayload)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// OnAppendOnlyAdded handles a payload added to the data storage. It reports
// whether the payload entered the list.
func (l *BlindVoteList) OnAppendOnlyAdded(p payload.Payload, origin store.Origin) bool {
	vote, ok := p.(*payload.BlindVotePayload)
	if !ok {
		return false
	}
	if origin.IsBroadcast() && l.period.IsInPhase(l.chain.ChainHeight(), PhaseVoteReveal) {
		l.logger.Warn("Ignoring blind vote broadcast during vote reveal phase",
			"txId", vote.BlindVote().TxID, "chainHeight", l.chain.ChainHeight())
		observability.Governance().RecordBlindVote("rejected_phase")
		return false
	}
	if !l.validator.AreDataFieldsValid(vote.BlindVote()) {
		observability.Governance().RecordBlindVote("rejected_invalid")
		return false
	}
	key := store.KeyOf(vote)
	l.mu.Lock()
	if _, exists := l.votes[key]; exists {
		l.mu.Unlock()
		return false
	}
	l.votes[key] = vote
	listeners := append(([]func(*payload.BlindVotePayload))(nil), l.listeners...)
	l.mu.Unlock()

	observability.Governance().RecordBlindVote("added")
	l.emitter.Emit(events.BlindVoteAdded{TxID: vote.BlindVote().TxID, Stake: vote.BlindVote().Stake, Origin: origin.String()})
	for _, fn := range listeners {
		fn(vote)
	}
	return true
}

// Contains reports whether a vote with the payload hash is in the list.
func (l *BlindVoteList) Contains(vote *payload.BlindVotePayload) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.votes[store.KeyOf(vote)]
	return ok
}

// BlindVotes returns every vote in the list sorted by tx id.
func (l *BlindVoteList) BlindVotes() []payload.BlindVote {
	l.mu.RLock()
	out := make([]payload.BlindVote, 0, len(l.votes))
	for _, v := range l.votes {
		out = append(out, v.BlindVote())
	}
	l.mu.RUnlock()
	return SortBlindVotes(out)
}

// ConfirmedBlindVotesInCycle returns the votes that count for the current
// cycle: valid, confirmed, and confirmed in its blind vote phase.
func (l *BlindVoteList) ConfirmedBlindVotesInCycle() []payload.BlindVote {
	var out []payload.BlindVote
	for _, v := range l.BlindVotes() {
		if l.validator.IsValidAndConfirmedInCycle(v) {
			out = append(out, v)
		}
	}
	return out
}

// Len returns the number of votes.
func (l *BlindVoteList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.votes)
}
