package governance

import (
	"log/slog"

	"tradenet/p2p/payload"
)

// BlindVoteValidator checks blind votes against their fields and the chain.
// Invalid votes are reported as false and logged, never returned as errors.
type BlindVoteValidator struct {
	period *PeriodService
	chain  ChainState
	logger *slog.Logger
}

// NewBlindVoteValidator wires a validator to the period and chain views.
func NewBlindVoteValidator(period *PeriodService, chain ChainState, logger *slog.Logger) *BlindVoteValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &BlindVoteValidator{period: period, chain: chain, logger: logger}
}

// AreDataFieldsValid requires encrypted votes, a tx id, a positive stake and
// an encrypted merit list.
func (v *BlindVoteValidator) AreDataFieldsValid(vote payload.BlindVote) bool {
	reason := ""
	switch {
	case len(vote.EncryptedVotes) == 0:
		reason = "encrypted votes missing"
	case vote.TxID == "":
		reason = "tx id missing"
	case vote.Stake <= 0:
		reason = "stake must be positive"
	case len(vote.EncryptedMeritList) == 0:
		reason = "encrypted merit list missing"
	}
	if reason != "" {
		v.logger.Warn("Invalid blind vote", "reason", reason, "txId", vote.TxID, "stake", vote.Stake)
		return false
	}
	return true
}

// AreDataFieldsValidAndTxConfirmed additionally requires the vote
// transaction to be confirmed. When the transaction carries an opReturn it
// must commit to the encrypted votes.
func (v *BlindVoteValidator) AreDataFieldsValidAndTxConfirmed(vote payload.BlindVote) bool {
	if !v.AreDataFieldsValid(vote) {
		return false
	}
	tx, ok := v.chain.Tx(vote.TxID)
	if !ok {
		v.logger.Debug("Blind vote tx not confirmed yet", "txId", vote.TxID)
		return false
	}
	if len(tx.OpReturn) > 0 && !MatchesOpReturn(tx.OpReturn, vote.EncryptedVotes) {
		v.logger.Warn("Blind vote opReturn does not match encrypted votes", "txId", vote.TxID)
		return false
	}
	return true
}

// IsTxInPhaseAndCycle reports whether the vote transaction was confirmed in
// the blind vote phase of the current cycle.
func (v *BlindVoteValidator) IsTxInPhaseAndCycle(vote payload.BlindVote) bool {
	tx, ok := v.chain.Tx(vote.TxID)
	if !ok {
		v.logger.Debug("Blind vote tx not found", "txId", vote.TxID)
		return false
	}
	if !v.period.IsTxInPhaseAndCycle(tx.BlockHeight, PhaseBlindVote, v.chain.ChainHeight()) {
		v.logger.Debug("Blind vote tx not in blind vote phase of current cycle",
			"txId", vote.TxID, "txHeight", tx.BlockHeight, "chainHeight", v.chain.ChainHeight())
		return false
	}
	return true
}

// IsValidAndConfirmedInCycle combines every check; only such votes are counted.
func (v *BlindVoteValidator) IsValidAndConfirmedInCycle(vote payload.BlindVote) bool {
	return v.AreDataFieldsValidAndTxConfirmed(vote) && v.IsTxInPhaseAndCycle(vote)
}
