package config

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"tradenet/native/governance"
	"tradenet/p2p"
)

var (
	MinResendInitialDelaySeconds = 1
	MaxResendAttempts            = 20
)

// Validate enforces the ranges the node relies on.
func (c *Config) Validate() error {
	if _, err := p2p.ParseNodeAddress(c.Node.Address); err != nil {
		return fmt.Errorf("node: invalid Address: %w", err)
	}
	if strings.TrimSpace(c.Node.DataDir) == "" {
		return fmt.Errorf("node: DataDir required")
	}
	if _, err := semver.NewVersion(c.Node.AppVersion); err != nil {
		return fmt.Errorf("node: invalid AppVersion %q: %w", c.Node.AppVersion, err)
	}
	for _, v := range c.Node.HistoricalVersions {
		if _, err := semver.NewVersion(v); err != nil {
			return fmt.Errorf("node: invalid historical version %q: %w", v, err)
		}
	}
	if _, err := c.Capabilities(); err != nil {
		return fmt.Errorf("node: %w", err)
	}

	if c.Store.MaxEntriesPerType <= 0 {
		return fmt.Errorf("store: MaxEntriesPerType <= 0")
	}
	if c.Store.SequenceNumberMaxAge.Duration <= 0 || c.Store.SequenceNumberPurgeThreshold <= 0 {
		return fmt.Errorf("store: sequence number purge settings must be positive")
	}
	if c.Store.RemovedPayloadTTL.Duration <= 0 {
		return fmt.Errorf("store: RemovedPayloadTTL <= 0")
	}
	if c.Store.PersistenceDelay.Duration < 0 {
		return fmt.Errorf("store: PersistenceDelay < 0")
	}
	if c.Store.ExpiryCheckInterval.Duration <= 0 {
		return fmt.Errorf("store: ExpiryCheckInterval <= 0")
	}
	if c.Store.RateLimitPerSecond <= 0 || c.Store.RateLimitBurst <= 0 || c.Store.RateLimitMaxPeers <= 0 {
		return fmt.Errorf("store: rate limit settings must be positive")
	}

	if c.Trade.ResendInitialDelay.Seconds() < float64(MinResendInitialDelaySeconds) {
		return fmt.Errorf("trade: ResendInitialDelay below %ds", MinResendInitialDelaySeconds)
	}
	if c.Trade.ResendAttempts <= 0 || c.Trade.ResendAttempts > MaxResendAttempts {
		return fmt.Errorf("trade: ResendAttempts must be in [1,%d]", MaxResendAttempts)
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: SampleRatio must be in [0,1]")
	}

	if c.Governance.GenesisHeight < 0 {
		return fmt.Errorf("governance: GenesisHeight < 0")
	}
	if _, err := governance.NewPeriodService(c.Governance.GenesisHeight, c.PhaseDurations()); err != nil {
		return err
	}
	return nil
}

// Capabilities resolves the configured capability names. An empty list means
// every capability of this build.
func (c *Config) Capabilities() (p2p.Capabilities, error) {
	if len(c.Node.Capabilities) == 0 {
		return p2p.AppCapabilities(), nil
	}
	caps := make([]p2p.Capability, 0, len(c.Node.Capabilities))
	for _, name := range c.Node.Capabilities {
		capability, err := p2p.ParseCapability(name)
		if err != nil {
			return p2p.Capabilities{}, err
		}
		caps = append(caps, capability)
	}
	return p2p.NewCapabilities(caps...), nil
}

// PhaseDurations returns the governance cycle layout in chain order.
func (c *Config) PhaseDurations() []governance.PhaseDuration {
	g := c.Governance
	return []governance.PhaseDuration{
		{Phase: governance.PhaseProposal, Blocks: g.Proposal},
		{Phase: governance.PhaseBreak1, Blocks: g.Break1},
		{Phase: governance.PhaseBlindVote, Blocks: g.BlindVote},
		{Phase: governance.PhaseBreak2, Blocks: g.Break2},
		{Phase: governance.PhaseVoteReveal, Blocks: g.VoteReveal},
		{Phase: governance.PhaseBreak3, Blocks: g.Break3},
		{Phase: governance.PhaseResult, Blocks: g.Result},
	}
}
