package trade

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// shareBasis is the denominator of receiver shares (basis points).
const shareBasis = 10_000

// ErrNoReceivers indicates that no receiver set applies at the selection height.
var ErrNoReceivers = errors.New("trade: no delayed payout receivers for height")

// ReceiverSelector picks the delayed payout outputs for a trade. Both peers
// must derive identical receivers from the same selection height.
type ReceiverSelector interface {
	Receivers(selectionHeight int64, amount int64) ([]Receiver, error)
}

// ReceiverShare is a fraction of the delayed payout in basis points.
type ReceiverShare struct {
	Address string
	Share   int64
}

// ReceiverSet applies from Height until the next set.
type ReceiverSet struct {
	Height int64
	Shares []ReceiverShare
}

// ReceiverPolicy is a height indexed list of receiver sets.
type ReceiverPolicy struct {
	sets []ReceiverSet
}

type receiverShareFile struct {
	Address string `yaml:"address"`
	Share   int64  `yaml:"share"`
}

type receiverSetFile struct {
	Height    int64               `yaml:"height"`
	Receivers []receiverShareFile `yaml:"receivers"`
}

// LoadReceiverPolicy reads the receiver policy from a YAML file on disk.
func LoadReceiverPolicy(path string) (*ReceiverPolicy, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open receivers: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	var entries []receiverSetFile
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode receivers: %w", err)
	}
	sets := make([]ReceiverSet, 0, len(entries))
	for _, entry := range entries {
		set := ReceiverSet{Height: entry.Height}
		for _, r := range entry.Receivers {
			set.Shares = append(set.Shares, ReceiverShare{Address: r.Address, Share: r.Share})
		}
		sets = append(sets, set)
	}
	return NewReceiverPolicy(sets)
}

// NewReceiverPolicy validates the sets. Shares of each set must add up to 10000.
func NewReceiverPolicy(sets []ReceiverSet) (*ReceiverPolicy, error) {
	if len(sets) == 0 {
		return nil, errors.New("trade: receiver policy is empty")
	}
	seen := make(map[int64]struct{}, len(sets))
	out := make([]ReceiverSet, 0, len(sets))
	for _, set := range sets {
		if set.Height < 0 {
			return nil, fmt.Errorf("trade: receiver set height %d must not be negative", set.Height)
		}
		if _, dup := seen[set.Height]; dup {
			return nil, fmt.Errorf("trade: duplicate receiver set at height %d", set.Height)
		}
		seen[set.Height] = struct{}{}
		if len(set.Shares) == 0 {
			return nil, fmt.Errorf("trade: receiver set at height %d has no receivers", set.Height)
		}
		var total int64
		shares := make([]ReceiverShare, 0, len(set.Shares))
		for _, s := range set.Shares {
			addr := strings.TrimSpace(s.Address)
			if addr == "" {
				return nil, fmt.Errorf("trade: receiver address required at height %d", set.Height)
			}
			if s.Share <= 0 {
				return nil, fmt.Errorf("trade: receiver %s share must be positive", addr)
			}
			total += s.Share
			shares = append(shares, ReceiverShare{Address: addr, Share: s.Share})
		}
		if total != shareBasis {
			return nil, fmt.Errorf("trade: receiver shares at height %d add up to %d, expected %d", set.Height, total, shareBasis)
		}
		out = append(out, ReceiverSet{Height: set.Height, Shares: shares})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Height < out[j].Height })
	return &ReceiverPolicy{sets: out}, nil
}

// Receivers splits amount over the set active at selectionHeight. Rounding
// remainders go to the first receiver.
func (p *ReceiverPolicy) Receivers(selectionHeight int64, amount int64) ([]Receiver, error) {
	if p == nil {
		return nil, ErrNoReceivers
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: delayed payout amount %d", ErrInvalidAmount, amount)
	}
	idx := sort.Search(len(p.sets), func(i int) bool { return p.sets[i].Height > selectionHeight }) - 1
	if idx < 0 {
		return nil, fmt.Errorf("%w %d", ErrNoReceivers, selectionHeight)
	}
	set := p.sets[idx]
	out := make([]Receiver, len(set.Shares))
	var assigned int64
	for i, s := range set.Shares {
		value := (amount/shareBasis)*s.Share + (amount%shareBasis)*s.Share/shareBasis
		out[i] = Receiver{Address: s.Address, Amount: value}
		assigned += value
	}
	out[0].Amount += amount - assigned
	// Outputs below dust would make the tx non-standard; fold them into the first receiver.
	filtered := out[:1]
	for _, r := range out[1:] {
		if r.Amount < DustLimit {
			filtered[0].Amount += r.Amount
			continue
		}
		filtered = append(filtered, r)
	}
	return filtered, nil
}

// DustLimit is the smallest output the delayed payout tx creates.
const DustLimit int64 = 546

// StaticReceivers always returns the same split. Used when no policy file is
// configured.
type StaticReceivers []ReceiverShare

// Receivers implements ReceiverSelector.
func (s StaticReceivers) Receivers(selectionHeight int64, amount int64) ([]Receiver, error) {
	policy, err := NewReceiverPolicy([]ReceiverSet{{Height: 0, Shares: s}})
	if err != nil {
		return nil, err
	}
	return policy.Receivers(selectionHeight, amount)
}
