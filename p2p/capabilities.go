package p2p

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Capability is a feature flag advertised by a peer.
type Capability uint8

const (
	CapabilityTradeStatistics3 Capability = iota + 1
	CapabilityBlindVote
	CapabilityMailbox
	CapabilityAckMessage
	CapabilityRefundAgent
	CapabilityBundleOfEnvelopes
)

var capabilityNames = map[Capability]string{
	CapabilityTradeStatistics3:  "TRADE_STATISTICS_3",
	CapabilityBlindVote:         "BLIND_VOTE",
	CapabilityMailbox:           "MAILBOX",
	CapabilityAckMessage:        "ACK_MSG",
	CapabilityRefundAgent:       "REFUND_AGENT",
	CapabilityBundleOfEnvelopes: "BUNDLE_OF_ENVELOPES",
}

func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CAPABILITY_%d", uint8(c))
}

// ParseCapability resolves a capability by its canonical name.
func ParseCapability(name string) (Capability, error) {
	normalized := strings.ToUpper(strings.TrimSpace(name))
	for c, n := range capabilityNames {
		if n == normalized {
			return c, nil
		}
	}
	return 0, fmt.Errorf("p2p: unknown capability %q", name)
}

// Capabilities is an immutable set of capabilities.
type Capabilities struct {
	set map[Capability]struct{}
}

// NewCapabilities builds a set from the listed capabilities.
func NewCapabilities(caps ...Capability) Capabilities {
	set := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return Capabilities{set: set}
}

// AppCapabilities is the set advertised by this build.
func AppCapabilities() Capabilities {
	return NewCapabilities(
		CapabilityTradeStatistics3,
		CapabilityBlindVote,
		CapabilityMailbox,
		CapabilityAckMessage,
		CapabilityRefundAgent,
		CapabilityBundleOfEnvelopes,
	)
}

// Contains reports whether c is in the set.
func (c Capabilities) Contains(capability Capability) bool {
	_, ok := c.set[capability]
	return ok
}

// ContainsAll reports whether every capability in required is present.
func (c Capabilities) ContainsAll(required Capabilities) bool {
	for capability := range required.set {
		if !c.Contains(capability) {
			return false
		}
	}
	return true
}

// IsEmpty reports whether no capability is set.
func (c Capabilities) IsEmpty() bool { return len(c.set) == 0 }

// List returns the capabilities in ascending order.
func (c Capabilities) List() []Capability {
	out := make([]Capability, 0, len(c.set))
	for capability := range c.set {
		out = append(out, capability)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c Capabilities) String() string {
	names := make([]string, 0, len(c.set))
	for _, capability := range c.List() {
		names = append(names, capability.String())
	}
	return "[" + strings.Join(names, ", ") + "]"
}

// MarshalJSON encodes the set as a list of capability ordinals.
func (c Capabilities) MarshalJSON() ([]byte, error) {
	list := c.List()
	ordinals := make([]int, len(list))
	for i, capability := range list {
		ordinals[i] = int(capability)
	}
	return json.Marshal(ordinals)
}

// UnmarshalJSON decodes a list of capability ordinals.
func (c *Capabilities) UnmarshalJSON(data []byte) error {
	var ordinals []int
	if err := json.Unmarshal(data, &ordinals); err != nil {
		return fmt.Errorf("p2p: invalid capabilities: %w", err)
	}
	caps := make([]Capability, 0, len(ordinals))
	for _, v := range ordinals {
		if v <= 0 || v > 255 {
			return fmt.Errorf("p2p: invalid capability %d", v)
		}
		caps = append(caps, Capability(v))
	}
	*c = NewCapabilities(caps...)
	return nil
}
