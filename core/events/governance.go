package events

import (
	"strconv"

	"tradenet/core/types"
)

const (
	// TypeBlindVoteAdded is emitted when a blind vote enters the observable list.
	TypeBlindVoteAdded = "gov.blindVote.added"
	// TypeBlindVotePublished is emitted when this node cast a blind vote.
	TypeBlindVotePublished = "gov.blindVote.published"
)

type BlindVoteAdded struct {
	TxID   string
	Stake  int64
	Origin string
}

func (BlindVoteAdded) EventType() string { return TypeBlindVoteAdded }

func (e BlindVoteAdded) Event() *types.Event {
	attrs := map[string]string{
		"txId":  e.TxID,
		"stake": strconv.FormatInt(e.Stake, 10),
	}
	putIfSet(attrs, "origin", e.Origin)
	return &types.Event{Type: TypeBlindVoteAdded, Attributes: attrs}
}

type BlindVotePublished struct {
	TxID    string
	Stake   int64
	Ballots int
}

func (BlindVotePublished) EventType() string { return TypeBlindVotePublished }

func (e BlindVotePublished) Event() *types.Event {
	return &types.Event{Type: TypeBlindVotePublished, Attributes: map[string]string{
		"txId":    e.TxID,
		"stake":   strconv.FormatInt(e.Stake, 10),
		"ballots": strconv.Itoa(e.Ballots),
	}}
}
