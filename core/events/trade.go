package events

import (
	"strconv"
	"strings"

	"tradenet/core/types"
)

const (
	// TypeTradeStateChanged is emitted after every persisted protocol step.
	TypeTradeStateChanged = "trade.state"
	// TypeTradeFailed is emitted when a protocol-fatal error halts a trade.
	TypeTradeFailed = "trade.failed"
	// TypeTradeCompleted is emitted when a trade reaches its terminal state.
	TypeTradeCompleted = "trade.completed"
	// TypeTradeStatisticsPublished is emitted when the seller publishes trade statistics.
	TypeTradeStatisticsPublished = "trade.statistics"
)

type TradeStateChanged struct {
	TradeID string
	Role    string
	From    string
	To      string
}

func (TradeStateChanged) EventType() string { return TypeTradeStateChanged }

func (e TradeStateChanged) Event() *types.Event {
	return &types.Event{Type: TypeTradeStateChanged, Attributes: map[string]string{
		"tradeId": e.TradeID,
		"role":    strings.ToLower(e.Role),
		"from":    e.From,
		"to":      e.To,
	}}
}

type TradeFailed struct {
	TradeID string
	State   string
	Task    string
	Error   string
}

func (TradeFailed) EventType() string { return TypeTradeFailed }

func (e TradeFailed) Event() *types.Event {
	attrs := map[string]string{
		"tradeId": e.TradeID,
		"state":   e.State,
		"error":   e.Error,
	}
	putIfSet(attrs, "task", e.Task)
	return &types.Event{Type: TypeTradeFailed, Attributes: attrs}
}

type TradeCompleted struct {
	TradeID string
	State   string
}

func (TradeCompleted) EventType() string { return TypeTradeCompleted }

func (e TradeCompleted) Event() *types.Event {
	return &types.Event{Type: TypeTradeCompleted, Attributes: map[string]string{
		"tradeId": e.TradeID,
		"state":   e.State,
	}}
}

type TradeStatisticsPublished struct {
	TradeID  string
	Currency string
	Added    bool
}

func (TradeStatisticsPublished) EventType() string { return TypeTradeStatisticsPublished }

func (e TradeStatisticsPublished) Event() *types.Event {
	return &types.Event{Type: TypeTradeStatisticsPublished, Attributes: map[string]string{
		"tradeId":  e.TradeID,
		"currency": currencyCode(e.Currency),
		"added":    strconv.FormatBool(e.Added),
	}}
}
