package payload

import (
	"bytes"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"tradenet/crypto"
	"tradenet/p2p"
)

const (
	// TradeStatisticsMaxItems bounds the statistics sent in one sync response.
	TradeStatisticsMaxItems = 3000
	// MaxTradeLimit is the largest trade amount in satoshis accepted after StrictFilterDate.
	MaxTradeLimit int64 = 2 * 100_000_000

	futureTolerance = 2 * time.Hour
	pastTolerance   = 30 * 24 * time.Hour
)

// StrictFilterDate is the date from which the trade limit applies to statistics.
var StrictFilterDate = time.Date(2021, time.November, 1, 0, 0, 0, 0, time.UTC)

// TradeStatistics is the public record of a completed trade.
type TradeStatistics struct {
	Currency      string
	Price         int64
	Amount        int64
	PaymentMethod string
	// DateMillis is the trade date in unix milliseconds.
	DateMillis  int64
	Mediator    string
	RefundAgent string
	ExtraData   map[string]string

	hash []byte
}

// NewTradeStatistics builds a statistics payload and computes its hash.
func NewTradeStatistics(currency string, price, amount int64, paymentMethod string, date time.Time, mediator, refundAgent string, extra map[string]string) *TradeStatistics {
	s := &TradeStatistics{
		Currency:      currency,
		Price:         price,
		Amount:        amount,
		PaymentMethod: paymentMethod,
		DateMillis:    date.UnixMilli(),
		Mediator:      mediator,
		RefundAgent:   refundAgent,
		ExtraData:     extra,
	}
	s.hash = s.createHash()
	return s
}

// createHash covers the fields both peers agree on. Extra data, mediator and
// refund agent are left out so that optional data can change without changing
// the identity of the record.
func (s *TradeStatistics) createHash() []byte {
	var b []byte
	b = appendStringField(b, 1, s.Currency)
	b = appendVarintField(b, 2, uint64(s.Price))
	b = appendVarintField(b, 3, uint64(s.Amount))
	b = appendStringField(b, 4, s.PaymentMethod)
	b = appendVarintField(b, 5, uint64(s.DateMillis))
	return crypto.Hash160(b)
}

func (s *TradeStatistics) Kind() Kind { return KindTradeStatistics }

func (s *TradeStatistics) Hash() []byte { return append([]byte(nil), s.hash...) }

func (s *TradeStatistics) VerifyHashSize() bool { return len(s.hash) == crypto.Hash160Size }

func (s *TradeStatistics) RequiredCapabilities() p2p.Capabilities {
	return p2p.NewCapabilities(p2p.CapabilityTradeStatistics3)
}

func (s *TradeStatistics) Date() time.Time { return time.UnixMilli(s.DateMillis) }

func (s *TradeStatistics) MaxItems() int { return TradeStatisticsMaxItems }

func (s *TradeStatistics) IsDateInTolerance(now time.Time) bool {
	date := s.Date()
	return !date.After(now.Add(futureTolerance)) && !date.Before(now.Add(-pastTolerance))
}

func (s *TradeStatistics) ProcessOnce() {}

// IsValid applies the sanity rules for records accepted into the store.
func (s *TradeStatistics) IsValid() bool {
	if s.Currency == "" || s.PaymentMethod == "" {
		return false
	}
	if s.Amount <= 0 || s.Price <= 0 || s.DateMillis <= 0 {
		return false
	}
	if s.Date().After(StrictFilterDate) && s.Amount > MaxTradeLimit {
		return false
	}
	return true
}

// PruneOptionalData drops the dispute agent addresses kept for local use.
func (s *TradeStatistics) PruneOptionalData() {
	s.Mediator = ""
	s.RefundAgent = ""
}

func (s *TradeStatistics) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, s.Currency)
	b = appendVarintField(b, 2, uint64(s.Price))
	b = appendVarintField(b, 3, uint64(s.Amount))
	b = appendStringField(b, 4, s.PaymentMethod)
	b = appendVarintField(b, 5, uint64(s.DateMillis))
	b = appendStringField(b, 6, s.Mediator)
	b = appendStringField(b, 7, s.RefundAgent)
	b = appendStringMap(b, 8, s.ExtraData)
	b = appendBytesField(b, 9, s.hash)
	return b
}

// UnmarshalTradeStatistics decodes a statistics payload. A missing hash is recomputed.
func UnmarshalTradeStatistics(b []byte) (*TradeStatistics, error) {
	s := &TradeStatistics{}
	err := walkFields(b, func(num protowire.Number, v uint64, data []byte) error {
		var err error
		switch num {
		case 1:
			s.Currency = string(data)
		case 2:
			s.Price = int64(v)
		case 3:
			s.Amount = int64(v)
		case 4:
			s.PaymentMethod = string(data)
		case 5:
			s.DateMillis = int64(v)
		case 6:
			s.Mediator = string(data)
		case 7:
			s.RefundAgent = string(data)
		case 8:
			s.ExtraData, err = consumeStringMapEntry(s.ExtraData, data)
		case 9:
			s.hash = data
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("decode trade statistics: %w", err)
	}
	if len(s.hash) == 0 {
		s.hash = s.createHash()
	}
	return s, nil
}

// Equal reports whether two records carry the same hash.
func (s *TradeStatistics) Equal(other *TradeStatistics) bool {
	return other != nil && bytes.Equal(s.hash, other.hash)
}

func (s *TradeStatistics) String() string {
	return fmt.Sprintf("TradeStatistics{currency=%s, price=%d, amount=%d, paymentMethod=%s, date=%s}",
		s.Currency, s.Price, s.Amount, s.PaymentMethod, s.Date().UTC().Format(time.RFC3339))
}
