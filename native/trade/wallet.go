package trade

import (
	"context"
	"errors"
)

// ErrWalletUnavailable is returned by FuncWallet for unset callbacks.
var ErrWalletUnavailable = errors.New("trade: wallet capability not configured")

// AddressContext selects the purpose of a wallet address entry.
type AddressContext uint8

const (
	AddressMultiSig AddressContext = iota + 1
	AddressTradePayout
	AddressReservedForTrade
)

func (c AddressContext) String() string {
	switch c {
	case AddressMultiSig:
		return "MULTI_SIG"
	case AddressTradePayout:
		return "TRADE_PAYOUT"
	case AddressReservedForTrade:
		return "RESERVED_FOR_TRADE"
	default:
		return "UNKNOWN"
	}
}

// AddressEntry is a wallet key bound to a trade.
type AddressEntry struct {
	TradeID string
	Context AddressContext
	Address string
	PubKey  []byte
}

// DepositRequest carries what the wallet needs to build the 2-of-2 deposit.
type DepositRequest struct {
	TradeID              string
	Terms                Terms
	BuyerMultiSigPubKey  []byte
	SellerMultiSigPubKey []byte
	BuyerFundingAddress  string
	SellerFundingAddress string
}

// FinalizeDelayedPayoutRequest combines both signatures into the witness.
type FinalizeDelayedPayoutRequest struct {
	DelayedPayoutTx      Tx
	BuyerMultiSigPubKey  []byte
	SellerMultiSigPubKey []byte
	BuyerSignature       []byte
	SellerSignature      []byte
}

// PayoutRequest describes the cooperative payout spending the deposit.
type PayoutRequest struct {
	DepositTx            Tx
	BuyerPayout          int64
	SellerPayout         int64
	BuyerAddress         string
	SellerAddress        string
	BuyerMultiSigPubKey  []byte
	SellerMultiSigPubKey []byte
	// BuyerSignature is only set when the seller finalizes.
	BuyerSignature []byte
}

// BroadcastCallback receives the outcome of a broadcast. Exactly one of the
// callbacks is invoked.
type BroadcastCallback struct {
	OnSuccess func(tx Tx)
	OnFailure func(err error)
}

func (c BroadcastCallback) success(tx Tx) {
	if c.OnSuccess != nil {
		c.OnSuccess(tx)
	}
}

func (c BroadcastCallback) failure(err error) {
	if c.OnFailure != nil {
		c.OnFailure(err)
	}
}

// Wallet is the transaction building and signing capability. Transactions are
// opaque except for ids, inputs, outputs and lock time.
type Wallet interface {
	PrepareDepositTx(ctx context.Context, req DepositRequest) (Tx, error)
	CompleteDepositTxWithFee(ctx context.Context, deposit Tx, role Role) (Tx, error)
	CreateDelayedUnsignedPayoutTx(ctx context.Context, deposit Tx, receivers []Receiver, lockTime uint32) (Tx, error)
	SignDelayedPayoutTx(ctx context.Context, dpt Tx, deposit Tx, myMultiSigPubKey []byte) ([]byte, error)
	FinalizeDelayedPayoutTx(ctx context.Context, req FinalizeDelayedPayoutRequest) (Tx, error)
	BuyerSignsPayoutTx(ctx context.Context, req PayoutRequest) ([]byte, error)
	SellerSignsAndFinalizesPayoutTx(ctx context.Context, req PayoutRequest) (Tx, error)
	BroadcastTx(ctx context.Context, tx Tx, cb BroadcastCallback)
	GetOrCreateAddressEntry(ctx context.Context, tradeID string, addrCtx AddressContext) (AddressEntry, error)
}

// FuncWallet adapts callback functions to the Wallet interface.
type FuncWallet struct {
	PrepareDepositFunc   func(ctx context.Context, req DepositRequest) (Tx, error)
	CompleteDepositFunc  func(ctx context.Context, deposit Tx, role Role) (Tx, error)
	CreateDelayedFunc    func(ctx context.Context, deposit Tx, receivers []Receiver, lockTime uint32) (Tx, error)
	SignDelayedFunc      func(ctx context.Context, dpt Tx, deposit Tx, myMultiSigPubKey []byte) ([]byte, error)
	FinalizeDelayedFunc  func(ctx context.Context, req FinalizeDelayedPayoutRequest) (Tx, error)
	BuyerSignsPayoutFunc func(ctx context.Context, req PayoutRequest) ([]byte, error)
	SellerPayoutFunc     func(ctx context.Context, req PayoutRequest) (Tx, error)
	BroadcastFunc        func(ctx context.Context, tx Tx, cb BroadcastCallback)
	AddressEntryFunc     func(ctx context.Context, tradeID string, addrCtx AddressContext) (AddressEntry, error)
}

// PrepareDepositTx delegates to the configured callback.
func (w FuncWallet) PrepareDepositTx(ctx context.Context, req DepositRequest) (Tx, error) {
	if w.PrepareDepositFunc == nil {
		return Tx{}, ErrWalletUnavailable
	}
	return w.PrepareDepositFunc(ctx, req)
}

// CompleteDepositTxWithFee delegates to the configured callback.
func (w FuncWallet) CompleteDepositTxWithFee(ctx context.Context, deposit Tx, role Role) (Tx, error) {
	if w.CompleteDepositFunc == nil {
		return Tx{}, ErrWalletUnavailable
	}
	return w.CompleteDepositFunc(ctx, deposit, role)
}

// CreateDelayedUnsignedPayoutTx delegates to the configured callback.
func (w FuncWallet) CreateDelayedUnsignedPayoutTx(ctx context.Context, deposit Tx, receivers []Receiver, lockTime uint32) (Tx, error) {
	if w.CreateDelayedFunc == nil {
		return Tx{}, ErrWalletUnavailable
	}
	return w.CreateDelayedFunc(ctx, deposit, receivers, lockTime)
}

// SignDelayedPayoutTx delegates to the configured callback.
func (w FuncWallet) SignDelayedPayoutTx(ctx context.Context, dpt Tx, deposit Tx, myMultiSigPubKey []byte) ([]byte, error) {
	if w.SignDelayedFunc == nil {
		return nil, ErrWalletUnavailable
	}
	return w.SignDelayedFunc(ctx, dpt, deposit, myMultiSigPubKey)
}

// FinalizeDelayedPayoutTx delegates to the configured callback.
func (w FuncWallet) FinalizeDelayedPayoutTx(ctx context.Context, req FinalizeDelayedPayoutRequest) (Tx, error) {
	if w.FinalizeDelayedFunc == nil {
		return Tx{}, ErrWalletUnavailable
	}
	return w.FinalizeDelayedFunc(ctx, req)
}

// BuyerSignsPayoutTx delegates to the configured callback.
func (w FuncWallet) BuyerSignsPayoutTx(ctx context.Context, req PayoutRequest) ([]byte, error) {
	if w.BuyerSignsPayoutFunc == nil {
		return nil, ErrWalletUnavailable
	}
	return w.BuyerSignsPayoutFunc(ctx, req)
}

// SellerSignsAndFinalizesPayoutTx delegates to the configured callback.
func (w FuncWallet) SellerSignsAndFinalizesPayoutTx(ctx context.Context, req PayoutRequest) (Tx, error) {
	if w.SellerPayoutFunc == nil {
		return Tx{}, ErrWalletUnavailable
	}
	return w.SellerPayoutFunc(ctx, req)
}

// BroadcastTx delegates to the configured callback.
func (w FuncWallet) BroadcastTx(ctx context.Context, tx Tx, cb BroadcastCallback) {
	if w.BroadcastFunc == nil {
		cb.failure(ErrWalletUnavailable)
		return
	}
	w.BroadcastFunc(ctx, tx, cb)
}

// GetOrCreateAddressEntry delegates to the configured callback.
func (w FuncWallet) GetOrCreateAddressEntry(ctx context.Context, tradeID string, addrCtx AddressContext) (AddressEntry, error) {
	if w.AddressEntryFunc == nil {
		return AddressEntry{}, ErrWalletUnavailable
	}
	return w.AddressEntryFunc(ctx, tradeID, addrCtx)
}

// Chain reports confirmation of transactions seen by the chain library.
type Chain interface {
	IsTxConfirmed(ctx context.Context, txID string) (bool, error)
}

// ChainFunc adapts a function to the Chain interface.
type ChainFunc func(ctx context.Context, txID string) (bool, error)

// IsTxConfirmed calls f.
func (f ChainFunc) IsTxConfirmed(ctx context.Context, txID string) (bool, error) {
	return f(ctx, txID)
}
