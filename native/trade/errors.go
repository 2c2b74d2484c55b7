package trade

import (
	"errors"
	"fmt"
)

var (
	ErrTradeNotFound     = errors.New("trade: trade not found")
	ErrTradeExists       = errors.New("trade: trade already exists")
	ErrTradeFailed       = errors.New("trade: trade failed")
	ErrTradeNotClosable  = errors.New("trade: trade cannot be closed")
	ErrOfferNotFound     = errors.New("trade: offer not found")
	ErrInvalidTransition = errors.New("trade: invalid state transition")
	ErrImmutableDeposit  = errors.New("trade: deposit tx is immutable")
	ErrPeerMismatch      = errors.New("trade: message from unexpected peer")
	ErrTermsMismatch     = errors.New("trade: terms do not match the offer")
	ErrMultiSigMismatch  = errors.New("trade: multisig pubkey does not match the wallet address entry")
	ErrPaymentAccount    = errors.New("trade: payment account does not match the advertised hash")
	ErrPeerRejected      = errors.New("trade: peer rejected message")
	ErrMissingData       = errors.New("trade: missing protocol data")

	// ErrUnexpectedInput is returned for inputs that do not apply to the current
	// state. It does not fail the trade.
	ErrUnexpectedInput = errors.New("trade: unexpected input")

	// ErrDepositMessageNotAcked fails the seller when the buyer never confirmed
	// receipt of the delayed payout tx.
	ErrDepositMessageNotAcked = errors.New("We never received an ACK... we fail here and do not publish the deposit tx")
)

// TaskError is a protocol-fatal error raised by a named task.
type TaskError struct {
	Task string
	Err  error
}

func (e *TaskError) Error() string {
	if e.Task == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Task, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }
