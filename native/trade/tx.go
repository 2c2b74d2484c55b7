package trade

import (
	"errors"
	"fmt"
)

// DelayedPayoutInputSequence enables the lock time of the delayed payout tx
// while opting out of replace-by-fee.
const DelayedPayoutInputSequence uint32 = 0xFFFFFFFE

var (
	// ErrInvalidTx reports a transaction with an unexpected structure.
	ErrInvalidTx = errors.New("trade: invalid transaction")
	// ErrInvalidLockTime reports a delayed payout tx that is not time locked as agreed.
	ErrInvalidLockTime = errors.New("trade: invalid lock time")
	// ErrInvalidAmount reports output values that do not match the trade terms.
	ErrInvalidAmount = errors.New("trade: invalid amount")
)

// TxInput references a spent output.
type TxInput struct {
	PrevTxID  string `json:"prevTxId"`
	PrevIndex uint32 `json:"prevIndex"`
	Sequence  uint32 `json:"sequence"`
}

// TxOutput pays Value satoshis to Address.
type TxOutput struct {
	Address string `json:"address"`
	Value   int64  `json:"value"`
}

// Tx is a serialized transaction plus the fields the protocol inspects. Raw is
// opaque chain-library wire format.
type Tx struct {
	ID       string     `json:"id"`
	Raw      []byte     `json:"raw"`
	LockTime uint32     `json:"lockTime"`
	Inputs   []TxInput  `json:"inputs"`
	Outputs  []TxOutput `json:"outputs"`
}

// Clone returns a deep copy of tx.
func (tx *Tx) Clone() *Tx {
	if tx == nil {
		return nil
	}
	clone := *tx
	clone.Raw = cloneBytes(tx.Raw)
	clone.Inputs = append([]TxInput(nil), tx.Inputs...)
	clone.Outputs = append([]TxOutput(nil), tx.Outputs...)
	return &clone
}

// OutputValue sums all outputs.
func (tx Tx) OutputValue() int64 {
	var total int64
	for _, out := range tx.Outputs {
		total += out.Value
	}
	return total
}

// Receiver is one output of the delayed payout tx.
type Receiver struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

// ValidateDepositTx checks that the multisig output carries the locked amount.
func ValidateDepositTx(terms Terms, deposit Tx) error {
	if deposit.ID == "" {
		return fmt.Errorf("%w: deposit tx without id", ErrInvalidTx)
	}
	if len(deposit.Outputs) == 0 {
		return fmt.Errorf("%w: deposit tx has no outputs", ErrInvalidTx)
	}
	if got, want := deposit.Outputs[0].Value, terms.MultiSigAmount(); got != want {
		return fmt.Errorf("%w: multisig output %d, expected %d", ErrInvalidAmount, got, want)
	}
	return nil
}

// ValidateDelayedPayoutTx checks the time locked safety-net transaction
// against the deposit and the agreed receivers. It must spend the multisig
// output of the deposit as its only input, with the agreed lock time, and pay
// exactly the receivers.
func ValidateDelayedPayoutTx(terms Terms, dpt, deposit Tx, receivers []Receiver) error {
	if len(dpt.Inputs) != 1 {
		return fmt.Errorf("%w: delayed payout tx must have 1 input, has %d", ErrInvalidTx, len(dpt.Inputs))
	}
	if len(dpt.Outputs) == 0 || len(dpt.Outputs) != len(receivers) {
		return fmt.Errorf("%w: delayed payout tx has %d outputs, expected %d", ErrInvalidTx, len(dpt.Outputs), len(receivers))
	}
	in := dpt.Inputs[0]
	if in.PrevTxID != deposit.ID || in.PrevIndex != 0 {
		return fmt.Errorf("%w: delayed payout tx does not spend the deposit multisig output", ErrInvalidTx)
	}
	if dpt.LockTime != terms.LockTime {
		return fmt.Errorf("%w: lock time %d, expected %d", ErrInvalidLockTime, dpt.LockTime, terms.LockTime)
	}
	if in.Sequence != DelayedPayoutInputSequence {
		return fmt.Errorf("%w: sequence number must be 0xFFFFFFFE", ErrInvalidLockTime)
	}
	if err := ValidateDepositTx(terms, deposit); err != nil {
		return err
	}
	for i, out := range dpt.Outputs {
		want := receivers[i]
		if out.Address != want.Address || out.Value != want.Amount {
			return fmt.Errorf("%w: output %d pays %d to %s, expected %d to %s", ErrInvalidAmount, i, out.Value, out.Address, want.Amount, want.Address)
		}
	}
	if got, want := dpt.OutputValue(), terms.MultiSigAmount()-terms.TxFee; got != want {
		return fmt.Errorf("%w: delayed payout outputs %d, expected %d", ErrInvalidAmount, got, want)
	}
	return nil
}

// ValidatePayoutTx checks the cooperative payout split.
func ValidatePayoutTx(terms Terms, payout, deposit Tx, buyerAddress, sellerAddress string) error {
	if len(payout.Inputs) != 1 || payout.Inputs[0].PrevTxID != deposit.ID || payout.Inputs[0].PrevIndex != 0 {
		return fmt.Errorf("%w: payout tx does not spend the deposit multisig output", ErrInvalidTx)
	}
	var buyer, seller int64
	for _, out := range payout.Outputs {
		switch out.Address {
		case buyerAddress:
			buyer += out.Value
		case sellerAddress:
			seller += out.Value
		default:
			return fmt.Errorf("%w: payout tx pays unknown address %s", ErrInvalidTx, out.Address)
		}
	}
	if buyer != terms.BuyerPayout() {
		return fmt.Errorf("%w: buyer payout %d, expected %d", ErrInvalidAmount, buyer, terms.BuyerPayout())
	}
	if seller != terms.SellerPayout() {
		return fmt.Errorf("%w: seller payout %d, expected %d", ErrInvalidAmount, seller, terms.SellerPayout())
	}
	return nil
}
