package trade

import (
	"context"
	"errors"
	"sync"
	"time"

	"tradenet/crypto"
	"tradenet/p2p"
	"tradenet/p2p/payload"
)

var (
	sellerAddr = p2p.NodeAddress{Host: "seller.onion", Port: 9999}
	buyerAddr  = p2p.NodeAddress{Host: "buyer.onion", Port: 9999}
	testStart  = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

func testTerms() Terms {
	return Terms{
		Currency:              "EUR",
		PaymentMethod:         "SEPA",
		Price:                 600_000_000,
		Amount:                10_000_000,
		BuyerSecurityDeposit:  1_500_000,
		SellerSecurityDeposit: 1_500_000,
		TxFee:                 5_000,
		LockTime:              800_000,
		SelectionHeight:       790_000,
		Mediator:              "mediator.onion:9999",
		RefundAgent:           "refund.onion:9999",
	}
}

func testReceivers() StaticReceivers {
	return StaticReceivers{{Address: "dao-receiver-1", Share: 6000}, {Address: "dao-receiver-2", Share: 4000}}
}

func fixedClock() time.Time { return testStart }

// fakeWallet builds deterministic transactions so both peers derive the same
// ids from the trade id.
type fakeWallet struct {
	name string

	mu            sync.Mutex
	broadcasts    []Tx
	broadcastErr  map[TxPurpose]error
	multiSigCalls int
	rotateKey     bool
	tamperLock    bool
}

func newFakeWallet(name string) *fakeWallet {
	return &fakeWallet{name: name, broadcastErr: map[TxPurpose]error{}}
}

func (w *fakeWallet) failBroadcast(p TxPurpose, err error) {
	w.mu.Lock()
	w.broadcastErr[p] = err
	w.mu.Unlock()
}

func (w *fakeWallet) broadcasted() []Tx {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Tx(nil), w.broadcasts...)
}

func (w *fakeWallet) PrepareDepositTx(_ context.Context, req DepositRequest) (Tx, error) {
	return Tx{
		ID: "deposit-" + req.TradeID,
		Inputs: []TxInput{
			{PrevTxID: req.SellerFundingAddress, PrevIndex: 0, Sequence: 0xFFFFFFFF},
			{PrevTxID: req.BuyerFundingAddress, PrevIndex: 0, Sequence: 0xFFFFFFFF},
		},
		Outputs: []TxOutput{{Address: "multisig-" + req.TradeID, Value: req.Terms.MultiSigAmount()}},
	}, nil
}

func (w *fakeWallet) CompleteDepositTxWithFee(_ context.Context, deposit Tx, role Role) (Tx, error) {
	out := *deposit.Clone()
	out.Raw = append(out.Raw, []byte(role.String())...)
	return out, nil
}

func (w *fakeWallet) CreateDelayedUnsignedPayoutTx(_ context.Context, deposit Tx, receivers []Receiver, lockTime uint32) (Tx, error) {
	tx := Tx{
		ID:       "dpt-" + deposit.ID,
		LockTime: lockTime,
		Inputs:   []TxInput{{PrevTxID: deposit.ID, PrevIndex: 0, Sequence: DelayedPayoutInputSequence}},
	}
	w.mu.Lock()
	if w.tamperLock {
		tx.LockTime++
	}
	w.mu.Unlock()
	for _, r := range receivers {
		tx.Outputs = append(tx.Outputs, TxOutput{Address: r.Address, Value: r.Amount})
	}
	return tx, nil
}

func (w *fakeWallet) SignDelayedPayoutTx(_ context.Context, dpt Tx, _ Tx, _ []byte) ([]byte, error) {
	return []byte(w.name + "-sig-" + dpt.ID), nil
}

func (w *fakeWallet) FinalizeDelayedPayoutTx(_ context.Context, req FinalizeDelayedPayoutRequest) (Tx, error) {
	out := *req.DelayedPayoutTx.Clone()
	out.Raw = append(append([]byte(nil), req.BuyerSignature...), req.SellerSignature...)
	return out, nil
}

func (w *fakeWallet) BuyerSignsPayoutTx(_ context.Context, req PayoutRequest) ([]byte, error) {
	return []byte(w.name + "-payout-sig-" + req.DepositTx.ID), nil
}

func (w *fakeWallet) SellerSignsAndFinalizesPayoutTx(_ context.Context, req PayoutRequest) (Tx, error) {
	if len(req.BuyerSignature) == 0 {
		return Tx{}, errors.New("missing buyer signature")
	}
	return Tx{
		ID:     "payout-" + req.DepositTx.ID,
		Inputs: []TxInput{{PrevTxID: req.DepositTx.ID, PrevIndex: 0, Sequence: 0xFFFFFFFF}},
		Outputs: []TxOutput{
			{Address: req.BuyerAddress, Value: req.BuyerPayout},
			{Address: req.SellerAddress, Value: req.SellerPayout},
		},
	}, nil
}

func (w *fakeWallet) BroadcastTx(_ context.Context, tx Tx, cb BroadcastCallback) {
	purpose := PurposePayout
	if len(tx.ID) > 8 && tx.ID[:8] == "deposit-" {
		purpose = PurposeDeposit
	}
	w.mu.Lock()
	err := w.broadcastErr[purpose]
	if err == nil {
		w.broadcasts = append(w.broadcasts, tx)
	}
	w.mu.Unlock()
	if err != nil {
		cb.failure(err)
		return
	}
	cb.success(tx)
}

func (w *fakeWallet) GetOrCreateAddressEntry(_ context.Context, tradeID string, addrCtx AddressContext) (AddressEntry, error) {
	entry := AddressEntry{
		TradeID: tradeID,
		Context: addrCtx,
		Address: w.name + "-" + addrCtx.String(),
		PubKey:  []byte(w.name + "-pub-" + addrCtx.String()),
	}
	if addrCtx == AddressMultiSig {
		w.mu.Lock()
		w.multiSigCalls++
		if w.rotateKey && w.multiSigCalls > 1 {
			entry.PubKey = []byte(w.name + "-rotated")
		}
		w.mu.Unlock()
	}
	return entry, nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	payloads []payload.Payload
}

func (p *recordingPublisher) AddPersistableNetworkPayload(pl payload.Payload, _ bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, pl)
	return true
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

func testRing(name string) crypto.PubKeyRing {
	return crypto.PubKeyRing{SignaturePubKey: []byte(name + "-signature-key")}
}
