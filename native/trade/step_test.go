package trade

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"tradenet/p2p"
)

// party is one side of a trade driven directly through Protocol.Step.
type party struct {
	t      *testing.T
	p      *Protocol
	wallet *fakeWallet
	trade  *Trade
	ctx    *Context
}

func newParty(t *testing.T, role Role, opts ...ProtocolOption) *party {
	t.Helper()
	name, me, peer := "seller", sellerAddr, buyerAddr
	if role == RoleBuyer {
		name, me, peer = "buyer", buyerAddr, sellerAddr
	}
	wallet := newFakeWallet(name)
	opts = append([]ProtocolOption{WithProtocolClock(fixedClock), WithPubKeyRing(testRing(name))}, opts...)
	return &party{
		t:      t,
		p:      NewProtocol(wallet, testReceivers(), me, opts...),
		wallet: wallet,
		trade: &Trade{
			ID:           "trade-1",
			Role:         role,
			State:        StatePreparation,
			PeerAddress:  peer,
			Terms:        testTerms(),
			TakerFeeTxID: "taker-fee-1",
			CreatedAt:    testStart,
		},
		ctx: &Context{MyPaymentAccount: []byte(name + "-sepa-account")},
	}
}

// step applies in and keeps the new trade and context on success.
func (pt *party) step(in Input) (Transition, error) {
	pt.t.Helper()
	tr, err := pt.p.Step(context.Background(), pt.trade, pt.ctx, in)
	if err == nil && tr.Task != "" {
		pt.trade, pt.ctx = tr.Trade, tr.Context
	}
	return tr, err
}

func (pt *party) must(in Input) Transition {
	pt.t.Helper()
	tr, err := pt.step(in)
	require.NoError(pt.t, err)
	return tr
}

func sent[M Message](t *testing.T, tr Transition) M {
	t.Helper()
	for _, eff := range tr.Effects {
		var msg Message
		switch eff := eff.(type) {
		case SendMessage:
			msg = eff.Message
		case ResendUntilAck:
			msg = eff.Message
		default:
			continue
		}
		if m, ok := msg.(M); ok {
			return m
		}
	}
	var zero M
	t.Fatalf("no message of type %T in %v", zero, tr.Effects)
	return zero
}

func hasEffect[E Effect](tr Transition) (E, bool) {
	for _, eff := range tr.Effects {
		if e, ok := eff.(E); ok {
			return e, true
		}
	}
	var zero E
	return zero, false
}

// toDepositExchanged runs both parties up to the point where the seller waits
// for the ACK of the deposit message. It returns that message.
func toDepositExchanged(t *testing.T, seller, buyer *party) *DepositTxAndDelayedPayoutTxMessage {
	t.Helper()
	tr := seller.must(TakeOffer{})
	require.Equal(t, StateTakeOfferFeePublished, seller.trade.State)
	req := sent[*InputsForDepositTxRequest](t, tr)
	require.Equal(t, testRing("seller"), req.PubKeyRing)

	tr = buyer.must(req)
	require.Equal(t, StateBuyerSentDepositInputs, buyer.trade.State)
	resp := sent[*InputsForDepositTxResponse](t, tr)

	tr = seller.must(resp)
	require.Equal(t, StateDepositTxPrepared, seller.trade.State)
	_, ok := hasEffect[Continue](tr)
	require.True(t, ok)

	seller.must(Continue{})
	require.Equal(t, StateDelayedPayoutTxPrepared, seller.trade.State)
	tr = seller.must(Continue{})
	require.Equal(t, StateDelayedPayoutTxSigned, seller.trade.State)
	sigReq := sent[*DelayedPayoutTxSignatureRequest](t, tr)

	tr = buyer.must(sigReq)
	require.Equal(t, StateBuyerSignedDelayedPayoutTx, buyer.trade.State)
	sigResp := sent[*DelayedPayoutTxSignatureResponse](t, tr)

	tr = seller.must(sigResp)
	require.Equal(t, StateDelayedPayoutSignatureExchanged, seller.trade.State)
	require.Nil(t, seller.trade.DepositTx)
	require.NotNil(t, seller.trade.DelayedPayoutTx)
	resend, ok := hasEffect[ResendUntilAck](tr)
	require.True(t, ok)
	require.Equal(t, p2p.MailboxMessageID("trade-1", sellerAddr), resend.UID)
	require.Equal(t, "deposit-trade-1", resend.ConfirmedTx)
	return resend.Message.(*DepositTxAndDelayedPayoutTxMessage)
}

func TestProtocolCompletesTradeForBothRoles(t *testing.T) {
	seller := newParty(t, RoleSeller)
	buyer := newParty(t, RoleBuyer)
	depositMsg := toDepositExchanged(t, seller, buyer)

	tr := buyer.must(depositMsg)
	require.Equal(t, StateBuyerReceivedDepositTxMsg, buyer.trade.State)
	require.Equal(t, "deposit-trade-1", buyer.trade.DepositTx.ID)
	buyerAccount := sent[*PaymentAccountPayloadMessage](t, tr)

	tr = seller.must(SendResult{Kind: KindDepositTxAndDelayedPayoutTx, State: MessageAcknowledged})
	broadcast, ok := hasEffect[BroadcastTx](tr)
	require.True(t, ok)
	require.Equal(t, PurposeDeposit, broadcast.Purpose)
	require.Nil(t, seller.trade.DepositTx, "deposit is only recorded once published")

	tr = seller.must(BroadcastResult{Purpose: PurposeDeposit, Tx: broadcast.Tx})
	require.Equal(t, StateDepositTxPublished, seller.trade.State)
	sellerAccount := sent[*PaymentAccountPayloadMessage](t, tr)

	seller.must(buyerAccount)
	require.Equal(t, StatePaymentAccountShared, seller.trade.State)
	buyer.must(sellerAccount)
	require.Equal(t, StateBuyerReceivedPaymentAccount, buyer.trade.State)
	require.Equal(t, []byte("seller-sepa-account"), buyer.ctx.PeerPaymentAccount)

	buyer.must(ConfirmPaymentStarted{CounterCurrencyTxID: "sepa-ref-42"})
	require.Equal(t, StateBuyerConfirmedPaymentStarted, buyer.trade.State)
	tr = buyer.must(Continue{})
	require.Equal(t, StateBuyerSentPaymentStartedMsg, buyer.trade.State)
	started, ok := hasEffect[ResendUntilAck](tr)
	require.True(t, ok)
	require.Equal(t, p2p.MailboxMessageID("trade-1", buyerAddr), started.UID)

	seller.must(started.Message)
	require.Equal(t, StateFiatPaymentStartedReceived, seller.trade.State)
	require.Equal(t, "sepa-ref-42", seller.ctx.CounterCurrencyTxID)
	buyer.must(SendResult{Kind: KindPaymentStarted, State: MessageAcknowledged})
	require.Equal(t, StateBuyerSawArrivedPaymentStartedMsg, buyer.trade.State)

	tr = seller.must(ConfirmPaymentReceived{})
	require.Equal(t, StatePayoutTxSignedAndFinalized, seller.trade.State)
	payout, ok := hasEffect[BroadcastTx](tr)
	require.True(t, ok)
	require.Equal(t, PurposePayout, payout.Purpose)

	tr = seller.must(BroadcastResult{Purpose: PurposePayout, Tx: payout.Tx})
	require.Equal(t, StatePayoutTxPublished, seller.trade.State)
	stats, ok := hasEffect[PublishTradeStatistics](tr)
	require.True(t, ok, "buyer advertises trade statistics support, seller publishes")
	require.Equal(t, "EUR", stats.Statistics.Currency)
	require.Equal(t, testStart.UnixMilli(), stats.Statistics.DateMillis)

	tr = seller.must(Continue{})
	require.Equal(t, StatePayoutTxPublishedMsgSent, seller.trade.State)
	published := sent[*PayoutTxPublishedMessage](t, tr)

	tr = buyer.must(published)
	require.Equal(t, StateBuyerReceivedPayoutTxPublishedMsg, buyer.trade.State)
	_, ok = hasEffect[PublishTradeStatistics](tr)
	require.False(t, ok)
	require.True(t, buyer.trade.IsCompleted())

	seller.must(SendResult{Kind: KindPayoutTxPublished, State: MessageArrived})
	require.Equal(t, StatePayoutTxPublishedMsgArrived, seller.trade.State)
	require.True(t, seller.trade.IsCompleted())
	require.True(t, seller.trade.CanClose())

	require.Equal(t, testTerms().BuyerPayout(), payout.Tx.Outputs[0].Value)
	require.Equal(t, testTerms().SellerPayout(), payout.Tx.Outputs[1].Value)
}

func TestPayoutNoticeFailureDoesNotFailTrade(t *testing.T) {
	seller := newParty(t, RoleSeller)
	seller.trade.State = StatePayoutTxPublishedMsgSent

	tr := seller.must(SendResult{Kind: KindPayoutTxPublished, State: MessageFailed, Error: "peer offline"})
	require.Equal(t, "SellerProcessesPayoutTxPublishedMessageState", tr.Task)
	require.Equal(t, StatePayoutTxPublishedMsgFailed, seller.trade.State)
	require.Equal(t, MessageFailed, seller.trade.MessageState)
	require.False(t, seller.trade.IsFailed())
	require.True(t, seller.trade.IsCompleted())
	require.Empty(t, tr.Effects)
}

func TestStepDoesNotMutateInputs(t *testing.T) {
	seller := newParty(t, RoleSeller)
	before := seller.trade.Clone()
	tr, err := seller.p.Step(context.Background(), seller.trade, seller.ctx, TakeOffer{})
	require.NoError(t, err)
	require.Equal(t, before, seller.trade)
	require.Empty(t, seller.ctx.MyMultiSigPubKey)
	require.Equal(t, StateTakeOfferFeePublished, tr.Trade.State)
	require.Equal(t, uint64(1), tr.Context.Version)
}

func TestSellerFailsWhenDepositMessageNeverAcked(t *testing.T) {
	seller := newParty(t, RoleSeller)
	buyer := newParty(t, RoleBuyer)
	toDepositExchanged(t, seller, buyer)

	tr, err := seller.step(SendResult{Kind: KindDepositTxAndDelayedPayoutTx, State: MessageFailed})
	require.ErrorIs(t, err, ErrDepositMessageNotAcked)
	require.Equal(t, "We never received an ACK... we fail here and do not publish the deposit tx", err.Error())
	require.Equal(t, "SellerSendsDepositTxAndDelayedPayoutTxMessage", tr.Task)
	require.Empty(t, tr.Effects)

	_, err = seller.step(SendResult{Kind: KindDepositTxAndDelayedPayoutTx, State: MessageFailed, Error: "invalid delayed payout tx"})
	require.ErrorIs(t, err, ErrPeerRejected)
	require.Contains(t, err.Error(), "invalid delayed payout tx")
}

func TestDepositBroadcastFailureLeavesTradeUntouched(t *testing.T) {
	seller := newParty(t, RoleSeller)
	buyer := newParty(t, RoleBuyer)
	toDepositExchanged(t, seller, buyer)
	seller.must(SendResult{Kind: KindDepositTxAndDelayedPayoutTx, State: MessageAcknowledged})

	tr, err := seller.step(BroadcastResult{Purpose: PurposeDeposit, Err: errors.New("insufficient fee")})
	require.Error(t, err)
	require.Equal(t, "SellerPublishesDepositTx", tr.Task)
	require.Nil(t, tr.Trade)
	require.Equal(t, StateDelayedPayoutSignatureExchanged, seller.trade.State)
	require.Nil(t, seller.trade.DepositTx)
	require.Nil(t, seller.trade.PayoutTx)
}

func TestBuyerRejectsMismatchingTerms(t *testing.T) {
	seller := newParty(t, RoleSeller)
	buyer := newParty(t, RoleBuyer)
	req := sent[*InputsForDepositTxRequest](t, seller.must(TakeOffer{}))
	req.Terms.Amount++

	tr, err := buyer.step(req)
	require.ErrorIs(t, err, ErrTermsMismatch)
	require.Equal(t, "BuyerProcessesInputsForDepositTxRequest", tr.Task)
	require.Equal(t, StatePreparation, buyer.trade.State)
}

func TestBuyerRefusesToSignInvalidDelayedPayout(t *testing.T) {
	seller := newParty(t, RoleSeller)
	buyer := newParty(t, RoleBuyer)
	seller.wallet.tamperLock = true

	resp := sent[*InputsForDepositTxResponse](t, buyer.must(sent[*InputsForDepositTxRequest](t, seller.must(TakeOffer{}))))
	// The seller validates its own tx first and refuses to continue.
	seller.must(resp)
	_, err := seller.step(Continue{})
	require.ErrorIs(t, err, ErrInvalidLockTime)

	deposit := *seller.ctx.PreparedDepositTx
	receivers, err := testReceivers().Receivers(testTerms().SelectionHeight, testTerms().MultiSigAmount()-testTerms().TxFee)
	require.NoError(t, err)
	dpt := Tx{
		ID:       "dpt-deposit-trade-1",
		LockTime: testTerms().LockTime,
		Inputs:   []TxInput{{PrevTxID: deposit.ID, PrevIndex: 0, Sequence: 0xFFFFFFFF}},
	}
	for _, r := range receivers {
		dpt.Outputs = append(dpt.Outputs, TxOutput{Address: r.Address, Value: r.Amount})
	}
	_, err = buyer.step(&DelayedPayoutTxSignatureRequest{DepositTx: deposit, DelayedPayoutTx: dpt, SellerSignature: []byte("sig")})
	require.ErrorIs(t, err, ErrInvalidLockTime)
	require.Equal(t, StateBuyerSentDepositInputs, buyer.trade.State)
	require.Empty(t, buyer.trade.BuyerDelayedPayoutSignature)
}

func TestPaymentAccountMustMatchHash(t *testing.T) {
	seller := newParty(t, RoleSeller)
	buyer := newParty(t, RoleBuyer)
	depositMsg := toDepositExchanged(t, seller, buyer)
	buyer.must(depositMsg)

	_, err := buyer.step(&PaymentAccountPayloadMessage{PaymentAccount: []byte("someone-else")})
	require.ErrorIs(t, err, ErrPaymentAccount)
	require.Equal(t, StateBuyerReceivedDepositTxMsg, buyer.trade.State)
}

func TestDepositTxIsImmutable(t *testing.T) {
	seller := newParty(t, RoleSeller)
	buyer := newParty(t, RoleBuyer)
	depositMsg := toDepositExchanged(t, seller, buyer)
	buyer.must(depositMsg)

	// A resent copy is a no-op.
	tr, err := buyer.step(depositMsg)
	require.NoError(t, err)
	require.Empty(t, tr.Task)

	other := *depositMsg
	other.DepositTx.ID = "deposit-other"
	_, err = buyer.step(&other)
	require.ErrorIs(t, err, ErrImmutableDeposit)
	require.Equal(t, "deposit-trade-1", buyer.trade.DepositTx.ID)
}

func TestSellerMultiSigMismatch(t *testing.T) {
	for _, strict := range []bool{false, true} {
		seller := newParty(t, RoleSeller, WithStrictMultiSigCheck(strict))
		buyer := newParty(t, RoleBuyer)
		depositMsg := toDepositExchanged(t, seller, buyer)
		buyer.must(depositMsg)
		tr := seller.must(SendResult{Kind: KindDepositTxAndDelayedPayoutTx, State: MessageAcknowledged})
		deposit, _ := hasEffect[BroadcastTx](tr)
		seller.must(BroadcastResult{Purpose: PurposeDeposit, Tx: deposit.Tx})
		buyer.must(&PaymentAccountPayloadMessage{PaymentAccount: []byte("seller-sepa-account")})
		buyer.must(ConfirmPaymentStarted{})
		started, _ := hasEffect[ResendUntilAck](buyer.must(Continue{}))
		seller.must(started.Message)

		seller.wallet.rotateKey = true
		_, err := seller.step(ConfirmPaymentReceived{})
		if strict {
			require.ErrorIs(t, err, ErrMultiSigMismatch)
			require.Equal(t, StateFiatPaymentStartedReceived, seller.trade.State)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, StatePayoutTxSignedAndFinalized, seller.trade.State)
	}
}

func TestUnexpectedInputDoesNotFailTrade(t *testing.T) {
	seller := newParty(t, RoleSeller)
	tr, err := seller.step(ConfirmPaymentReceived{})
	require.ErrorIs(t, err, ErrUnexpectedInput)
	require.Empty(t, tr.Task)

	buyer := newParty(t, RoleBuyer)
	_, err = buyer.step(&PayoutTxPublishedMessage{})
	require.ErrorIs(t, err, ErrUnexpectedInput)
}

func TestFailedTradeRejectsInput(t *testing.T) {
	seller := newParty(t, RoleSeller)
	seller.trade.ErrorMessage = "boom"
	_, err := seller.step(TakeOffer{})
	require.ErrorIs(t, err, ErrTradeFailed)
}

func TestBuyerPublishesStatisticsForLegacySeller(t *testing.T) {
	seller := newParty(t, RoleSeller)
	buyer := newParty(t, RoleBuyer)
	toDepositExchanged(t, seller, buyer)
	buyer.ctx.PeerCapabilities = p2p.NewCapabilities(p2p.CapabilityMailbox)
	buyer.trade.State = StateBuyerSawArrivedPaymentStartedMsg
	deposit := *seller.ctx.PreparedDepositTx
	buyer.trade.DepositTx = &deposit

	payout := Tx{
		ID:     "payout-1",
		Inputs: []TxInput{{PrevTxID: deposit.ID}},
		Outputs: []TxOutput{
			{Address: buyer.ctx.MyPayoutAddress, Value: testTerms().BuyerPayout()},
			{Address: buyer.ctx.PeerPayoutAddress, Value: testTerms().SellerPayout()},
		},
	}
	tr := buyer.must(&PayoutTxPublishedMessage{PayoutTx: payout})
	_, ok := hasEffect[PublishTradeStatistics](tr)
	require.True(t, ok)
}

func TestBuyerRejectsPayoutWithWrongSplit(t *testing.T) {
	buyer := newParty(t, RoleBuyer)
	buyer.trade.State = StateBuyerSawArrivedPaymentStartedMsg
	buyer.trade.DepositTx = &Tx{ID: "deposit-trade-1"}
	buyer.ctx.MyPayoutAddress = "buyer-payout"
	buyer.ctx.PeerPayoutAddress = "seller-payout"

	_, err := buyer.step(&PayoutTxPublishedMessage{PayoutTx: Tx{
		ID:     "payout-1",
		Inputs: []TxInput{{PrevTxID: "deposit-trade-1"}},
		Outputs: []TxOutput{
			{Address: "buyer-payout", Value: testTerms().BuyerPayout() - 1},
			{Address: "seller-payout", Value: testTerms().SellerPayout() + 1},
		},
	}})
	require.ErrorIs(t, err, ErrInvalidAmount)
	require.Nil(t, buyer.trade.PayoutTx)
}

func TestPendingEffectsAfterRestart(t *testing.T) {
	seller := newParty(t, RoleSeller)
	buyer := newParty(t, RoleBuyer)
	toDepositExchanged(t, seller, buyer)

	effects := seller.p.PendingEffects(seller.trade, seller.ctx)
	require.Len(t, effects, 1)
	resend, ok := effects[0].(ResendUntilAck)
	require.True(t, ok)
	require.Equal(t, p2p.MailboxMessageID("trade-1", sellerAddr), resend.UID)
	require.Equal(t, "dpt-deposit-trade-1", resend.Message.(*DepositTxAndDelayedPayoutTxMessage).DelayedPayoutTx.ID)

	seller.trade.ErrorMessage = "failed"
	require.Empty(t, seller.p.PendingEffects(seller.trade, seller.ctx))
}
