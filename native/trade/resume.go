package trade

import "tradenet/p2p"

// PendingEffects returns the work an open trade still owes after a restart.
// Effects lost with the previous process are rebuilt from the persisted trade
// and context; mailbox messages reuse their deterministic uid so the peer
// drops copies it already has.
func (p *Protocol) PendingEffects(t *Trade, c *Context) []Effect {
	if t == nil || t.IsFailed() {
		return nil
	}
	if c == nil {
		c = &Context{}
	}
	uid := p2p.MailboxMessageID(t.ID, p.myAddress)
	switch t.State {
	case StateDepositTxPrepared, StateDelayedPayoutTxPrepared, StatePayoutTxPublished,
		StateBuyerConfirmedPaymentStarted:
		return []Effect{Continue{}}
	case StateDepositTxPublished, StateBuyerReceivedDepositTxMsg:
		if len(c.PeerPaymentAccount) > 0 {
			return []Effect{Continue{}}
		}
	case StateDelayedPayoutSignatureExchanged:
		if t.DepositTx != nil || c.PreparedDepositTx == nil || t.DelayedPayoutTx == nil {
			return nil
		}
		return []Effect{ResendUntilAck{
			Message:     &DepositTxAndDelayedPayoutTxMessage{DepositTx: *c.PreparedDepositTx, DelayedPayoutTx: *t.DelayedPayoutTx},
			UID:         uid,
			ConfirmedTx: c.PreparedDepositTx.ID,
		}}
	case StatePayoutTxSignedAndFinalized:
		if c.FinalizedPayoutTx != nil {
			return []Effect{BroadcastTx{Purpose: PurposePayout, Tx: *c.FinalizedPayoutTx}}
		}
	case StateBuyerSentPaymentStartedMsg:
		return []Effect{ResendUntilAck{
			Message: &PaymentStartedMessage{
				BuyerPayoutAddress:   c.MyPayoutAddress,
				BuyerPayoutSignature: c.PeerPayoutSignature,
				CounterCurrencyTxID:  c.CounterCurrencyTxID,
			},
			UID: uid,
		}}
	}
	return nil
}
