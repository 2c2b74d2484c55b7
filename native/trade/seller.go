package trade

import (
	"bytes"
	"fmt"
	"log/slog"

	"tradenet/observability/logging"
	"tradenet/p2p"
)

func (s *step) seller(in Input) error {
	switch in := in.(type) {
	case TakeOffer:
		return s.sellerTakeOffer(in)
	case *InputsForDepositTxResponse:
		return s.sellerPrepareDeposit(in)
	case Continue:
		return s.sellerContinue(in)
	case *DelayedPayoutTxSignatureResponse:
		return s.sellerFinalizeDelayedPayout(in)
	case SendResult:
		return s.sellerSendResult(in)
	case DepositConfirmed:
		return s.sellerDepositConfirmed()
	case BroadcastResult:
		return s.sellerBroadcastResult(in)
	case *PaymentAccountPayloadMessage:
		return s.sellerPaymentAccount(in)
	case *PaymentStartedMessage:
		return s.sellerPaymentStarted(in)
	case ConfirmPaymentReceived:
		return s.sellerSignPayout()
	default:
		return s.unexpected(in)
	}
}

func (s *step) sellerTakeOffer(in TakeOffer) error {
	if s.t.State != StatePreparation {
		return s.unexpected(in)
	}
	s.run("SellerSendsInputsForDepositTxRequest")
	multiSig, err := s.addressEntry(AddressMultiSig)
	if err != nil {
		return err
	}
	payout, err := s.addressEntry(AddressTradePayout)
	if err != nil {
		return err
	}
	funding, err := s.addressEntry(AddressReservedForTrade)
	if err != nil {
		return err
	}
	s.c.MyMultiSigPubKey = cloneBytes(multiSig.PubKey)
	s.c.MyPayoutAddress = payout.Address
	s.c.MyFundingAddress = funding.Address
	if err := s.advance(StateTakeOfferFeePublished); err != nil {
		return err
	}
	s.emit(SendMessage{Message: &InputsForDepositTxRequest{
		Terms:                s.t.Terms,
		TakerFeeTxID:         s.t.TakerFeeTxID,
		SellerMultiSigPubKey: s.c.MyMultiSigPubKey,
		SellerPayoutAddress:  s.c.MyPayoutAddress,
		SellerFundingAddress: s.c.MyFundingAddress,
		PaymentAccountHash:   s.c.MyPaymentAccountHash(),
		PubKeyRing:           s.p.pubKeyRing,
		Capabilities:         p2p.AppCapabilities(),
	}})
	return nil
}

func (s *step) sellerPrepareDeposit(msg *InputsForDepositTxResponse) error {
	if s.t.State != StateTakeOfferFeePublished {
		return s.unexpected(msg)
	}
	s.run("SellerPreparesDepositTx")
	if len(msg.BuyerMultiSigPubKey) == 0 || msg.BuyerPayoutAddress == "" || len(msg.PaymentAccountHash) == 0 {
		return fmt.Errorf("%w: incomplete inputs from buyer", ErrMissingData)
	}
	s.c.PeerMultiSigPubKey = cloneBytes(msg.BuyerMultiSigPubKey)
	s.c.PeerPayoutAddress = msg.BuyerPayoutAddress
	s.c.PeerFundingAddress = msg.BuyerFundingAddress
	s.c.PeerPubKeyRing = msg.PubKeyRing
	s.c.PeerCapabilities = msg.Capabilities
	s.t.PeerPaymentAccountHash = cloneBytes(msg.PaymentAccountHash)

	deposit, err := s.p.wallet.PrepareDepositTx(s.ctx, DepositRequest{
		TradeID:              s.t.ID,
		Terms:                s.t.Terms,
		BuyerMultiSigPubKey:  s.c.PeerMultiSigPubKey,
		SellerMultiSigPubKey: s.c.MyMultiSigPubKey,
		BuyerFundingAddress:  s.c.PeerFundingAddress,
		SellerFundingAddress: s.c.MyFundingAddress,
	})
	if err != nil {
		return fmt.Errorf("prepare deposit tx: %w", err)
	}
	if err := ValidateDepositTx(s.t.Terms, deposit); err != nil {
		return err
	}
	s.c.PreparedDepositTx = deposit.Clone()
	if err := s.advance(StateDepositTxPrepared); err != nil {
		return err
	}
	s.emit(Continue{})
	return nil
}

func (s *step) sellerContinue(in Continue) error {
	switch s.t.State {
	case StateDepositTxPrepared:
		return s.sellerCreateDelayedPayout()
	case StateDelayedPayoutTxPrepared:
		return s.sellerSignDelayedPayout()
	case StateDepositTxPublished:
		if len(s.c.PeerPaymentAccount) == 0 {
			return nil
		}
		s.run("SellerSharesPaymentAccount")
		return s.advance(StatePaymentAccountShared)
	case StatePayoutTxPublished:
		return s.sellerSendPayoutPublished()
	default:
		return s.unexpected(in)
	}
}

func (s *step) sellerCreateDelayedPayout() error {
	s.run("SellerCreatesDelayedPayoutTx")
	if s.c.PreparedDepositTx == nil {
		return errNoDeposit
	}
	receivers, err := s.delayedPayoutReceivers()
	if err != nil {
		return err
	}
	dpt, err := s.p.wallet.CreateDelayedUnsignedPayoutTx(s.ctx, *s.c.PreparedDepositTx, receivers, s.t.Terms.LockTime)
	if err != nil {
		return fmt.Errorf("create delayed payout tx: %w", err)
	}
	if err := ValidateDelayedPayoutTx(s.t.Terms, dpt, *s.c.PreparedDepositTx, receivers); err != nil {
		return err
	}
	s.c.Receivers = receivers
	s.c.UnsignedDelayedPayoutTx = dpt.Clone()
	if err := s.advance(StateDelayedPayoutTxPrepared); err != nil {
		return err
	}
	s.emit(Continue{})
	return nil
}

func (s *step) sellerSignDelayedPayout() error {
	s.run("SellerSignsDelayedPayoutTx")
	if s.c.PreparedDepositTx == nil || s.c.UnsignedDelayedPayoutTx == nil {
		return fmt.Errorf("%w: delayed payout tx not prepared", ErrMissingData)
	}
	sig, err := s.p.wallet.SignDelayedPayoutTx(s.ctx, *s.c.UnsignedDelayedPayoutTx, *s.c.PreparedDepositTx, s.c.MyMultiSigPubKey)
	if err != nil {
		return fmt.Errorf("sign delayed payout tx: %w", err)
	}
	s.t.SellerDelayedPayoutSignature = cloneBytes(sig)
	if err := s.advance(StateDelayedPayoutTxSigned); err != nil {
		return err
	}
	s.emit(SendMessage{Message: &DelayedPayoutTxSignatureRequest{
		DepositTx:       *s.c.PreparedDepositTx,
		DelayedPayoutTx: *s.c.UnsignedDelayedPayoutTx,
		SellerSignature: sig,
	}})
	return nil
}

func (s *step) sellerFinalizeDelayedPayout(msg *DelayedPayoutTxSignatureResponse) error {
	if s.t.State != StateDelayedPayoutTxSigned {
		return s.unexpected(msg)
	}
	s.run("SellerFinalizesDelayedPayoutTx")
	if len(msg.BuyerSignature) == 0 {
		return fmt.Errorf("%w: buyer signature", ErrMissingData)
	}
	if s.c.PreparedDepositTx == nil || s.c.UnsignedDelayedPayoutTx == nil {
		return fmt.Errorf("%w: delayed payout tx not prepared", ErrMissingData)
	}
	if msg.DepositTx.ID != s.c.PreparedDepositTx.ID {
		return fmt.Errorf("%w: buyer returned deposit %s, expected %s", ErrInvalidTx, msg.DepositTx.ID, s.c.PreparedDepositTx.ID)
	}
	buyerKey, sellerKey := s.c.multiSigKeys(RoleSeller)
	dpt, err := s.p.wallet.FinalizeDelayedPayoutTx(s.ctx, FinalizeDelayedPayoutRequest{
		DelayedPayoutTx:      *s.c.UnsignedDelayedPayoutTx,
		BuyerMultiSigPubKey:  buyerKey,
		SellerMultiSigPubKey: sellerKey,
		BuyerSignature:       msg.BuyerSignature,
		SellerSignature:      s.t.SellerDelayedPayoutSignature,
	})
	if err != nil {
		return fmt.Errorf("finalize delayed payout tx: %w", err)
	}
	deposit, err := s.p.wallet.CompleteDepositTxWithFee(s.ctx, msg.DepositTx, RoleSeller)
	if err != nil {
		return fmt.Errorf("complete deposit tx: %w", err)
	}
	if deposit.ID != s.c.PreparedDepositTx.ID {
		return fmt.Errorf("%w: completed deposit changed id", ErrInvalidTx)
	}
	// The safety net must be fully valid before anything is sent or published.
	if err := ValidateDelayedPayoutTx(s.t.Terms, dpt, deposit, s.c.Receivers); err != nil {
		return err
	}
	s.c.PreparedDepositTx = deposit.Clone()
	s.t.DelayedPayoutTx = dpt.Clone()
	s.t.BuyerDelayedPayoutSignature = cloneBytes(msg.BuyerSignature)
	if err := s.advance(StateDelayedPayoutSignatureExchanged); err != nil {
		return err
	}
	s.t.MessageState = MessageSent
	s.emit(ResendUntilAck{
		Message:     &DepositTxAndDelayedPayoutTxMessage{DepositTx: deposit, DelayedPayoutTx: dpt},
		UID:         p2p.MailboxMessageID(s.t.ID, s.p.myAddress),
		ConfirmedTx: deposit.ID,
	})
	return nil
}

func (s *step) sellerSendResult(r SendResult) error {
	switch r.Kind {
	case KindInputsForDepositTxRequest, KindDelayedPayoutTxSignatureRequest:
		if err := criticalSendFailure(r); err != nil {
			s.run("SellerSends" + string(r.Kind))
			return err
		}
		return nil
	case KindDepositTxAndDelayedPayoutTx:
		return s.sellerDepositMessageResult(r)
	case KindPayoutTxPublished:
		return s.sellerPayoutMessageResult(r)
	default:
		// Informational messages: outcome is logged by the engine only.
		return nil
	}
}

func (s *step) sellerDepositMessageResult(r SendResult) error {
	if s.t.State != StateDelayedPayoutSignatureExchanged || s.t.DepositTx != nil {
		return nil
	}
	if s.t.MessageState == MessageAcknowledged || (s.t.MessageState == r.State && r.State != MessageFailed) {
		return nil
	}
	s.run("SellerSendsDepositTxAndDelayedPayoutTxMessage")
	switch r.State {
	case MessageAcknowledged:
		s.t.MessageState = MessageAcknowledged
		s.emit(BroadcastTx{Purpose: PurposeDeposit, Tx: *s.c.PreparedDepositTx})
		return nil
	case MessageFailed:
		s.t.MessageState = MessageFailed
		if r.Error != "" {
			return fmt.Errorf("%w: %s", ErrPeerRejected, r.Error)
		}
		return ErrDepositMessageNotAcked
	default:
		s.t.MessageState = r.State
		return nil
	}
}

func (s *step) sellerDepositConfirmed() error {
	if s.t.DepositConfirmed {
		return nil
	}
	if s.t.State == StateDelayedPayoutSignatureExchanged && s.t.DepositTx == nil && s.c.PreparedDepositTx != nil {
		// Seen on chain while still resending, e.g. after a restart following
		// the broadcast: treat it as published.
		s.run("SellerSawDepositTxConfirmed")
		s.t.DepositConfirmed = true
		return s.sellerDepositPublished(*s.c.PreparedDepositTx)
	}
	s.run("DepositTxConfirmed")
	s.t.DepositConfirmed = true
	return nil
}

func (s *step) sellerBroadcastResult(r BroadcastResult) error {
	switch r.Purpose {
	case PurposeDeposit:
		if s.t.State != StateDelayedPayoutSignatureExchanged {
			return s.unexpected(r)
		}
		s.run("SellerPublishesDepositTx")
		if r.Err != nil {
			return fmt.Errorf("broadcast deposit tx: %w", r.Err)
		}
		return s.sellerDepositPublished(r.Tx)
	case PurposePayout:
		if s.t.State != StatePayoutTxSignedAndFinalized {
			return s.unexpected(r)
		}
		s.run("SellerPublishesPayoutTx")
		if r.Err != nil {
			return fmt.Errorf("broadcast payout tx: %w", r.Err)
		}
		s.t.PayoutTx = r.Tx.Clone()
		if err := s.advance(StatePayoutTxPublished); err != nil {
			return err
		}
		// Only one side publishes; a buyer without the capability does it itself.
		if s.c.PeerCapabilities.Contains(p2p.CapabilityTradeStatistics3) {
			s.emit(PublishTradeStatistics{Statistics: s.tradeStatistics()})
		}
		s.emit(Continue{})
		return nil
	default:
		return s.unexpected(r)
	}
}

func (s *step) sellerDepositPublished(tx Tx) error {
	if err := s.t.setDepositTx(tx); err != nil {
		return err
	}
	if err := s.advance(StateDepositTxPublished); err != nil {
		return err
	}
	s.emit(SendMessage{Message: &PaymentAccountPayloadMessage{PaymentAccount: s.c.MyPaymentAccount}, Mailbox: true})
	if len(s.c.PeerPaymentAccount) > 0 {
		s.emit(Continue{})
	}
	return nil
}

func (s *step) sellerPaymentAccount(msg *PaymentAccountPayloadMessage) error {
	if s.t.State.Phase() > PhaseDepositPublished {
		return nil
	}
	s.run("SellerProcessesPaymentAccountPayloadMessage")
	if err := s.receivePaymentAccount(msg); err != nil {
		return err
	}
	if s.t.State == StateDepositTxPublished {
		return s.advance(StatePaymentAccountShared)
	}
	return nil
}

func (s *step) sellerPaymentStarted(msg *PaymentStartedMessage) error {
	if s.t.State.Phase() >= PhaseFiatSent {
		return nil
	}
	if s.t.State != StateDepositTxPublished && s.t.State != StatePaymentAccountShared {
		return s.unexpected(msg)
	}
	s.run("SellerProcessesPaymentStartedMessage")
	if len(msg.BuyerPayoutSignature) == 0 {
		return fmt.Errorf("%w: buyer payout signature", ErrMissingData)
	}
	if msg.BuyerPayoutAddress != "" {
		s.c.PeerPayoutAddress = msg.BuyerPayoutAddress
	}
	s.c.PeerPayoutSignature = cloneBytes(msg.BuyerPayoutSignature)
	s.c.CounterCurrencyTxID = msg.CounterCurrencyTxID
	return s.advance(StateFiatPaymentStartedReceived)
}

func (s *step) sellerSignPayout() error {
	if s.t.State != StateFiatPaymentStartedReceived {
		return s.unexpected(ConfirmPaymentReceived{})
	}
	s.run("SellerSignsAndFinalizesPayoutTx")
	if s.t.DepositTx == nil {
		return errNoDeposit
	}
	entry, err := s.addressEntry(AddressMultiSig)
	if err != nil {
		return err
	}
	if !bytes.Equal(entry.PubKey, s.c.MyMultiSigPubKey) {
		s.p.metrics.RecordMultisigMismatch()
		if s.p.strictMultiSig {
			return ErrMultiSigMismatch
		}
		s.p.logger.Warn("multisig pubkey does not match address entry, using the key from the trade",
			slog.String("trade_id", s.t.ID),
			logging.MaskField("entry_address", entry.Address))
	}
	buyerKey, sellerKey := s.c.multiSigKeys(RoleSeller)
	buyerAddr, sellerAddr := s.c.payoutAddresses(RoleSeller)
	payout, err := s.p.wallet.SellerSignsAndFinalizesPayoutTx(s.ctx, PayoutRequest{
		DepositTx:            *s.t.DepositTx,
		BuyerPayout:          s.t.Terms.BuyerPayout(),
		SellerPayout:         s.t.Terms.SellerPayout(),
		BuyerAddress:         buyerAddr,
		SellerAddress:        sellerAddr,
		BuyerMultiSigPubKey:  buyerKey,
		SellerMultiSigPubKey: sellerKey,
		BuyerSignature:       s.c.PeerPayoutSignature,
	})
	if err != nil {
		return fmt.Errorf("sign payout tx: %w", err)
	}
	if err := ValidatePayoutTx(s.t.Terms, payout, *s.t.DepositTx, buyerAddr, sellerAddr); err != nil {
		return err
	}
	s.c.FinalizedPayoutTx = payout.Clone()
	if err := s.advance(StatePayoutTxSignedAndFinalized); err != nil {
		return err
	}
	s.emit(BroadcastTx{Purpose: PurposePayout, Tx: payout})
	return nil
}

func (s *step) sellerSendPayoutPublished() error {
	s.run("SellerSendsPayoutTxPublishedMessage")
	if s.t.PayoutTx == nil {
		return fmt.Errorf("%w: payout tx", ErrMissingData)
	}
	if err := s.advance(StatePayoutTxPublishedMsgSent); err != nil {
		return err
	}
	s.t.MessageState = MessageSent
	s.emit(SendMessage{Message: &PayoutTxPublishedMessage{PayoutTx: *s.t.PayoutTx}, Mailbox: true, TrackAck: true})
	return nil
}

// sellerPayoutMessageResult records the delivery of the payout notice. Funds
// are already paid out, so a failure is recorded but never fails the trade.
func (s *step) sellerPayoutMessageResult(r SendResult) error {
	if s.t.State.Phase() != PhasePayoutPublished || s.t.State == StatePayoutTxPublished {
		return nil
	}
	var next State
	switch r.State {
	case MessageArrived, MessageAcknowledged:
		next = StatePayoutTxPublishedMsgArrived
	case MessageStoredInMailbox:
		if s.t.State == StatePayoutTxPublishedMsgArrived {
			return nil
		}
		next = StatePayoutTxPublishedMsgStoredInMailbox
	case MessageFailed:
		if s.t.State == StatePayoutTxPublishedMsgArrived {
			return nil
		}
		next = StatePayoutTxPublishedMsgFailed
		s.p.logger.Warn("payout tx published message failed",
			slog.String("trade_id", s.t.ID),
			slog.String("error", r.Error))
	default:
		return nil
	}
	if s.t.State == next && s.t.MessageState == r.State {
		return nil
	}
	s.run("SellerProcessesPayoutTxPublishedMessageState")
	s.t.MessageState = r.State
	return s.advance(next)
}
