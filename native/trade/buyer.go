package trade

import (
	"fmt"
	"log/slog"

	"tradenet/p2p"
)

func (s *step) buyer(in Input) error {
	switch in := in.(type) {
	case *InputsForDepositTxRequest:
		return s.buyerProvideInputs(in)
	case *DelayedPayoutTxSignatureRequest:
		return s.buyerSignDelayedPayout(in)
	case *DepositTxAndDelayedPayoutTxMessage:
		return s.buyerReceiveDeposit(in)
	case *PaymentAccountPayloadMessage:
		return s.buyerPaymentAccount(in)
	case Continue:
		return s.buyerContinue(in)
	case ConfirmPaymentStarted:
		return s.buyerConfirmPaymentStarted(in)
	case SendResult:
		return s.buyerSendResult(in)
	case DepositConfirmed:
		if s.t.DepositConfirmed {
			return nil
		}
		s.run("DepositTxConfirmed")
		s.t.DepositConfirmed = true
		return nil
	case *PayoutTxPublishedMessage:
		return s.buyerReceivePayout(in)
	default:
		return s.unexpected(in)
	}
}

func (s *step) buyerProvideInputs(msg *InputsForDepositTxRequest) error {
	if s.t.State != StatePreparation {
		if s.t.State == StateBuyerSentDepositInputs {
			return nil
		}
		return s.unexpected(msg)
	}
	s.run("BuyerProcessesInputsForDepositTxRequest")
	if msg.Terms != s.t.Terms {
		return ErrTermsMismatch
	}
	if len(msg.SellerMultiSigPubKey) == 0 || msg.SellerPayoutAddress == "" || len(msg.PaymentAccountHash) == 0 {
		return fmt.Errorf("%w: incomplete inputs from seller", ErrMissingData)
	}
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
	s.t.TakerFeeTxID = msg.TakerFeeTxID
	s.t.PeerPaymentAccountHash = cloneBytes(msg.PaymentAccountHash)
	s.c.MyMultiSigPubKey = cloneBytes(multiSig.PubKey)
	s.c.MyPayoutAddress = payout.Address
	s.c.MyFundingAddress = funding.Address
	s.c.PeerMultiSigPubKey = cloneBytes(msg.SellerMultiSigPubKey)
	s.c.PeerPayoutAddress = msg.SellerPayoutAddress
	s.c.PeerFundingAddress = msg.SellerFundingAddress
	s.c.PeerPubKeyRing = msg.PubKeyRing
	s.c.PeerCapabilities = msg.Capabilities
	if err := s.advance(StateBuyerSentDepositInputs); err != nil {
		return err
	}
	s.emit(SendMessage{Message: &InputsForDepositTxResponse{
		BuyerMultiSigPubKey: s.c.MyMultiSigPubKey,
		BuyerPayoutAddress:  s.c.MyPayoutAddress,
		BuyerFundingAddress: s.c.MyFundingAddress,
		PaymentAccountHash:  s.c.MyPaymentAccountHash(),
		PubKeyRing:          s.p.pubKeyRing,
		Capabilities:        p2p.AppCapabilities(),
	}})
	return nil
}

func (s *step) buyerSignDelayedPayout(msg *DelayedPayoutTxSignatureRequest) error {
	if s.t.State != StateBuyerSentDepositInputs {
		return s.unexpected(msg)
	}
	s.run("BuyerSignsDelayedPayoutTx")
	if len(msg.SellerSignature) == 0 {
		return fmt.Errorf("%w: seller signature", ErrMissingData)
	}
	receivers, err := s.delayedPayoutReceivers()
	if err != nil {
		return err
	}
	// Never sign a safety net that would not pay out as agreed.
	if err := ValidateDelayedPayoutTx(s.t.Terms, msg.DelayedPayoutTx, msg.DepositTx, receivers); err != nil {
		return err
	}
	sig, err := s.p.wallet.SignDelayedPayoutTx(s.ctx, msg.DelayedPayoutTx, msg.DepositTx, s.c.MyMultiSigPubKey)
	if err != nil {
		return fmt.Errorf("sign delayed payout tx: %w", err)
	}
	deposit, err := s.p.wallet.CompleteDepositTxWithFee(s.ctx, msg.DepositTx, RoleBuyer)
	if err != nil {
		return fmt.Errorf("complete deposit tx: %w", err)
	}
	if deposit.ID != msg.DepositTx.ID {
		return fmt.Errorf("%w: completed deposit changed id", ErrInvalidTx)
	}
	s.c.Receivers = receivers
	s.c.PreparedDepositTx = deposit.Clone()
	s.c.UnsignedDelayedPayoutTx = msg.DelayedPayoutTx.Clone()
	s.t.SellerDelayedPayoutSignature = cloneBytes(msg.SellerSignature)
	s.t.BuyerDelayedPayoutSignature = cloneBytes(sig)
	if err := s.advance(StateBuyerSignedDelayedPayoutTx); err != nil {
		return err
	}
	s.emit(SendMessage{Message: &DelayedPayoutTxSignatureResponse{BuyerSignature: sig, DepositTx: deposit}})
	return nil
}

func (s *step) buyerReceiveDeposit(msg *DepositTxAndDelayedPayoutTxMessage) error {
	if s.t.DepositTx != nil {
		// Resent copy of a message we already processed.
		if s.t.DepositTx.ID == msg.DepositTx.ID {
			return nil
		}
		return fmt.Errorf("%w: deposit tx already set to %s", ErrImmutableDeposit, s.t.DepositTx.ID)
	}
	if s.t.State != StateBuyerSignedDelayedPayoutTx {
		return s.unexpected(msg)
	}
	s.run("BuyerProcessesDepositTxAndDelayedPayoutTxMessage")
	if s.c.PreparedDepositTx == nil || s.c.UnsignedDelayedPayoutTx == nil {
		return fmt.Errorf("%w: delayed payout tx not signed", ErrMissingData)
	}
	if msg.DepositTx.ID != s.c.PreparedDepositTx.ID {
		return fmt.Errorf("%w: deposit %s, expected %s", ErrInvalidTx, msg.DepositTx.ID, s.c.PreparedDepositTx.ID)
	}
	if msg.DelayedPayoutTx.ID != s.c.UnsignedDelayedPayoutTx.ID {
		return fmt.Errorf("%w: delayed payout tx %s, expected %s", ErrInvalidTx, msg.DelayedPayoutTx.ID, s.c.UnsignedDelayedPayoutTx.ID)
	}
	if err := ValidateDelayedPayoutTx(s.t.Terms, msg.DelayedPayoutTx, msg.DepositTx, s.c.Receivers); err != nil {
		return err
	}
	if err := s.t.setDepositTx(msg.DepositTx); err != nil {
		return err
	}
	s.t.DelayedPayoutTx = msg.DelayedPayoutTx.Clone()
	if err := s.advance(StateBuyerReceivedDepositTxMsg); err != nil {
		return err
	}
	s.emit(SendMessage{Message: &PaymentAccountPayloadMessage{PaymentAccount: s.c.MyPaymentAccount}, Mailbox: true})
	if len(s.c.PeerPaymentAccount) > 0 {
		s.emit(Continue{})
	}
	return nil
}

func (s *step) buyerPaymentAccount(msg *PaymentAccountPayloadMessage) error {
	if s.t.State.Phase() > PhaseDepositPublished {
		return nil
	}
	s.run("BuyerProcessesPaymentAccountPayloadMessage")
	if err := s.receivePaymentAccount(msg); err != nil {
		return err
	}
	if s.t.State == StateBuyerReceivedDepositTxMsg {
		return s.advance(StateBuyerReceivedPaymentAccount)
	}
	return nil
}

func (s *step) buyerContinue(in Continue) error {
	switch s.t.State {
	case StateBuyerReceivedDepositTxMsg:
		if len(s.c.PeerPaymentAccount) == 0 {
			return nil
		}
		s.run("BuyerReceivesPaymentAccount")
		return s.advance(StateBuyerReceivedPaymentAccount)
	case StateBuyerConfirmedPaymentStarted:
		s.run("BuyerSendsPaymentStartedMessage")
		if err := s.advance(StateBuyerSentPaymentStartedMsg); err != nil {
			return err
		}
		s.t.MessageState = MessageSent
		s.emit(ResendUntilAck{
			Message: &PaymentStartedMessage{
				BuyerPayoutAddress:   s.c.MyPayoutAddress,
				BuyerPayoutSignature: s.c.PeerPayoutSignature,
				CounterCurrencyTxID:  s.c.CounterCurrencyTxID,
			},
			UID: p2p.MailboxMessageID(s.t.ID, s.p.myAddress),
		})
		return nil
	default:
		return s.unexpected(in)
	}
}

func (s *step) buyerConfirmPaymentStarted(in ConfirmPaymentStarted) error {
	if s.t.State != StateBuyerReceivedPaymentAccount {
		return s.unexpected(in)
	}
	s.run("BuyerSignsPayoutTx")
	if s.t.DepositTx == nil {
		return errNoDeposit
	}
	buyerKey, sellerKey := s.c.multiSigKeys(RoleBuyer)
	buyerAddr, sellerAddr := s.c.payoutAddresses(RoleBuyer)
	sig, err := s.p.wallet.BuyerSignsPayoutTx(s.ctx, PayoutRequest{
		DepositTx:            *s.t.DepositTx,
		BuyerPayout:          s.t.Terms.BuyerPayout(),
		SellerPayout:         s.t.Terms.SellerPayout(),
		BuyerAddress:         buyerAddr,
		SellerAddress:        sellerAddr,
		BuyerMultiSigPubKey:  buyerKey,
		SellerMultiSigPubKey: sellerKey,
	})
	if err != nil {
		return fmt.Errorf("sign payout tx: %w", err)
	}
	// The buyer keeps its own payout signature in the peer slot until the seller finalizes.
	s.c.PeerPayoutSignature = cloneBytes(sig)
	s.c.CounterCurrencyTxID = in.CounterCurrencyTxID
	if err := s.advance(StateBuyerConfirmedPaymentStarted); err != nil {
		return err
	}
	s.emit(Continue{})
	return nil
}

// buyerSendResult records the delivery of the payment started message. The
// seller may still read it from the mailbox, so running out of resends is
// recorded without failing the trade.
func (s *step) buyerSendResult(r SendResult) error {
	switch r.Kind {
	case KindInputsForDepositTxResponse, KindDelayedPayoutTxSignatureResponse:
		if err := criticalSendFailure(r); err != nil {
			s.run("BuyerSends" + string(r.Kind))
			return err
		}
		return nil
	case KindPaymentStarted:
	default:
		return nil
	}
	if s.t.State.Phase() != PhaseFiatSent || s.t.State == StateBuyerConfirmedPaymentStarted {
		return nil
	}
	var next State
	switch r.State {
	case MessageAcknowledged, MessageArrived:
		next = StateBuyerSawArrivedPaymentStartedMsg
	case MessageFailed:
		if s.t.State == StateBuyerSawArrivedPaymentStartedMsg {
			return nil
		}
		next = StateBuyerSendFailedPaymentStartedMsg
		s.p.logger.Warn("payment started message was not acknowledged",
			slog.String("trade_id", s.t.ID),
			slog.String("error", r.Error))
	default:
		return nil
	}
	if s.t.State == next {
		return nil
	}
	s.run("BuyerProcessesPaymentStartedMessageState")
	s.t.MessageState = r.State
	return s.advance(next)
}

func (s *step) buyerReceivePayout(msg *PayoutTxPublishedMessage) error {
	if s.t.PayoutTx != nil {
		if s.t.PayoutTx.ID == msg.PayoutTx.ID {
			return nil
		}
		return fmt.Errorf("%w: payout tx already set to %s", ErrInvalidTx, s.t.PayoutTx.ID)
	}
	if s.t.State.Phase() != PhaseFiatSent {
		return s.unexpected(msg)
	}
	s.run("BuyerProcessesPayoutTxPublishedMessage")
	if s.t.DepositTx == nil {
		return errNoDeposit
	}
	buyerAddr, sellerAddr := s.c.payoutAddresses(RoleBuyer)
	if err := ValidatePayoutTx(s.t.Terms, msg.PayoutTx, *s.t.DepositTx, buyerAddr, sellerAddr); err != nil {
		return err
	}
	s.t.PayoutTx = msg.PayoutTx.Clone()
	if err := s.advance(StateBuyerReceivedPayoutTxPublishedMsg); err != nil {
		return err
	}
	if !s.c.PeerCapabilities.Contains(p2p.CapabilityTradeStatistics3) {
		s.emit(PublishTradeStatistics{Statistics: s.tradeStatistics()})
	}
	return nil
}
