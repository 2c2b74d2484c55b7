package trade

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tradenet/core/events"
	"tradenet/p2p"
	"tradenet/storage"
)

const waitFor = 5 * time.Second

type node struct {
	engine    *Engine
	wallet    *fakeWallet
	publisher *recordingPublisher
	store     Store
	events    *events.Recorder
}

type nodeConfig struct {
	chain   Chain
	store   Store
	archive *Archive
}

func startNode(t *testing.T, net *p2p.Loopback, role Role, cfg nodeConfig) *node {
	t.Helper()
	name, addr := "seller", sellerAddr
	if role == RoleBuyer {
		name, addr = "buyer", buyerAddr
	}
	wallet := newFakeWallet(name)
	if cfg.store == nil {
		cfg.store = NewLevelStore(storage.NewMemDB())
	}
	endpoint := net.Register(addr, nil)
	n := &node{wallet: wallet, publisher: &recordingPublisher{}, store: cfg.store, events: events.NewRecorder(0)}
	protocol := NewProtocol(wallet, testReceivers(), addr, WithPubKeyRing(testRing(name)))
	engine, err := NewEngine(protocol,
		WithNetwork(endpoint),
		WithChain(cfg.chain),
		WithPublisher(n.publisher),
		WithStore(cfg.store),
		WithArchive(cfg.archive),
		WithEmitter(n.events),
		WithResendSchedule(2*time.Millisecond, DefaultResendAttempts),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	net.SetHandler(addr, engine)
	n.engine = engine
	t.Cleanup(engine.Close)
	return n
}

// silentPeer registers a peer that accepts every message and never answers.
func silentPeer(net *p2p.Loopback, addr p2p.NodeAddress) {
	net.Register(addr, p2p.HandlerFunc(func(context.Context, p2p.Envelope) error { return nil }))
}

func takeRequest() TakeOfferRequest {
	return TakeOfferRequest{
		TradeID:        "trade-1",
		Terms:          testTerms(),
		Peer:           buyerAddr,
		PeerPubKeyRing: testRing("buyer"),
		PaymentAccount: []byte("seller-sepa-account"),
		TakerFeeTxID:   "taker-fee-1",
	}
}

func placeOffer(t *testing.T, buyer *node) {
	t.Helper()
	err := buyer.engine.PlaceOffer(Offer{ID: "trade-1", Terms: testTerms(), PaymentAccount: []byte("buyer-sepa-account")})
	if err != nil {
		t.Fatalf("place offer: %v", err)
	}
}

func waitState(t *testing.T, n *node, id string, want State) *Trade {
	t.Helper()
	var last *Trade
	require.Eventually(t, func() bool {
		tr, err := n.engine.Trade(id)
		if err != nil {
			return false
		}
		last = tr
		return tr.State == want
	}, waitFor, time.Millisecond, "trade %s never reached %s", id, want)
	return last
}

func waitFailed(t *testing.T, n *node, id string) *Trade {
	t.Helper()
	var last *Trade
	require.Eventually(t, func() bool {
		tr, err := n.engine.Trade(id)
		if err != nil {
			return false
		}
		last = tr
		return tr.IsFailed()
	}, waitFor, time.Millisecond)
	return last
}

// dropping wraps a handler and swallows trade messages of one kind without
// acknowledging them.
func dropping(next p2p.MessageHandler, kind MessageKind, count *int32) p2p.MessageHandler {
	return p2p.HandlerFunc(func(ctx context.Context, env p2p.Envelope) error {
		if env.Message != nil && env.Message.Type == p2p.MsgTypeTrade {
			if _, _, msg, err := DecodeMessage(env.Message); err == nil && msg.Kind() == kind {
				atomic.AddInt32(count, 1)
				return nil
			}
		}
		return next.HandleMessage(ctx, env)
	})
}

func TestEngineRunsTradeOverLoopback(t *testing.T) {
	archive, err := OpenArchive(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = archive.Close() })

	net := p2p.NewLoopback()
	seller := startNode(t, net, RoleSeller, nodeConfig{archive: archive})
	buyer := startNode(t, net, RoleBuyer, nodeConfig{})
	placeOffer(t, buyer)

	ctx := context.Background()
	_, err = seller.engine.TakeOffer(ctx, takeRequest())
	require.NoError(t, err)

	waitState(t, seller, "trade-1", StatePaymentAccountShared)
	waitState(t, buyer, "trade-1", StateBuyerReceivedPaymentAccount)
	require.Len(t, seller.wallet.broadcasted(), 1)

	require.NoError(t, buyer.engine.ConfirmPaymentStarted(ctx, "trade-1", "sepa-ref-1"))
	waitState(t, seller, "trade-1", StateFiatPaymentStartedReceived)
	waitState(t, buyer, "trade-1", StateBuyerSawArrivedPaymentStartedMsg)

	require.NoError(t, seller.engine.ConfirmPaymentReceived(ctx, "trade-1"))
	buyerTrade := waitState(t, buyer, "trade-1", StateBuyerReceivedPayoutTxPublishedMsg)
	sellerTrade := waitState(t, seller, "trade-1", StatePayoutTxPublishedMsgArrived)
	require.Equal(t, sellerTrade.PayoutTx.ID, buyerTrade.PayoutTx.ID)
	require.Equal(t, "deposit-trade-1", buyerTrade.DepositTx.ID)

	require.Equal(t, 1, seller.publisher.count())
	require.Equal(t, 0, buyer.publisher.count())

	require.NoError(t, seller.engine.CloseTrade(ctx, "trade-1"))
	_, err = seller.engine.Trade("trade-1")
	require.ErrorIs(t, err, ErrTradeNotFound)
	_, err = seller.store.Load("trade-1")
	require.ErrorIs(t, err, ErrTradeNotFound)
	archived, err := seller.engine.Archived("trade-1")
	require.NoError(t, err)
	require.Equal(t, StatePayoutTxPublishedMsgArrived, archived.State)

	var completed bool
	for _, ev := range seller.events.Events() {
		if ev.Type == events.TypeTradeCompleted {
			completed = true
		}
	}
	require.True(t, completed)
}

func TestEngineFailsSellerWithoutDepositAck(t *testing.T) {
	net := p2p.NewLoopback()
	seller := startNode(t, net, RoleSeller, nodeConfig{})
	buyer := startNode(t, net, RoleBuyer, nodeConfig{})
	var drops int32
	net.SetHandler(buyerAddr, dropping(buyer.engine, KindDepositTxAndDelayedPayoutTx, &drops))
	placeOffer(t, buyer)

	_, err := seller.engine.TakeOffer(context.Background(), takeRequest())
	require.NoError(t, err)

	failed := waitFailed(t, seller, "trade-1")
	net.Wait()
	require.Equal(t, ErrDepositMessageNotAcked.Error(), failed.ErrorMessage)
	require.Equal(t, "SellerSendsDepositTxAndDelayedPayoutTxMessage", failed.FailedTask)
	require.Equal(t, StateDelayedPayoutSignatureExchanged, failed.State)
	require.Nil(t, failed.DepositTx)
	require.Nil(t, failed.PayoutTx)
	require.Equal(t, int32(DefaultResendAttempts), atomic.LoadInt32(&drops))
	require.Empty(t, seller.wallet.broadcasted())

	rec, err := seller.store.Load("trade-1")
	require.NoError(t, err)
	require.Equal(t, failed.ErrorMessage, rec.Trade.ErrorMessage)

	// Nothing was locked, so the failed trade may be closed.
	require.NoError(t, seller.engine.CloseTrade(context.Background(), "trade-1"))
}

func TestEngineDepositBroadcastFailure(t *testing.T) {
	net := p2p.NewLoopback()
	seller := startNode(t, net, RoleSeller, nodeConfig{})
	buyer := startNode(t, net, RoleBuyer, nodeConfig{})
	seller.wallet.failBroadcast(PurposeDeposit, errors.New("mempool rejected tx"))
	placeOffer(t, buyer)

	_, err := seller.engine.TakeOffer(context.Background(), takeRequest())
	require.NoError(t, err)

	failed := waitFailed(t, seller, "trade-1")
	require.Contains(t, failed.ErrorMessage, "mempool rejected tx")
	require.Equal(t, "SellerPublishesDepositTx", failed.FailedTask)
	require.Equal(t, StateDelayedPayoutSignatureExchanged, failed.State)
	require.Nil(t, failed.DepositTx)
	require.Nil(t, failed.PayoutTx)

	err = seller.engine.ConfirmPaymentReceived(context.Background(), "trade-1")
	require.ErrorIs(t, err, ErrTradeFailed)
}

func TestEngineTreatsConfirmedDepositAsPublished(t *testing.T) {
	net := p2p.NewLoopback()
	chain := ChainFunc(func(_ context.Context, txID string) (bool, error) {
		return txID == "deposit-trade-1", nil
	})
	seller := startNode(t, net, RoleSeller, nodeConfig{chain: chain})
	buyer := startNode(t, net, RoleBuyer, nodeConfig{})
	var drops int32
	net.SetHandler(buyerAddr, dropping(buyer.engine, KindDepositTxAndDelayedPayoutTx, &drops))
	placeOffer(t, buyer)

	_, err := seller.engine.TakeOffer(context.Background(), takeRequest())
	require.NoError(t, err)

	tr := waitState(t, seller, "trade-1", StateDepositTxPublished)
	require.True(t, tr.DepositConfirmed)
	require.Equal(t, "deposit-trade-1", tr.DepositTx.ID)
	require.False(t, tr.IsFailed())
}

func TestEngineResumesDepositMessageAfterRestart(t *testing.T) {
	net := p2p.NewLoopback()
	store := NewLevelStore(storage.NewMemDB())
	buyer := startNode(t, net, RoleBuyer, nodeConfig{})
	var drops int32
	net.SetHandler(buyerAddr, dropping(buyer.engine, KindDepositTxAndDelayedPayoutTx, &drops))
	placeOffer(t, buyer)

	first := startNode(t, net, RoleSeller, nodeConfig{store: store})
	_, err := first.engine.TakeOffer(context.Background(), takeRequest())
	require.NoError(t, err)
	waitState(t, first, "trade-1", StateDelayedPayoutSignatureExchanged)
	first.engine.Close()
	net.Wait()

	net.SetHandler(buyerAddr, buyer.engine)
	second := startNode(t, net, RoleSeller, nodeConfig{store: store})
	_, err = second.engine.Trade("trade-1")
	require.NoError(t, err)
	second.engine.Resume(context.Background())

	waitState(t, second, "trade-1", StatePaymentAccountShared)
	waitState(t, buyer, "trade-1", StateBuyerReceivedPaymentAccount)
	require.Len(t, second.wallet.broadcasted(), 1)
}

func TestEngineRejectsMessagesFromOtherPeers(t *testing.T) {
	net := p2p.NewLoopback()
	seller := startNode(t, net, RoleSeller, nodeConfig{})
	silentPeer(net, buyerAddr)
	_, err := seller.engine.TakeOffer(context.Background(), takeRequest())
	require.NoError(t, err)

	env, err := EncodeMessage("trade-1", p2p.NewUID(), &InputsForDepositTxResponse{})
	require.NoError(t, err)
	env.Sender = p2p.NodeAddress{Host: "mallory.onion", Port: 9999}
	err = seller.engine.HandleMessage(context.Background(), env)
	require.ErrorIs(t, err, ErrPeerMismatch)

	tr, err := seller.engine.Trade("trade-1")
	require.NoError(t, err)
	require.False(t, tr.IsFailed())
}

func TestEngineRequiresOfferForIncomingRequest(t *testing.T) {
	net := p2p.NewLoopback()
	buyer := startNode(t, net, RoleBuyer, nodeConfig{})
	env, err := EncodeMessage("unknown", p2p.NewUID(), &InputsForDepositTxRequest{Terms: testTerms()})
	require.NoError(t, err)
	env.Sender = sellerAddr
	err = buyer.engine.HandleMessage(context.Background(), env)
	require.ErrorIs(t, err, ErrOfferNotFound)
	require.Empty(t, buyer.engine.Trades())
}

func TestEngineCloseRequiresFinishedTrade(t *testing.T) {
	net := p2p.NewLoopback()
	seller := startNode(t, net, RoleSeller, nodeConfig{})
	silentPeer(net, buyerAddr)
	_, err := seller.engine.TakeOffer(context.Background(), takeRequest())
	require.NoError(t, err)

	err = seller.engine.CloseTrade(context.Background(), "trade-1")
	require.ErrorIs(t, err, ErrTradeNotClosable)

	require.NoError(t, seller.engine.SetDisputeState(context.Background(), "trade-1", DisputeMediationClosed))
	require.NoError(t, seller.engine.CloseTrade(context.Background(), "trade-1"))
}

func TestEngineTakeOfferRejectsDuplicates(t *testing.T) {
	net := p2p.NewLoopback()
	seller := startNode(t, net, RoleSeller, nodeConfig{})
	silentPeer(net, buyerAddr)
	_, err := seller.engine.TakeOffer(context.Background(), takeRequest())
	require.NoError(t, err)
	_, err = seller.engine.TakeOffer(context.Background(), takeRequest())
	require.ErrorIs(t, err, ErrTradeExists)
}
