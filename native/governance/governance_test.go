package governance

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tradenet/crypto"
	"tradenet/p2p"
	"tradenet/p2p/payload"
	"tradenet/p2p/store"
	"tradenet/storage"
)

type fakeChain struct {
	mu     sync.Mutex
	height int
	txs    map[string]ChainTx
}

func newFakeChain(height int) *fakeChain {
	return &fakeChain{height: height, txs: map[string]ChainTx{}}
}

func (c *fakeChain) ChainHeight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

func (c *fakeChain) Tx(txID string) (ChainTx, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[txID]
	return tx, ok
}

func (c *fakeChain) setHeight(h int) {
	c.mu.Lock()
	c.height = h
	c.mu.Unlock()
}

func (c *fakeChain) confirm(tx ChainTx) {
	c.mu.Lock()
	c.txs[tx.ID] = tx
	c.mu.Unlock()
}

// testPhases gives a 100 block cycle starting at genesis 1000:
// proposal [1000,1040) break1 [1040,1045) blind vote [1045,1065) break2 [1065,1070)
// vote reveal [1070,1090) break3 [1090,1095) result [1095,1100).
func testPhases() []PhaseDuration {
	return []PhaseDuration{
		{Phase: PhaseProposal, Blocks: 40},
		{Phase: PhaseBreak1, Blocks: 5},
		{Phase: PhaseBlindVote, Blocks: 20},
		{Phase: PhaseBreak2, Blocks: 5},
		{Phase: PhaseVoteReveal, Blocks: 20},
		{Phase: PhaseBreak3, Blocks: 5},
		{Phase: PhaseResult, Blocks: 5},
	}
}

func newPeriod(t *testing.T) *PeriodService {
	t.Helper()
	p, err := NewPeriodService(1000, testPhases())
	if err != nil {
		t.Fatalf("period: %v", err)
	}
	return p
}

var p2pPeer = p2p.NodeAddress{Host: "seed.onion", Port: 8000}

func validVote() payload.BlindVote {
	return payload.BlindVote{
		EncryptedVotes:     []byte{0x01, 0x02},
		TxID:               "c0ffee",
		Stake:              1,
		EncryptedMeritList: []byte{0x03},
	}
}

func TestPeriodService(t *testing.T) {
	p := newPeriod(t)
	cases := []struct {
		height int
		phase  Phase
	}{
		{999, PhaseUndefined},
		{1000, PhaseProposal},
		{1044, PhaseBreak1},
		{1045, PhaseBlindVote},
		{1064, PhaseBlindVote},
		{1065, PhaseBreak2},
		{1070, PhaseVoteReveal},
		{1099, PhaseResult},
		{1100, PhaseProposal},
		{1150, PhaseBlindVote},
	}
	for _, tc := range cases {
		if got := p.PhaseAt(tc.height); got != tc.phase {
			t.Fatalf("height %d: expected %s, got %s", tc.height, tc.phase, got)
		}
	}
	cycle, ok := p.CycleAt(1150)
	if !ok || cycle.Index != 1 || cycle.StartHeight != 1100 {
		t.Fatalf("unexpected cycle %+v", cycle)
	}
	if cycle.FirstBlockOfPhase(PhaseBlindVote) != 1145 || cycle.LastBlockOfPhase(PhaseBlindVote) != 1164 {
		t.Fatalf("unexpected blind vote window")
	}
	if !p.IsTxInPhaseAndCycle(1050, PhaseBlindVote, 1080) {
		t.Fatalf("tx in blind vote phase of current cycle must match")
	}
	if p.IsTxInPhaseAndCycle(1050, PhaseBlindVote, 1120) {
		t.Fatalf("tx from previous cycle must not match")
	}
	if p.IsTxInPhaseAndCycle(1066, PhaseBlindVote, 1080) {
		t.Fatalf("tx after blind vote phase must not match")
	}
}

func TestNewPeriodServiceRejectsBadLayout(t *testing.T) {
	if _, err := NewPeriodService(0, []PhaseDuration{{Phase: PhaseBlindVote, Blocks: 0}}); err == nil {
		t.Fatalf("expected zero length phase to fail")
	}
	if _, err := NewPeriodService(0, []PhaseDuration{{Phase: PhaseBlindVote, Blocks: 1}, {Phase: PhaseProposal, Blocks: 1}}); err == nil {
		t.Fatalf("expected out of order phases to fail")
	}
}

func TestOpReturnLength(t *testing.T) {
	data := OpReturnData([]byte("encrypted"))
	if !HasOpReturnDataValidLength(data) {
		t.Fatalf("expected 22 bytes, got %d", len(data))
	}
	if data[0] != OpReturnTypeBlindVote || data[1] != OpReturnVersionBlindVote {
		t.Fatalf("unexpected header %x", data[:2])
	}
	if HasOpReturnDataValidLength(make([]byte, 21)) || HasOpReturnDataValidLength(make([]byte, 23)) {
		t.Fatalf("only 22 bytes are valid")
	}
	if !MatchesOpReturn(data, []byte("encrypted")) || MatchesOpReturn(data, []byte("other")) {
		t.Fatalf("opReturn must commit to the encrypted votes")
	}
}

func TestAreDataFieldsValid(t *testing.T) {
	v := NewBlindVoteValidator(newPeriod(t), newFakeChain(0), nil)
	if !v.AreDataFieldsValid(validVote()) {
		t.Fatalf("stake of 1 must be valid")
	}
	mutations := map[string]func(*payload.BlindVote){
		"zero stake":     func(b *payload.BlindVote) { b.Stake = 0 },
		"negative stake": func(b *payload.BlindVote) { b.Stake = -1 },
		"no votes":       func(b *payload.BlindVote) { b.EncryptedVotes = nil },
		"no tx id":       func(b *payload.BlindVote) { b.TxID = "" },
		"no merit list":  func(b *payload.BlindVote) { b.EncryptedMeritList = []byte{} },
	}
	for name, mutate := range mutations {
		vote := validVote()
		mutate(&vote)
		if v.AreDataFieldsValid(vote) {
			t.Fatalf("%s: expected invalid", name)
		}
	}
}

func TestTxConfirmationAndCycle(t *testing.T) {
	chain := newFakeChain(1050)
	v := NewBlindVoteValidator(newPeriod(t), chain, nil)
	vote := validVote()
	if v.AreDataFieldsValidAndTxConfirmed(vote) {
		t.Fatalf("unconfirmed tx must not validate")
	}
	chain.confirm(ChainTx{ID: vote.TxID, BlockHeight: 1050, OpReturn: OpReturnData(vote.EncryptedVotes)})
	if !v.IsValidAndConfirmedInCycle(vote) {
		t.Fatalf("confirmed tx in blind vote phase must validate")
	}
	chain.setHeight(1150)
	if v.IsTxInPhaseAndCycle(vote) {
		t.Fatalf("tx from an earlier cycle must not count")
	}
	chain.confirm(ChainTx{ID: vote.TxID, BlockHeight: 1050, OpReturn: OpReturnData([]byte("tampered"))})
	if v.AreDataFieldsValidAndTxConfirmed(vote) {
		t.Fatalf("mismatching opReturn must not validate")
	}
}

func TestBallotEncryptionIsCanonical(t *testing.T) {
	a := []Ballot{{ProposalTxID: "bb", Choice: VoteReject}, {ProposalTxID: "aa", Choice: VoteAccept}}
	b := []Ballot{{ProposalTxID: "aa", Choice: VoteAccept}, {ProposalTxID: "bb", Choice: VoteReject}}
	encA, err := EncodeBallots(a)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	encB, err := EncodeBallots(b)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(encA, encB) {
		t.Fatalf("ballot order must not change the encoding")
	}

	key, err := NewSecretKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	sealed, err := EncryptBallots(a, key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	opened, err := DecryptBallots(sealed, key)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if len(opened) != 2 || opened[0].ProposalTxID != "aa" || opened[1].Choice != VoteReject {
		t.Fatalf("unexpected ballots %+v", opened)
	}
	other, _ := NewSecretKey()
	if _, err := DecryptBallots(sealed, other); err == nil {
		t.Fatalf("wrong key must fail")
	}
}

func TestSortBlindVotes(t *testing.T) {
	votes := []payload.BlindVote{{TxID: "b"}, {TxID: "a"}, {TxID: "ab"}}
	sorted := SortBlindVotes(votes)
	if sorted[0].TxID != "a" || sorted[1].TxID != "ab" || sorted[2].TxID != "b" {
		t.Fatalf("unexpected order %v", sorted)
	}
	if votes[0].TxID != "b" {
		t.Fatalf("input must not be reordered")
	}
}

func TestMerits(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	merits, err := SignMerits([]Issuance{{TxID: "issuance-1", Key: key}}, "vote-tx")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !VerifyMerit(merits[0], key.PubKey().Compressed(), "vote-tx") {
		t.Fatalf("merit must verify for its vote")
	}
	if VerifyMerit(merits[0], key.PubKey().Compressed(), "other-tx") {
		t.Fatalf("merit must not verify for another vote")
	}
	secret, _ := NewSecretKey()
	sealed, err := EncryptMerits(merits, secret)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	opened, err := DecryptMerits(sealed, secret)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if len(opened) != 1 || opened[0].IssuanceTxID != "issuance-1" || !bytes.Equal(opened[0].Signature, merits[0].Signature) {
		t.Fatalf("unexpected merits %+v", opened)
	}
}

func TestBlindVoteListRejectsLiveGossipDuringVoteReveal(t *testing.T) {
	period := newPeriod(t)
	chain := newFakeChain(1075)
	list := NewBlindVoteList(period, chain, NewBlindVoteValidator(period, chain, nil), nil, nil)
	vote := payload.NewBlindVotePayload(validVote())

	if list.OnAppendOnlyAdded(vote, store.OriginBroadcast) {
		t.Fatalf("live gossip during vote reveal must be rejected")
	}
	if list.Contains(vote) {
		t.Fatalf("vote must not be in the list")
	}
	if !list.OnAppendOnlyAdded(vote, store.OriginInitialSync) {
		t.Fatalf("seed sync must be accepted regardless of phase")
	}
	if !list.Contains(vote) || list.Len() != 1 {
		t.Fatalf("vote must be in the list")
	}
	if list.OnAppendOnlyAdded(vote, store.OriginInitialSync) {
		t.Fatalf("duplicate must not be added twice")
	}
}

func TestBlindVoteListAcceptsGossipOutsideVoteReveal(t *testing.T) {
	period := newPeriod(t)
	chain := newFakeChain(1050)
	list := NewBlindVoteList(period, chain, NewBlindVoteValidator(period, chain, nil), nil, nil)
	var seen []*payload.BlindVotePayload
	list.AddListener(func(p *payload.BlindVotePayload) { seen = append(seen, p) })

	if !list.OnAppendOnlyAdded(payload.NewBlindVotePayload(validVote()), store.OriginBroadcast) {
		t.Fatalf("gossip in blind vote phase must be accepted")
	}
	invalid := validVote()
	invalid.Stake = 0
	if list.OnAppendOnlyAdded(payload.NewBlindVotePayload(invalid), store.OriginBroadcast) {
		t.Fatalf("invalid vote must be rejected")
	}
	if len(seen) != 1 {
		t.Fatalf("expected one notification, got %d", len(seen))
	}
}

func TestBlindVoteListThroughDataStorage(t *testing.T) {
	period := newPeriod(t)
	chain := newFakeChain(1075)
	votes := store.NewMapStore[*payload.BlindVotePayload]("BlindVoteStore", nil, nil)
	ds := store.NewDataStorage(store.NewAppendOnlyStore(nil, votes))

	synced := payload.NewBlindVotePayload(validVote())
	ds.ProcessGetDataResponse(&store.GetDataResponse{Payloads: []payload.Payload{synced}}, p2pPeer)

	list := NewBlindVoteList(period, chain, NewBlindVoteValidator(period, chain, nil), nil, nil)
	list.Attach(ds)
	if !list.Contains(synced) {
		t.Fatalf("stored votes must be loaded on attach")
	}

	live := validVote()
	live.TxID = "beef"
	livePayload := payload.NewBlindVotePayload(live)
	if !ds.AddPersistableNetworkPayload(livePayload, false) {
		t.Fatalf("storage must accept the payload")
	}
	if list.Contains(livePayload) {
		t.Fatalf("live vote during reveal must stay out of the list")
	}
	if !votes.Contains(store.KeyOf(livePayload)) {
		t.Fatalf("storage keeps the payload even when the list rejects it")
	}
}

type fakeWallet struct {
	prepared  int
	published [][]byte
	opReturn  []byte
	failPub   error
}

func (w *fakeWallet) PrepareBlindVoteTx(_ context.Context, _ int64, opReturn []byte) (string, []byte, error) {
	w.prepared++
	w.opReturn = opReturn
	return "vote-tx-1", []byte("raw-tx"), nil
}

func (w *fakeWallet) PublishTx(_ context.Context, raw []byte) error {
	if w.failPub != nil {
		return w.failPub
	}
	w.published = append(w.published, raw)
	return nil
}

type fakePublisher struct {
	payloads []payload.Payload
	reBroad  []bool
}

func (p *fakePublisher) AddPersistableNetworkPayload(pl payload.Payload, reBroadcast bool) bool {
	p.payloads = append(p.payloads, pl)
	p.reBroad = append(p.reBroad, reBroadcast)
	return true
}

func TestPublishBlindVote(t *testing.T) {
	period := newPeriod(t)
	chain := newFakeChain(1050)
	validator := NewBlindVoteValidator(period, chain, nil)
	wallet := &fakeWallet{}
	publisher := &fakePublisher{}
	dir := t.TempDir()
	list := NewMyBlindVoteList(storage.NewPersistenceManager(dir, MyBlindVoteFileName, storage.SourcePrivate))
	issuanceKey, _ := crypto.GeneratePrivateKey()

	svc := NewMyBlindVoteService(MyBlindVoteServiceConfig{
		List: list, Wallet: wallet, Publisher: publisher,
		Period: period, Chain: chain, Validator: validator,
		Now: func() time.Time { return time.UnixMilli(1_700_000_000_000) },
	})
	vote, err := svc.PublishBlindVote(context.Background(), 5000,
		[]Ballot{{ProposalTxID: "p2", Choice: VoteReject}, {ProposalTxID: "p1", Choice: VoteAccept}},
		[]Issuance{{TxID: "iss", Key: issuanceKey}})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if vote.TxID != "vote-tx-1" || vote.Stake != 5000 {
		t.Fatalf("unexpected vote %v", vote)
	}
	if !MatchesOpReturn(wallet.opReturn, vote.EncryptedVotes) {
		t.Fatalf("stake tx must commit to the encrypted votes")
	}
	if len(wallet.published) != 1 || len(publisher.payloads) != 1 || !publisher.reBroad[0] {
		t.Fatalf("expected tx and payload to be published once")
	}
	mine := list.List()
	if len(mine) != 1 || mine[0].Ballots[0].ProposalTxID != "p1" {
		t.Fatalf("unexpected own votes %+v", mine)
	}
	ballots, err := DecryptBallots(vote.EncryptedVotes, mine[0].SecretKey)
	if err != nil || len(ballots) != 2 {
		t.Fatalf("decrypt own ballots: %v %+v", err, ballots)
	}
	merits, err := DecryptMerits(vote.EncryptedMeritList, mine[0].SecretKey)
	if err != nil || !VerifyMerit(merits[0], issuanceKey.PubKey().Compressed(), vote.TxID) {
		t.Fatalf("merit must sign the vote tx: %v", err)
	}
	if err := list.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	restored := NewMyBlindVoteList(storage.NewPersistenceManager(dir, MyBlindVoteFileName, storage.SourcePrivate))
	if err := restored.ReadPersisted(); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := restored.List(); len(got) != 1 || got[0].BlindVote.TxID != "vote-tx-1" {
		t.Fatalf("unexpected restored list %+v", got)
	}

	chain.confirm(ChainTx{ID: vote.TxID, BlockHeight: 1050})
	if n := svc.RepublishMyBlindVotes(); n != 1 {
		t.Fatalf("expected one republished vote, got %d", n)
	}
	chain.setHeight(1150)
	if n := svc.RepublishMyBlindVotes(); n != 0 {
		t.Fatalf("votes of past cycles are not republished, got %d", n)
	}
}

func TestPublishBlindVoteOutsidePhase(t *testing.T) {
	period := newPeriod(t)
	chain := newFakeChain(1010)
	wallet := &fakeWallet{}
	svc := NewMyBlindVoteService(MyBlindVoteServiceConfig{
		List: NewMyBlindVoteList(nil), Wallet: wallet, Publisher: &fakePublisher{},
		Period: period, Chain: chain, Validator: NewBlindVoteValidator(period, chain, nil),
	})
	if _, err := svc.PublishBlindVote(context.Background(), 1, nil, nil); !errors.Is(err, ErrNotInBlindVotePhase) {
		t.Fatalf("expected ErrNotInBlindVotePhase, got %v", err)
	}
	if _, err := svc.PublishBlindVote(context.Background(), 0, nil, nil); !errors.Is(err, ErrInvalidStake) {
		t.Fatalf("expected ErrInvalidStake, got %v", err)
	}
	if wallet.prepared != 0 {
		t.Fatalf("no tx must be prepared")
	}
}

func TestPublishBlindVoteTxFailure(t *testing.T) {
	period := newPeriod(t)
	chain := newFakeChain(1050)
	wallet := &fakeWallet{failPub: errors.New("rejected")}
	list := NewMyBlindVoteList(nil)
	publisher := &fakePublisher{}
	svc := NewMyBlindVoteService(MyBlindVoteServiceConfig{
		List: list, Wallet: wallet, Publisher: publisher,
		Period: period, Chain: chain, Validator: NewBlindVoteValidator(period, chain, nil),
	})
	if _, err := svc.PublishBlindVote(context.Background(), 10, []Ballot{{ProposalTxID: "p"}}, nil); err == nil {
		t.Fatalf("expected publish failure")
	}
	if len(list.List()) != 0 || len(publisher.payloads) != 0 {
		t.Fatalf("nothing must be recorded when the tx fails")
	}
}
