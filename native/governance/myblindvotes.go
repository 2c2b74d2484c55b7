package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tradenet/core/events"
	"tradenet/p2p/payload"
	"tradenet/storage"
)

var (
	ErrNotInBlindVotePhase = errors.New("governance: chain is not in the blind vote phase")
	ErrInvalidStake        = errors.New("governance: stake must be positive")
	ErrInvalidBlindVote    = errors.New("governance: blind vote failed validation")
)

// MyBlindVoteFileName is the persisted file of the locally cast votes.
const MyBlindVoteFileName = "MyBlindVoteList"

// MyBlindVote is a vote cast by this node together with the secrets needed
// to reveal it.
type MyBlindVote struct {
	BlindVote payload.BlindVote `json:"blindVote"`
	SecretKey []byte            `json:"secretKey"`
	Ballots   []Ballot          `json:"ballots"`
	Merits    []Merit           `json:"merits"`
	CreatedAt time.Time         `json:"createdAt"`
}

// MyBlindVoteList is the persisted append list of votes cast by this node.
type MyBlindVoteList struct {
	persistence *storage.PersistenceManager

	mu    sync.RWMutex
	votes []MyBlindVote
}

// NewMyBlindVoteList creates the list. A nil persistence manager keeps it in memory.
func NewMyBlindVoteList(persistence *storage.PersistenceManager) *MyBlindVoteList {
	l := &MyBlindVoteList{persistence: persistence}
	if persistence != nil {
		persistence.Initialize(l)
	}
	return l
}

// Add appends v and requests persistence.
func (l *MyBlindVoteList) Add(v MyBlindVote) {
	l.mu.Lock()
	l.votes = append(l.votes, v)
	l.mu.Unlock()
	if l.persistence != nil {
		l.persistence.RequestPersistence()
	}
}

// List returns the votes in cast order.
func (l *MyBlindVoteList) List() []MyBlindVote {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]MyBlindVote(nil), l.votes...)
}

func (l *MyBlindVoteList) EncodeEnvelope() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return json.Marshal(l.votes)
}

// ReadPersisted restores the list from disk.
func (l *MyBlindVoteList) ReadPersisted() error {
	if l.persistence == nil {
		return nil
	}
	_, err := l.persistence.ReadPersisted(func(body []byte) error {
		var votes []MyBlindVote
		if err := json.Unmarshal(body, &votes); err != nil {
			return err
		}
		l.mu.Lock()
		l.votes = votes
		l.mu.Unlock()
		return nil
	})
	return err
}

// Shutdown flushes pending writes.
func (l *MyBlindVoteList) Shutdown() error {
	if l.persistence == nil {
		return nil
	}
	return l.persistence.Shutdown()
}

// VoteWallet creates and publishes the stake transaction of a blind vote.
type VoteWallet interface {
	PrepareBlindVoteTx(ctx context.Context, stake int64, opReturn []byte) (txID string, rawTx []byte, err error)
	PublishTx(ctx context.Context, rawTx []byte) error
}

// PayloadPublisher adds payloads to the network.
type PayloadPublisher interface {
	AddPersistableNetworkPayload(p payload.Payload, reBroadcast bool) bool
}

// MyBlindVoteService casts and republishes this node's blind votes.
type MyBlindVoteService struct {
	list      *MyBlindVoteList
	wallet    VoteWallet
	publisher PayloadPublisher
	period    *PeriodService
	chain     ChainState
	validator *BlindVoteValidator
	emitter   events.Emitter
	logger    *slog.Logger
	now       func() time.Time
}

// MyBlindVoteServiceConfig groups the collaborators of MyBlindVoteService.
type MyBlindVoteServiceConfig struct {
	List      *MyBlindVoteList
	Wallet    VoteWallet
	Publisher PayloadPublisher
	Period    *PeriodService
	Chain     ChainState
	Validator *BlindVoteValidator
	Emitter   events.Emitter
	Logger    *slog.Logger
	Now       func() time.Time
}

// NewMyBlindVoteService wires the service.
func NewMyBlindVoteService(cfg MyBlindVoteServiceConfig) *MyBlindVoteService {
	s := &MyBlindVoteService{
		list:      cfg.List,
		wallet:    cfg.Wallet,
		publisher: cfg.Publisher,
		period:    cfg.Period,
		chain:     cfg.Chain,
		validator: cfg.Validator,
		emitter:   cfg.Emitter,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if s.emitter == nil {
		s.emitter = events.NoopEmitter{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// PublishBlindVote encrypts the ballots, commits to them in the stake
// transaction, publishes it and then gossips the blind vote.
func (s *MyBlindVoteService) PublishBlindVote(ctx context.Context, stake int64, ballots []Ballot, issuances []Issuance) (payload.BlindVote, error) {
	if stake <= 0 {
		return payload.BlindVote{}, ErrInvalidStake
	}
	height := s.chain.ChainHeight()
	if !s.period.IsInPhase(height, PhaseBlindVote) {
		return payload.BlindVote{}, fmt.Errorf("%w: height %d is in %s", ErrNotInBlindVotePhase, height, s.period.PhaseAt(height))
	}
	secret, err := NewSecretKey()
	if err != nil {
		return payload.BlindVote{}, err
	}
	sorted := SortBallots(ballots)
	encryptedVotes, err := EncryptBallots(sorted, secret)
	if err != nil {
		return payload.BlindVote{}, err
	}
	txID, rawTx, err := s.wallet.PrepareBlindVoteTx(ctx, stake, OpReturnData(encryptedVotes))
	if err != nil {
		return payload.BlindVote{}, fmt.Errorf("governance: prepare blind vote tx: %w", err)
	}
	merits, err := SignMerits(issuances, txID)
	if err != nil {
		return payload.BlindVote{}, err
	}
	encryptedMerits, err := EncryptMerits(merits, secret)
	if err != nil {
		return payload.BlindVote{}, err
	}
	vote := payload.BlindVote{
		EncryptedVotes:     encryptedVotes,
		TxID:               txID,
		Stake:              stake,
		EncryptedMeritList: encryptedMerits,
		DateMillis:         s.now().UnixMilli(),
	}
	if !s.validator.AreDataFieldsValid(vote) {
		return payload.BlindVote{}, ErrInvalidBlindVote
	}
	if err := s.wallet.PublishTx(ctx, rawTx); err != nil {
		return payload.BlindVote{}, fmt.Errorf("governance: publish blind vote tx: %w", err)
	}

	s.list.Add(MyBlindVote{BlindVote: vote, SecretKey: secret, Ballots: sorted, Merits: merits, CreatedAt: s.now()})
	if !s.publisher.AddPersistableNetworkPayload(payload.NewBlindVotePayload(vote), true) {
		s.logger.Warn("Blind vote not accepted by the network store, it will be republished", "txId", txID)
	}
	s.emitter.Emit(events.BlindVotePublished{TxID: txID, Stake: stake, Ballots: len(sorted)})
	s.logger.Info("Published blind vote", "txId", txID, "stake", stake, "ballots", len(sorted))
	return vote, nil
}

// RepublishMyBlindVotes broadcasts again the own votes confirmed in the blind
// vote phase of the current cycle. It returns how many were republished.
func (s *MyBlindVoteService) RepublishMyBlindVotes() int {
	n := 0
	for _, mine := range s.list.List() {
		if !s.validator.IsTxInPhaseAndCycle(mine.BlindVote) {
			continue
		}
		if s.publisher.AddPersistableNetworkPayload(payload.NewBlindVotePayload(mine.BlindVote), true) {
			n++
		}
	}
	if n > 0 {
		s.logger.Info("Republished own blind votes", "count", n)
	}
	return n
}
