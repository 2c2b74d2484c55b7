package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"tradenet/config"
	"tradenet/core/events"
	"tradenet/crypto"
	"tradenet/native/governance"
	"tradenet/native/trade"
	"tradenet/p2p"
	"tradenet/p2p/payload"
	"tradenet/p2p/store"
	"tradenet/rpc"
	"tradenet/storage"
)

const (
	tradeStatisticsStoreName = "TradeStatisticsStore"
	blindVoteStoreName       = "BlindVoteStore"
	protectedStoreName       = "ProtectedDataStore"
	sequenceNumberFileName   = "SequenceNumberMap"
	removedPayloadsFileName  = "RemovedPayloads"
)

// capabilities are the collaborators a node consumes from outside: the chain
// library wallet, the chain view and the encrypted transport.
type capabilities struct {
	wallet     trade.Wallet
	chain      trade.Chain
	network    p2p.Network
	gossip     gossip
	govChain   governance.ChainState
	voteWallet governance.VoteWallet
}

// gossip is the broadcast half of the transport used by the data store.
type gossip interface {
	p2p.Broadcaster
	store.Responder
}

// node owns every long-lived component of a running trade node.
type node struct {
	cfg    *config.Config
	logger *slog.Logger

	address  p2p.NodeAddress
	keyRing  *crypto.KeyRing
	recorder *events.Recorder

	storage  *store.DataStorage
	stats    *store.TieredStore[*payload.TradeStatistics]
	votes    *store.MapStore[*payload.BlindVotePayload]
	router   *p2p.Router
	engine   *trade.Engine
	tradesDB *storage.LevelDB
	archive  *trade.Archive

	blindVotes   *governance.BlindVoteList
	myBlindVotes *governance.MyBlindVoteService
	myVoteList   *governance.MyBlindVoteList

	admin *rpc.Server
}

func newNode(cfg *config.Config, passphrase string, caps capabilities, logger *slog.Logger) (*node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	address, err := p2p.ParseNodeAddress(cfg.Node.Address)
	if err != nil {
		return nil, err
	}
	appCaps, err := cfg.Capabilities()
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.Node.DataDir, cfg.StoreDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("prepare %s: %w", dir, err)
		}
	}
	keyRing, err := crypto.LoadOrCreateKeyRing(cfg.Node.KeystorePath, passphrase)
	if err != nil {
		return nil, fmt.Errorf("load key ring: %w", err)
	}

	n := &node{
		cfg:      cfg,
		logger:   logger,
		address:  address,
		keyRing:  keyRing,
		recorder: events.NewRecorder(512),
		router:   p2p.NewRouter(logger.With("component", "router")),
	}
	if err := n.buildStore(caps, appCaps); err != nil {
		return nil, err
	}
	if err := n.buildGovernance(caps); err != nil {
		n.closeStores()
		return nil, err
	}
	if err := n.buildTrade(caps); err != nil {
		n.closeStores()
		return nil, err
	}

	n.router.Handle(n.storage,
		p2p.MsgTypeAddPersistableNetworkPayload,
		p2p.MsgTypeAddData,
		p2p.MsgTypeRemoveMailboxData,
		p2p.MsgTypeGetDataRequest,
		p2p.MsgTypeGetDataResponse,
	)
	n.router.Handle(n.engine, p2p.MsgTypeTrade, p2p.MsgTypeAck)

	n.admin = rpc.New(rpc.Config{
		Trades:     n.engine,
		Store:      n.storage,
		BlindVotes: n.blindVotes,
		Events:     n.recorder,
		AuthToken:  os.Getenv(adminTokenEnv),
		Logger:     logger.With("component", "admin"),
	})
	return n, nil
}

func (n *node) persistence(fileName string, source storage.Source) *storage.PersistenceManager {
	opts := []storage.PersistenceOption{storage.WithLogger(n.logger.With("component", "persistence"))}
	if source.Name == storage.SourceNetwork.Name {
		opts = append(opts, storage.WithDelay(n.cfg.Store.PersistenceDelay.Duration))
	}
	return storage.NewPersistenceManager(n.cfg.StoreDir(), fileName, source, opts...)
}

func (n *node) buildStore(caps capabilities, appCaps p2p.Capabilities) error {
	logger := n.logger.With("component", "store")
	live := store.NewMapStore[*payload.TradeStatistics](tradeStatisticsStoreName, n.persistence(tradeStatisticsStoreName, storage.SourceNetwork), logger)
	n.stats = store.NewTieredStore(live, logger)
	if err := n.stats.LoadHistorical(n.cfg.Node.ResourceDir, tradeStatisticsStoreName, n.cfg.Node.HistoricalVersions); err != nil {
		return fmt.Errorf("load historical trade statistics: %w", err)
	}
	n.votes = store.NewMapStore[*payload.BlindVotePayload](blindVoteStoreName, n.persistence(blindVoteStoreName, storage.SourceNetwork), logger)

	sc := n.cfg.Store
	opts := []store.Option{
		store.WithLogger(logger),
		store.WithAppVersion(n.cfg.Node.AppVersion, appCaps),
		store.WithMaxEntriesPerType(sc.MaxEntriesPerType),
		store.WithSequenceNumberPurge(sc.SequenceNumberMaxAge.Duration, sc.SequenceNumberPurgeThreshold),
		store.WithRateLimiter(p2p.NewPeerLimiter(sc.RateLimitPerSecond, sc.RateLimitBurst, sc.RateLimitMaxPeers)),
		store.WithRemovedPayloads(store.NewRemovedPayloads(sc.RemovedPayloadTTL.Duration, n.persistence(removedPayloadsFileName, storage.SourcePrivateLowPrio), nil)),
		store.WithSequenceNumberMap(store.NewSequenceNumberMap(n.persistence(sequenceNumberFileName, storage.SourcePrivateLowPrio), nil)),
		store.WithProtectedPersistence(n.persistence(protectedStoreName, storage.SourceNetwork)),
	}
	if caps.gossip != nil {
		opts = append(opts, store.WithBroadcaster(caps.gossip), store.WithResponder(caps.gossip))
	}
	n.storage = store.NewDataStorage(store.NewAppendOnlyStore(logger, n.stats, n.votes), opts...)
	if err := n.storage.ReadPersisted(); err != nil {
		// Corrupted files were moved aside; the stores start from what could be read.
		logger.Warn("Reading persisted store data failed", slog.Any("error", err))
	}
	return nil
}

func (n *node) buildGovernance(caps capabilities) error {
	period, err := governance.NewPeriodService(n.cfg.Governance.GenesisHeight, n.cfg.PhaseDurations())
	if err != nil {
		return err
	}
	logger := n.logger.With("component", "governance")
	validator := governance.NewBlindVoteValidator(period, caps.govChain, logger)
	n.blindVotes = governance.NewBlindVoteList(period, caps.govChain, validator, n.recorder, logger)
	n.blindVotes.Attach(n.storage)

	n.myVoteList = governance.NewMyBlindVoteList(n.persistence(governance.MyBlindVoteFileName, storage.SourcePrivate))
	if err := n.myVoteList.ReadPersisted(); err != nil {
		return fmt.Errorf("read own blind votes: %w", err)
	}
	n.myBlindVotes = governance.NewMyBlindVoteService(governance.MyBlindVoteServiceConfig{
		List:      n.myVoteList,
		Wallet:    caps.voteWallet,
		Publisher: n.storage,
		Period:    period,
		Chain:     caps.govChain,
		Validator: validator,
		Emitter:   n.recorder,
		Logger:    logger,
	})
	return nil
}

func (n *node) buildTrade(caps capabilities) error {
	logger := n.logger.With("component", "trade")
	var receivers trade.ReceiverSelector = trade.StaticReceivers(nil)
	if file := n.cfg.Trade.ReceiversFile; file != "" {
		policy, err := trade.LoadReceiverPolicy(file)
		if err != nil {
			return err
		}
		receivers = policy
	} else {
		logger.Warn("No delayed payout receiver policy configured; trades will fail before the deposit")
	}
	protocol := trade.NewProtocol(caps.wallet, receivers, n.address,
		trade.WithStrictMultiSigCheck(n.cfg.Trade.StrictMultiSigCheck),
		trade.WithPubKeyRing(n.keyRing.PubKeyRing()),
		trade.WithProtocolLogger(logger),
	)

	db, err := storage.NewLevelDB(n.cfg.TradesDir())
	if err != nil {
		return fmt.Errorf("open trade store: %w", err)
	}
	archive, err := trade.OpenArchive(n.cfg.Trade.ArchiveDSN)
	if err != nil {
		db.Close()
		return err
	}
	engine, err := trade.NewEngine(protocol,
		trade.WithNetwork(caps.network),
		trade.WithChain(caps.chain),
		trade.WithPublisher(n.storage),
		trade.WithStore(trade.NewLevelStore(db)),
		trade.WithArchive(archive),
		trade.WithEmitter(n.recorder),
		trade.WithLogger(logger),
		trade.WithResendSchedule(n.cfg.Trade.ResendInitialDelay.Duration, n.cfg.Trade.ResendAttempts),
	)
	if err != nil {
		_ = archive.Close()
		db.Close()
		return err
	}
	n.tradesDB = db
	n.archive = archive
	n.engine = engine
	return nil
}

// run starts the background loops and blocks until ctx is cancelled.
func (n *node) run(ctx context.Context) error {
	n.engine.Resume(ctx)
	n.myBlindVotes.RepublishMyBlindVotes()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := n.storage.Run(ctx, n.cfg.Store.ExpiryCheckInterval.Duration); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	go func() {
		defer wg.Done()
		if n.cfg.Node.AdminAddress == "" {
			return
		}
		if err := n.admin.ListenAndServe(ctx, n.cfg.Node.AdminAddress); err != nil {
			errCh <- fmt.Errorf("admin api: %w", err)
		}
	}()
	wg.Wait()
	close(errCh)
	return <-errCh
}

func (n *node) close() error {
	var errs []error
	if n.engine != nil {
		n.engine.Close()
	}
	if n.archive != nil {
		errs = append(errs, n.archive.Close())
	}
	if n.tradesDB != nil {
		n.tradesDB.Close()
	}
	if n.myVoteList != nil {
		errs = append(errs, n.myVoteList.Shutdown())
	}
	errs = append(errs, n.closeStores())
	return errors.Join(errs...)
}

func (n *node) closeStores() error {
	if n.storage == nil {
		return nil
	}
	return n.storage.Shutdown()
}
