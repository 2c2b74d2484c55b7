package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tradenet/core/events"
	"tradenet/crypto"
	"tradenet/observability"
	"tradenet/p2p"
	"tradenet/p2p/payload"
	"tradenet/storage"
)

const (
	// DefaultResendInitialDelay is the wait after the first mailbox send.
	DefaultResendInitialDelay = 4 * time.Second
	// DefaultResendAttempts bounds the sends of a message awaiting an ACK.
	DefaultResendAttempts = 7
)

// PayloadPublisher adds payloads to the append-only network stores.
type PayloadPublisher interface {
	AddPersistableNetworkPayload(p payload.Payload, reBroadcast bool) bool
}

// Offer is a buyer's published offer awaiting a taker.
type Offer struct {
	ID             string
	Terms          Terms
	PaymentAccount []byte
}

// TakeOfferRequest starts a trade as seller against a buyer's offer.
type TakeOfferRequest struct {
	TradeID        string
	Terms          Terms
	Peer           p2p.NodeAddress
	PeerPubKeyRing crypto.PubKeyRing
	PaymentAccount []byte
	TakerFeeTxID   string
}

type tradeEntry struct {
	mu      sync.Mutex
	trade   *Trade
	context *Context
}

type ackWaiter struct {
	tradeID string
	kind    MessageKind
	// ch is set by resend loops; other waiters feed the ACK to the trade.
	ch chan p2p.AckMessage
}

// Engine drives trades through the protocol. Steps of one trade are
// serialized; every successful task is persisted before its effects run.
type Engine struct {
	protocol  *Protocol
	network   p2p.Network
	chain     Chain
	publisher PayloadPublisher
	store     Store
	archive   *Archive
	emitter   events.Emitter
	logger    *slog.Logger
	metrics   *observability.TradeMetrics
	tracer    trace.Tracer
	now       func() time.Time

	resendInitial  time.Duration
	resendAttempts int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	trades  map[string]*tradeEntry
	offers  map[string]Offer
	waiters map[string]*ackWaiter
}

// EngineOption customises the engine.
type EngineOption func(*Engine)

// WithNetwork sets the encrypted messaging capability.
func WithNetwork(n p2p.Network) EngineOption {
	return func(e *Engine) { e.network = n }
}

// WithChain sets the confirmation source polled while resending the deposit message.
func WithChain(c Chain) EngineOption {
	return func(e *Engine) { e.chain = c }
}

// WithPublisher sets where trade statistics are published.
func WithPublisher(p PayloadPublisher) EngineOption {
	return func(e *Engine) { e.publisher = p }
}

// WithStore sets the open-trade store.
func WithStore(s Store) EngineOption {
	return func(e *Engine) { e.store = s }
}

// WithArchive sets the closed-trade archive.
func WithArchive(a *Archive) EngineOption {
	return func(e *Engine) { e.archive = a }
}

// WithEmitter sets the event sink.
func WithEmitter(em events.Emitter) EngineOption {
	return func(e *Engine) { e.emitter = em }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithClock sets the function used to derive timestamps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithResendSchedule overrides the resend delay and attempt count.
func WithResendSchedule(initial time.Duration, attempts int) EngineOption {
	return func(e *Engine) {
		e.resendInitial = initial
		e.resendAttempts = attempts
	}
}

// NewEngine loads the open trades from the store and returns a running engine.
func NewEngine(protocol *Protocol, opts ...EngineOption) (*Engine, error) {
	if protocol == nil {
		return nil, errors.New("trade: protocol required")
	}
	e := &Engine{
		protocol:       protocol,
		emitter:        events.NoopEmitter{},
		logger:         slog.Default(),
		metrics:        observability.Trade(),
		tracer:         otel.Tracer("tradenet/trade"),
		now:            time.Now,
		resendInitial:  DefaultResendInitialDelay,
		resendAttempts: DefaultResendAttempts,
		trades:         make(map[string]*tradeEntry),
		offers:         make(map[string]Offer),
		waiters:        make(map[string]*ackWaiter),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.store == nil {
		e.store = NewLevelStore(storage.NewMemDB())
	}
	if e.emitter == nil {
		e.emitter = events.NoopEmitter{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.resendInitial <= 0 {
		e.resendInitial = DefaultResendInitialDelay
	}
	if e.resendAttempts <= 0 {
		e.resendAttempts = DefaultResendAttempts
	}
	records, err := e.store.List()
	if err != nil {
		return nil, fmt.Errorf("trade: load open trades: %w", err)
	}
	for _, rec := range records {
		e.trades[rec.Trade.ID] = &tradeEntry{trade: rec.Trade, context: rec.Context}
	}
	e.metrics.SetOpenTrades(len(e.trades))
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Close stops resend loops and waits for in-flight effects.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// PlaceOffer registers an offer; the trade starts as buyer when a taker's
// request for it arrives.
func (e *Engine) PlaceOffer(offer Offer) error {
	offer.ID = strings.TrimSpace(offer.ID)
	if offer.ID == "" {
		return errors.New("trade: offer id required")
	}
	if err := offer.Terms.Validate(); err != nil {
		return err
	}
	if len(offer.PaymentAccount) == 0 {
		return fmt.Errorf("%w: payment account", ErrMissingData)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.trades[offer.ID]; ok {
		return ErrTradeExists
	}
	offer.PaymentAccount = cloneBytes(offer.PaymentAccount)
	e.offers[offer.ID] = offer
	return nil
}

// CancelOffer withdraws an offer that was not taken yet.
func (e *Engine) CancelOffer(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.offers[id]; !ok {
		return ErrOfferNotFound
	}
	delete(e.offers, id)
	return nil
}

// TakeOffer creates the seller trade and sends the deposit inputs request.
func (e *Engine) TakeOffer(ctx context.Context, req TakeOfferRequest) (*Trade, error) {
	now := e.now()
	t := &Trade{
		ID:           strings.TrimSpace(req.TradeID),
		Role:         RoleSeller,
		State:        StatePreparation,
		PeerAddress:  req.Peer,
		Terms:        req.Terms,
		TakerFeeTxID: req.TakerFeeTxID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if len(req.PaymentAccount) == 0 {
		return nil, fmt.Errorf("%w: payment account", ErrMissingData)
	}
	c := &Context{
		MyPaymentAccount: cloneBytes(req.PaymentAccount),
		PeerPubKeyRing:   req.PeerPubKeyRing,
	}
	if _, err := e.register(t, c); err != nil {
		return nil, err
	}
	if err := e.apply(ctx, t.ID, TakeOffer{}); err != nil {
		return e.tradeOrNil(t.ID), err
	}
	return e.Trade(t.ID)
}

func (e *Engine) register(t *Trade, c *Context) (*tradeEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.trades[t.ID]; ok {
		return nil, ErrTradeExists
	}
	if err := e.store.Save(Record{Trade: t, Context: c}); err != nil {
		return nil, fmt.Errorf("trade: persist %s: %w", t.ID, err)
	}
	ent := &tradeEntry{trade: t, context: c}
	e.trades[t.ID] = ent
	e.metrics.SetOpenTrades(len(e.trades))
	return ent, nil
}

// takeFromOffer creates the buyer trade for the offer a taker requested.
func (e *Engine) takeFromOffer(tradeID string, peer p2p.NodeAddress) error {
	e.mu.Lock()
	offer, ok := e.offers[tradeID]
	if ok {
		delete(e.offers, tradeID)
	}
	e.mu.Unlock()
	if !ok {
		return ErrOfferNotFound
	}
	now := e.now()
	t := &Trade{
		ID:          offer.ID,
		Role:        RoleBuyer,
		State:       StatePreparation,
		PeerAddress: peer,
		Terms:       offer.Terms,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := t.Validate(); err != nil {
		return err
	}
	_, err := e.register(t, &Context{MyPaymentAccount: offer.PaymentAccount})
	return err
}

// HandleMessage processes trade messages and ACKs from the network.
func (e *Engine) HandleMessage(ctx context.Context, env p2p.Envelope) error {
	if env.Message == nil {
		return fmt.Errorf("%w: empty envelope", p2p.ErrInvalidPayload)
	}
	switch env.Message.Type {
	case p2p.MsgTypeAck:
		ack, err := p2p.DecodeAck(env.Message)
		if err != nil {
			return err
		}
		e.routeAck(ack)
		return nil
	case p2p.MsgTypeTrade:
		tradeID, uid, msg, err := DecodeMessage(env.Message)
		if err != nil {
			return err
		}
		err = e.handleTradeMessage(ctx, env.Sender, tradeID, msg)
		e.sendAck(env.Sender, tradeID, uid, msg.Kind(), err)
		return err
	default:
		return fmt.Errorf("%w: unexpected message type 0x%02x", p2p.ErrInvalidPayload, env.Message.Type)
	}
}

func (e *Engine) handleTradeMessage(ctx context.Context, sender p2p.NodeAddress, tradeID string, msg Message) error {
	ent := e.entry(tradeID)
	if ent == nil {
		if _, ok := msg.(*InputsForDepositTxRequest); !ok {
			return ErrTradeNotFound
		}
		if err := e.takeFromOffer(tradeID, sender); err != nil {
			return err
		}
		ent = e.entry(tradeID)
	}
	ent.mu.Lock()
	peer := ent.trade.PeerAddress
	ent.mu.Unlock()
	if peer != sender {
		e.logger.Warn("trade message from unexpected peer",
			slog.String("trade_id", tradeID),
			slog.String("kind", string(msg.Kind())),
			slog.String("sender", sender.FullAddress()))
		return ErrPeerMismatch
	}
	return e.apply(ctx, tradeID, msg)
}

// ConfirmPaymentStarted records the buyer's fiat transfer and notifies the seller.
func (e *Engine) ConfirmPaymentStarted(ctx context.Context, id, counterCurrencyTxID string) error {
	return e.apply(ctx, id, ConfirmPaymentStarted{CounterCurrencyTxID: counterCurrencyTxID})
}

// ConfirmPaymentReceived signs and publishes the payout as seller.
func (e *Engine) ConfirmPaymentReceived(ctx context.Context, id string) error {
	return e.apply(ctx, id, ConfirmPaymentReceived{})
}

// OnDepositConfirmed is called by the chain observer once the deposit confirms.
func (e *Engine) OnDepositConfirmed(ctx context.Context, id string) error {
	return e.apply(ctx, id, DepositConfirmed{})
}

// SetDisputeState records the dispute progress of a trade.
func (e *Engine) SetDisputeState(_ context.Context, id string, state DisputeState) error {
	if !state.Valid() {
		return fmt.Errorf("trade: invalid dispute state %d", state)
	}
	ent := e.entry(id)
	if ent == nil {
		return ErrTradeNotFound
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.trade.DisputeState == state {
		return nil
	}
	next := ent.trade.Clone()
	next.DisputeState = state
	next.UpdatedAt = e.now()
	if err := e.store.Save(Record{Trade: next, Context: ent.context}); err != nil {
		return fmt.Errorf("trade: persist %s: %w", id, err)
	}
	ent.trade = next
	return nil
}

// CloseTrade moves a finished trade from the open store to the archive.
func (e *Engine) CloseTrade(_ context.Context, id string) error {
	ent := e.entry(id)
	if ent == nil {
		return ErrTradeNotFound
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if !ent.trade.CanClose() {
		return fmt.Errorf("%w: %s in state %s", ErrTradeNotClosable, id, ent.trade.State)
	}
	if e.archive != nil {
		if err := e.archive.Add(ent.trade, e.now()); err != nil {
			return fmt.Errorf("trade: archive %s: %w", id, err)
		}
	}
	if err := e.store.Delete(id); err != nil {
		return fmt.Errorf("trade: delete %s: %w", id, err)
	}
	e.mu.Lock()
	delete(e.trades, id)
	for uid, w := range e.waiters {
		if w.tradeID == id && w.ch == nil {
			delete(e.waiters, uid)
		}
	}
	open := len(e.trades)
	e.mu.Unlock()
	e.metrics.SetOpenTrades(open)
	return nil
}

// Trade returns a copy of the open trade with id.
func (e *Engine) Trade(id string) (*Trade, error) {
	ent := e.entry(id)
	if ent == nil {
		return nil, ErrTradeNotFound
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.trade.Clone(), nil
}

func (e *Engine) tradeOrNil(id string) *Trade {
	t, _ := e.Trade(id)
	return t
}

// Trades returns copies of all open trades, oldest first.
func (e *Engine) Trades() []*Trade {
	e.mu.Lock()
	entries := make([]*tradeEntry, 0, len(e.trades))
	for _, ent := range e.trades {
		entries = append(entries, ent)
	}
	e.mu.Unlock()
	out := make([]*Trade, 0, len(entries))
	for _, ent := range entries {
		ent.mu.Lock()
		out = append(out, ent.trade.Clone())
		ent.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Archived returns a closed trade.
func (e *Engine) Archived(id string) (*Trade, error) {
	if e.archive == nil {
		return nil, ErrTradeNotFound
	}
	return e.archive.Get(id)
}

// ListArchived returns up to limit closed trades, most recent first.
func (e *Engine) ListArchived(limit int) ([]*Trade, error) {
	if e.archive == nil {
		return nil, nil
	}
	return e.archive.List(limit)
}

// Resume restarts the pending work of every open trade after a restart.
func (e *Engine) Resume(ctx context.Context) {
	for _, t := range e.Trades() {
		ent := e.entry(t.ID)
		if ent == nil {
			continue
		}
		ent.mu.Lock()
		effects := e.protocol.PendingEffects(ent.trade, ent.context)
		ent.mu.Unlock()
		if len(effects) == 0 {
			continue
		}
		e.logger.Info("resuming trade",
			slog.String("trade_id", t.ID),
			slog.String("state", t.State.String()),
			slog.Int("effects", len(effects)))
		e.runEffects(ctx, t.ID, effects)
	}
}

func (e *Engine) entry(id string) *tradeEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trades[id]
}

// apply runs one step, persists it and then executes its effects.
func (e *Engine) apply(ctx context.Context, id string, in Input) error {
	ent := e.entry(id)
	if ent == nil {
		return ErrTradeNotFound
	}
	ent.mu.Lock()
	effects, err := e.step(ctx, ent, in)
	ent.mu.Unlock()
	if err != nil {
		return err
	}
	e.runEffects(ctx, id, effects)
	return nil
}

func (e *Engine) step(ctx context.Context, ent *tradeEntry, in Input) ([]Effect, error) {
	before := ent.trade
	role := before.Role.String()
	ctx, span := e.tracer.Start(ctx, "trade."+in.inputName(), trace.WithAttributes(
		attribute.String("trade.id", before.ID),
		attribute.String("trade.role", role),
		attribute.String("trade.state", before.State.String()),
	))
	defer span.End()

	started := time.Now()
	tr, err := e.protocol.Step(ctx, before, ent.context, in)
	elapsed := time.Since(started)
	if err != nil {
		if errors.Is(err, ErrUnexpectedInput) || errors.Is(err, ErrTradeFailed) {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		return nil, e.fail(ent, tr.Task, err, elapsed, span)
	}
	if tr.Task == "" {
		return nil, nil
	}
	span.SetAttributes(attribute.String("trade.task", tr.Task))
	if err := e.store.Save(Record{Trade: tr.Trade, Context: tr.Context}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("trade: persist %s after %s: %w", before.ID, tr.Task, err)
	}
	ent.trade, ent.context = tr.Trade, tr.Context
	e.metrics.ObserveTask(role, tr.Task, nil, elapsed)
	if before.State != tr.Trade.State {
		e.logger.Info("trade state changed",
			slog.String("trade_id", before.ID),
			slog.String("role", role),
			slog.String("task", tr.Task),
			slog.String("from", before.State.String()),
			slog.String("to", tr.Trade.State.String()))
		e.emitter.Emit(events.TradeStateChanged{
			TradeID: before.ID,
			Role:    role,
			From:    before.State.String(),
			To:      tr.Trade.State.String(),
		})
		if tr.Trade.IsCompleted() && !before.IsCompleted() {
			e.emitter.Emit(events.TradeCompleted{TradeID: before.ID, State: tr.Trade.State.String()})
		}
	}
	return tr.Effects, nil
}

// fail records a protocol-fatal error on the trade. The state stays where the
// failing task found it.
func (e *Engine) fail(ent *tradeEntry, task string, cause error, elapsed time.Duration, span trace.Span) error {
	taskErr := &TaskError{Task: task, Err: cause}
	span.RecordError(taskErr)
	span.SetStatus(codes.Error, taskErr.Error())

	failed := ent.trade.Clone()
	failed.ErrorMessage = cause.Error()
	failed.FailedTask = task
	failed.UpdatedAt = e.now()
	if err := e.store.Save(Record{Trade: failed, Context: ent.context}); err != nil {
		e.logger.Error("persist failed trade",
			slog.String("trade_id", failed.ID),
			slog.Any("error", err))
	}
	ent.trade = failed

	role := failed.Role.String()
	e.metrics.ObserveTask(role, task, cause, elapsed)
	e.metrics.RecordFailure(failed.State.String())
	e.logger.Error("trade failed",
		slog.String("trade_id", failed.ID),
		slog.String("role", role),
		slog.String("state", failed.State.String()),
		slog.String("task", task),
		slog.Any("error", cause))
	e.emitter.Emit(events.TradeFailed{
		TradeID: failed.ID,
		State:   failed.State.String(),
		Task:    task,
		Error:   failed.ErrorMessage,
	})
	return taskErr
}

// feed applies an input produced by an effect and logs what cannot be returned.
func (e *Engine) feed(id string, in Input) {
	err := e.apply(e.ctx, id, in)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnexpectedInput), errors.Is(err, ErrTradeFailed), errors.Is(err, ErrTradeNotFound):
		e.logger.Debug("effect result ignored",
			slog.String("trade_id", id),
			slog.String("input", in.inputName()),
			slog.Any("error", err))
	default:
		var taskErr *TaskError
		if !errors.As(err, &taskErr) {
			e.logger.Error("apply effect result",
				slog.String("trade_id", id),
				slog.String("input", in.inputName()),
				slog.Any("error", err))
		}
	}
}

func (e *Engine) runEffects(ctx context.Context, id string, effects []Effect) {
	for _, eff := range effects {
		switch eff := eff.(type) {
		case Continue:
			if err := e.apply(ctx, id, Continue{}); err != nil && !errors.Is(err, ErrUnexpectedInput) {
				var taskErr *TaskError
				if !errors.As(err, &taskErr) {
					e.logger.Error("continue trade", slog.String("trade_id", id), slog.Any("error", err))
				}
			}
		case SendMessage:
			e.async(func() { e.send(id, eff) })
		case ResendUntilAck:
			e.async(func() { e.resendUntilAck(id, eff) })
		case BroadcastTx:
			e.async(func() { e.broadcast(id, eff) })
		case PublishTradeStatistics:
			e.publishStatistics(id, eff)
		default:
			e.logger.Warn("unknown trade effect", slog.String("trade_id", id), slog.String("effect", eff.effectName()))
		}
	}
}

func (e *Engine) async(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// peer returns the address and key ring messages for the trade are sent to.
func (e *Engine) peer(id string) (p2p.NodeAddress, crypto.PubKeyRing, bool) {
	ent := e.entry(id)
	if ent == nil {
		return p2p.NodeAddress{}, crypto.PubKeyRing{}, false
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.trade.PeerAddress, ent.context.PeerPubKeyRing, true
}

func (e *Engine) send(id string, eff SendMessage) {
	kind := eff.Message.Kind()
	peer, ring, ok := e.peer(id)
	if !ok {
		return
	}
	if e.network == nil {
		e.feed(id, SendResult{Kind: kind, State: MessageFailed, Error: p2p.ErrNetworkUnavailable.Error()})
		return
	}
	uid := eff.UID
	if uid == "" {
		uid = p2p.NewUID()
	}
	env, err := EncodeMessage(id, uid, eff.Message)
	if err != nil {
		e.feed(id, SendResult{Kind: kind, State: MessageFailed, Error: err.Error()})
		return
	}
	if eff.TrackAck {
		e.mu.Lock()
		e.waiters[uid] = &ackWaiter{tradeID: id, kind: kind}
		e.mu.Unlock()
	}
	result := func(state MessageState, msg string) {
		e.feed(id, SendResult{Kind: kind, State: state, Error: msg})
	}
	fault := func(msg string) {
		e.logger.Warn("trade message send failed",
			slog.String("trade_id", id),
			slog.String("kind", string(kind)),
			slog.String("error", msg))
		result(MessageFailed, msg)
	}
	if eff.Mailbox {
		e.network.SendEncryptedMailboxMessage(e.ctx, peer, ring, env, p2p.MailboxListener{
			OnArrived:         func() { result(MessageArrived, "") },
			OnStoredInMailbox: func() { result(MessageStoredInMailbox, "") },
			OnFault:           fault,
		})
		return
	}
	e.network.SendEncryptedDirectMessage(e.ctx, peer, ring, env, p2p.DirectListener{
		OnArrived: func() { result(MessageArrived, "") },
		OnFault:   fault,
	})
}

// resendUntilAck sends the message as a mailbox message under a fixed uid,
// waiting 4s, 8s, 16s and so on between sends, until the peer ACKs, the
// watched tx confirms or the attempts run out.
func (e *Engine) resendUntilAck(id string, eff ResendUntilAck) {
	kind := eff.Message.Kind()
	if e.network == nil {
		e.feed(id, SendResult{Kind: kind, State: MessageFailed, Error: p2p.ErrNetworkUnavailable.Error()})
		return
	}
	env, err := EncodeMessage(id, eff.UID, eff.Message)
	if err != nil {
		e.feed(id, SendResult{Kind: kind, State: MessageFailed, Error: err.Error()})
		return
	}
	acks := make(chan p2p.AckMessage, 1)
	e.mu.Lock()
	e.waiters[eff.UID] = &ackWaiter{tradeID: id, kind: kind, ch: acks}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		if w, ok := e.waiters[eff.UID]; ok && w.ch == acks {
			delete(e.waiters, eff.UID)
		}
		e.mu.Unlock()
	}()

	b := &backoff.Backoff{
		Min:    e.resendInitial,
		Max:    e.resendInitial << uint(e.resendAttempts-1),
		Factor: 2,
	}
	for attempt := 1; attempt <= e.resendAttempts; attempt++ {
		peer, ring, ok := e.peer(id)
		if !ok || !e.stillPending(id) {
			return
		}
		if attempt > 1 {
			e.metrics.RecordResend(string(kind))
		}
		e.logger.Debug("sending mailbox message",
			slog.String("trade_id", id),
			slog.String("kind", string(kind)),
			slog.Int("attempt", attempt))
		e.network.SendEncryptedMailboxMessage(e.ctx, peer, ring, env, p2p.MailboxListener{
			OnArrived:         func() { e.feed(id, SendResult{Kind: kind, State: MessageArrived}) },
			OnStoredInMailbox: func() { e.feed(id, SendResult{Kind: kind, State: MessageStoredInMailbox}) },
			OnFault: func(msg string) {
				e.logger.Warn("mailbox send failed, will retry",
					slog.String("trade_id", id),
					slog.String("kind", string(kind)),
					slog.Int("attempt", attempt),
					slog.String("error", msg))
			},
		})

		timer := time.NewTimer(b.Duration())
		select {
		case ack := <-acks:
			timer.Stop()
			if ack.Success {
				e.feed(id, SendResult{Kind: kind, State: MessageAcknowledged})
				return
			}
			msg := ack.ErrorMessage
			if msg == "" {
				msg = "message rejected by peer"
			}
			e.feed(id, SendResult{Kind: kind, State: MessageFailed, Error: msg})
			return
		case <-timer.C:
			if e.confirmed(eff.ConfirmedTx) {
				e.feed(id, DepositConfirmed{})
				return
			}
		case <-e.ctx.Done():
			timer.Stop()
			return
		}
	}
	e.logger.Warn("no ACK after all resend attempts",
		slog.String("trade_id", id),
		slog.String("kind", string(kind)),
		slog.Int("attempts", e.resendAttempts))
	e.feed(id, SendResult{Kind: kind, State: MessageFailed})
}

func (e *Engine) stillPending(id string) bool {
	ent := e.entry(id)
	if ent == nil {
		return false
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return !ent.trade.IsFailed()
}

func (e *Engine) confirmed(txID string) bool {
	if txID == "" || e.chain == nil {
		return false
	}
	ok, err := e.chain.IsTxConfirmed(e.ctx, txID)
	if err != nil {
		e.logger.Warn("check tx confirmation", slog.String("tx_id", txID), slog.Any("error", err))
		return false
	}
	return ok
}

func (e *Engine) routeAck(ack p2p.AckMessage) {
	e.mu.Lock()
	w, ok := e.waiters[ack.SourceUID]
	if ok && w.ch == nil {
		delete(e.waiters, ack.SourceUID)
	}
	e.mu.Unlock()
	if !ok {
		e.logger.Debug("ack without waiter",
			slog.String("source_uid", ack.SourceUID),
			slog.String("source_type", ack.SourceType))
		return
	}
	if w.ch != nil {
		select {
		case w.ch <- ack:
		default:
		}
		return
	}
	result := SendResult{Kind: w.kind, State: MessageAcknowledged}
	if !ack.Success {
		result = SendResult{Kind: w.kind, State: MessageFailed, Error: ack.ErrorMessage}
	}
	e.feed(w.tradeID, result)
}

// sendAck answers a processed trade message. ACKs go through the mailbox so an
// offline sender still receives them.
func (e *Engine) sendAck(to p2p.NodeAddress, tradeID, sourceUID string, kind MessageKind, cause error) {
	if e.network == nil || sourceUID == "" {
		return
	}
	ack := p2p.AckMessage{
		UID:        p2p.NewUID(),
		SourceUID:  sourceUID,
		SourceType: string(kind),
		SourceID:   tradeID,
		Success:    cause == nil,
	}
	if cause != nil {
		ack.ErrorMessage = cause.Error()
	}
	msg, err := p2p.NewAckMessage(ack)
	if err != nil {
		e.logger.Error("encode ack", slog.String("trade_id", tradeID), slog.Any("error", err))
		return
	}
	var ring crypto.PubKeyRing
	if _, r, ok := e.peer(tradeID); ok {
		ring = r
	}
	env := p2p.Envelope{UID: ack.UID, Message: msg}
	e.async(func() {
		e.network.SendEncryptedMailboxMessage(e.ctx, to, ring, env, p2p.MailboxListener{
			OnFault: func(errMsg string) {
				e.logger.Warn("ack send failed",
					slog.String("trade_id", tradeID),
					slog.String("source_uid", sourceUID),
					slog.String("error", errMsg))
			},
		})
	})
}

func (e *Engine) broadcast(id string, eff BroadcastTx) {
	done := make(chan BroadcastResult, 1)
	report := func(r BroadcastResult) {
		select {
		case done <- r:
		default:
		}
	}
	e.protocol.wallet.BroadcastTx(e.ctx, eff.Tx, BroadcastCallback{
		OnSuccess: func(tx Tx) { report(BroadcastResult{Purpose: eff.Purpose, Tx: tx}) },
		OnFailure: func(err error) { report(BroadcastResult{Purpose: eff.Purpose, Tx: eff.Tx, Err: err}) },
	})
	select {
	case r := <-done:
		e.feed(id, r)
	case <-e.ctx.Done():
	}
}

func (e *Engine) publishStatistics(id string, eff PublishTradeStatistics) {
	if eff.Statistics == nil {
		return
	}
	added := false
	if e.publisher != nil {
		added = e.publisher.AddPersistableNetworkPayload(eff.Statistics, true)
	}
	e.logger.Info("trade statistics published",
		slog.String("trade_id", id),
		slog.String("currency", eff.Statistics.Currency),
		slog.Bool("added", added))
	e.emitter.Emit(events.TradeStatisticsPublished{TradeID: id, Currency: eff.Statistics.Currency, Added: added})
}
