package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"tradenet/crypto"
	"tradenet/observability"
	"tradenet/p2p"
	"tradenet/p2p/payload"
	"tradenet/storage"
)

// DefaultMaxEntriesPerType bounds the entries of one kind sent in a get data response.
const DefaultMaxEntriesPerType = 10000

// Origin tells listeners how a payload reached the store.
type Origin uint8

const (
	// OriginLocal is a payload published by this node.
	OriginLocal Origin = iota
	// OriginBroadcast is a payload received through live gossip.
	OriginBroadcast
	// OriginInitialSync is a payload received in a get data response.
	OriginInitialSync
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginBroadcast:
		return "broadcast"
	case OriginInitialSync:
		return "initial_sync"
	default:
		return "unknown"
	}
}

// IsBroadcast reports whether the payload arrived outside of a sync response.
func (o Origin) IsBroadcast() bool { return o != OriginInitialSync }

// AppendOnlyListener is notified of append-only payloads added to the store.
type AppendOnlyListener func(p payload.Payload, origin Origin)

// ProtectedListener is notified of protected entries added to or removed from the store.
type ProtectedListener struct {
	OnAdded   func(e *ProtectedEntry)
	OnRemoved func(e *ProtectedEntry)
}

// Responder sends a direct reply to a peer.
type Responder interface {
	Respond(ctx context.Context, peer p2p.NodeAddress, msg *p2p.Message) error
}

// DataStorage is the entry point for payloads exchanged with the network. It
// validates, deduplicates and stores them, notifies listeners and gossips
// accepted payloads on.
type DataStorage struct {
	appendOnly  *AppendOnlyStore
	removed     *RemovedPayloads
	sequence    *SequenceNumberMap
	broadcaster p2p.Broadcaster
	responder   Responder
	limiter     *p2p.PeerLimiter
	persistence *storage.PersistenceManager
	logger      *slog.Logger
	now         func() time.Time

	maxEntriesPerType int
	purgeAge          time.Duration
	purgeThreshold    int
	version           string
	capabilities      p2p.Capabilities

	mu                 sync.RWMutex
	protected          map[ByteArray]*ProtectedEntry
	appendListeners    []AppendOnlyListener
	protectedListeners []ProtectedListener

	initialRequestApplied atomic.Bool
	nonce                 atomic.Uint32
}

// Option customises a DataStorage.
type Option func(*DataStorage)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *DataStorage) { s.logger = logger }
}

// WithClock overrides the clock used for dates and expiry.
func WithClock(now func() time.Time) Option {
	return func(s *DataStorage) { s.now = now }
}

// WithBroadcaster sets the gossip fan-out.
func WithBroadcaster(b p2p.Broadcaster) Option {
	return func(s *DataStorage) { s.broadcaster = b }
}

// WithResponder sets the transport used to answer get data requests.
func WithResponder(r Responder) Option {
	return func(s *DataStorage) { s.responder = r }
}

// WithRateLimiter bounds inbound gossip per peer.
func WithRateLimiter(l *p2p.PeerLimiter) Option {
	return func(s *DataStorage) { s.limiter = l }
}

// WithRemovedPayloads replaces the in-memory removed payload map.
func WithRemovedPayloads(r *RemovedPayloads) Option {
	return func(s *DataStorage) { s.removed = r }
}

// WithSequenceNumberMap replaces the in-memory sequence number map.
func WithSequenceNumberMap(m *SequenceNumberMap) Option {
	return func(s *DataStorage) { s.sequence = m }
}

// WithProtectedPersistence persists protected entries through m.
func WithProtectedPersistence(m *storage.PersistenceManager) Option {
	return func(s *DataStorage) { s.persistence = m }
}

// WithMaxEntriesPerType bounds get data responses.
func WithMaxEntriesPerType(n int) Option {
	return func(s *DataStorage) { s.maxEntriesPerType = n }
}

// WithSequenceNumberPurge sets when old sequence numbers are dropped.
func WithSequenceNumberPurge(maxAge time.Duration, threshold int) Option {
	return func(s *DataStorage) {
		s.purgeAge = maxAge
		s.purgeThreshold = threshold
	}
}

// WithAppVersion sets the release version and capabilities sent in get data requests.
func WithAppVersion(version string, caps p2p.Capabilities) Option {
	return func(s *DataStorage) {
		s.version = version
		s.capabilities = caps
	}
}

// NewDataStorage creates the facade over appendOnly.
func NewDataStorage(appendOnly *AppendOnlyStore, opts ...Option) *DataStorage {
	s := &DataStorage{
		appendOnly:        appendOnly,
		logger:            slog.Default(),
		now:               time.Now,
		maxEntriesPerType: DefaultMaxEntriesPerType,
		purgeAge:          DefaultSequenceNumberPurgeAge,
		purgeThreshold:    DefaultSequenceNumberPurgeThreshold,
		capabilities:      p2p.AppCapabilities(),
		protected:         make(map[ByteArray]*ProtectedEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.removed == nil {
		s.removed = NewRemovedPayloads(0, nil, s.now)
	}
	if s.sequence == nil {
		s.sequence = NewSequenceNumberMap(nil, s.now)
	}
	if s.persistence != nil {
		s.persistence.Initialize(storage.PersistableFunc(s.encodeProtected))
	}
	return s
}

// AppendOnly exposes the underlying append-only store.
func (s *DataStorage) AppendOnly() *AppendOnlyStore { return s.appendOnly }

// AddAppendOnlyListener registers l for added append-only payloads.
func (s *DataStorage) AddAppendOnlyListener(l AppendOnlyListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendListeners = append(s.appendListeners, l)
}

// AddProtectedListener registers l for protected entry changes.
func (s *DataStorage) AddProtectedListener(l ProtectedListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protectedListeners = append(s.protectedListeners, l)
}

// AddPersistableNetworkPayload stores a locally created payload and gossips
// it. A known payload is rejected unless reBroadcast is set, in which case it
// is gossiped again.
func (s *DataStorage) AddPersistableNetworkPayload(p payload.Payload, reBroadcast bool) bool {
	return s.addPersistableNetworkPayload(p, nil, reBroadcast, OriginLocal)
}

func (s *DataStorage) addPersistableNetworkPayload(p payload.Payload, sender *p2p.NodeAddress, reBroadcast bool, origin Origin) bool {
	if !p.VerifyHashSize() {
		s.reject("hash_size", p, sender)
		return false
	}
	key := KeyOf(p)
	if s.appendOnly.Contains(key) && !reBroadcast {
		s.logger.Debug("Payload already stored", "kind", p.Kind().String(), "hash", key.Hex())
		return false
	}
	if origin == OriginBroadcast {
		if tolerant, ok := p.(payload.DateTolerant); ok && !tolerant.IsDateInTolerance(s.now()) {
			s.reject("date_out_of_tolerance", p, sender)
			return false
		}
	}
	added := s.appendOnly.Put(key, p)
	if added {
		s.notifyAppendOnly(p, origin)
	}
	if added || reBroadcast {
		s.broadcast(NewAddPayloadMessage(p), sender)
	}
	return true
}

// addPersistableNetworkPayloadFromInitialRequest stores a payload from a sync
// response without date checks or gossip.
func (s *DataStorage) addPersistableNetworkPayloadFromInitialRequest(p payload.Payload) {
	if !p.VerifyHashSize() {
		s.reject("hash_size", p, nil)
		return
	}
	key := KeyOf(p)
	if s.appendOnly.Contains(key) {
		return
	}
	if s.appendOnly.Put(key, p) {
		s.notifyAppendOnly(p, OriginInitialSync)
	}
}

// Get returns the payload stored under key in any service.
func (s *DataStorage) Get(key ByteArray) (payload.Payload, bool) {
	p, ok := s.appendOnly.Map()[key]
	if ok {
		return p, true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.protected[key]; ok {
		return e.Payload, true
	}
	return nil, false
}

// NewProtectedEntry signs p for an add with the next sequence number.
func (s *DataStorage) NewProtectedEntry(p payload.Payload, key *crypto.PrivateKey) (*ProtectedEntry, error) {
	return SignProtectedEntry(p, key, s.sequence.Next(KeyOf(p)), s.now())
}

// AddProtectedEntry stores a signed entry and optionally gossips it.
func (s *DataStorage) AddProtectedEntry(e *ProtectedEntry, sender *p2p.NodeAddress, allowBroadcast bool) bool {
	accepted := s.addProtectedEntry(e, sender, allowBroadcast)
	observability.Store().RecordProtected("add", accepted)
	return accepted
}

func (s *DataStorage) addProtectedEntry(e *ProtectedEntry, sender *p2p.NodeAddress, allowBroadcast bool) bool {
	key := e.Key()
	if _, ok := e.Payload.(payload.AddOnce); ok && s.removed.Contains(key) {
		s.logger.Debug("Add-once payload was already removed", "hash", key.Hex())
		return false
	}
	s.mu.RLock()
	stored := s.protected[key]
	s.mu.RUnlock()
	if stored != nil && !s.sequence.HasSequenceNrIncreased(e.SequenceNumber, key) {
		s.logger.Debug("Protected entry already stored", "hash", key.Hex(), "seq", e.SequenceNumber)
		return false
	}
	if v, ok := s.sequence.Get(key); ok && e.SequenceNumber < v.SequenceNr {
		s.logger.Debug("Sequence number below recorded one", "hash", key.Hex(), "seq", e.SequenceNumber, "recorded", v.SequenceNr)
		return false
	}
	if e.IsExpired(s.now()) {
		s.reject("expired", e.Payload, sender)
		return false
	}
	if !e.IsValidForAddOperation() {
		s.reject("invalid_add", e.Payload, sender)
		return false
	}
	if stored != nil && !e.MatchesRelevantPubKey(stored) {
		s.reject("owner_mismatch", e.Payload, sender)
		return false
	}

	s.mu.Lock()
	s.protected[key] = e
	listeners := append([]ProtectedListener(nil), s.protectedListeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		if l.OnAdded != nil {
			l.OnAdded(e)
		}
	}
	s.sequence.Put(key, e.SequenceNumber)
	s.persistProtected()
	if allowBroadcast {
		s.broadcast(NewAddDataMessage(e), sender)
	}
	return true
}

// NewRemoveEntry signs a removal of p by its remove owner.
func (s *DataStorage) NewRemoveEntry(p payload.Payload, key *crypto.PrivateKey) (*ProtectedEntry, error) {
	return SignProtectedEntry(p, key, s.sequence.Next(KeyOf(p)), s.now())
}

// RemoveProtectedEntry applies a signed removal. The sequence number is
// recorded even when the entry is not held locally so a late add is refused.
func (s *DataStorage) RemoveProtectedEntry(e *ProtectedEntry, sender *p2p.NodeAddress, allowBroadcast bool) bool {
	accepted := s.removeProtectedEntry(e, sender, allowBroadcast)
	observability.Store().RecordProtected("remove", accepted)
	return accepted
}

func (s *DataStorage) removeProtectedEntry(e *ProtectedEntry, sender *p2p.NodeAddress, allowBroadcast bool) bool {
	key := e.Key()
	if !s.sequence.HasSequenceNrIncreased(e.SequenceNumber, key) {
		return false
	}
	if !e.IsValidForRemoveOperation() {
		s.reject("invalid_remove", e.Payload, sender)
		return false
	}
	s.mu.Lock()
	stored := s.protected[key]
	if stored != nil && !e.matchesRemoveOwner(stored) {
		s.mu.Unlock()
		s.reject("owner_mismatch", e.Payload, sender)
		return false
	}
	if stored != nil {
		delete(s.protected, key)
	}
	listeners := append([]ProtectedListener(nil), s.protectedListeners...)
	s.mu.Unlock()

	s.sequence.Put(key, e.SequenceNumber)
	if _, ok := e.Payload.(payload.AddOnce); ok {
		s.removed.Add(key)
	}
	if stored != nil {
		for _, l := range listeners {
			if l.OnRemoved != nil {
				l.OnRemoved(stored)
			}
		}
		s.persistProtected()
	}
	if allowBroadcast {
		s.broadcast(NewRemoveMailboxDataMessage(e), sender)
	}
	return true
}

// ProtectedEntries returns a snapshot of the protected store.
func (s *DataStorage) ProtectedEntries() map[ByteArray]*ProtectedEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[ByteArray]*ProtectedEntry, len(s.protected))
	for k, v := range s.protected {
		out[k] = v
	}
	return out
}

// RemoveExpiredEntries drops expired protected entries and purges the
// bookkeeping maps.
func (s *DataStorage) RemoveExpiredEntries() int {
	now := s.now()
	var expired []*ProtectedEntry
	s.mu.Lock()
	for key, e := range s.protected {
		if e.IsExpired(now) {
			expired = append(expired, e)
			delete(s.protected, key)
		}
	}
	listeners := append([]ProtectedListener(nil), s.protectedListeners...)
	s.mu.Unlock()

	for _, e := range expired {
		for _, l := range listeners {
			if l.OnRemoved != nil {
				l.OnRemoved(e)
			}
		}
	}
	if len(expired) > 0 {
		s.logger.Info("Removed expired protected entries", "count", len(expired))
		s.persistProtected()
	}
	if purged := s.sequence.Purge(s.purgeAge, s.purgeThreshold); purged > 0 {
		s.logger.Debug("Purged sequence numbers", "count", purged)
	}
	s.removed.Purge()
	return len(expired)
}

// Run sweeps expired entries every interval until ctx is done.
func (s *DataStorage) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RemoveExpiredEntries()
		}
	}
}

// BuildGetDataRequest lists every key held so the peer only returns what is missing.
func (s *DataStorage) BuildGetDataRequest() *GetDataRequest {
	held := s.appendOnly.MapForDataRequest()
	keys := make([]ByteArray, 0, len(held))
	for k := range held {
		keys = append(keys, k)
	}
	s.mu.RLock()
	for k := range s.protected {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return &GetDataRequest{
		Nonce:        s.nonce.Add(1),
		ExcludedKeys: keys,
		Version:      s.version,
		Capabilities: s.capabilities,
	}
}

// BuildGetDataResponse collects what the requester is missing. Payloads the
// requester cannot handle are left out. Date sorted payloads keep only their
// newest MaxItems, and every kind is cut at the configured maximum.
func (s *DataStorage) BuildGetDataResponse(req *GetDataRequest) *GetDataResponse {
	excluded := make(map[ByteArray]struct{}, len(req.ExcludedKeys))
	for _, k := range req.ExcludedKeys {
		excluded[k] = struct{}{}
	}
	resp := &GetDataResponse{RequestNonce: req.Nonce}

	byKind := make(map[payload.Kind][]payload.Payload)
	for key, p := range s.appendOnly.MapForDataResponse(req.Version) {
		if _, skip := excluded[key]; skip {
			continue
		}
		if !peerSupports(p, req.Capabilities) {
			continue
		}
		byKind[p.Kind()] = append(byKind[p.Kind()], p)
	}
	for _, kind := range payload.Kinds() {
		list := byKind[kind]
		if len(list) == 0 {
			continue
		}
		var truncated bool
		list, truncated = s.filterKnown(list)
		resp.Payloads = append(resp.Payloads, list...)
		resp.WasTruncated = resp.WasTruncated || truncated
	}

	s.mu.RLock()
	entries := make([]*ProtectedEntry, 0, len(s.protected))
	for key, e := range s.protected {
		if _, skip := excluded[key]; skip {
			continue
		}
		if !peerSupports(e.Payload, req.Capabilities) {
			continue
		}
		entries = append(entries, e)
	}
	s.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key() < entries[j].Key() })
	if len(entries) > s.maxEntriesPerType {
		entries = entries[:s.maxEntriesPerType]
		resp.WasTruncated = true
	}
	resp.ProtectedEntries = entries

	if resp.WasTruncated {
		s.logger.Info("Get data response truncated", "nonce", req.Nonce, "payloads", len(resp.Payloads), "protected", len(resp.ProtectedEntries))
	}
	return resp
}

// filterKnown orders one kind for a response and applies the size limits.
func (s *DataStorage) filterKnown(list []payload.Payload) ([]payload.Payload, bool) {
	truncated := false
	if _, ok := list[0].(payload.DateSortedTruncatable); ok {
		sort.Slice(list, func(i, j int) bool {
			di := list[i].(payload.DateSortedTruncatable).Date()
			dj := list[j].(payload.DateSortedTruncatable).Date()
			if di.Equal(dj) {
				return KeyOf(list[i]) < KeyOf(list[j])
			}
			return di.Before(dj)
		})
		if maxItems := list[0].(payload.DateSortedTruncatable).MaxItems(); maxItems > 0 && len(list) > maxItems {
			list = list[len(list)-maxItems:]
			truncated = true
		}
	} else {
		sort.Slice(list, func(i, j int) bool { return KeyOf(list[i]) < KeyOf(list[j]) })
	}
	if len(list) > s.maxEntriesPerType {
		list = list[len(list)-s.maxEntriesPerType:]
		truncated = true
	}
	return list, truncated
}

func peerSupports(p payload.Payload, caps p2p.Capabilities) bool {
	req, ok := p.(payload.CapabilityRequiring)
	return !ok || caps.ContainsAll(req.RequiredCapabilities())
}

// ProcessGetDataResponse applies a sync response. Process-once payloads are
// taken from the first response only.
func (s *DataStorage) ProcessGetDataResponse(resp *GetDataResponse, sender p2p.NodeAddress) {
	for _, e := range resp.ProtectedEntries {
		s.AddProtectedEntry(e, &sender, false)
	}
	applied := s.initialRequestApplied.Load()
	for _, p := range resp.Payloads {
		if _, once := p.(payload.ProcessOnce); once && applied {
			continue
		}
		s.addPersistableNetworkPayloadFromInitialRequest(p)
	}
	s.initialRequestApplied.Store(true)
	s.logger.Info("Processed get data response",
		"peer", sender.FullAddress(),
		"payloads", len(resp.Payloads),
		"protected", len(resp.ProtectedEntries),
		"truncated", resp.WasTruncated)
}

// HandleMessage processes inbound storage messages.
func (s *DataStorage) HandleMessage(ctx context.Context, env p2p.Envelope) error {
	if env.Message == nil {
		return fmt.Errorf("%w: empty message", p2p.ErrInvalidPayload)
	}
	if !s.limiter.Allow(env.Sender, s.now()) {
		observability.Store().RecordRejected("rate_limited")
		return nil
	}
	sender := env.Sender
	switch env.Message.Type {
	case p2p.MsgTypeAddPersistableNetworkPayload:
		p, err := payload.UnmarshalTagged(env.Message.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", p2p.ErrInvalidPayload, err)
		}
		s.addPersistableNetworkPayload(p, &sender, false, OriginBroadcast)
	case p2p.MsgTypeAddData:
		e, err := UnmarshalProtectedEntry(env.Message.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", p2p.ErrInvalidPayload, err)
		}
		s.AddProtectedEntry(e, &sender, true)
	case p2p.MsgTypeRemoveMailboxData:
		e, err := UnmarshalProtectedEntry(env.Message.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", p2p.ErrInvalidPayload, err)
		}
		s.RemoveProtectedEntry(e, &sender, true)
	case p2p.MsgTypeGetDataRequest:
		req, err := DecodeGetDataRequest(env.Message)
		if err != nil {
			return err
		}
		if s.responder == nil {
			s.logger.Debug("No responder configured, dropping get data request", "peer", sender.FullAddress())
			return nil
		}
		return s.responder.Respond(ctx, sender, s.BuildGetDataResponse(req).Message())
	case p2p.MsgTypeGetDataResponse:
		resp, err := DecodeGetDataResponse(env.Message)
		if err != nil {
			return err
		}
		s.ProcessGetDataResponse(resp, sender)
	default:
		return fmt.Errorf("%w: unexpected message type %#x", p2p.ErrInvalidPayload, env.Message.Type)
	}
	return nil
}

func (s *DataStorage) notifyAppendOnly(p payload.Payload, origin Origin) {
	s.mu.RLock()
	listeners := append([]AppendOnlyListener(nil), s.appendListeners...)
	s.mu.RUnlock()
	for _, l := range listeners {
		l(p, origin)
	}
}

func (s *DataStorage) broadcast(msg *p2p.Message, sender *p2p.NodeAddress) {
	if s.broadcaster == nil {
		return
	}
	if err := s.broadcaster.Broadcast(msg, sender); err != nil {
		s.logger.Warn("Broadcast failed", "type", msg.Type, "error", err)
	}
}

func (s *DataStorage) reject(reason string, p payload.Payload, sender *p2p.NodeAddress) {
	observability.Store().RecordRejected(reason)
	attrs := []any{"reason", reason, "kind", p.Kind().String()}
	if sender != nil {
		attrs = append(attrs, "peer", sender.FullAddress())
	}
	s.logger.Debug("Rejected payload", attrs...)
}

func (s *DataStorage) persistProtected() {
	if s.persistence != nil {
		s.persistence.RequestPersistence()
	}
}

func (s *DataStorage) encodeProtected() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var b []byte
	for _, e := range s.protected {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Marshal())
	}
	return b, nil
}

// ReadPersisted restores every store and bookkeeping map.
func (s *DataStorage) ReadPersisted() error {
	errs := []error{s.appendOnly.ReadPersisted(), s.removed.ReadPersisted(), s.sequence.ReadPersisted()}
	if s.persistence != nil {
		_, err := s.persistence.ReadPersisted(func(body []byte) error {
			restored := make(map[ByteArray]*ProtectedEntry)
			err := walk(body, func(num protowire.Number, _ uint64, data []byte) error {
				if num != 1 {
					return nil
				}
				e, err := UnmarshalProtectedEntry(data)
				if err != nil {
					return err
				}
				restored[e.Key()] = e
				return nil
			})
			if err != nil {
				return err
			}
			s.mu.Lock()
			s.protected = restored
			s.mu.Unlock()
			return nil
		})
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Shutdown flushes every store.
func (s *DataStorage) Shutdown() error {
	errs := []error{s.appendOnly.Shutdown(), s.removed.Shutdown(), s.sequence.Shutdown()}
	if s.persistence != nil {
		errs = append(errs, s.persistence.Shutdown())
	}
	return errors.Join(errs...)
}
