package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tradenet/core/types"
	"tradenet/native/trade"
	"tradenet/p2p/payload"
	"tradenet/p2p/store"
)

const maxRequestBytes = 1 << 16

// TradeService is the part of the trade engine the admin API drives.
type TradeService interface {
	Trades() []*trade.Trade
	Trade(id string) (*trade.Trade, error)
	Archived(id string) (*trade.Trade, error)
	ListArchived(limit int) ([]*trade.Trade, error)
	ConfirmPaymentStarted(ctx context.Context, id, counterCurrencyTxID string) error
	ConfirmPaymentReceived(ctx context.Context, id string) error
	CloseTrade(ctx context.Context, id string) error
}

// PayloadStore exposes the replicated stores for statistics.
type PayloadStore interface {
	AppendOnly() *store.AppendOnlyStore
	ProtectedEntries() map[store.ByteArray]*store.ProtectedEntry
}

// BlindVoteSource lists the blind votes known to the node.
type BlindVoteSource interface {
	BlindVotes() []payload.BlindVote
}

// EventSource lists recently emitted domain events.
type EventSource interface {
	Events() []*types.Event
}

// Config captures the dependencies of the admin server. Nil sources disable
// their routes.
type Config struct {
	Trades     TradeService
	Store      PayloadStore
	BlindVotes BlindVoteSource
	Events     EventSource
	// AuthToken guards the state changing routes. Without a token they are
	// rejected.
	AuthToken string
	Logger    *slog.Logger
}

// Server is the admin HTTP API of a trade node.
type Server struct {
	trades     TradeService
	store      PayloadStore
	blindVotes BlindVoteSource
	events     EventSource
	authToken  string
	logger     *slog.Logger

	router http.Handler
}

// New constructs the router.
func New(cfg Config) *Server {
	srv := &Server{
		trades:     cfg.Trades,
		store:      cfg.Store,
		blindVotes: cfg.BlindVotes,
		events:     cfg.Events,
		authToken:  strings.TrimSpace(cfg.AuthToken),
		logger:     cfg.Logger,
	}
	if srv.logger == nil {
		srv.logger = slog.Default()
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	s.logger.Info("admin api listening", slog.String("addr", addr))
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		if s.trades != nil {
			api.Get("/trades", s.ListTrades)
			api.Get("/trades/{id}", s.GetTrade)
			api.Get("/archive", s.ListArchive)
			api.Get("/archive/{id}", s.GetArchived)
			api.Group(func(protected chi.Router) {
				protected.Use(s.requireAuth)
				protected.Post("/trades/{id}/payment-started", s.PaymentStarted)
				protected.Post("/trades/{id}/payment-received", s.PaymentReceived)
				protected.Post("/trades/{id}/close", s.Close)
			})
		}
		if s.store != nil {
			api.Get("/store", s.StoreStats)
		}
		if s.blindVotes != nil {
			api.Get("/governance/blindvotes", s.ListBlindVotes)
		}
		if s.events != nil {
			api.Get("/events", s.ListEvents)
			if _, ok := s.events.(EventStream); ok {
				api.Get("/events/ws", s.StreamEvents)
			}
		}
	})

	return otelhttp.NewHandler(r, "tradenet-admin")
}

// ListTrades returns the open trades.
func (s *Server) ListTrades(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.trades.Trades())
}

// GetTrade returns one open trade.
func (s *Server) GetTrade(w http.ResponseWriter, r *http.Request) {
	t, err := s.trades.Trade(chi.URLParam(r, "id"))
	if err != nil {
		s.writeTradeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ListArchive returns closed trades, newest first.
func (s *Server) ListArchive(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	list, err := s.trades.ListArchived(limit)
	if err != nil {
		s.writeTradeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetArchived returns one closed trade.
func (s *Server) GetArchived(w http.ResponseWriter, r *http.Request) {
	t, err := s.trades.Archived(chi.URLParam(r, "id"))
	if err != nil {
		s.writeTradeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// PaymentStarted records the buyer's confirmation that the fiat transfer was sent.
func (s *Server) PaymentStarted(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CounterCurrencyTxID string `json:"counterCurrencyTxId"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}
	}
	s.action(w, r, func(ctx context.Context, id string) error {
		return s.trades.ConfirmPaymentStarted(ctx, id, strings.TrimSpace(req.CounterCurrencyTxID))
	})
}

// PaymentReceived records the seller's confirmation that the fiat arrived.
func (s *Server) PaymentReceived(w http.ResponseWriter, r *http.Request) {
	s.action(w, r, s.trades.ConfirmPaymentReceived)
}

// Close moves a finished trade into the archive.
func (s *Server) Close(w http.ResponseWriter, r *http.Request) {
	s.action(w, r, s.trades.CloseTrade)
}

func (s *Server) action(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(r.Context(), id); err != nil {
		s.writeTradeError(w, err)
		return
	}
	t, err := s.trades.Trade(id)
	if errors.Is(err, trade.ErrTradeNotFound) {
		// Closed trades leave the open set.
		t, err = s.trades.Archived(id)
	}
	if err != nil {
		s.writeTradeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type serviceStats struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

type storeStats struct {
	Services         []serviceStats `json:"services"`
	ProtectedEntries int            `json:"protectedEntries"`
}

// StoreStats reports entry counts per payload service.
func (s *Server) StoreStats(w http.ResponseWriter, _ *http.Request) {
	var stats storeStats
	for _, svc := range s.store.AppendOnly().Services() {
		stats.Services = append(stats.Services, serviceStats{Name: svc.Name(), Entries: svc.Len()})
	}
	sort.Slice(stats.Services, func(i, j int) bool { return stats.Services[i].Name < stats.Services[j].Name })
	stats.ProtectedEntries = len(s.store.ProtectedEntries())
	writeJSON(w, http.StatusOK, stats)
}

// ListBlindVotes returns the blind votes sorted by tx id.
func (s *Server) ListBlindVotes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.blindVotes.BlindVotes())
}

// ListEvents returns the recent domain events.
func (s *Server) ListEvents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.events.Events())
}

func (s *Server) writeTradeError(w http.ResponseWriter, err error) {
	var taskErr *trade.TaskError
	switch {
	case errors.Is(err, trade.ErrTradeNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, trade.ErrUnexpectedInput),
		errors.Is(err, trade.ErrTradeNotClosable),
		errors.Is(err, trade.ErrTradeFailed),
		errors.Is(err, trade.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &taskErr):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("admin request failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
