package p2p

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Router dispatches inbound envelopes to the handler registered for their
// message type.
type Router struct {
	mu       sync.RWMutex
	handlers map[byte]MessageHandler
	logger   *slog.Logger
	metrics  *networkMetrics
}

// NewRouter returns an empty router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		handlers: make(map[byte]MessageHandler),
		logger:   logger,
		metrics:  newNetworkMetrics(),
	}
}

// Handle registers h for the message types, replacing earlier registrations.
func (r *Router) Handle(h MessageHandler, msgTypes ...byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range msgTypes {
		r.handlers[t] = h
	}
}

// HandleMessage implements MessageHandler.
func (r *Router) HandleMessage(ctx context.Context, env Envelope) error {
	if env.Message == nil {
		r.metrics.recordMessage("inbound", 0, "invalid")
		return fmt.Errorf("%w: empty message", ErrInvalidPayload)
	}
	r.mu.RLock()
	h, ok := r.handlers[env.Message.Type]
	r.mu.RUnlock()
	if !ok {
		r.metrics.recordMessage("inbound", env.Message.Type, "unrouted")
		return fmt.Errorf("%w: no handler for message type %#x", ErrInvalidPayload, env.Message.Type)
	}
	if err := h.HandleMessage(ctx, env); err != nil {
		r.metrics.recordMessage("inbound", env.Message.Type, "error")
		r.logger.Debug("message handler failed",
			slog.String("peer", env.Sender.FullAddress()),
			slog.String("type", fmt.Sprintf("%#x", env.Message.Type)),
			slog.Any("error", err))
		return err
	}
	r.metrics.recordMessage("inbound", env.Message.Type, "handled")
	return nil
}
