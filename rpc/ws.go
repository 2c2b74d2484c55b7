package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"tradenet/core/types"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsBuffer       = 64
)

// EventStream is implemented by event sources that push new events.
type EventStream interface {
	Subscribe(buffer int) (updates <-chan *types.Event, backlog []*types.Event, cancel func())
}

// StreamEvents upgrades to a websocket and writes the event backlog followed
// by every new event until the client goes away.
func (s *Server) StreamEvents(w http.ResponseWriter, r *http.Request) {
	stream, ok := s.events.(EventStream)
	if !ok {
		writeError(w, http.StatusNotFound, "event stream unavailable")
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Reads are only needed to observe the close handshake.
	ctx := conn.CloseRead(r.Context())
	if err := streamEvents(ctx, conn, stream); err != nil {
		if websocket.CloseStatus(err) == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func streamEvents(ctx context.Context, conn *websocket.Conn, stream EventStream) error {
	updates, backlog, cancel := stream.Subscribe(wsBuffer)
	defer cancel()

	for _, evt := range backlog {
		if err := writeEvent(ctx, conn, evt); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
