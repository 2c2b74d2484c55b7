package rpc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"tradenet/core/events"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestActionsAcceptSignedToken(t *testing.T) {
	trades := newFakeTrades()
	h := newTestServer(t, trades)

	valid := signToken(t, "secret", jwt.MapClaims{"sub": "operator", "exp": time.Now().Add(time.Minute).Unix()})
	rec := do(t, h, http.MethodPost, "/api/v1/trades/t-1/payment-started", valid, `{"counterCurrencyTxId":"ref-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	tests := map[string]string{
		"expired":   signToken(t, "secret", jwt.MapClaims{"sub": "operator", "exp": time.Now().Add(-time.Hour).Unix()}),
		"no expiry": signToken(t, "secret", jwt.MapClaims{"sub": "operator"}),
		"wrong key": signToken(t, "other", jwt.MapClaims{"sub": "operator", "exp": time.Now().Add(time.Minute).Unix()}),
		"not a jwt": "abc.def.ghi",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/v1/trades/t-1/close", token, "")
			require.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
	require.Equal(t, []string{"ref-1"}, trades.confirmed)
}

func TestEventStreamSendsBacklogAndUpdates(t *testing.T) {
	recorder := events.NewRecorder(16)
	recorder.Emit(events.TradeCompleted{TradeID: "t-0", State: "PAYOUT_TX_PUBLISHED_MSG_ARRIVED"})

	srv := httptest.NewServer(New(Config{Events: recorder}).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/events/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Contains(t, string(data), `"t-0"`)

	// The subscription is registered before the backlog is written.
	recorder.Emit(events.TradeStateChanged{TradeID: "t-1", To: "DEPOSIT_TX_PUBLISHED"})
	_, data, err = conn.Read(ctx)
	require.NoError(t, err)
	require.Contains(t, string(data), `"t-1"`)
}
