package streaming

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phenomenon0/sportsamm/pkg/domain"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func receive(t *testing.T, ch <-chan Incoming) Incoming {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return Incoming{}
	}
}

func TestClientReceivesSubscribedEvents(t *testing.T) {
	h := startHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)

	msgs := make(chan Incoming, 8)
	cfg := DefaultClientConfig(wsURL(srv))
	cfg.Events = []domain.EventType{domain.EventRound}
	c := NewClient(cfg, Handlers{OnMessage: func(m Incoming) { msgs <- m }})
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, h.Publish(ctx, domain.TradeEvent{ID: "skipped"}))
	require.NoError(t, h.Publish(ctx, domain.RoundEvent{Round: 3, Phase: "closed", PnL: decimal.RequireFromString("0.02")}))

	msg := receive(t, msgs)
	require.Equal(t, domain.EventRound, msg.Type)
	ev, err := msg.Event()
	require.NoError(t, err)
	round, ok := ev.(domain.RoundEvent)
	require.True(t, ok)
	assert.Equal(t, 3, round.Round)
	assert.True(t, round.PnL.Equal(decimal.RequireFromString("0.02")))

	require.NoError(t, c.Subscribe(domain.EventTrade))
	assert.Equal(t, []domain.EventType{domain.EventRound, domain.EventTrade}, c.Subscriptions())
	require.Eventually(t, func() bool {
		cl := onlyClient(h)
		return cl != nil && cl.isSubscribed(domain.EventTrade)
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.Publish(ctx, domain.TradeEvent{ID: "t-2"}))
	msg = receive(t, msgs)
	assert.Equal(t, domain.EventTrade, msg.Type)
}

func TestClientReconnects(t *testing.T) {
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if conns.Add(1) == 1 {
			// Drop the first connection without a close frame.
			return
		}
		assert.Equal(t, []string{"market"}, r.URL.Query()["events"], "subscriptions are replayed")
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"market","data":{"status":"resolved","outcome":1}}`))
		_, _, _ = conn.ReadMessage()
	}))
	t.Cleanup(srv.Close)

	msgs := make(chan Incoming, 8)
	var disconnects atomic.Int32
	cfg := DefaultClientConfig(wsURL(srv))
	cfg.Events = []domain.EventType{domain.EventMarket}
	cfg.ReconnectMinDelay = 10 * time.Millisecond
	c := NewClient(cfg, Handlers{
		OnMessage:    func(m Incoming) { msgs <- m },
		OnDisconnect: func(error) { disconnects.Add(1) },
	})
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })

	msg := receive(t, msgs)
	ev, err := msg.Event()
	require.NoError(t, err)
	assert.Equal(t, "resolved", ev.(domain.MarketEvent).Status)
	assert.Equal(t, int32(2), conns.Load())
	assert.Equal(t, int32(1), disconnects.Load())
	assert.True(t, c.IsConnected())
}

func TestClientClose(t *testing.T) {
	h := startHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)

	c := NewClient(DefaultClientConfig(wsURL(srv)), Handlers{})
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())
	assert.Error(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
