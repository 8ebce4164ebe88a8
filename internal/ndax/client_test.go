package ndax

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/ndaxstream/errs"
	"github.com/coachpo/ndaxstream/internal/book"
	"github.com/coachpo/ndaxstream/internal/config"
	"github.com/coachpo/ndaxstream/internal/rest"
	"github.com/coachpo/ndaxstream/internal/testutil"
	"github.com/coachpo/ndaxstream/internal/transport"
	"github.com/coachpo/ndaxstream/internal/wire"
)

const wait = 2 * time.Second

var testCatalog = rest.StaticCatalog{
	Items: []rest.Instrument{
		{OMSID: 1, InstrumentID: 1, Symbol: "BTCCAD", Product1Symbol: "BTC", Product2Symbol: "CAD"},
		{OMSID: 1, InstrumentID: 2, Symbol: "ETHCAD", Product1Symbol: "ETH", Product2Symbol: "CAD"},
	},
	AccountIDs: []int64{77},
}

var testCreds = config.Credentials{APIKey: "key", Secret: "secret", UserID: "5"}

func newTestClient(t *testing.T, g *testutil.Gateway, creds config.Credentials) *Client {
	t.Helper()
	cfg := config.Apply(config.Default(), config.WithWebsocketURL(g.URL()), config.WithCredentials(creds))
	client, err := New(cfg, testCatalog, nil, WithTransportOptions(transport.Options{
		RequestTimeout:           time.Second,
		PingInterval:             time.Hour,
		InitialReconnectInterval: 10 * time.Millisecond,
		MaxReconnectInterval:     50 * time.Millisecond,
		DialTimeout:              time.Second,
		WriteTimeout:             time.Second,
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	t.Cleanup(cancel)
	return ctx
}

func level1Payload(id int64, last string) map[string]any {
	return map[string]any{
		"OMSId": 1, "InstrumentId": id, "BestBid": last, "BestOffer": last,
		"LastTradedPx": last, "SessionOpen": "100", "TimeStamp": "1700000000000",
	}
}

func instrumentOf(t *testing.T, env wire.Envelope) int64 {
	var req struct {
		InstrumentID int64 `json:"InstrumentId"`
	}
	require.NoError(t, json.Unmarshal(env.Payload, &req))
	return req.InstrumentID
}

func TestConcurrentWatchTickerSendsOneFrame(t *testing.T) {
	g := testutil.NewGateway(t, func(gw *testutil.Gateway, env wire.Envelope) {
		if env.Name == wire.OpSubscribeLevel1 {
			time.Sleep(20 * time.Millisecond)
			gw.Reply(env, level1Payload(1, "101"))
		}
	})
	client := newTestClient(t, g, config.Credentials{})
	ctx := ctxT(t)

	var wg sync.WaitGroup
	results := make([]Ticker, 2)
	errList := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errList[i] = client.WatchTicker(ctx, "BTC/CAD")
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errList[i])
		require.Equal(t, "BTC/CAD", results[i].Symbol)
		require.True(t, results[i].Last.Equal(dec("101")))
	}
	require.Equal(t, 1, g.Count(wire.OpSubscribeLevel1))
}

func TestSubscribeTickerFollowsUpdates(t *testing.T) {
	g := testutil.NewGateway(t, func(gw *testutil.Gateway, env wire.Envelope) {
		if env.Name == wire.OpSubscribeLevel1 {
			gw.Reply(env, level1Payload(1, "101"))
		}
	})
	client := newTestClient(t, g, config.Credentials{})
	ctx := ctxT(t)

	stream, err := client.SubscribeTicker(ctx, "btccad")
	require.NoError(t, err)
	ticker, err := stream.Next(ctx)
	require.NoError(t, err)
	require.True(t, ticker.Last.Equal(dec("101")))

	g.Send(wire.KindEvent, 0, wire.OpLevel1UpdateEvent, level1Payload(1, "102"))
	ticker, err = stream.Next(ctx)
	require.NoError(t, err)
	require.True(t, ticker.Last.Equal(dec("102")))

	latest, ok := stream.Latest()
	require.True(t, ok)
	require.True(t, latest.Last.Equal(dec("102")))

	// A later one-shot read returns the cached value without a new frame.
	cached, err := client.WatchTicker(ctx, "BTC/CAD")
	require.NoError(t, err)
	require.True(t, cached.Last.Equal(dec("102")))
	require.Equal(t, 1, g.Count(wire.OpSubscribeLevel1))
}

func TestWatchUnknownSymbol(t *testing.T) {
	g := testutil.NewGateway(t, nil)
	client := newTestClient(t, g, config.Credentials{})

	_, err := client.WatchTicker(ctxT(t), "DOGE/CAD")
	require.True(t, errs.Is(err, errs.CodeNotFound))
	require.Zero(t, g.Count(""))
}

type countingCatalog struct {
	rest.StaticCatalog
	loads atomic.Int32
}

func (c *countingCatalog) Instruments(ctx context.Context) ([]rest.Instrument, error) {
	c.loads.Add(1)
	return c.StaticCatalog.Instruments(ctx)
}

func TestLoadMarketsOnceAndResolvesRawSymbols(t *testing.T) {
	g := testutil.NewGateway(t, nil)
	catalog := &countingCatalog{StaticCatalog: testCatalog}
	cfg := config.Apply(config.Default(), config.WithWebsocketURL(g.URL()))
	client, err := New(cfg, catalog, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = client.LoadMarkets(ctxT(t))
		}()
	}
	wg.Wait()

	loaded, err := client.LoadMarkets(ctxT(t))
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.EqualValues(t, 2, loaded["ETH/CAD"].ID)
	require.EqualValues(t, 1, catalog.loads.Load())

	market, err := client.Market(ctxT(t), "btccad")
	require.NoError(t, err)
	require.Equal(t, "BTC/CAD", market.Symbol)
	require.Equal(t, "BTC", market.Base)
	require.Equal(t, "CAD", market.Quote)
}

func TestWatchTradesSnapshotUpdatesAndFilter(t *testing.T) {
	snapshot := [][]any{
		{1, 1, 1, 100, 0, 0, 1000, 0, 0, 0, 0},
		{2, 1, 1, 101, 0, 0, 2000, 0, 1, 0, 0},
	}
	g := testutil.NewGateway(t, func(gw *testutil.Gateway, env wire.Envelope) {
		if env.Name == wire.OpSubscribeTrades {
			gw.Reply(env, snapshot)
		}
	})
	client := newTestClient(t, g, config.Credentials{})
	ctx := ctxT(t)

	trades, err := client.WatchTrades(ctx, "BTC/CAD", 0, 0)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	require.Equal(t, "BTC/CAD", trades[0].Symbol)

	var req tradesRequest
	require.NoError(t, json.Unmarshal(g.Received(wire.OpSubscribeTrades)[0].Payload, &req))
	require.Equal(t, 100, req.IncludeLastCount)

	stream, err := client.SubscribeTrades(ctx, "BTC/CAD", 1500, 2)
	require.NoError(t, err)
	_, err = stream.Next(ctx)
	require.NoError(t, err)

	// The redelivered trade 2 is skipped; trade 3 is new.
	g.Send(wire.KindEvent, 0, wire.OpTradeDataUpdateEvent, [][]any{
		{2, 1, 1, 101, 0, 0, 2000, 0, 1, 0, 0},
		{3, 1, 2, 102, 0, 0, 3000, 0, 0, 0, 0},
	})
	trades, err = stream.Next(ctx)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	require.Equal(t, "2", trades[0].ID)
	require.Equal(t, "3", trades[1].ID)
}

func TestWatchOHLCV(t *testing.T) {
	g := testutil.NewGateway(t, func(gw *testutil.Gateway, env wire.Envelope) {
		if env.Name == wire.OpSubscribeTicker {
			gw.Reply(env, [][]any{
				{60000, 10, 8, 9, 9.5, 1, 9, 10, 1},
				{90000, 11, 9, 9.5, 10, 2, 9, 10, 1},
				{120000, 12, 10, 10, 11, 1, 9, 10, 1},
			})
		}
	})
	client := newTestClient(t, g, config.Credentials{})
	ctx := ctxT(t)

	_, err := client.WatchOHLCV(ctx, "BTC/CAD", "7m", 0, 0)
	require.True(t, errs.Is(err, errs.CodeInvalid))

	candles, err := client.WatchOHLCV(ctx, "BTC/CAD", "1m", 0, 0)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	require.EqualValues(t, 60000, candles[0].Start)
	require.True(t, candles[0].High.Equal(dec("11")))
	require.True(t, candles[0].Volume.Equal(dec("3")))
	require.True(t, candles[1].Close.Equal(dec("11")))

	var req candlesRequest
	require.NoError(t, json.Unmarshal(g.Received(wire.OpSubscribeTicker)[0].Payload, &req))
	require.EqualValues(t, 60, req.Interval)
}

func l2Row(id, ts int64, action int, price, qty float64, side int) []any {
	return []any{id, 0, ts, action, 0, 1, price, 1, qty, side}
}

func TestOrderBookAppliesUpdatesAndRebuildsAfterReconnect(t *testing.T) {
	initial := [][]any{
		l2Row(10, 1000, 0, 100, 1, 0),
		l2Row(10, 1000, 0, 101, 2, 1),
	}
	replayed := [][]any{
		l2Row(20, 2000, 0, 99, 3, 0),
		l2Row(20, 2000, 0, 102, 4, 1),
	}
	var subscribes atomic.Int32
	g := testutil.NewGateway(t, func(gw *testutil.Gateway, env wire.Envelope) {
		if env.Name != wire.OpSubscribeLevel2 {
			return
		}
		if subscribes.Add(1) == 1 {
			gw.Reply(env, initial)
			return
		}
		gw.Reply(env, replayed)
	})
	client := newTestClient(t, g, config.Credentials{})
	ctx := ctxT(t)

	stream, err := client.SubscribeOrderBook(ctx, "BTC/CAD", 0)
	require.NoError(t, err)
	snap, err := stream.Next(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	require.EqualValues(t, 10, snap.Nonce)

	g.Send(wire.KindEvent, 0, wire.OpLevel2UpdateEvent, [][]any{
		l2Row(11, 1100, 1, 100, 5, 0),
		l2Row(11, 1100, 2, 101, 0, 1),
	})
	snap, err = stream.Next(ctx)
	require.NoError(t, err)
	require.True(t, snap.Bids[0].Quantity.Equal(dec("5")))
	require.Empty(t, snap.Asks)
	require.EqualValues(t, 11, snap.Nonce)

	g.DropConnections()
	g.WaitFor(wire.OpSubscribeLevel2, 2, wait)

	rows, err := book.ParseRows(mustJSON(t, replayed))
	require.NoError(t, err)
	want := book.FromSnapshot("BTC/CAD", rows, 100).Snapshot(100)
	require.Eventually(t, func() bool {
		got, ok := stream.Latest()
		return ok && got.Nonce == 20
	}, wait, 5*time.Millisecond)
	got, _ := stream.Latest()
	require.Equal(t, want, got)
}

func mustJSON(t *testing.T, v any) []byte {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestPrivateWatchRequiresCredentials(t *testing.T) {
	g := testutil.NewGateway(t, nil)
	client := newTestClient(t, g, config.Credentials{})

	_, err := client.WatchBalance(ctxT(t))
	require.True(t, errs.Is(err, errs.CodeAuth))
	require.Zero(t, g.Count(wire.OpSubscribeAccountEvents))
}

func accountResponder(subscribed bool) testutil.Responder {
	return func(gw *testutil.Gateway, env wire.Envelope) {
		switch env.Name {
		case wire.OpAuthenticateUser:
			time.Sleep(20 * time.Millisecond)
			gw.Reply(env, map[string]any{
				"Authenticated": true,
				"SessionToken":  "tok",
				"User":          map[string]any{"UserId": 5, "AccountId": 77},
			})
		case wire.OpSubscribeAccountEvents:
			gw.Reply(env, map[string]bool{"Subscribed": subscribed})
			if !subscribed {
				return
			}
			gw.Send(wire.KindEvent, 0, wire.OpAccountPositionEvent, map[string]any{
				"OMSId": 1, "AccountId": 77, "ProductSymbol": "BTC", "Amount": "2", "Hold": "0.5",
			})
			gw.Send(wire.KindEvent, 0, wire.OpOrderStateEvent, map[string]any{
				"OrderId": 9, "Instrument": 1, "Account": 77, "Side": "Buy", "OrderType": "Limit",
				"OrderState": "Working", "Price": "100", "OrigQuantity": "1", "Quantity": "1",
				"ReceiveTime": 1700000000000,
			})
		}
	}
}

func TestConcurrentPrivateWatchesAuthenticateOnce(t *testing.T) {
	g := testutil.NewGateway(t, accountResponder(true))
	client := newTestClient(t, g, testCreds)
	ctx := ctxT(t)

	var wg sync.WaitGroup
	var balanceErr, ordersErr error
	var orders []Order
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, balanceErr = client.WatchBalance(ctx)
	}()
	go func() {
		defer wg.Done()
		orders, ordersErr = client.WatchOrders(ctx, 0, 0)
	}()
	wg.Wait()

	require.NoError(t, balanceErr)
	require.NoError(t, ordersErr)
	require.Len(t, orders, 1)
	require.Equal(t, "open", orders[0].Status)
	require.Equal(t, "BTC/CAD", orders[0].Symbol)
	require.Equal(t, 1, g.Count(wire.OpAuthenticateUser))
	require.Equal(t, 1, g.Count(wire.OpSubscribeAccountEvents))

	var req accountRequest
	require.NoError(t, json.Unmarshal(g.Received(wire.OpSubscribeAccountEvents)[0].Payload, &req))
	require.EqualValues(t, 77, req.AccountID)

	balances, err := client.WatchBalance(ctx)
	require.NoError(t, err)
	btc, ok := balances.Get("BTC")
	require.True(t, ok)
	require.True(t, btc.Free.Equal(dec("1.5")))
	require.True(t, btc.Used.Equal(dec("0.5")))
}

func TestAccountEventsRejectedAck(t *testing.T) {
	g := testutil.NewGateway(t, accountResponder(false))
	client := newTestClient(t, g, testCreds)

	_, err := client.WatchMyTrades(ctxT(t), 0, 0)
	require.True(t, errs.Is(err, errs.CodeExchange))
}

func TestAuthenticationRejected(t *testing.T) {
	g := testutil.NewGateway(t, func(gw *testutil.Gateway, env wire.Envelope) {
		if env.Name == wire.OpAuthenticateUser {
			gw.Reply(env, map[string]any{"Authenticated": false, "errormsg": "Invalid API key"})
		}
	})
	client := newTestClient(t, g, testCreds)

	_, err := client.WatchBalance(ctxT(t))
	require.True(t, errs.Is(err, errs.CodeAuth))
	require.Zero(t, g.Count(wire.OpSubscribeAccountEvents))
}

func TestUnwatchTickerSendsUnsubscribe(t *testing.T) {
	g := testutil.NewGateway(t, func(gw *testutil.Gateway, env wire.Envelope) {
		if env.Name == wire.OpSubscribeLevel1 {
			gw.Reply(env, level1Payload(2, "5"))
		}
	})
	client := newTestClient(t, g, config.Credentials{})
	ctx := ctxT(t)

	stream, err := client.SubscribeTicker(ctx, "ETH/CAD")
	require.NoError(t, err)
	_, err = stream.Next(ctx)
	require.NoError(t, err)

	require.NoError(t, client.UnwatchTicker(ctx, "ETH/CAD"))
	frames := g.WaitFor(wire.OpUnsubscribeLevel1, 1, wait)
	require.EqualValues(t, 2, instrumentOf(t, frames[0]))

	_, err = stream.Next(ctx)
	require.True(t, errs.Is(err, errs.CodeUnavailable))
}

func TestWatchTickerTimesOutWithoutAckButStreamStaysLive(t *testing.T) {
	g := testutil.NewGateway(t, nil)
	client := newTestClient(t, g, config.Credentials{})

	started := time.Now()
	_, err := client.WatchTicker(ctxT(t), "BTC/CAD")
	require.True(t, errs.Is(err, errs.CodeTimeout), err)
	require.Less(t, time.Since(started), wait)

	ctx := ctxT(t)
	stream, err := client.SubscribeTicker(ctx, "BTC/CAD")
	require.NoError(t, err)
	g.Reply(g.Received(wire.OpSubscribeLevel1)[0], level1Payload(1, "103"))
	ticker, err := stream.Next(ctx)
	require.NoError(t, err)
	require.True(t, ticker.Last.Equal(dec("103")))
	require.Equal(t, 1, g.Count(wire.OpSubscribeLevel1))
}

func TestUnwatchOneOHLCVTimeframeKeepsTheOthers(t *testing.T) {
	g := testutil.NewGateway(t, func(gw *testutil.Gateway, env wire.Envelope) {
		switch env.Name {
		case wire.OpSubscribeTicker:
			gw.Reply(env, [][]any{{60000, 10, 8, 9, 9.5, 1, 9, 10, 1}})
		case wire.OpSubscribeLevel1:
			gw.Reply(env, level1Payload(2, "5"))
		}
	})
	client := newTestClient(t, g, config.Credentials{})
	ctx := ctxT(t)

	minute, err := client.SubscribeOHLCV(ctx, "BTC/CAD", "1m", 0, 0)
	require.NoError(t, err)
	fiveMinutes, err := client.SubscribeOHLCV(ctx, "BTC/CAD", "5m", 0, 0)
	require.NoError(t, err)
	g.WaitFor(wire.OpSubscribeTicker, 2, wait)
	_, err = fiveMinutes.Next(ctx)
	require.NoError(t, err)

	require.NoError(t, client.UnwatchOHLCV(ctx, "BTC/CAD", "1m"))
	_, err = minute.Next(ctx)
	require.True(t, errs.Is(err, errs.CodeUnavailable))

	// Frames are read in order, so the ticker subscription arriving proves
	// nothing was unsubscribed before it.
	_, err = client.WatchTicker(ctx, "ETH/CAD")
	require.NoError(t, err)
	require.Zero(t, g.Count(wire.OpUnsubscribeTicker))

	g.Send(wire.KindEvent, 0, wire.OpTickerDataUpdateEvent, [][]any{{120000, 12, 10, 10, 11, 1, 9, 10, 1}})
	require.Eventually(t, func() bool {
		candles, ok := fiveMinutes.Latest()
		return ok && len(candles) == 1 && candles[0].Close.Equal(dec("11"))
	}, wait, 5*time.Millisecond)

	require.NoError(t, client.UnwatchOHLCV(ctx, "BTC/CAD", "5m"))
	frames := g.WaitFor(wire.OpUnsubscribeTicker, 1, wait)
	require.EqualValues(t, 1, instrumentOf(t, frames[0]))
}

func TestPrivateStreamReauthenticatesAfterReconnect(t *testing.T) {
	g := testutil.NewGateway(t, accountResponder(true))
	client := newTestClient(t, g, testCreds)
	ctx := ctxT(t)

	stream, err := client.SubscribeBalance(ctx)
	require.NoError(t, err)
	_, err = stream.Next(ctx)
	require.NoError(t, err)

	g.DropConnections()
	g.WaitFor(wire.OpSubscribeAccountEvents, 2, wait)

	var logins, subscribes []int
	for i, env := range g.Received("") {
		switch env.Name {
		case wire.OpAuthenticateUser:
			logins = append(logins, i)
		case wire.OpSubscribeAccountEvents:
			subscribes = append(subscribes, i)
		}
	}
	require.Len(t, logins, 2)
	require.Len(t, subscribes, 2)
	require.Less(t, logins[1], subscribes[1])
	require.Less(t, subscribes[0], logins[1])

	balances, err := stream.Next(ctx)
	require.NoError(t, err)
	btc, ok := balances.Get("BTC")
	require.True(t, ok)
	require.True(t, btc.Total.Equal(dec("2")))
}

func TestTradesWithoutIDKeepTheReplayWatermark(t *testing.T) {
	g := testutil.NewGateway(t, func(gw *testutil.Gateway, env wire.Envelope) {
		if env.Name == wire.OpSubscribeTrades {
			gw.Reply(env, [][]any{
				{1, 1, 1, 100, 0, 0, 1000, 0, 0, 0, 0},
				{2, 1, 1, 101, 0, 0, 2000, 0, 1, 0, 0},
			})
		}
	})
	client := newTestClient(t, g, config.Credentials{})
	ctx := ctxT(t)

	stream, err := client.SubscribeTrades(ctx, "BTC/CAD", 0, 0)
	require.NoError(t, err)
	trades, err := stream.Next(ctx)
	require.NoError(t, err)
	require.Len(t, trades, 2)

	g.Send(wire.KindEvent, 0, wire.OpTradeDataUpdateEvent, [][]any{{0, 1, 1, 99, 0, 0, 2500, 0, 0, 0, 0}})
	trades, err = stream.Next(ctx)
	require.NoError(t, err)
	require.Len(t, trades, 3)

	g.Send(wire.KindEvent, 0, wire.OpTradeDataUpdateEvent, [][]any{
		{2, 1, 1, 101, 0, 0, 2000, 0, 1, 0, 0},
		{3, 1, 1, 102, 0, 0, 3000, 0, 0, 0, 0},
	})
	trades, err = stream.Next(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(trades))
	for _, trade := range trades {
		ids = append(ids, trade.ID)
	}
	require.Equal(t, []string{"1", "2", "0", "3"}, ids)
}
