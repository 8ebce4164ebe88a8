package ndax

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/ndaxstream/errs"
	"github.com/coachpo/ndaxstream/internal/book"
	"github.com/coachpo/ndaxstream/internal/config"
	"github.com/coachpo/ndaxstream/internal/observability"
	"github.com/coachpo/ndaxstream/internal/series"
	"github.com/coachpo/ndaxstream/internal/transport"
	"github.com/coachpo/ndaxstream/internal/wire"
)

const (
	balanceHash  = "balance"
	ordersHash   = "orders"
	myTradesHash = "myTrades"
)

// accountEventsHash deduplicates the single account event subscription
// behind balance, orders and own trades.
var accountEventsHash = string(wire.OpSubscribeAccountEvents)

func tickerHash(id int64) string { return fmt.Sprintf("%s:%d", wire.OpSubscribeLevel1, id) }
func tradesHash(id int64) string { return fmt.Sprintf("%s:%d", wire.OpSubscribeTrades, id) }
func bookHash(id int64) string   { return fmt.Sprintf("%s:%d", wire.OpSubscribeLevel2, id) }

func ohlcvHash(timeframe string, id int64) string {
	return fmt.Sprintf("%s:%s:%d", wire.OpSubscribeTicker, timeframe, id)
}

type orderBook struct {
	book  *book.Book
	depth int
}

// state is everything derived from the stream. Handlers run on the
// connection reader; the mutex covers the Unwatch and reconnect paths.
type state struct {
	mu          sync.Mutex
	trades      map[int64]*series.Cache[Trade]
	lastTradeID map[int64]int64
	ohlcv       *series.OHLCV
	books       map[int64]*orderBook
	balances    *series.Balances
	orders      *series.KeyedCache[Order]
	myTrades    *series.Cache[Trade]
}

func newState(limits config.LimitsConfig) *state {
	return &state{
		trades:      make(map[int64]*series.Cache[Trade]),
		lastTradeID: make(map[int64]int64),
		ohlcv:       series.NewOHLCV(limits.OHLCV),
		books:       make(map[int64]*orderBook),
		balances:    series.NewBalances(),
		orders:      series.NewKeyedCache(limits.Orders, func(o Order) string { return o.ID }),
		myTrades:    series.NewCache[Trade](limits.Trades),
	}
}

type handler func(c *transport.Conn, env wire.Envelope) error

// dispatcher routes inbound envelopes by operation name.
type dispatcher struct {
	limits   config.LimitsConfig
	markets  *markets
	state    *state
	logger   observability.Logger
	metrics  *clientMetrics
	handlers map[wire.Op]handler
	now      func() time.Time
}

func newDispatcher(limits config.LimitsConfig, mkts *markets, st *state, logger observability.Logger, metrics *clientMetrics) *dispatcher {
	d := &dispatcher{
		limits:  limits,
		markets: mkts,
		state:   st,
		logger:  observability.Or(logger),
		metrics: metrics,
		now:     time.Now,
	}
	d.handlers = map[wire.Op]handler{
		wire.OpPing:                  d.handlePong,
		wire.OpSubscribeLevel1:       d.handleTicker,
		wire.OpLevel1UpdateEvent:     d.handleTicker,
		wire.OpLevel2UpdateEvent:     d.handleOrderBook,
		wire.OpSubscribeTrades:       d.handleTrades,
		wire.OpTradeDataUpdateEvent:  d.handleTrades,
		wire.OpSubscribeTicker:       d.handleOHLCV,
		wire.OpTickerDataUpdateEvent: d.handleOHLCV,
		wire.OpAccountPositionEvent:  d.handleBalance,
		wire.OpOrderStateEvent:       d.handleOrder,
		wire.OpOrderTradeEvent:       d.handleMyTrade,
	}
	return d
}

// handle is the transport.Handler. Failed replies are left to the transport,
// which fails whatever waits on their sequence.
func (d *dispatcher) handle(c *transport.Conn, env wire.Envelope) {
	h, ok := d.handlers[env.Name]
	if !ok {
		return
	}
	if _, failed := env.Failure(); failed {
		return
	}
	if err := h(c, env); err != nil {
		d.metrics.handled(string(env.Name), false)
		d.logger.Debug("dropping undecodable event", observability.F("name", string(env.Name)), observability.Err(err))
		return
	}
	d.metrics.handled(string(env.Name), true)
}

func (d *dispatcher) handlePong(c *transport.Conn, env wire.Envelope) error {
	if env.Kind == wire.KindReply {
		c.MarkPong()
	}
	return nil
}

func (d *dispatcher) handleTicker(c *transport.Conn, env wire.Envelope) error {
	ticker, err := parseTicker(env.Payload)
	if err != nil {
		return err
	}
	ticker.Symbol = d.markets.symbol(ticker.InstrumentID)
	c.Resolve(tickerHash(ticker.InstrumentID), ticker)
	return nil
}

func (d *dispatcher) handleTrades(c *transport.Conn, env wire.Envelope) error {
	trades, err := parsePublicTrades(env.Payload)
	if err != nil {
		return err
	}
	d.state.mu.Lock()
	touched := make(map[int64]*series.Cache[Trade])
	for _, trade := range trades {
		id, _ := strconv.ParseInt(trade.ID, 10, 64)
		// Snapshots replayed after a reconnect overlap what is cached. Trades
		// without a numeric id are kept and leave the watermark alone.
		if id > 0 {
			if id <= d.state.lastTradeID[trade.InstrumentID] {
				continue
			}
			d.state.lastTradeID[trade.InstrumentID] = id
		}
		cache, ok := d.state.trades[trade.InstrumentID]
		if !ok {
			cache = series.NewCache[Trade](d.limits.Trades)
			d.state.trades[trade.InstrumentID] = cache
		}
		trade.Symbol = d.markets.symbol(trade.InstrumentID)
		cache.Append(trade)
		touched[trade.InstrumentID] = cache
	}
	resolved := make(map[int64][]Trade, len(touched))
	for id, cache := range touched {
		resolved[id] = cache.Items()
	}
	d.state.mu.Unlock()

	for id, items := range resolved {
		c.Resolve(tradesHash(id), items)
	}
	return nil
}

func (d *dispatcher) handleOHLCV(c *transport.Conn, env wire.Envelope) error {
	ticks, err := series.ParseTicks(env.Payload)
	if err != nil {
		return err
	}
	type key struct {
		id        int64
		timeframe string
	}
	d.state.mu.Lock()
	updated := make(map[key]struct{})
	for _, tick := range ticks {
		for _, tf := range d.state.ohlcv.Add(tick) {
			updated[key{tick.InstrumentID, tf}] = struct{}{}
		}
	}
	resolved := make(map[string][]series.Candle)
	for k := range updated {
		hash := ohlcvHash(k.timeframe, k.id)
		if c.Watching(hash) {
			resolved[hash] = d.state.ohlcv.Candles(k.id, k.timeframe)
		}
	}
	d.state.mu.Unlock()

	for hash, candles := range resolved {
		c.Resolve(hash, candles)
	}
	return nil
}

// handleOrderBook applies incremental Level2 updates. Batches may carry rows
// for several instruments; each is applied to its own book. Updates for an
// instrument whose snapshot has not arrived yet are ignored.
func (d *dispatcher) handleOrderBook(c *transport.Conn, env wire.Envelope) error {
	rows, err := book.ParseRows(env.Payload)
	if err != nil {
		return err
	}
	for _, part := range book.PartitionByInstrument(rows) {
		d.state.mu.Lock()
		ob, ok := d.state.books[part.InstrumentID]
		d.state.mu.Unlock()
		if !ok {
			continue
		}
		if ob.book.Apply(part.Rows) {
			c.Resolve(bookHash(part.InstrumentID), ob.book.Snapshot(ob.depth))
		}
	}
	return nil
}

// orderBookAck builds the book from the snapshot carried by the
// SubscribeLevel2 reply. It runs again after every reconnect, replacing the
// previous book.
func (d *dispatcher) orderBookAck(c *transport.Conn, env wire.Envelope, sub *transport.Subscription) {
	rows, err := book.ParseRows(env.Payload)
	if err != nil {
		c.FailSubscription(sub.SubscribeHash(), errs.New("ndax", errs.CodeProtocol,
			errs.WithOperation(string(env.Name)),
			errs.WithMessage("malformed order book snapshot"),
			errs.WithCause(err)))
		return
	}
	ob := &orderBook{book: book.FromSnapshot(sub.Symbol, rows, sub.Limit), depth: sub.Limit}
	d.state.mu.Lock()
	d.state.books[sub.InstrumentID] = ob
	d.state.mu.Unlock()
	d.metrics.handled(string(env.Name), true)
	c.Resolve(bookHash(sub.InstrumentID), ob.book.Snapshot(ob.depth))
}

// accountEventsAck fails the account subscription unless the gateway
// confirms it.
func (d *dispatcher) accountEventsAck(c *transport.Conn, env wire.Envelope, sub *transport.Subscription) {
	var reply struct {
		Subscribed bool `json:"Subscribed"`
	}
	if err := json.Unmarshal(env.Payload, &reply); err == nil && reply.Subscribed {
		d.metrics.handled(string(env.Name), true)
		return
	}
	c.FailSubscription(sub.SubscribeHash(), errs.New("ndax", errs.CodeExchange,
		errs.WithOperation(string(env.Name)),
		errs.WithMessage("failed to subscribe to account events"),
		errs.WithRawMessage(string(env.Payload))))
}

func (d *dispatcher) handleBalance(c *transport.Conn, env wire.Envelope) error {
	asset, amount, hold, err := parsePosition(env.Payload)
	if err != nil {
		return err
	}
	d.state.mu.Lock()
	d.state.balances.Merge(map[string]series.Balance{
		strings.ToUpper(asset): {Free: amount.Sub(hold), Used: hold, Total: amount},
	}, d.now().UnixMilli())
	snap := d.state.balances.Snapshot()
	d.state.mu.Unlock()
	c.Resolve(balanceHash, snap)
	return nil
}

func (d *dispatcher) handleOrder(c *transport.Conn, env wire.Envelope) error {
	order, err := parseOrder(env.Payload)
	if err != nil {
		return err
	}
	order.Symbol = d.markets.symbol(order.InstrumentID)
	d.state.mu.Lock()
	d.state.orders.Upsert(order)
	items := d.state.orders.Items()
	d.state.mu.Unlock()
	c.Resolve(ordersHash, items)
	return nil
}

func (d *dispatcher) handleMyTrade(c *transport.Conn, env wire.Envelope) error {
	trade, err := parseOrderTrade(env.Payload)
	if err != nil {
		return err
	}
	trade.Symbol = d.markets.symbol(trade.InstrumentID)
	d.state.mu.Lock()
	d.state.myTrades.Append(trade)
	items := d.state.myTrades.Items()
	d.state.mu.Unlock()
	c.Resolve(myTradesHash, items)
	return nil
}

// disconnected drops every order book; updates arriving before the next
// snapshot would otherwise apply to a book the gateway no longer tracks.
func (d *dispatcher) disconnected(error) {
	d.state.mu.Lock()
	clear(d.state.books)
	d.state.mu.Unlock()
}

// forget discards the state kept for a stream that was unwatched.
func (d *dispatcher) forget(name wire.Op, instrumentID int64) {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	switch name {
	case wire.OpSubscribeLevel2:
		delete(d.state.books, instrumentID)
	case wire.OpSubscribeTrades:
		delete(d.state.trades, instrumentID)
		delete(d.state.lastTradeID, instrumentID)
	}
}
