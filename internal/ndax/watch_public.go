package ndax

import (
	"context"
	"fmt"

	"github.com/coachpo/ndaxstream/errs"
	"github.com/coachpo/ndaxstream/internal/book"
	"github.com/coachpo/ndaxstream/internal/future"
	"github.com/coachpo/ndaxstream/internal/series"
	"github.com/coachpo/ndaxstream/internal/transport"
	"github.com/coachpo/ndaxstream/internal/wire"
)

type instrumentRequest struct {
	OMSID        int64 `json:"OMSId"`
	InstrumentID int64 `json:"InstrumentId"`
}

type tradesRequest struct {
	OMSID            int64 `json:"OMSId"`
	InstrumentID     int64 `json:"InstrumentId"`
	IncludeLastCount int   `json:"IncludeLastCount"`
}

type candlesRequest struct {
	OMSID            int64 `json:"OMSId"`
	InstrumentID     int64 `json:"InstrumentId"`
	Interval         int64 `json:"Interval"`
	IncludeLastCount int   `json:"IncludeLastCount"`
}

type level2Request struct {
	OMSID        int64 `json:"OMSId"`
	InstrumentID int64 `json:"InstrumentId"`
	Depth        int   `json:"Depth"`
}

func (c *Client) instrument(id int64) instrumentRequest {
	return instrumentRequest{OMSID: c.cfg.OMSID, InstrumentID: id}
}

// WatchTicker returns the latest Level1 ticker for symbol.
func (c *Client) WatchTicker(ctx context.Context, symbol string) (Ticker, error) {
	cell, hash, err := c.tickerCell(ctx, symbol)
	if err != nil {
		return Ticker{}, err
	}
	return first(ctx, c.conn, hash, cell, as[Ticker])
}

// SubscribeTicker streams Level1 updates for symbol.
func (c *Client) SubscribeTicker(ctx context.Context, symbol string) (*Stream[Ticker], error) {
	cell, _, err := c.tickerCell(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return newStream(cell, as[Ticker]), nil
}

// UnwatchTicker stops the Level1 subscription for symbol.
func (c *Client) UnwatchTicker(ctx context.Context, symbol string) error {
	market, err := c.markets.market(ctx, symbol)
	if err != nil {
		return err
	}
	return c.conn.Unwatch(ctx, tickerHash(market.ID), wire.OpUnsubscribeLevel1, c.instrument(market.ID))
}

func (c *Client) tickerCell(ctx context.Context, symbol string) (*future.Cell[any], string, error) {
	market, err := c.markets.market(ctx, symbol)
	if err != nil {
		return nil, "", err
	}
	hash := tickerHash(market.ID)
	cell, err := c.conn.Watch(ctx, hash, hash, &transport.Subscription{
		Name:         wire.OpSubscribeLevel1,
		Payload:      c.instrument(market.ID),
		Symbol:       market.Symbol,
		InstrumentID: market.ID,
	})
	return cell, hash, err
}

// WatchTrades returns the cached public trades for symbol, oldest first,
// keeping those at or after since and then the newest limit.
func (c *Client) WatchTrades(ctx context.Context, symbol string, since int64, limit int) ([]Trade, error) {
	cell, hash, err := c.tradesCell(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return first(ctx, c.conn, hash, cell, tradesView(since, limit))
}

// SubscribeTrades streams the trade cache for symbol after every update.
func (c *Client) SubscribeTrades(ctx context.Context, symbol string, since int64, limit int) (*Stream[[]Trade], error) {
	cell, _, err := c.tradesCell(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return newStream(cell, tradesView(since, limit)), nil
}

// UnwatchTrades stops the trade subscription for symbol and drops its cache.
func (c *Client) UnwatchTrades(ctx context.Context, symbol string) error {
	market, err := c.markets.market(ctx, symbol)
	if err != nil {
		return err
	}
	err = c.conn.Unwatch(ctx, tradesHash(market.ID), wire.OpUnsubscribeTrades, c.instrument(market.ID))
	c.dispatch.forget(wire.OpSubscribeTrades, market.ID)
	return err
}

func (c *Client) tradesCell(ctx context.Context, symbol string) (*future.Cell[any], string, error) {
	market, err := c.markets.market(ctx, symbol)
	if err != nil {
		return nil, "", err
	}
	hash := tradesHash(market.ID)
	cell, err := c.conn.Watch(ctx, hash, hash, &transport.Subscription{
		Name: wire.OpSubscribeTrades,
		Payload: tradesRequest{
			OMSID:            c.cfg.OMSID,
			InstrumentID:     market.ID,
			IncludeLastCount: c.cfg.Limits.IncludeLastCount,
		},
		Symbol:       market.Symbol,
		InstrumentID: market.ID,
		Limit:        c.cfg.Limits.Trades,
	})
	return cell, hash, err
}

func tradesView(since int64, limit int) func(any) ([]Trade, error) {
	return func(v any) ([]Trade, error) {
		items, err := as[[]Trade](v)
		if err != nil {
			return nil, err
		}
		return series.FilterSinceLimit(items, func(t Trade) int64 { return t.Timestamp }, since, limit), nil
	}
}

// WatchOHLCV returns the candles of symbol in timeframe, oldest first.
func (c *Client) WatchOHLCV(ctx context.Context, symbol, timeframe string, since int64, limit int) ([]series.Candle, error) {
	cell, hash, err := c.ohlcvCell(ctx, symbol, timeframe)
	if err != nil {
		return nil, err
	}
	return first(ctx, c.conn, hash, cell, candlesView(since, limit))
}

// SubscribeOHLCV streams the candle series of symbol in timeframe.
func (c *Client) SubscribeOHLCV(ctx context.Context, symbol, timeframe string, since int64, limit int) (*Stream[[]series.Candle], error) {
	cell, _, err := c.ohlcvCell(ctx, symbol, timeframe)
	if err != nil {
		return nil, err
	}
	return newStream(cell, candlesView(since, limit)), nil
}

// UnwatchOHLCV stops the candle subscription of symbol in timeframe.
func (c *Client) UnwatchOHLCV(ctx context.Context, symbol, timeframe string) error {
	market, err := c.markets.market(ctx, symbol)
	if err != nil {
		return err
	}
	// UnSubscribeTicker carries no interval and stops every timeframe of the
	// instrument, so it is only sent for the last one watched.
	unsubscribe := wire.OpUnsubscribeTicker
	for _, tf := range series.TimeframeNames() {
		if tf != timeframe && c.conn.Watching(ohlcvHash(tf, market.ID)) {
			unsubscribe = ""
			break
		}
	}
	return c.conn.Unwatch(ctx, ohlcvHash(timeframe, market.ID), unsubscribe, c.instrument(market.ID))
}

func (c *Client) ohlcvCell(ctx context.Context, symbol, timeframe string) (*future.Cell[any], string, error) {
	interval, ok := series.Timeframes[timeframe]
	if !ok {
		return nil, "", errs.New("ndax", errs.CodeInvalid,
			errs.WithOperation(string(wire.OpSubscribeTicker)),
			errs.WithMessage(fmt.Sprintf("unsupported timeframe %q", timeframe)))
	}
	market, err := c.markets.market(ctx, symbol)
	if err != nil {
		return nil, "", err
	}
	hash := ohlcvHash(timeframe, market.ID)
	cell, err := c.conn.Watch(ctx, hash, hash, &transport.Subscription{
		Name: wire.OpSubscribeTicker,
		Payload: candlesRequest{
			OMSID:            c.cfg.OMSID,
			InstrumentID:     market.ID,
			Interval:         interval,
			IncludeLastCount: c.cfg.Limits.IncludeLastCount,
		},
		Symbol:       market.Symbol,
		InstrumentID: market.ID,
		Timeframe:    timeframe,
		Limit:        c.cfg.Limits.OHLCV,
	})
	return cell, hash, err
}

func candlesView(since int64, limit int) func(any) ([]series.Candle, error) {
	return func(v any) ([]series.Candle, error) {
		items, err := as[[]series.Candle](v)
		if err != nil {
			return nil, err
		}
		return series.FilterSinceLimit(items, func(c series.Candle) int64 { return c.Start }, since, limit), nil
	}
}

// WatchOrderBook returns the reconstructed book of symbol. limit caps the
// levels per side and, for the first watcher, sets the gateway depth.
func (c *Client) WatchOrderBook(ctx context.Context, symbol string, limit int) (book.Snapshot, error) {
	cell, hash, err := c.orderBookCell(ctx, symbol, limit)
	if err != nil {
		return book.Snapshot{}, err
	}
	return first(ctx, c.conn, hash, cell, bookView(limit))
}

// SubscribeOrderBook streams snapshots of the book of symbol.
func (c *Client) SubscribeOrderBook(ctx context.Context, symbol string, limit int) (*Stream[book.Snapshot], error) {
	cell, _, err := c.orderBookCell(ctx, symbol, limit)
	if err != nil {
		return nil, err
	}
	return newStream(cell, bookView(limit)), nil
}

// UnwatchOrderBook stops the Level2 subscription of symbol and drops its book.
func (c *Client) UnwatchOrderBook(ctx context.Context, symbol string) error {
	market, err := c.markets.market(ctx, symbol)
	if err != nil {
		return err
	}
	err = c.conn.Unwatch(ctx, bookHash(market.ID), wire.OpUnsubscribeLevel2, c.instrument(market.ID))
	c.dispatch.forget(wire.OpSubscribeLevel2, market.ID)
	return err
}

func (c *Client) orderBookCell(ctx context.Context, symbol string, limit int) (*future.Cell[any], string, error) {
	market, err := c.markets.market(ctx, symbol)
	if err != nil {
		return nil, "", err
	}
	depth := limit
	if depth <= 0 {
		depth = c.cfg.Limits.OrderBookDepth
	}
	hash := bookHash(market.ID)
	cell, err := c.conn.Watch(ctx, hash, hash, &transport.Subscription{
		Name: wire.OpSubscribeLevel2,
		Payload: level2Request{
			OMSID:        c.cfg.OMSID,
			InstrumentID: market.ID,
			Depth:        depth,
		},
		Symbol:       market.Symbol,
		InstrumentID: market.ID,
		Limit:        depth,
		OnAck:        c.dispatch.orderBookAck,
	})
	return cell, hash, err
}

func bookView(limit int) func(any) (book.Snapshot, error) {
	return func(v any) (book.Snapshot, error) {
		snap, err := as[book.Snapshot](v)
		if err != nil {
			return snap, err
		}
		if limit > 0 {
			if len(snap.Bids) > limit {
				snap.Bids = snap.Bids[:limit]
			}
			if len(snap.Asks) > limit {
				snap.Asks = snap.Asks[:limit]
			}
		}
		return snap, nil
	}
}
