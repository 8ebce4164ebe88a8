package ndax

import (
	"context"

	"github.com/coachpo/ndaxstream/internal/future"
	"github.com/coachpo/ndaxstream/internal/series"
	"github.com/coachpo/ndaxstream/internal/transport"
	"github.com/coachpo/ndaxstream/internal/wire"
)

type accountRequest struct {
	AccountID int64 `json:"AccountId"`
	OMSID     int64 `json:"OMSId"`
}

// WatchBalance returns the account balances, merged per asset.
func (c *Client) WatchBalance(ctx context.Context) (series.BalanceSnapshot, error) {
	cell, err := c.accountCell(ctx, balanceHash)
	if err != nil {
		return series.BalanceSnapshot{}, err
	}
	return first(ctx, c.conn, accountEventsHash, cell, as[series.BalanceSnapshot])
}

// SubscribeBalance streams the account balances.
func (c *Client) SubscribeBalance(ctx context.Context) (*Stream[series.BalanceSnapshot], error) {
	cell, err := c.accountCell(ctx, balanceHash)
	if err != nil {
		return nil, err
	}
	return newStream(cell, as[series.BalanceSnapshot]), nil
}

// WatchOrders returns the latest state of the account's orders.
func (c *Client) WatchOrders(ctx context.Context, since int64, limit int) ([]Order, error) {
	cell, err := c.accountCell(ctx, ordersHash)
	if err != nil {
		return nil, err
	}
	return first(ctx, c.conn, accountEventsHash, cell, ordersView(since, limit))
}

// SubscribeOrders streams the account's orders after every state change.
func (c *Client) SubscribeOrders(ctx context.Context, since int64, limit int) (*Stream[[]Order], error) {
	cell, err := c.accountCell(ctx, ordersHash)
	if err != nil {
		return nil, err
	}
	return newStream(cell, ordersView(since, limit)), nil
}

// WatchMyTrades returns the account's own fills.
func (c *Client) WatchMyTrades(ctx context.Context, since int64, limit int) ([]Trade, error) {
	cell, err := c.accountCell(ctx, myTradesHash)
	if err != nil {
		return nil, err
	}
	return first(ctx, c.conn, accountEventsHash, cell, tradesView(since, limit))
}

// SubscribeMyTrades streams the account's own fills.
func (c *Client) SubscribeMyTrades(ctx context.Context, since int64, limit int) (*Stream[[]Trade], error) {
	cell, err := c.accountCell(ctx, myTradesHash)
	if err != nil {
		return nil, err
	}
	return newStream(cell, tradesView(since, limit)), nil
}

// accountCell registers hash on the shared account event subscription. The
// login handshake runs before the subscription is sent on each connection.
func (c *Client) accountCell(ctx context.Context, hash string) (*future.Cell[any], error) {
	if c.handshake == nil {
		_, err := c.Authenticate(ctx)
		return nil, err
	}
	if _, err := c.markets.load(ctx, false); err != nil {
		return nil, err
	}
	accountID, err := c.account(ctx)
	if err != nil {
		return nil, err
	}
	return c.conn.Watch(ctx, hash, accountEventsHash, &transport.Subscription{
		Name:    wire.OpSubscribeAccountEvents,
		Payload: accountRequest{AccountID: accountID, OMSID: c.cfg.OMSID},
		Private: true,
		Prepare: c.prepareAuth,
		OnAck:   c.dispatch.accountEventsAck,
	})
}

func ordersView(since int64, limit int) func(any) ([]Order, error) {
	return func(v any) ([]Order, error) {
		items, err := as[[]Order](v)
		if err != nil {
			return nil, err
		}
		return series.FilterSinceLimit(items, func(o Order) int64 { return o.Timestamp }, since, limit), nil
	}
}
