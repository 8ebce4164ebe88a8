// Package ndax is the caller-facing streaming client for the NDAX gateway.
// Watch methods block only until a subscription first resolves; Subscribe
// methods return a Stream that follows every later update.
package ndax

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/ndaxstream/errs"
	"github.com/coachpo/ndaxstream/internal/auth"
	"github.com/coachpo/ndaxstream/internal/config"
	"github.com/coachpo/ndaxstream/internal/future"
	"github.com/coachpo/ndaxstream/internal/observability"
	"github.com/coachpo/ndaxstream/internal/rest"
	"github.com/coachpo/ndaxstream/internal/transport"
)

// Option customises a Client.
type Option func(*options)

type options struct {
	transport *transport.Options
}

// WithTransportOptions replaces the socket tuning derived from the config.
func WithTransportOptions(opts transport.Options) Option {
	return func(o *options) {
		o.transport = &opts
	}
}

// Client multiplexes every watched stream over one gateway connection.
type Client struct {
	cfg       config.Config
	catalog   rest.Catalog
	logger    observability.Logger
	markets   *markets
	manager   *transport.Manager
	conn      *transport.Conn
	handshake *auth.Handshake
	dispatch  *dispatcher

	accountMu sync.Mutex
	accountID int64
}

// New constructs a client. Nothing is dialed until the first watch.
func New(cfg config.Config, catalog rest.Catalog, logger observability.Logger, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ndax client: %w", err)
	}
	if catalog == nil {
		return nil, errs.New("ndax", errs.CodeInvalid, errs.WithMessage("instrument catalog required"))
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger = observability.Or(logger)

	topts := transport.DefaultOptions()
	topts.RequestTimeout = cfg.Connection.RequestTimeout
	topts.PingInterval = cfg.Connection.PingInterval
	topts.MaxReconnectInterval = cfg.Connection.MaxReconnectInterval
	topts.MessagesPerSecond = cfg.Connection.MessagesPerSecond
	topts.Burst = cfg.Connection.Burst
	if o.transport != nil {
		topts = *o.transport
	}
	topts.Logger = logger

	c := &Client{
		cfg:       cfg,
		catalog:   catalog,
		logger:    logger,
		markets:   newMarkets(catalog),
		accountID: cfg.Credentials.AccountID,
	}
	c.dispatch = newDispatcher(cfg.Limits, c.markets, newState(cfg.Limits), logger, newClientMetrics())
	c.manager = transport.NewManager(topts, c.dispatch.handle)
	c.conn = c.manager.Conn(cfg.WebsocketURL)
	c.conn.OnDisconnect(c.dispatch.disconnected)

	if !cfg.Credentials.Empty() {
		signer := auth.NewSigner(auth.Credentials{
			APIKey: cfg.Credentials.APIKey,
			Secret: cfg.Credentials.Secret,
			UserID: cfg.Credentials.UserID,
		}, nil)
		c.handshake = auth.NewHandshake(signer, c.conn, logger)
		c.conn.OnDisconnect(func(error) { c.handshake.Reset() })
	}
	return c, nil
}

// Connect dials the gateway ahead of the first watch.
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// LoadMarkets fetches the instrument catalog once and returns the markets by
// unified symbol.
func (c *Client) LoadMarkets(ctx context.Context) (map[string]Market, error) {
	return c.markets.load(ctx, false)
}

// Market resolves a unified or raw symbol.
func (c *Client) Market(ctx context.Context, symbol string) (Market, error) {
	return c.markets.market(ctx, symbol)
}

// Authenticate performs the login handshake on the current connection.
func (c *Client) Authenticate(ctx context.Context) (auth.Session, error) {
	if c.handshake == nil {
		return auth.Session{}, auth.Credentials{}.Validate()
	}
	return c.handshake.Authenticate(ctx)
}

func (c *Client) prepareAuth(ctx context.Context) error {
	_, err := c.Authenticate(ctx)
	return err
}

// account returns the configured account id or the first one the REST API
// lists for the user.
func (c *Client) account(ctx context.Context) (int64, error) {
	c.accountMu.Lock()
	defer c.accountMu.Unlock()
	if c.accountID > 0 {
		return c.accountID, nil
	}
	ids, err := c.catalog.Accounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("load accounts: %w", err)
	}
	if len(ids) == 0 {
		return 0, errs.New("ndax", errs.CodeNotFound, errs.WithMessage("no account available for user"))
	}
	c.accountID = ids[0]
	return c.accountID, nil
}

// Close fails every waiter and closes the connection.
func (c *Client) Close() error {
	return c.manager.Close()
}

// first waits for the gateway to acknowledge the subscription under
// subscribeHash, bounded by the request timeout, and then for the initial
// resolution of cell. A cached value is returned immediately.
func first[T any](ctx context.Context, conn *transport.Conn, subscribeHash string, cell *future.Cell[any], view func(any) (T, error)) (T, error) {
	if err := conn.AwaitAck(ctx, subscribeHash); err != nil {
		var zero T
		return zero, err
	}
	return newStream(cell, view).Next(ctx)
}
