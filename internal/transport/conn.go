// Package transport owns the gateway websocket: dialing and reconnecting,
// keep-alive, the outbound write path and request/stream correlation.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/coachpo/ndaxstream/errs"
	"github.com/coachpo/ndaxstream/internal/future"
	"github.com/coachpo/ndaxstream/internal/observability"
	"github.com/coachpo/ndaxstream/internal/telemetry"
	"github.com/coachpo/ndaxstream/internal/wire"
)

const venue = "ndax"

// Options tunes a gateway connection.
type Options struct {
	RequestTimeout           time.Duration
	PingInterval             time.Duration
	InitialReconnectInterval time.Duration
	MaxReconnectInterval     time.Duration
	DialTimeout              time.Duration
	WriteTimeout             time.Duration
	ReadLimit                int64
	// MessagesPerSecond paces every outbound frame; zero disables pacing.
	MessagesPerSecond float64
	Burst             int
	Dial              *websocket.DialOptions
	Logger            observability.Logger
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		RequestTimeout:           10 * time.Second,
		PingInterval:             15 * time.Second,
		InitialReconnectInterval: 500 * time.Millisecond,
		MaxReconnectInterval:     30 * time.Second,
		DialTimeout:              10 * time.Second,
		WriteTimeout:             5 * time.Second,
		ReadLimit:                4 << 20,
		MessagesPerSecond:        10,
		Burst:                    20,
		Dial:                     nil,
		Logger:                   nil,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = def.RequestTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = def.PingInterval
	}
	if o.InitialReconnectInterval <= 0 {
		o.InitialReconnectInterval = def.InitialReconnectInterval
	}
	if o.MaxReconnectInterval <= 0 {
		o.MaxReconnectInterval = def.MaxReconnectInterval
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = def.DialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = def.ReadLimit
	}
	if o.Burst <= 0 {
		o.Burst = def.Burst
	}
	return o
}

// Handler receives every decoded inbound envelope in wire order. It runs on
// the connection's reader goroutine and must not block on the network.
type Handler func(c *Conn, env wire.Envelope)

// Conn is one logical gateway connection. The physical socket is dialed
// lazily on first use and replaced transparently after failures; live
// subscriptions survive the swap.
type Conn struct {
	url      string
	opts     Options
	handler  Handler
	logger   observability.Logger
	registry *registry
	metrics  *connMetrics
	limiter  *rate.Limiter

	sequence atomic.Int64
	lastPong atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	done      chan struct{}

	mu         sync.Mutex
	ws         *websocket.Conn
	open       chan struct{}
	generation uint64
	session    string
	hooks      []func(error)
	closed     bool

	writeMu sync.Mutex
}

func newConn(url string, opts Options, handler Handler) *Conn {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	limit := rate.Inf
	if opts.MessagesPerSecond > 0 {
		limit = rate.Limit(opts.MessagesPerSecond)
	}
	c := &Conn{
		url:      url,
		opts:     opts,
		handler:  handler,
		logger:   observability.Or(opts.Logger),
		registry: newRegistry(),
		limiter:  rate.NewLimiter(limit, opts.Burst),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		open:     make(chan struct{}),
	}
	c.metrics = newConnMetrics(c)
	return c
}

// URL returns the gateway endpoint.
func (c *Conn) URL() string {
	return c.url
}

// Session returns the id of the current physical socket, empty while disconnected.
func (c *Conn) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ""
	}
	return c.session
}

// OnDisconnect registers fn to run after every socket loss, before the next
// dial. Pending one-shot requests have already failed when it runs.
func (c *Conn) OnDisconnect(fn func(error)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

// Connect starts the connection loop and waits until the socket is open.
func (c *Conn) Connect(ctx context.Context) error {
	_, _, err := c.waitOpen(ctx)
	return err
}

func (c *Conn) start() {
	c.startOnce.Do(func() {
		go c.connectLoop()
	})
}

func (c *Conn) nextSequence() int64 {
	return c.sequence.Add(1)
}

// waitOpen returns the current socket and its generation, starting the
// connection loop if needed.
func (c *Conn) waitOpen(ctx context.Context) (*websocket.Conn, uint64, error) {
	c.start()
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, 0, errs.New(venue, errs.CodeUnavailable, errs.WithMessage("connection closed by client"))
		}
		if c.ws != nil {
			ws, gen := c.ws, c.generation
			c.mu.Unlock()
			return ws, gen, nil
		}
		open := c.open
		c.mu.Unlock()

		select {
		case <-open:
		case <-c.ctx.Done():
		case <-ctx.Done():
			return nil, 0, fmt.Errorf("wait for connection: %w", ctx.Err())
		}
	}
}

func (c *Conn) connectLoop() {
	defer close(c.done)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.InitialReconnectInterval
	policy.MaxInterval = c.opts.MaxReconnectInterval

	for {
		if c.ctx.Err() != nil {
			return
		}
		dialCtx, cancel := context.WithTimeout(c.ctx, c.opts.DialTimeout)
		ws, _, err := websocket.Dial(dialCtx, c.url, c.opts.Dial)
		cancel()
		if err != nil {
			c.logger.Warn("gateway dial failed", observability.F("url", c.url), observability.Err(err))
			c.metrics.reconnect(c.ctx, "dial_failed")
			if !c.sleep(policy.NextBackOff()) {
				return
			}
			continue
		}
		policy.Reset()

		err = c.serve(ws)
		c.disconnected(err)
		if c.ctx.Err() != nil {
			return
		}
		c.metrics.reconnect(c.ctx, "connection_lost")
		if !c.sleep(policy.NextBackOff()) {
			return
		}
	}
}

func (c *Conn) sleep(d time.Duration) bool {
	if d == backoff.Stop {
		d = c.opts.MaxReconnectInterval
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// serve runs one physical socket until it fails.
func (c *Conn) serve(ws *websocket.Conn) error {
	ws.SetReadLimit(c.opts.ReadLimit)
	connCtx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	c.lastPong.Store(time.Now().UnixNano())
	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.session = uuid.NewString()
	session := c.session
	c.ws = ws
	close(c.open)
	c.mu.Unlock()
	c.logger.Info("gateway connected", observability.F("url", c.url), observability.F("session", session))

	errCh := make(chan error, 2)
	var wg conc.WaitGroup
	wg.Go(func() { errCh <- c.readLoop(connCtx, ws) })
	wg.Go(func() { errCh <- c.pingLoop(connCtx, ws) })
	wg.Go(func() { c.replay(connCtx, ws, gen) })

	first := <-errCh
	cancel()

	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
		c.open = make(chan struct{})
	}
	c.mu.Unlock()
	c.failPending(first)
	_ = ws.Close(websocket.StatusNormalClosure, "")
	wg.Wait()

	if first != nil && !errors.Is(first, context.Canceled) {
		c.logger.Warn("gateway connection lost", observability.F("session", session), observability.Err(first))
	}
	return first
}

// failPending rejects every one-shot request still waiting for a reply.
func (c *Conn) failPending(cause error) {
	closedErr := errs.New(venue, errs.CodeConnectionClosed,
		errs.WithMessage("connection closed before reply"),
		errs.WithCause(cause))
	for _, p := range c.registry.drainPending() {
		p.future.Reject(closedErr)
	}
}

// disconnected fails requests registered during teardown and runs the
// disconnect hooks.
func (c *Conn) disconnected(cause error) {
	c.failPending(cause)
	c.mu.Lock()
	hooks := append([]func(error){}, c.hooks...)
	c.mu.Unlock()
	for _, hook := range hooks {
		hook(cause)
	}
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return fmt.Errorf("read websocket: %w", err)
		}
		env, ok := wire.Decode(data)
		if !ok {
			c.metrics.dropped(ctx)
			c.logger.Debug("dropping unactionable frame", observability.F("bytes", len(data)))
			continue
		}
		c.metrics.received(ctx, env.Kind.String(), string(env.Name))
		c.dispatch(env)
	}
}

// dispatch hands env to the handler, then settles whatever is still waiting
// on its sequence number.
func (c *Conn) dispatch(env wire.Envelope) {
	if c.handler != nil {
		c.handler(c, env)
	}
	if env.Kind != wire.KindReply && env.Kind != wire.KindError {
		return
	}
	status, failed := env.Failure()
	if !failed {
		if c.ResolveRequest(env.Sequence, env) || env.Kind != wire.KindReply {
			return
		}
		if sub, ok := c.registry.subscriptionBySequence(env.Sequence); ok {
			if sub.OnAck != nil {
				sub.OnAck(c, env, sub)
			}
			c.registry.settle(sub)
		}
		return
	}
	err := errs.New(venue, errs.CodeExchange,
		errs.WithOperation(string(env.Name)),
		errs.WithSequence(env.Sequence),
		errs.WithMessage(status.Message()),
		errs.WithRawMessage(string(env.Payload)))
	c.RejectRequest(env.Sequence, err)
	if sub, ok := c.registry.subscriptionBySequence(env.Sequence); ok {
		c.FailSubscription(sub.subscribeHash, err)
	}
}

func (c *Conn) pingLoop(ctx context.Context, ws *websocket.Conn) error {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			silence := time.Since(time.Unix(0, c.lastPong.Load()))
			if silence > 2*c.opts.PingInterval {
				return errs.New(venue, errs.CodeConnectionClosed,
					errs.WithOperation(string(wire.OpPing)),
					errs.WithMessage(fmt.Sprintf("no pong for %s", silence.Truncate(time.Millisecond))))
			}
			data, err := wire.Encode(wire.KindRequest, c.nextSequence(), wire.OpPing, nil)
			if err != nil {
				return err
			}
			if err := c.write(ctx, ws, wire.OpPing, data); err != nil {
				return err
			}
		}
	}
}

// MarkPong records a keep-alive reply.
func (c *Conn) MarkPong() {
	c.lastPong.Store(time.Now().UnixNano())
}

// LastPong returns when the last keep-alive reply arrived.
func (c *Conn) LastPong() time.Time {
	return time.Unix(0, c.lastPong.Load())
}

// write is the single outbound path; every frame waits for the rate limiter.
func (c *Conn) write(ctx context.Context, ws *websocket.Conn, name wire.Op, data []byte) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pace %s: %w", name, err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()
	c.writeMu.Lock()
	err := ws.Write(writeCtx, websocket.MessageText, data)
	c.writeMu.Unlock()
	if err != nil {
		return errs.New(venue, errs.CodeConnectionClosed,
			errs.WithOperation(string(name)),
			errs.WithMessage("write failed"),
			errs.WithCause(err))
	}
	c.metrics.sent(ctx, string(name))
	return nil
}

// Send writes a fire-and-forget request frame.
func (c *Conn) Send(ctx context.Context, name wire.Op, payload any) error {
	ws, _, err := c.waitOpen(ctx)
	if err != nil {
		return err
	}
	data, err := wire.Encode(wire.KindRequest, c.nextSequence(), name, payload)
	if err != nil {
		return err
	}
	return c.write(ctx, ws, name, data)
}

// Request sends a request and waits for the reply echoing its sequence.
// It fails with a timeout after RequestTimeout, with connection_closed if the
// socket drops first, and with exchange_error when the gateway rejects it.
func (c *Conn) Request(ctx context.Context, name wire.Op, payload any) (wire.Envelope, error) {
	ws, _, err := c.waitOpen(ctx)
	if err != nil {
		return wire.Envelope{}, err
	}
	seq := c.nextSequence()
	data, err := wire.Encode(wire.KindRequest, seq, name, payload)
	if err != nil {
		return wire.Envelope{}, err
	}

	started := time.Now()
	f := c.registry.addPending(seq, name)
	defer c.registry.takePending(seq)

	if err := c.write(ctx, ws, name, data); err != nil {
		c.metrics.request(ctx, string(name), telemetry.ResultClosed, started)
		return wire.Envelope{}, err
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case <-f.Done():
		env, err := f.Wait(ctx)
		result := telemetry.ResultOK
		switch {
		case errs.Is(err, errs.CodeConnectionClosed):
			result = telemetry.ResultClosed
		case err != nil:
			result = telemetry.ResultRejected
		}
		c.metrics.request(ctx, string(name), result, started)
		return env, err
	case <-timer.C:
		c.metrics.request(ctx, string(name), telemetry.ResultTimeout, started)
		return wire.Envelope{}, errs.New(venue, errs.CodeTimeout,
			errs.WithOperation(string(name)),
			errs.WithSequence(seq),
			errs.WithMessage(fmt.Sprintf("no reply within %s", c.opts.RequestTimeout)))
	case <-ctx.Done():
		return wire.Envelope{}, fmt.Errorf("%s: %w", name, ctx.Err())
	}
}

// Watch returns the stream cell registered under hash. The subscription
// request is sent only when nothing is registered under subscribeHash yet;
// later callers share the existing wire subscription.
func (c *Conn) Watch(ctx context.Context, hash, subscribeHash string, sub *Subscription) (*future.Cell[any], error) {
	if sub == nil {
		return nil, errs.New(venue, errs.CodeInvalid, errs.WithMessage("nil subscription"))
	}
	ws, gen, err := c.waitOpen(ctx)
	if err != nil {
		return nil, err
	}
	cell, registered, created := c.registry.watch(hash, subscribeHash, sub)
	if !created {
		return cell, nil
	}
	if !c.registry.claim(registered, gen) {
		return cell, nil
	}
	if err := c.subscribe(ctx, ws, registered); err != nil {
		if errs.Is(err, errs.CodeConnectionClosed) {
			c.logger.Warn("subscribe deferred to reconnect", observability.F("subscription", subscribeHash), observability.Err(err))
			return cell, nil
		}
		c.FailSubscription(subscribeHash, err)
		return nil, err
	}
	return cell, nil
}

// subscribe runs the subscription's Prepare hook and sends its request with
// a fresh sequence number.
func (c *Conn) subscribe(ctx context.Context, ws *websocket.Conn, sub *Subscription) error {
	if sub.Prepare != nil {
		if err := sub.Prepare(ctx); err != nil {
			return fmt.Errorf("prepare %s: %w", sub.Name, err)
		}
	}
	seq := c.nextSequence()
	data, err := wire.Encode(wire.KindRequest, seq, sub.Name, sub.Payload)
	if err != nil {
		return err
	}
	c.registry.assignSequence(sub, seq)
	return c.write(ctx, ws, sub.Name, data)
}

// replay resends every subscription not yet sent on this socket.
func (c *Conn) replay(ctx context.Context, ws *websocket.Conn, gen uint64) {
	for _, sub := range c.registry.subscriptions() {
		if !c.registry.claim(sub, gen) {
			continue
		}
		err := c.subscribe(ctx, ws, sub)
		switch {
		case err == nil:
			c.logger.Debug("subscription replayed", observability.F("subscription", sub.subscribeHash), observability.F("seq", sub.Sequence()))
		case ctx.Err() != nil:
			return
		case errs.Is(err, errs.CodeConnectionClosed):
			// The next socket generation claims and replays it again.
			c.logger.Warn("subscription replay interrupted", observability.F("subscription", sub.subscribeHash), observability.Err(err))
		default:
			c.FailSubscription(sub.subscribeHash, err)
		}
	}
}

// AwaitAck blocks until the gateway acknowledges the subscription under
// subscribeHash. It returns nil at once when the subscription was acked
// before or is no longer registered; its cells then carry the outcome.
// Waiting longer than RequestTimeout fails with a timeout.
func (c *Conn) AwaitAck(ctx context.Context, subscribeHash string) error {
	sub, acked, ok := c.registry.ackSignal(subscribeHash)
	if !ok {
		return nil
	}
	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case <-acked:
		return nil
	case <-timer.C:
		return errs.New(venue, errs.CodeTimeout,
			errs.WithOperation(string(sub.Name)),
			errs.WithSequence(sub.Sequence()),
			errs.WithMessage(fmt.Sprintf("no subscription ack within %s", c.opts.RequestTimeout)))
	case <-ctx.Done():
		return fmt.Errorf("%s ack: %w", sub.Name, ctx.Err())
	}
}

// Unwatch removes the subscription registered under subscribeHash, fails
// its stream cells and, when unsubscribe is non-empty, tells the gateway.
func (c *Conn) Unwatch(ctx context.Context, subscribeHash string, unsubscribe wire.Op, payload any) error {
	sub, ok := c.registry.subscription(subscribeHash)
	if !ok {
		return nil
	}
	stopped := errs.New(venue, errs.CodeUnavailable,
		errs.WithOperation(string(sub.Name)),
		errs.WithMessage("unsubscribed"))
	for _, cell := range c.registry.removeSubscription(sub) {
		cell.Fail(stopped)
	}
	if unsubscribe == "" {
		return nil
	}
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	data, err := wire.Encode(wire.KindRequest, c.nextSequence(), unsubscribe, payload)
	if err != nil {
		return err
	}
	return c.write(ctx, ws, unsubscribe, data)
}

// FailSubscription removes a subscription and fails its cells with err.
func (c *Conn) FailSubscription(subscribeHash string, err error) {
	sub, ok := c.registry.subscription(subscribeHash)
	if !ok {
		return
	}
	for _, cell := range c.registry.removeSubscription(sub) {
		cell.Fail(err)
	}
	c.logger.Warn("subscription failed", observability.F("subscription", subscribeHash), observability.Err(err))
}

// Resolve publishes v to the stream cell under hash. Unknown hashes are ignored.
func (c *Conn) Resolve(hash string, v any) bool {
	cell, ok := c.registry.cell(hash)
	if !ok {
		return false
	}
	cell.Resolve(v)
	return true
}

// Watching reports whether a stream cell is registered under hash.
func (c *Conn) Watching(hash string) bool {
	_, ok := c.registry.cell(hash)
	return ok
}

// Reject fails the stream cell under hash.
func (c *Conn) Reject(hash string, err error) bool {
	cell, ok := c.registry.cell(hash)
	if !ok {
		return false
	}
	cell.Fail(err)
	return true
}

// ResolveRequest completes the one-shot request waiting on seq.
func (c *Conn) ResolveRequest(seq int64, env wire.Envelope) bool {
	p, ok := c.registry.takePending(seq)
	if !ok {
		return false
	}
	return p.future.Resolve(env)
}

// RejectRequest fails the one-shot request waiting on seq.
func (c *Conn) RejectRequest(seq int64, err error) bool {
	p, ok := c.registry.takePending(seq)
	if !ok {
		return false
	}
	return p.future.Reject(err)
}

// SubscriptionBySequence returns the subscription whose latest request used seq.
func (c *Conn) SubscriptionBySequence(seq int64) (*Subscription, bool) {
	return c.registry.subscriptionBySequence(seq)
}

// Close stops the connection loop and fails everything still waiting.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.startOnce.Do(func() { close(c.done) })
	<-c.done

	closedErr := errs.New(venue, errs.CodeUnavailable, errs.WithMessage("connection closed by client"))
	pending, cells := c.registry.drainAll()
	for _, p := range pending {
		p.future.Reject(closedErr)
	}
	for _, cell := range cells {
		cell.Fail(closedErr)
	}
	return nil
}
