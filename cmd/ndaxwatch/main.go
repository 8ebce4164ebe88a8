// Command ndaxwatch streams NDAX market and account data to structured logs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/ndaxstream/errs"
	"github.com/coachpo/ndaxstream/internal/auth"
	"github.com/coachpo/ndaxstream/internal/book"
	"github.com/coachpo/ndaxstream/internal/config"
	"github.com/coachpo/ndaxstream/internal/ndax"
	"github.com/coachpo/ndaxstream/internal/observability"
	"github.com/coachpo/ndaxstream/internal/rest"
	"github.com/coachpo/ndaxstream/internal/series"
	"github.com/coachpo/ndaxstream/internal/telemetry"
)

const (
	defaultConfigPath        = "config/ndax.yaml"
	shutdownTimeout          = 15 * time.Second
	lifecycleShutdownTimeout = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

type stream string

const (
	streamTicker   stream = "ticker"
	streamTrades   stream = "trades"
	streamBook     stream = "book"
	streamOHLCV    stream = "ohlcv"
	streamBalance  stream = "balance"
	streamOrders   stream = "orders"
	streamMyTrades stream = "mytrades"
)

var knownStreams = map[stream]bool{
	streamTicker: false, streamTrades: false, streamBook: false, streamOHLCV: false,
	streamBalance: true, streamOrders: true, streamMyTrades: true,
}

type flags struct {
	configPath string
	symbols    []string
	streams    []stream
	timeframe  string
	depth      int
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	ctx, cancel := newSignalContext()
	defer cancel()

	cfg, err := config.LoadOrDefault(ctx, resolveConfigPath(opts.configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewZerologLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	observability.SetLogger(logger)
	logger.Info("configuration initialised",
		observability.F("environment", string(cfg.Environment)),
		observability.F("network", string(cfg.Network)),
		observability.F("websocket_url", cfg.WebsocketURL))

	provider, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		logger.Error("initialise telemetry", observability.Err(err))
		os.Exit(1)
	}

	restOpts := []rest.Option{rest.WithOMSID(cfg.OMSID), rest.WithLogger(logger)}
	if !cfg.Credentials.Empty() {
		restOpts = append(restOpts, rest.WithCredentials(auth.Credentials{
			APIKey: cfg.Credentials.APIKey,
			Secret: cfg.Credentials.Secret,
			UserID: cfg.Credentials.UserID,
		}))
	}
	client, err := ndax.New(cfg, rest.New(cfg.RESTURL, restOpts...), logger)
	if err != nil {
		logger.Error("initialise client", observability.Err(err))
		os.Exit(1)
	}

	var lifecycle conc.WaitGroup
	started := startWatchers(ctx, &lifecycle, client, logger, opts)
	logger.Info("ndaxwatch started; awaiting shutdown signal", observability.F("watchers", started))
	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	shutdown(shutdownCtx, logger, client, &lifecycle, provider)
}

func parseFlags(args []string) (flags, error) {
	fs := flag.NewFlagSet("ndaxwatch", flag.ContinueOnError)
	cfgPath := fs.String("config", "", fmt.Sprintf("Path to configuration file (default: %s)", defaultConfigPath))
	symbols := fs.String("symbols", "BTC/CAD", "Comma separated unified symbols")
	streams := fs.String("streams", "ticker", "Comma separated streams: ticker,trades,book,ohlcv,balance,orders,mytrades")
	timeframe := fs.String("timeframe", "1m", "Candle timeframe for the ohlcv stream")
	depth := fs.Int("depth", 10, "Order book levels per side to log")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}

	out := flags{configPath: *cfgPath, timeframe: *timeframe, depth: *depth}
	out.symbols = splitList(*symbols)
	for _, name := range splitList(*streams) {
		s := stream(strings.ToLower(name))
		if _, ok := knownStreams[s]; !ok {
			return flags{}, fmt.Errorf("unknown stream %q", name)
		}
		out.streams = append(out.streams, s)
	}
	if len(out.streams) == 0 {
		return flags{}, errors.New("at least one stream is required")
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return defaultConfigPath
}

func initTelemetry(ctx context.Context, logger observability.Logger, cfg config.Config) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Enabled = cfg.Telemetry.Enabled
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.Telemetry.ServiceName
	}
	if cfg.Telemetry.MetricInterval > 0 {
		telemetryCfg.MetricInterval = cfg.Telemetry.MetricInterval
	}
	telemetryCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	telemetryCfg.Environment = string(cfg.Environment)

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Info("telemetry initialised",
			observability.F("endpoint", telemetryCfg.OTLPEndpoint),
			observability.F("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

// startWatchers launches one goroutine per (stream, symbol); account streams
// are not per symbol.
func startWatchers(ctx context.Context, lifecycle *conc.WaitGroup, client *ndax.Client, logger observability.Logger, opts flags) int {
	started := 0
	for _, s := range opts.streams {
		if knownStreams[s] {
			s := s
			lifecycle.Go(func() { runAccountWatcher(ctx, client, logger, s) })
			started++
			continue
		}
		for _, symbol := range opts.symbols {
			s, symbol := s, symbol
			lifecycle.Go(func() { runMarketWatcher(ctx, client, logger, s, symbol, opts) })
			started++
		}
	}
	return started
}

func runMarketWatcher(ctx context.Context, client *ndax.Client, logger observability.Logger, s stream, symbol string, opts flags) {
	log := func(msg string, fields ...observability.Field) {
		logger.Info(msg, append([]observability.Field{
			observability.F("stream", string(s)), observability.F("symbol", symbol),
		}, fields...)...)
	}
	var err error
	switch s {
	case streamTicker:
		err = follow(ctx, func() (*ndax.Stream[ndax.Ticker], error) { return client.SubscribeTicker(ctx, symbol) },
			func(t ndax.Ticker) {
				log("ticker", observability.F("bid", t.Bid.String()), observability.F("ask", t.Ask.String()),
					observability.F("last", t.Last.String()), observability.F("ts", t.Timestamp))
			})
	case streamTrades:
		err = follow(ctx, func() (*ndax.Stream[[]ndax.Trade], error) { return client.SubscribeTrades(ctx, symbol, 0, 1) },
			func(trades []ndax.Trade) {
				for _, t := range trades {
					log("trade", observability.F("id", t.ID), observability.F("side", t.Side),
						observability.F("price", t.Price.String()), observability.F("amount", t.Amount.String()))
				}
			})
	case streamBook:
		err = follow(ctx, func() (*ndax.Stream[book.Snapshot], error) { return client.SubscribeOrderBook(ctx, symbol, opts.depth) },
			func(snap book.Snapshot) {
				fields := []observability.Field{observability.F("nonce", snap.Nonce),
					observability.F("bids", len(snap.Bids)), observability.F("asks", len(snap.Asks))}
				if len(snap.Bids) > 0 && len(snap.Asks) > 0 {
					fields = append(fields, observability.F("best_bid", snap.Bids[0].Price.String()),
						observability.F("best_ask", snap.Asks[0].Price.String()))
				}
				log("order book", fields...)
			})
	case streamOHLCV:
		err = follow(ctx, func() (*ndax.Stream[[]series.Candle], error) {
			return client.SubscribeOHLCV(ctx, symbol, opts.timeframe, 0, 1)
		}, func(candles []series.Candle) {
			for _, c := range candles {
				log("candle", observability.F("timeframe", opts.timeframe), observability.F("start", c.Start),
					observability.F("open", c.Open.String()), observability.F("high", c.High.String()),
					observability.F("low", c.Low.String()), observability.F("close", c.Close.String()),
					observability.F("volume", c.Volume.String()))
			}
		})
	}
	report(logger, s, err)
}

func runAccountWatcher(ctx context.Context, client *ndax.Client, logger observability.Logger, s stream) {
	var err error
	switch s {
	case streamBalance:
		err = follow(ctx, func() (*ndax.Stream[series.BalanceSnapshot], error) { return client.SubscribeBalance(ctx) },
			func(snap series.BalanceSnapshot) {
				assets := make([]string, 0, len(snap.Assets))
				for asset := range snap.Assets {
					assets = append(assets, asset)
				}
				sort.Strings(assets)
				for _, asset := range assets {
					b := snap.Assets[asset]
					logger.Info("balance", observability.F("asset", asset), observability.F("free", b.Free.String()),
						observability.F("used", b.Used.String()), observability.F("total", b.Total.String()))
				}
			})
	case streamOrders:
		err = follow(ctx, func() (*ndax.Stream[[]ndax.Order], error) { return client.SubscribeOrders(ctx, 0, 1) },
			func(orders []ndax.Order) {
				for _, o := range orders {
					logger.Info("order", observability.F("id", o.ID), observability.F("symbol", o.Symbol),
						observability.F("status", o.Status), observability.F("filled", o.Filled.String()))
				}
			})
	case streamMyTrades:
		err = follow(ctx, func() (*ndax.Stream[[]ndax.Trade], error) { return client.SubscribeMyTrades(ctx, 0, 1) },
			func(trades []ndax.Trade) {
				for _, t := range trades {
					logger.Info("fill", observability.F("id", t.ID), observability.F("order_id", t.OrderID),
						observability.F("symbol", t.Symbol), observability.F("price", t.Price.String()),
						observability.F("amount", t.Amount.String()))
				}
			})
	}
	report(logger, s, err)
}

// follow opens a stream and hands every update to emit until ctx ends or the
// stream fails.
func follow[T any](ctx context.Context, open func() (*ndax.Stream[T], error), emit func(T)) error {
	s, err := open()
	if err != nil {
		return err
	}
	for {
		v, err := s.Next(ctx)
		if err != nil {
			return err
		}
		emit(v)
	}
}

func report(logger observability.Logger, s stream, err error) {
	switch {
	case err == nil, errors.Is(err, context.Canceled), errs.Is(err, errs.CodeUnavailable):
		logger.Debug("watcher stopped", observability.F("stream", string(s)))
	default:
		logger.Error("watcher failed", observability.F("stream", string(s)), observability.Err(err))
	}
}

func shutdown(ctx context.Context, logger observability.Logger, client *ndax.Client, lifecycle *conc.WaitGroup, provider *telemetry.Provider) {
	step := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown step failed", observability.F("step", name), observability.Err(err))
			return
		}
		logger.Info("shutdown step completed", observability.F("step", name))
	}

	step("closing client", lifecycleShutdownTimeout, func(context.Context) error {
		return client.Close()
	})
	step("waiting for watchers", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout waiting for watchers: %w", stepCtx.Err())
		}
	})
	step("shutting down telemetry", telemetryShutdownTimeout, provider.Shutdown)
}
