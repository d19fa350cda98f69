package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/caesar-terminal/maker/internal/adapter"
	"github.com/caesar-terminal/maker/internal/adapter/binance"
	"github.com/caesar-terminal/maker/internal/adapter/kalshi"
	"github.com/caesar-terminal/maker/internal/adapter/poly"
	"github.com/caesar-terminal/maker/internal/config"
	"github.com/caesar-terminal/maker/internal/engine"
	"github.com/caesar-terminal/maker/internal/logging"
	"github.com/caesar-terminal/maker/internal/market"
	"github.com/caesar-terminal/maker/internal/metrics"
	"github.com/caesar-terminal/maker/internal/pricing"
	"github.com/caesar-terminal/maker/internal/quote"
	"github.com/caesar-terminal/maker/internal/risk"
	"github.com/caesar-terminal/maker/internal/secrets"
	"github.com/caesar-terminal/maker/internal/stream"
)

const kalshiKeyName = "kalshi"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("maker starting",
		zap.String("env", cfg.Env),
		zap.Strings("symbols", cfg.Symbols),
		zap.String("oracle", cfg.Oracle.Source),
		zap.Bool("dry_run", cfg.Engine.DryRun))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("maker stopped", zap.Error(err))
		logger.Sync()
		// Purges every enclave before exiting.
		memguard.SafeExit(1)
	}
	memguard.Purge()
	logger.Info("maker stopped")
}

type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	metas   market.Source
	gate    *adapter.CircuitBreaker
	writer  *adapter.RedisWriter

	// oracle carries every symbol's price subscription.
	oracle *stream.Supervisor
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	vault := secrets.NewVault()
	defer vault.Destroy()

	headers, err := bookHeaders(ctx, cfg, vault)
	if err != nil {
		return err
	}

	var store adapter.RedisClient
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		store = adapter.NewRedisClient(rdb)
	}

	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		metas:   market.NewMetaCache(cfg.MarketSource(), cfg.MarketCacheTTL),
	}

	a.oracle = stream.New(a.streamConfig(cfg.Oracle.Source), a.dialer(a.oracleURL(), nil), logger, m)
	if err := a.oracle.Open(ctx); err != nil {
		return err
	}
	defer a.oracle.Close()

	var bookFeed <-chan adapter.BookUpdate
	if tickers := cfg.BookTickers(); len(tickers) > 0 {
		sup := stream.New(a.streamConfig("kalshi"), a.dialer(cfg.Book.URL, headers), logger, m)
		books := kalshi.New(sup, logger, m)
		for _, t := range tickers {
			if err := books.Subscribe(t); err != nil {
				return fmt.Errorf("subscribe %s: %w", t, err)
			}
		}
		if err := sup.Open(ctx); err != nil {
			return err
		}
		defer sup.Close()

		bc := adapter.NewBroadcaster(logger, m)
		bc.Register(books)

		a.gate = adapter.NewCircuitBreaker(adapter.CircuitBreakerConfig{
			StaleThreshold: cfg.Book.StaleAfter,
			CoolOff:        cfg.Book.CoolOff,
		}, bc.SubscribeAll(), logger)
		a.gate.WatchConnection(adapter.ExchangeKalshi, sup)
		if store != nil {
			bookFeed = bc.SubscribeAll()
		}

		g.Go(func() error { bc.Run(ctx); return nil })
		g.Go(func() error { a.gate.Run(ctx); return nil })
		logger.Info("book stream open", zap.Strings("tickers", tickers))
	}

	if store != nil {
		a.writer = adapter.NewRedisWriter(store, bookFeed, logger)
		if bookFeed != nil {
			g.Go(func() error { a.writer.Run(ctx); return nil })
		}
	}

	for _, sym := range cfg.Symbols {
		g.Go(func() error {
			err := a.runSymbol(ctx, sym)
			switch {
			case errors.Is(err, market.ErrUnknownSymbol):
				logger.Error("symbol skipped", zap.String("symbol", sym), zap.Error(err))
				return nil
			case errors.Is(err, stream.ErrClosed) && ctx.Err() != nil:
				// Shutdown won the race with this pipeline's subscribe.
				return nil
			}
			return err
		})
	}

	return g.Wait()
}

// bookHeaders decrypts the Kalshi key into the vault and returns a header
// func that signs every dial. No ciphertext means an unauthenticated stream.
func bookHeaders(ctx context.Context, cfg *config.Config, vault *secrets.Vault) (stream.HeaderFunc, error) {
	if cfg.Secrets.KalshiKeyCiphertext == "" {
		return nil, nil
	}

	blob, err := secrets.DecodeCiphertext(cfg.Secrets.KalshiKeyCiphertext)
	if err != nil {
		return nil, err
	}
	kms, err := secrets.NewKMS(ctx, cfg.Secrets.AWSRegion, cfg.Secrets.LocalStackEndpoint)
	if err != nil {
		return nil, err
	}
	if err := vault.Load(ctx, kms, kalshiKeyName, blob); err != nil {
		return nil, err
	}
	return kalshi.AuthHeaderFunc(cfg.Secrets.KalshiAPIKey, vault.Accessor(kalshiKeyName)), nil
}

func (a *app) runSymbol(ctx context.Context, sym string) error {
	meta, err := a.metas.Meta(ctx, sym)
	if err != nil {
		return err
	}
	mc := a.cfg.Markets[sym]

	exchange, feed := a.priceFeed(mc)
	p, err := engine.NewPipeline(engine.PipelineConfig{
		Symbol:          sym,
		Exchange:        exchange,
		Params:          a.cfg.QuoteParams(),
		Meta:            meta,
		Fair:            a.cfg.AggregatorConfig(),
		QuoteInterval:   a.cfg.Engine.QuoteInterval,
		AccountInterval: a.cfg.Engine.AccountInterval,
	}, feed, risk.FlatAccount{}, a.logger, a.metrics)
	if err != nil {
		return err
	}

	vcfg := engine.ValidatorConfig{
		Meta:              meta,
		StaleThresholdBps: a.cfg.Quote.StaleThresholdBps,
	}
	if a.gate != nil && mc.BookTicker != "" {
		vcfg.Gate = a.gate
		vcfg.GateExchange = adapter.ExchangeKalshi
		vcfg.GateSymbol = mc.BookTicker
	}
	validator := engine.NewValidator(vcfg)

	logger := a.logger.With(zap.String("symbol", sym))
	p.OnQuote(func(q quote.Quote) {
		for _, req := range engine.QuoteOrders(exchange, sym, q, time.Now()) {
			if err := validator.Validate(&req, q.FairPrice); err != nil {
				logger.Warn("order rejected",
					zap.Stringer("side", req.Side),
					zap.Float64("price", req.Price),
					zap.Error(err))
				continue
			}
			logger.Info("dry-run order",
				zap.String("client_id", req.ClientID),
				zap.Stringer("side", req.Side),
				zap.Float64("price", req.Price),
				zap.Float64("size", req.Size),
				zap.Stringer("mode", q.Mode))
		}

		if a.writer != nil {
			wctx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			if err := a.writer.WriteQuote(wctx, sym, q); err != nil {
				logger.Warn("quote write failed", zap.Error(err))
			}
		}
	})

	return p.Run(ctx)
}

// priceFeed subscribes one symbol on the shared oracle stream.
func (a *app) priceFeed(mc config.MarketConfig) (adapter.Exchange, pricing.PriceFeed) {
	if a.cfg.Oracle.Source == "poly" {
		return adapter.ExchangePolymarket, poly.New(a.oracle, mc.OracleAsset, a.logger)
	}
	return adapter.ExchangeBinance, binance.New(a.oracle, mc.OracleAsset, a.logger)
}

func (a *app) oracleURL() string {
	if a.cfg.Oracle.URL != "" {
		return a.cfg.Oracle.URL
	}
	return lo.Ternary(a.cfg.Oracle.Source == "poly", poly.DefaultURL, binance.DefaultURL)
}

func (a *app) streamConfig(name string) stream.Config {
	return stream.Config{Name: name, ReconnectDelay: a.cfg.Stream.ReconnectDelay}
}

func (a *app) dialer(url string, headers stream.HeaderFunc) *stream.WSDialer {
	d := stream.NewWSDialer(url)
	d.ReadTimeout = a.cfg.Stream.ReadTimeout
	d.WriteTimeout = a.cfg.Stream.WriteTimeout
	d.Headers = headers
	return d
}
