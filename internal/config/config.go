package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"github.com/spf13/viper"

	"github.com/caesar-terminal/maker/internal/market"
	"github.com/caesar-terminal/maker/internal/pricing"
	"github.com/caesar-terminal/maker/internal/quote"
)

// Config holds all application configuration.
type Config struct {
	Env         string `validate:"oneof=development staging production"`
	LogLevel    string `validate:"oneof=debug info warn error"`
	MetricsAddr string

	Symbols []string `validate:"min=1,dive,required"`

	Quote  QuoteConfig
	Fair   FairConfig
	Oracle OracleConfig
	Stream StreamConfig
	Book   BookConfig
	Engine EngineConfig

	Markets        map[string]MarketConfig `validate:"dive"`
	MarketCacheTTL time.Duration           `validate:"gt=0"`

	Redis   RedisConfig
	Secrets SecretsConfig
}

// QuoteConfig is shared by every symbol's quote generator and tracker.
type QuoteConfig struct {
	SpreadBps         float64 `validate:"gt=0"`
	TakeProfitBps     float64 `validate:"gt=0"`
	OrderSizeUSD      float64 `validate:"gt=0"`
	CloseThresholdUSD float64 `validate:"gt=0"`
	MaxPositionUSD    float64 `validate:"gtfield=CloseThresholdUSD"`
	StaleThresholdBps float64 `validate:"gt=0"`
	MinMarginRatio    float64 `validate:"gte=0"`
}

// FairConfig tunes the fair-price EMA.
type FairConfig struct {
	WindowMs      int64 `validate:"gt=0"`
	WarmupSeconds int   `validate:"gte=0"`
	MinSamples    int   `validate:"gte=1"`
}

// OracleConfig selects the reference price feed.
type OracleConfig struct {
	Source string `validate:"oneof=binance poly"`

	// URL overrides the venue default when set.
	URL string
}

// StreamConfig applies to every supervised WebSocket.
type StreamConfig struct {
	ReconnectDelay time.Duration `validate:"gt=0"`
	ReadTimeout    time.Duration `validate:"gte=0"`
	WriteTimeout   time.Duration `validate:"gte=0"`
}

// BookConfig configures the reconciled order book source.
type BookConfig struct {
	Venue      string        `validate:"oneof=kalshi"`
	URL        string        `validate:"required"`
	StaleAfter time.Duration `validate:"gt=0"`
	CoolOff    time.Duration `validate:"gte=0"`
}

// EngineConfig drives the per-symbol pipelines.
type EngineConfig struct {
	QuoteInterval   time.Duration `validate:"gt=0"`
	AccountInterval time.Duration `validate:"gt=0"`
	DryRun          bool
}

// MarketConfig is the static venue metadata for one symbol.
type MarketConfig struct {
	TickSize      float64 `validate:"gt=0"`
	SizePrecision int32   `validate:"gte=0,lte=18"`
	MinSize       float64 `validate:"gte=0"`

	// OracleAsset is the oracle's instrument id; the poly source needs a
	// token id here. Defaults to the symbol.
	OracleAsset string

	// BookTicker is the reconciled book whose health gates this symbol's
	// orders. Empty disables the gate.
	BookTicker string

	// ReferencePrice is the typical fair price, used only to check at
	// startup that one tick fits inside the stale threshold. Zero skips the
	// check. Defaults to 0.5 for the poly oracle, whose prices are
	// probabilities.
	ReferencePrice float64 `validate:"gte=0"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Enabled  bool
	Addr     string `validate:"required_if=Enabled true"`
	Password string
	DB       int `validate:"gte=0"`
}

// SecretsConfig locates the encrypted venue credentials.
type SecretsConfig struct {
	AWSRegion          string
	LocalStackEndpoint string
	KalshiAPIKey       string

	// KalshiKeyCiphertext is the base64 KMS blob of the Kalshi RSA key.
	// Empty means the book stream connects unauthenticated.
	KalshiKeyCiphertext string `validate:"omitempty,base64"`
}

// Load reads configuration from an optional .env file, an optional config
// file named by MAKER_CONFIG, and environment variables prefixed with
// MAKER_. The result is not validated; call Validate.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("MAKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.BindEnv("config"); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType(strings.TrimPrefix(filepath.Ext(path), "."))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("env")
	cfg.LogLevel = strings.ToLower(v.GetString("log_level"))
	cfg.MetricsAddr = v.GetString("metrics_addr")
	cfg.Symbols = NormalizeSymbols(v.GetStringSlice("symbols"))

	cfg.Quote = QuoteConfig{
		SpreadBps:         v.GetFloat64("quote.spread_bps"),
		TakeProfitBps:     v.GetFloat64("quote.take_profit_bps"),
		OrderSizeUSD:      v.GetFloat64("quote.order_size_usd"),
		CloseThresholdUSD: v.GetFloat64("quote.close_threshold_usd"),
		MaxPositionUSD:    v.GetFloat64("quote.max_position_usd"),
		StaleThresholdBps: v.GetFloat64("quote.stale_threshold_bps"),
		MinMarginRatio:    v.GetFloat64("quote.min_margin_ratio"),
	}

	cfg.Fair = FairConfig{
		WindowMs:      v.GetInt64("fair.window_ms"),
		WarmupSeconds: v.GetInt("fair.warmup_seconds"),
		MinSamples:    v.GetInt("fair.min_samples"),
	}

	cfg.Oracle = OracleConfig{
		Source: strings.ToLower(v.GetString("oracle.source")),
		URL:    v.GetString("oracle.url"),
	}

	cfg.Stream = StreamConfig{
		ReconnectDelay: v.GetDuration("stream.reconnect_delay"),
		ReadTimeout:    v.GetDuration("stream.read_timeout"),
		WriteTimeout:   v.GetDuration("stream.write_timeout"),
	}

	cfg.Book = BookConfig{
		Venue:      strings.ToLower(v.GetString("book.venue")),
		URL:        v.GetString("book.url"),
		StaleAfter: v.GetDuration("book.stale_after"),
		CoolOff:    v.GetDuration("book.cool_off"),
	}

	cfg.Engine = EngineConfig{
		QuoteInterval:   v.GetDuration("engine.quote_interval"),
		AccountInterval: v.GetDuration("engine.account_interval"),
		DryRun:          v.GetBool("engine.dry_run"),
	}

	// Per-symbol keys only exist once the symbol list is known.
	cfg.Markets = make(map[string]MarketConfig, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		prefix := "market." + strings.ToLower(sym) + "."
		v.SetDefault(prefix+"tick_size", 0.01)
		v.SetDefault(prefix+"size_precision", 4)
		v.SetDefault(prefix+"min_size", 0)
		v.SetDefault(prefix+"oracle_asset", sym)
		v.SetDefault(prefix+"book_ticker", "")
		v.SetDefault(prefix+"reference_price", lo.Ternary(cfg.Oracle.Source == "poly", 0.5, 0.0))

		cfg.Markets[sym] = MarketConfig{
			TickSize:      v.GetFloat64(prefix + "tick_size"),
			SizePrecision: v.GetInt32(prefix + "size_precision"),
			MinSize:       v.GetFloat64(prefix + "min_size"),
			OracleAsset:   v.GetString(prefix + "oracle_asset"),
			BookTicker:    v.GetString(prefix + "book_ticker"),

			ReferencePrice: v.GetFloat64(prefix + "reference_price"),
		}
	}
	cfg.MarketCacheTTL = v.GetDuration("market.cache_ttl")

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("redis.enabled"),
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}

	cfg.Secrets = SecretsConfig{
		AWSRegion:           v.GetString("secrets.aws_region"),
		LocalStackEndpoint:  v.GetString("secrets.localstack_endpoint"),
		KalshiAPIKey:        v.GetString("secrets.kalshi_api_key"),
		KalshiKeyCiphertext: v.GetString("secrets.kalshi_key_ciphertext"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", ":9100")
	v.SetDefault("symbols", "BTCUSDT")

	// Quote defaults
	v.SetDefault("quote.spread_bps", 10)
	v.SetDefault("quote.take_profit_bps", 5)
	v.SetDefault("quote.order_size_usd", 100)
	v.SetDefault("quote.close_threshold_usd", 500)
	v.SetDefault("quote.max_position_usd", 1000)
	v.SetDefault("quote.stale_threshold_bps", quote.DefaultStaleThresholdBps)
	v.SetDefault("quote.min_margin_ratio", 0.05)

	// Fair price defaults
	v.SetDefault("fair.window_ms", 30000)
	v.SetDefault("fair.warmup_seconds", 30)
	v.SetDefault("fair.min_samples", 10)

	v.SetDefault("oracle.source", "binance")
	v.SetDefault("oracle.url", "")

	v.SetDefault("stream.reconnect_delay", 5*time.Second)
	v.SetDefault("stream.read_timeout", 30*time.Second)
	v.SetDefault("stream.write_timeout", 5*time.Second)

	v.SetDefault("book.venue", "kalshi")
	v.SetDefault("book.url", "wss://api.elections.kalshi.com/trade-api/ws/v2")
	v.SetDefault("book.stale_after", time.Second)
	v.SetDefault("book.cool_off", 2*time.Second)

	v.SetDefault("engine.quote_interval", time.Second)
	v.SetDefault("engine.account_interval", 5*time.Second)
	v.SetDefault("engine.dry_run", true)

	v.SetDefault("market.cache_ttl", 5*time.Minute)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("secrets.aws_region", "us-east-1")
	v.SetDefault("secrets.localstack_endpoint", "")
	v.SetDefault("secrets.kalshi_api_key", "")
	v.SetDefault("secrets.kalshi_key_ciphertext", "")
}

// NormalizeSymbols upper-cases, trims and de-duplicates symbols, splitting
// comma separated entries. Order of first appearance is kept.
func NormalizeSymbols(raw []string) []string {
	parts := lo.FlatMap(raw, func(s string, _ int) []string {
		return strings.Split(s, ",")
	})
	syms := lo.Map(parts, func(s string, _ int) string {
		return strings.ToUpper(strings.TrimSpace(s))
	})
	return lo.Uniq(lo.Compact(syms))
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and the quoting invariants. Any error
// must stop the process before a stream is opened.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.QuoteParams().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.checkTickFit(); err != nil {
		return err
	}
	if c.Secrets.KalshiKeyCiphertext != "" && c.Secrets.KalshiAPIKey == "" {
		return errors.New("config: secrets.kalshi_api_key is required with a key ciphertext")
	}
	// TODO: drop once an Executor for live order placement exists.
	if !c.Engine.DryRun {
		return errors.New("config: engine.dry_run=false requires an order executor, none is configured")
	}
	return nil
}

// checkTickFit rejects markets whose tick-rounded quotes would land beyond
// the stale threshold, which would fail every order validation.
func (c *Config) checkTickFit() error {
	params := c.QuoteParams()
	for _, sym := range c.Symbols {
		mc := c.Markets[sym]
		if mc.ReferencePrice <= 0 {
			continue
		}
		if dev := quote.MaxDeviationBps(params, mc.TickSize, mc.ReferencePrice); dev > params.StaleThresholdBps {
			return fmt.Errorf("config: market.%s: tick_size %g at reference_price %g puts quotes up to %.0f bps from fair, above quote.stale_threshold_bps %g",
				strings.ToLower(sym), mc.TickSize, mc.ReferencePrice, dev, params.StaleThresholdBps)
		}
	}
	return nil
}

// QuoteParams builds the generator and tracker parameters.
func (c *Config) QuoteParams() quote.Params {
	return quote.Params{
		SpreadBps:         c.Quote.SpreadBps,
		TakeProfitBps:     c.Quote.TakeProfitBps,
		OrderSizeUSD:      c.Quote.OrderSizeUSD,
		CloseThresholdUSD: c.Quote.CloseThresholdUSD,
		MaxPositionUSD:    c.Quote.MaxPositionUSD,
		StaleThresholdBps: c.Quote.StaleThresholdBps,
		MinMarginRatio:    c.Quote.MinMarginRatio,
	}
}

// AggregatorConfig builds the fair-price EMA configuration.
func (c *Config) AggregatorConfig() pricing.AggregatorConfig {
	return pricing.AggregatorConfig{
		WindowMs:   c.Fair.WindowMs,
		Warmup:     time.Duration(c.Fair.WarmupSeconds) * time.Second,
		MinSamples: c.Fair.MinSamples,
	}
}

// MarketSource builds the static metadata source for the configured symbols.
func (c *Config) MarketSource() market.StaticSource {
	metas := lo.MapToSlice(c.Markets, func(sym string, m MarketConfig) market.Meta {
		return market.Meta{
			Symbol:        sym,
			TickSize:      m.TickSize,
			SizePrecision: m.SizePrecision,
			MinSize:       m.MinSize,
		}
	})
	return market.NewStaticSource(metas...)
}

// BookTickers returns the distinct non-empty book tickers across symbols.
func (c *Config) BookTickers() []string {
	tickers := lo.Map(c.Symbols, func(sym string, _ int) string {
		return c.Markets[sym].BookTicker
	})
	return lo.Uniq(lo.Compact(tickers))
}
