package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/maker/internal/adapter"
	"github.com/caesar-terminal/maker/internal/market"
	"github.com/caesar-terminal/maker/internal/quote"
)

// Sentinel errors returned by Validate.
var (
	ErrInvalidSide  = errors.New("invalid order side")
	ErrInvalidType  = errors.New("invalid order type")
	ErrZeroSize     = errors.New("order size must be positive")
	ErrSizeBelowMin = errors.New("order size below venue minimum")
	ErrPriceOffTick = errors.New("price is not a multiple of the tick size")
	ErrStalePrice   = errors.New("price deviates too far from fair")
	ErrCircuitOpen  = errors.New("circuit breaker: trading disabled for market")
)

// TradingGate is the interface for checking whether trading is allowed.
// Satisfied by adapter.CircuitBreaker.
type TradingGate interface {
	CanTrade(exchange adapter.Exchange, symbol string) bool
}

// ValidatorConfig configures a Validator for one symbol.
type ValidatorConfig struct {
	Meta              market.Meta
	StaleThresholdBps float64

	// Gate, when set, is consulted for (GateExchange, GateSymbol): the book
	// whose health guards this symbol's quoting.
	Gate         TradingGate
	GateExchange adapter.Exchange
	GateSymbol   string
}

// Validator performs pre-flight checks on order requests before they are
// handed to the order-sync loop. It fails fast: the first failing check
// returns an error and the request is rejected.
type Validator struct {
	cfg ValidatorConfig
}

// NewValidator creates a Validator. A non-positive stale threshold falls
// back to quote.DefaultStaleThresholdBps.
func NewValidator(cfg ValidatorConfig) *Validator {
	if cfg.StaleThresholdBps <= 0 {
		cfg.StaleThresholdBps = quote.DefaultStaleThresholdBps
	}
	return &Validator{cfg: cfg}
}

// Validate runs all pre-flight checks on req against the current fair price.
// On success the status is advanced to StatusValidated, otherwise it is set
// to StatusRejected.
func (v *Validator) Validate(req *OrderRequest, fair float64) error {
	if err := v.validate(req, fair); err != nil {
		req.Status = StatusRejected
		return err
	}
	req.Status = StatusValidated
	return nil
}

func (v *Validator) validate(req *OrderRequest, fair float64) error {
	// 1. Basic field checks.
	if req.Side != Buy && req.Side != Sell {
		return ErrInvalidSide
	}
	if req.Type != Limit && req.Type != PostOnly {
		return ErrInvalidType
	}

	// 2. Venue constraints.
	if req.Size <= 0 {
		return ErrZeroSize
	}
	if req.Size < v.cfg.Meta.MinSize {
		return fmt.Errorf("%w: %g < %g", ErrSizeBelowMin, req.Size, v.cfg.Meta.MinSize)
	}
	if !onTick(req.Price, v.cfg.Meta.TickSize) {
		return fmt.Errorf("%w: %g (tick %g)", ErrPriceOffTick, req.Price, v.cfg.Meta.TickSize)
	}

	// 3. Staleness against fair.
	if quote.IsStale(req.Price, fair, v.cfg.StaleThresholdBps) {
		return fmt.Errorf("%w: %g vs fair %g", ErrStalePrice, req.Price, fair)
	}

	// 4. Circuit breaker check.
	if v.cfg.Gate != nil && !v.cfg.Gate.CanTrade(v.cfg.GateExchange, v.cfg.GateSymbol) {
		return ErrCircuitOpen
	}

	return nil
}

func onTick(price, tick float64) bool {
	if tick <= 0 {
		return price > 0
	}
	return decimal.NewFromFloat(price).Mod(decimal.NewFromFloat(tick)).IsZero()
}
