package sports

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/phenomenon0/sportsamm/pkg/domain"
	"github.com/phenomenon0/sportsamm/pkg/odds"
)

// MaxImpliedVolatility bounds the per-asset volatility (10 = 1000% annualized).
var MaxImpliedVolatility = decimal.NewFromInt(10)

// Config holds the orchestrator's own parameters. Pricing, risk, pool and parlay
// parameters live with their components.
type Config struct {
	// SafeBox receives the trading and parlay fees.
	SafeBox common.Address

	// MinTimeToMaturity stops trading on a market this long before it matures.
	MinTimeToMaturity time.Duration

	// Odds prices positional markets.
	Odds odds.Model
	// ImpliedVolatility is the annualized volatility per underlying, as a fraction.
	ImpliedVolatility map[string]decimal.Decimal
}

func DefaultConfig() Config {
	return Config{
		MinTimeToMaturity: 5 * time.Minute,
		Odds:              odds.DefaultModel(),
		ImpliedVolatility: make(map[string]decimal.Decimal),
	}
}

func (c Config) Validate() error {
	if c.SafeBox == (common.Address{}) {
		return fmt.Errorf("%w: safe box address is required", domain.ErrValidation)
	}
	if c.MinTimeToMaturity < 0 {
		return fmt.Errorf("%w: min time to maturity is negative", domain.ErrValidation)
	}
	if err := c.Odds.Validate(); err != nil {
		return err
	}
	for asset, v := range c.ImpliedVolatility {
		if err := checkVolatility(asset, v); err != nil {
			return err
		}
	}
	return nil
}

func checkVolatility(asset string, v decimal.Decimal) error {
	if v.Sign() <= 0 || v.GreaterThan(MaxImpliedVolatility) {
		return fmt.Errorf("%w: implied volatility %s for %s outside (0, %s]", domain.ErrValidation, v, asset, MaxImpliedVolatility)
	}
	return nil
}

func (c Config) clone() Config {
	out := c
	out.ImpliedVolatility = make(map[string]decimal.Decimal, len(c.ImpliedVolatility))
	for k, v := range c.ImpliedVolatility {
		out.ImpliedVolatility[strings.ToUpper(k)] = v
	}
	return out
}
