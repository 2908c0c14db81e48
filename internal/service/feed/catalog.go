package feed

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/krobus00/option-feed-service/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ChainLoader fetches the option chain of an underlying. An empty expiry
// selects the nearest one.
type ChainLoader interface {
	LoadOptionChain(ctx context.Context, underlying entity.InstrumentKey, expiry string) (*OptionChain, error)
}

// OptionChain is an immutable index over the catalog rows of one expiry.
type OptionChain struct {
	underlying entity.InstrumentKey
	expiry     time.Time
	fallback   OptionKeyResolver
	byStrike   map[string]map[entity.OptionType]entity.InstrumentKey
	byKey      map[entity.InstrumentKey]entity.OptionContract
	strikes    []decimal.Decimal
}

// NewOptionChain indexes instruments. Rows that are not options of the
// underlying or carry an unparsable key are skipped.
func NewOptionChain(underlying entity.InstrumentKey, instruments []entity.Instrument, fallback OptionKeyResolver) *OptionChain {
	chain := &OptionChain{
		underlying: underlying,
		fallback:   fallback,
		byStrike:   make(map[string]map[entity.OptionType]entity.InstrumentKey),
		byKey:      make(map[entity.InstrumentKey]entity.OptionContract),
	}

	for _, instrument := range instruments {
		if !instrument.Strike.Valid || !instrument.OptionType.Valid {
			continue
		}

		optionType := entity.OptionType(instrument.OptionType.String)
		if !optionType.Valid() {
			continue
		}

		key, err := NormalizeInstrumentKey(instrument.InstrumentKey)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"instrument_key": instrument.InstrumentKey,
				"underlying":     underlying,
			}).Warn("skipping catalog instrument with invalid key")
			continue
		}

		strike := instrument.Strike.Decimal
		strikeID := strike.String()
		if _, ok := chain.byStrike[strikeID]; !ok {
			chain.byStrike[strikeID] = make(map[entity.OptionType]entity.InstrumentKey, 2)
			chain.strikes = append(chain.strikes, strike)
		}
		chain.byStrike[strikeID][optionType] = key

		contract := entity.OptionContract{Strike: strike, Type: optionType}
		if instrument.Expiry.Valid {
			contract.Expiry = instrument.Expiry.Time
			if chain.expiry.IsZero() {
				chain.expiry = instrument.Expiry.Time
			}
		}
		chain.byKey[key] = contract
	}

	slices.SortFunc(chain.strikes, func(a, b decimal.Decimal) int { return a.Cmp(b) })

	return chain
}

func (c *OptionChain) Underlying() entity.InstrumentKey {
	return c.underlying
}

func (c *OptionChain) Expiry() time.Time {
	return c.expiry
}

func (c *OptionChain) Len() int {
	return len(c.byKey)
}

// ResolveOptionKey prefers the catalog token and falls back to the formatted
// symbol for strikes the catalog does not list.
func (c *OptionChain) ResolveOptionKey(underlying entity.InstrumentKey, strike decimal.Decimal, optionType entity.OptionType) (entity.InstrumentKey, error) {
	if sides, ok := c.byStrike[strike.String()]; ok {
		if key, ok := sides[optionType]; ok {
			return key, nil
		}
	}

	if c.fallback == nil {
		return "", fmt.Errorf("%w: strike %s %s not listed for %s", ErrInvalidInstrumentKey, strike, optionType, underlying)
	}

	return c.fallback.ResolveOptionKey(underlying, strike, optionType)
}

func (c *OptionChain) Contract(key entity.InstrumentKey) (entity.OptionContract, bool) {
	contract, ok := c.byKey[key]
	return contract, ok
}

// StrikeInterval is the smallest spacing between adjacent listed strikes.
func (c *OptionChain) StrikeInterval() (decimal.Decimal, bool) {
	var interval decimal.Decimal
	found := false
	for i := 1; i < len(c.strikes); i++ {
		diff := c.strikes[i].Sub(c.strikes[i-1])
		if !diff.IsPositive() {
			continue
		}
		if !found || diff.LessThan(interval) {
			interval = diff
			found = true
		}
	}

	return interval, found
}

// SpotHint derives an approximate spot from advisory candidate keys: the median
// strike among the keys that resolve to a contract, via the chain or the key text.
func SpotHint(chain *OptionChain, candidates []entity.InstrumentKey) (float64, bool) {
	strikes := make([]decimal.Decimal, 0, len(candidates))
	for _, key := range candidates {
		if chain != nil {
			if contract, ok := chain.Contract(key); ok {
				strikes = append(strikes, contract.Strike)
				continue
			}
		}
		if contract, ok := ParseOptionContract(key); ok {
			strikes = append(strikes, contract.Strike)
		}
	}
	if len(strikes) == 0 {
		return 0, false
	}

	slices.SortFunc(strikes, func(a, b decimal.Decimal) int { return a.Cmp(b) })
	return strikes[len(strikes)/2].InexactFloat64(), true
}
