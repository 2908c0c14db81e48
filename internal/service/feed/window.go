package feed

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/krobus00/option-feed-service/internal/entity"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidWindow = errors.New("invalid subscription window")
)

// OptionKeyResolver maps a strike and side of an underlying to the instrument
// key the broker streams it under.
type OptionKeyResolver interface {
	ResolveOptionKey(underlying entity.InstrumentKey, strike decimal.Decimal, optionType entity.OptionType) (entity.InstrumentKey, error)
}

// SymbolKeyResolver formats option keys as "<segment>|<SYMBOL><strike><CE|PE>".
type SymbolKeyResolver struct {
	Segment string
	Symbol  string
}

func (r SymbolKeyResolver) ResolveOptionKey(underlying entity.InstrumentKey, strike decimal.Decimal, optionType entity.OptionType) (entity.InstrumentKey, error) {
	symbol := r.Symbol
	if symbol == "" {
		symbol = strings.ToUpper(strings.ReplaceAll(underlying.Symbol(), " ", ""))
	}

	return NormalizeInstrumentKey(r.Segment + entity.InstrumentKeySeparator + symbol + strike.String() + string(optionType))
}

// SubscriptionSet is the exact set of keys one upstream connection carries.
type SubscriptionSet struct {
	underlying entity.InstrumentKey
	atm        decimal.Decimal
	interval   decimal.Decimal
	radius     int
	bootstrap  bool
	keys       map[entity.InstrumentKey]struct{}
	contracts  map[entity.InstrumentKey]entity.OptionContract
}

// BootstrapSet holds only the underlying and is used until a spot is known.
func BootstrapSet(underlying entity.InstrumentKey) *SubscriptionSet {
	return &SubscriptionSet{
		underlying: underlying,
		bootstrap:  true,
		keys:       map[entity.InstrumentKey]struct{}{underlying: {}},
		contracts:  map[entity.InstrumentKey]entity.OptionContract{},
	}
}

// ATMStrike rounds spot to the nearest multiple of interval, halves rounding up.
func ATMStrike(spot, interval float64) (decimal.Decimal, error) {
	if spot <= 0 || interval <= 0 {
		return decimal.Zero, fmt.Errorf("%w: spot %v interval %v", ErrInvalidWindow, spot, interval)
	}

	step := decimal.NewFromFloat(interval)
	return decimal.NewFromFloat(spot).Div(step).Round(0).Mul(step), nil
}

// ComputeWindow returns the underlying plus CE and PE keys for every strike
// from ATM-radius*interval to ATM+radius*interval.
func ComputeWindow(spot, interval float64, radius int, underlying entity.InstrumentKey, resolver OptionKeyResolver) (*SubscriptionSet, error) {
	if radius < 0 {
		return nil, fmt.Errorf("%w: negative radius %d", ErrInvalidWindow, radius)
	}
	if underlying == "" {
		return nil, fmt.Errorf("%w: empty underlying", ErrInvalidWindow)
	}
	if resolver == nil {
		return nil, fmt.Errorf("%w: no option key resolver", ErrInvalidWindow)
	}

	atm, err := ATMStrike(spot, interval)
	if err != nil {
		return nil, err
	}

	step := decimal.NewFromFloat(interval)
	set := &SubscriptionSet{
		underlying: underlying,
		atm:        atm,
		interval:   step,
		radius:     radius,
		keys:       make(map[entity.InstrumentKey]struct{}, (2*radius+1)*2+1),
		contracts:  make(map[entity.InstrumentKey]entity.OptionContract, (2*radius+1)*2),
	}
	set.keys[underlying] = struct{}{}

	for offset := -radius; offset <= radius; offset++ {
		strike := atm.Add(step.Mul(decimal.NewFromInt(int64(offset))))
		for _, optionType := range []entity.OptionType{entity.OptionTypeCall, entity.OptionTypePut} {
			key, err := resolver.ResolveOptionKey(underlying, strike, optionType)
			if err != nil {
				return nil, fmt.Errorf("resolve %s %s %s: %w", underlying, strike, optionType, err)
			}
			if _, dup := set.keys[key]; dup {
				return nil, fmt.Errorf("%w: %s resolved twice", ErrInvalidWindow, key)
			}

			set.keys[key] = struct{}{}
			set.contracts[key] = entity.OptionContract{Strike: strike, Type: optionType}
		}
	}

	return set, nil
}

func (s *SubscriptionSet) Underlying() entity.InstrumentKey {
	return s.underlying
}

func (s *SubscriptionSet) ATM() decimal.Decimal {
	return s.atm
}

func (s *SubscriptionSet) IsBootstrap() bool {
	return s.bootstrap
}

func (s *SubscriptionSet) Len() int {
	return len(s.keys)
}

func (s *SubscriptionSet) Contains(key entity.InstrumentKey) bool {
	_, ok := s.keys[key]
	return ok
}

func (s *SubscriptionSet) Contract(key entity.InstrumentKey) (entity.OptionContract, bool) {
	c, ok := s.contracts[key]
	return c, ok
}

// Keys returns the keys sorted so subscribe messages are stable.
func (s *SubscriptionSet) Keys() []entity.InstrumentKey {
	keys := make([]entity.InstrumentKey, 0, len(s.keys))
	for key := range s.keys {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	return keys
}

// Strikes returns the distinct strikes in ascending order.
func (s *SubscriptionSet) Strikes() []decimal.Decimal {
	seen := make(map[string]decimal.Decimal)
	for _, c := range s.contracts {
		seen[c.Strike.String()] = c.Strike
	}

	strikes := make([]decimal.Decimal, 0, len(seen))
	for _, strike := range seen {
		strikes = append(strikes, strike)
	}
	slices.SortFunc(strikes, func(a, b decimal.Decimal) int { return a.Cmp(b) })

	return strikes
}

// Equal reports whether both sets subscribe exactly the same keys.
func (s *SubscriptionSet) Equal(other *SubscriptionSet) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.underlying != other.underlying || len(s.keys) != len(other.keys) {
		return false
	}
	for key := range s.keys {
		if _, ok := other.keys[key]; !ok {
			return false
		}
	}

	return true
}
