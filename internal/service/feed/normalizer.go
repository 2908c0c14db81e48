package feed

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/krobus00/option-feed-service/internal/entity"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidInstrumentKey = errors.New("invalid instrument key")
)

var optionSymbolPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)(CE|PE)$`)

// NormalizeInstrumentKey maps a broker identifier such as "NSE_INDEX:Nifty%2050"
// to the canonical "NSE_INDEX|Nifty 50" form.
func NormalizeInstrumentKey(raw string) (entity.InstrumentKey, error) {
	key := strings.ReplaceAll(strings.TrimSpace(raw), "%20", " ")
	key = strings.ReplaceAll(key, ":", entity.InstrumentKeySeparator)

	segment, symbol, ok := strings.Cut(key, entity.InstrumentKeySeparator)
	if !ok {
		return "", fmt.Errorf("%w: %q has no segment separator", ErrInvalidInstrumentKey, raw)
	}

	segment = strings.TrimSpace(segment)
	symbol = strings.TrimSpace(symbol)
	if segment == "" || symbol == "" {
		return "", fmt.Errorf("%w: %q has an empty segment or symbol", ErrInvalidInstrumentKey, raw)
	}
	if strings.Contains(symbol, entity.InstrumentKeySeparator) {
		return "", fmt.Errorf("%w: %q has more than one separator", ErrInvalidInstrumentKey, raw)
	}

	return entity.InstrumentKey(segment + entity.InstrumentKeySeparator + symbol), nil
}

// ParseOptionContract reads the strike and side from a trading-symbol style
// key like "NSE_FO|NIFTY24500CE".
func ParseOptionContract(key entity.InstrumentKey) (entity.OptionContract, bool) {
	match := optionSymbolPattern.FindStringSubmatch(strings.ToUpper(key.Symbol()))
	if match == nil {
		return entity.OptionContract{}, false
	}

	strike, err := decimal.NewFromString(match[1])
	if err != nil || !strike.IsPositive() {
		return entity.OptionContract{}, false
	}

	return entity.OptionContract{Strike: strike, Type: entity.OptionType(match[2])}, true
}
