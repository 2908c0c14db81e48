package entity

import (
	"strings"
	"time"

	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"
)

// InstrumentKey is the canonical `<segment>|<symbol-or-token>` identifier.
type InstrumentKey string

const InstrumentKeySeparator = "|"

func (k InstrumentKey) String() string {
	return string(k)
}

func (k InstrumentKey) Segment() string {
	segment, _, _ := strings.Cut(string(k), InstrumentKeySeparator)
	return segment
}

func (k InstrumentKey) Symbol() string {
	_, symbol, _ := strings.Cut(string(k), InstrumentKeySeparator)
	return symbol
}

type OptionType string

const (
	OptionTypeCall OptionType = "CE"
	OptionTypePut  OptionType = "PE"
)

func (t OptionType) Valid() bool {
	return t == OptionTypeCall || t == OptionTypePut
}

// OptionContract is the strike and side behind an option instrument key.
type OptionContract struct {
	Strike decimal.Decimal
	Type   OptionType
	Expiry time.Time
}

// Instrument is one row of the instrument catalog.
type Instrument struct {
	ID            int64               `db:"id"`
	InstrumentKey string              `db:"instrument_key"`
	UnderlyingKey string              `db:"underlying_key"`
	TradingSymbol string              `db:"trading_symbol"`
	Segment       string              `db:"segment"`
	OptionType    null.String         `db:"option_type"`
	Strike        decimal.NullDecimal `db:"strike"`
	Expiry        null.Time           `db:"expiry"`
	LotSize       null.Int            `db:"lot_size"`
	CreatedAt     time.Time           `db:"created_at"`
	UpdatedAt     time.Time           `db:"updated_at"`
}

func (Instrument) TableName() string {
	return "instruments"
}
