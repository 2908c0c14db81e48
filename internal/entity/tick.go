package entity

import (
	"time"

	"github.com/guregu/null/v6"
)

type Greeks struct {
	IV    float64 `json:"iv"`
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
}

// RawTick is a decoded upstream update before its key is normalized.
// Absent fields stay invalid so a merge never overwrites them.
type RawTick struct {
	InstrumentKey   string
	LastTradedPrice null.Float
	Volume          null.Int
	OpenInterest    null.Float
	Greeks          *Greeks
	Payload         []byte
}

// HasFields reports whether the tick carries anything to merge.
func (t RawTick) HasFields() bool {
	return t.LastTradedPrice.Valid || t.Volume.Valid || t.OpenInterest.Valid || t.Greeks != nil
}

type Tick struct {
	InstrumentKey   InstrumentKey
	LastTradedPrice null.Float
	Volume          null.Int
	OpenInterest    null.Float
	BrokerGreeks    *Greeks
	ReceivedAt      time.Time
}

// MarketRecord is the merged per-instrument value published downstream.
type MarketRecord struct {
	LastTradedPrice null.Float `json:"lastTradedPrice"`
	Volume          null.Int   `json:"volume"`
	OpenInterest    null.Float `json:"openInterest"`
	Greeks          *Greeks    `json:"greeks,omitempty"`
	UpdatedAt       time.Time  `json:"-"`
}

// Merge copies the fields present in tick, leaving the others untouched.
func (r *MarketRecord) Merge(tick Tick) {
	if tick.LastTradedPrice.Valid {
		r.LastTradedPrice = tick.LastTradedPrice
	}
	if tick.Volume.Valid {
		r.Volume = tick.Volume
	}
	if tick.OpenInterest.Valid {
		r.OpenInterest = tick.OpenInterest
	}
	if tick.BrokerGreeks != nil {
		g := *tick.BrokerGreeks
		r.Greeks = &g
	}
	if tick.ReceivedAt.After(r.UpdatedAt) {
		r.UpdatedAt = tick.ReceivedAt
	}
}

func (r *MarketRecord) SetGreeks(g *Greeks) {
	if g == nil {
		return
	}
	cp := *g
	r.Greeks = &cp
}
