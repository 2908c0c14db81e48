package feed

import (
	"time"

	"github.com/guregu/null/v6"
	"github.com/krobus00/option-feed-service/internal/entity"
)

type GreeksCacheEntry struct {
	InstrumentKey  entity.InstrumentKey
	LastComputedAt time.Time
	LastGreeks     *entity.Greeks
	LastPrice      null.Float
	Pending        bool
}

// GreeksCache throttles greeks computation per instrument. It is owned by the
// bridge and only touched under the bridge lock.
type GreeksCache struct {
	throttle time.Duration
	entries  map[entity.InstrumentKey]*GreeksCacheEntry
}

func NewGreeksCache(throttle time.Duration) *GreeksCache {
	return &GreeksCache{
		throttle: throttle,
		entries:  make(map[entity.InstrumentKey]*GreeksCacheEntry),
	}
}

func (c *GreeksCache) entry(key entity.InstrumentKey) *GreeksCacheEntry {
	e, ok := c.entries[key]
	if !ok {
		e = &GreeksCacheEntry{InstrumentKey: key}
		c.entries[key] = e
	}

	return e
}

func (c *GreeksCache) Get(key entity.InstrumentKey) (GreeksCacheEntry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return GreeksCacheEntry{}, false
	}

	return *e, true
}

// ObservePrice records the latest traded price and returns the one to price
// greeks with, which may come from an earlier tick.
func (c *GreeksCache) ObservePrice(key entity.InstrumentKey, price null.Float) null.Float {
	e := c.entry(key)
	if price.Valid && price.Float64 > 0 {
		e.LastPrice = price
	}

	return e.LastPrice
}

// Claim reports whether a new computation is due for key at now and, if so,
// marks it pending and restarts the throttle window.
func (c *GreeksCache) Claim(key entity.InstrumentKey, now time.Time) bool {
	e := c.entry(key)
	if e.Pending {
		return false
	}
	if !e.LastComputedAt.IsZero() && now.Sub(e.LastComputedAt) < c.throttle {
		return false
	}

	e.Pending = true
	e.LastComputedAt = now
	return true
}

// Release clears the pending mark of a computation that never ran.
func (c *GreeksCache) Release(key entity.InstrumentKey) {
	if e, ok := c.entries[key]; ok {
		e.Pending = false
	}
}

func (c *GreeksCache) Store(key entity.InstrumentKey, greeks entity.Greeks, at time.Time) {
	e := c.entry(key)
	e.LastGreeks = &greeks
	e.LastComputedAt = at
	e.Pending = false
}

func (c *GreeksCache) Last(key entity.InstrumentKey) *entity.Greeks {
	if e, ok := c.entries[key]; ok {
		return e.LastGreeks
	}

	return nil
}

// Retain drops entries for keys outside the active set.
func (c *GreeksCache) Retain(set *SubscriptionSet) {
	for key := range c.entries {
		if set == nil || !set.Contains(key) {
			delete(c.entries, key)
		}
	}
}

func (c *GreeksCache) Len() int {
	return len(c.entries)
}
