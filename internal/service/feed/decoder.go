package feed

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/guregu/null/v6"
	"github.com/krobus00/option-feed-service/internal/entity"
)

var ErrMalformedFeed = errors.New("malformed feed message")

// FeedEntryError reports one entry of a frame that could not be decoded.
type FeedEntryError struct {
	Key     string
	Payload []byte
	Err     error
}

func (e *FeedEntryError) Error() string {
	return fmt.Sprintf("feed entry %q: %v", e.Key, e.Err)
}

func (e *FeedEntryError) Unwrap() error {
	return e.Err
}

// feedNumber accepts a JSON number or a quoted number; int64 fields such as
// vtt arrive as strings.
type feedNumber struct {
	value float64
	set   bool
}

func (n *feedNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	raw := strings.Trim(string(data), `"`)
	if raw == "" {
		return nil
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", raw, err)
	}

	n.value, n.set = v, true
	return nil
}

func (n *feedNumber) nullFloat() null.Float {
	if n == nil || !n.set {
		return null.Float{}
	}
	return null.FloatFrom(n.value)
}

func (n *feedNumber) nullInt() null.Int {
	if n == nil || !n.set {
		return null.Int{}
	}
	return null.IntFrom(int64(n.value))
}

func (n *feedNumber) orZero() float64 {
	if n == nil {
		return 0
	}
	return n.value
}

type feedGreeks struct {
	Delta *feedNumber `json:"delta"`
	Theta *feedNumber `json:"theta"`
	Gamma *feedNumber `json:"gamma"`
	Vega  *feedNumber `json:"vega"`
}

type feedLTPC struct {
	LTP *feedNumber `json:"ltp"`
}

type feedMarketFF struct {
	LTPC         *feedLTPC   `json:"ltpc"`
	VTT          *feedNumber `json:"vtt"`
	OI           *feedNumber `json:"oi"`
	IV           *feedNumber `json:"iv"`
	OptionGreeks *feedGreeks `json:"optionGreeks"`
}

type feedEntry struct {
	// flat layout
	LTP    *feedNumber `json:"ltp"`
	Volume *feedNumber `json:"volume"`
	OI     *feedNumber `json:"oi"`
	IV     *feedNumber `json:"iv"`
	Delta  *feedNumber `json:"delta"`
	Theta  *feedNumber `json:"theta"`
	Gamma  *feedNumber `json:"gamma"`
	Vega   *feedNumber `json:"vega"`

	// nested layout
	LTPC     *feedLTPC `json:"ltpc"`
	FullFeed *feedFull `json:"fullFeed"`
}

type feedFull struct {
	MarketFF *feedMarketFF `json:"marketFF"`
	IndexFF  *feedMarketFF `json:"indexFF"`
}

// FeedDecoder is implemented by brokers whose frames need their own decoding.
type FeedDecoder interface {
	DecodeFeed(msg []byte) ([]entity.RawTick, error)
}

// DecodeFeedFrame decodes a JSON frame when it starts with an object and a
// protobuf FeedResponse otherwise.
func DecodeFeedFrame(msg []byte) ([]entity.RawTick, error) {
	if trimmed := bytes.TrimSpace(msg); len(trimmed) > 0 && trimmed[0] == '{' {
		return DecodeFeedMessage(msg)
	}
	return DecodeProtoFeedMessage(msg)
}

// DecodeFeedMessage decodes one upstream frame into raw ticks. Entries may be
// wrapped in "feeds" or sent as the top-level object, flat or nested under
// fullFeed.marketFF / fullFeed.indexFF. Keys are returned as received.
// Undecodable entries are reported as joined *FeedEntryError values next to the
// ticks that did decode.
func DecodeFeedMessage(msg []byte) ([]entity.RawTick, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(msg, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFeed, err)
	}

	if feeds, ok := envelope["feeds"]; ok {
		envelope = nil
		if err := json.Unmarshal(feeds, &envelope); err != nil {
			return nil, fmt.Errorf("%w: feeds: %w", ErrMalformedFeed, err)
		}
	}

	var errs []error
	ticks := make([]entity.RawTick, 0, len(envelope))
	for key, raw := range envelope {
		var entry feedEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			errs = append(errs, &FeedEntryError{Key: key, Payload: raw, Err: err})
			continue
		}

		tick := entry.toRawTick(key)
		tick.Payload = raw
		ticks = append(ticks, tick)
	}

	return ticks, errors.Join(errs...)
}

// countDecodeErrors returns how many entries err stands for.
func countDecodeErrors(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, ErrMalformedFeed) {
		return 1
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return len(joined.Unwrap())
	}
	return 1
}

func (e feedEntry) toRawTick(key string) entity.RawTick {
	tick := entity.RawTick{
		InstrumentKey:   key,
		LastTradedPrice: e.LTP.nullFloat(),
		Volume:          e.Volume.nullInt(),
		OpenInterest:    e.OI.nullFloat(),
		Greeks:          brokerGreeks(e.IV, &feedGreeks{Delta: e.Delta, Theta: e.Theta, Gamma: e.Gamma, Vega: e.Vega}),
	}
	if !tick.LastTradedPrice.Valid && e.LTPC != nil {
		tick.LastTradedPrice = e.LTPC.LTP.nullFloat()
	}

	var mff *feedMarketFF
	if e.FullFeed != nil {
		mff = e.FullFeed.MarketFF
		if mff == nil {
			mff = e.FullFeed.IndexFF
		}
	}
	if mff == nil {
		return tick
	}

	// nested values win only where the nested block sets them
	if mff.LTPC != nil && mff.LTPC.LTP != nil && mff.LTPC.LTP.set {
		tick.LastTradedPrice = mff.LTPC.LTP.nullFloat()
	}
	if mff.VTT != nil && mff.VTT.set {
		tick.Volume = mff.VTT.nullInt()
	}
	if mff.OI != nil && mff.OI.set {
		tick.OpenInterest = mff.OI.nullFloat()
	}
	if greeks := brokerGreeks(mff.IV, mff.OptionGreeks); greeks != nil {
		tick.Greeks = greeks
	}

	return tick
}

// brokerGreeks returns nil unless the broker sent a usable iv or delta.
func brokerGreeks(iv *feedNumber, g *feedGreeks) *entity.Greeks {
	if g == nil {
		g = &feedGreeks{}
	}
	if iv.orZero() == 0 && g.Delta.orZero() == 0 {
		return nil
	}

	return &entity.Greeks{
		IV:    iv.orZero(),
		Delta: g.Delta.orZero(),
		Gamma: g.Gamma.orZero(),
		Theta: g.Theta.orZero(),
		Vega:  g.Vega.orZero(),
	}
}
