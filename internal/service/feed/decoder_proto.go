package feed

import (
	"errors"
	"fmt"
	"math"

	"github.com/krobus00/option-feed-service/internal/entity"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the MarketDataFeedV3 FeedResponse and its nested messages.
const (
	feedResponseFeeds protowire.Number = 2

	mapEntryKey   protowire.Number = 1
	mapEntryValue protowire.Number = 2

	feedFieldLTPC            protowire.Number = 1
	feedFullFeed             protowire.Number = 2
	feedFirstLevelWithGreeks protowire.Number = 3

	fullFeedMarket protowire.Number = 1
	fullFeedIndex  protowire.Number = 2

	ltpcLTP protowire.Number = 1

	greeksDelta protowire.Number = 1
	greeksTheta protowire.Number = 2
	greeksGamma protowire.Number = 3
	greeksVega  protowire.Number = 4
)

var (
	errProtoWireType   = errors.New("unexpected wire type")
	errProtoMissingKey = errors.New("feed entry without instrument key")
)

// protoMarketLayout maps the market fields of one feed message kind. Zero
// means the message has no such field.
type protoMarketLayout struct {
	ltpc   protowire.Number
	greeks protowire.Number
	vtt    protowire.Number
	oi     protowire.Number
	iv     protowire.Number
}

var (
	marketFullFeedLayout = protoMarketLayout{ltpc: 1, greeks: 3, vtt: 6, oi: 7, iv: 8}
	indexFullFeedLayout  = protoMarketLayout{ltpc: 1}
	firstLevelLayout     = protoMarketLayout{ltpc: 1, greeks: 3, vtt: 4, oi: 5, iv: 6}
)

// DecodeProtoFeedMessage decodes a binary FeedResponse frame. Each entry of
// the feeds map goes through the same field mapping as the JSON layouts, and
// undecodable entries are reported as joined *FeedEntryError values.
func DecodeProtoFeedMessage(msg []byte) ([]entity.RawTick, error) {
	var entries [][]byte
	err := protoFields(msg, func(num protowire.Number, typ protowire.Type, _ uint64, raw []byte) error {
		if num != feedResponseFeeds {
			return nil
		}
		if typ != protowire.BytesType {
			return fmt.Errorf("%w: feeds", errProtoWireType)
		}

		entries = append(entries, raw)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFeed, err)
	}

	var errs []error
	ticks := make([]entity.RawTick, 0, len(entries))
	for _, raw := range entries {
		key, value, err := decodeProtoMapEntry(raw)
		if err != nil {
			errs = append(errs, &FeedEntryError{Key: key, Payload: raw, Err: err})
			continue
		}

		entry, err := decodeProtoFeed(value)
		if err != nil {
			errs = append(errs, &FeedEntryError{Key: key, Payload: value, Err: err})
			continue
		}

		tick := entry.toRawTick(key)
		tick.Payload = value
		ticks = append(ticks, tick)
	}

	return ticks, errors.Join(errs...)
}

// protoFields calls fn for every field of b. Varint and fixed values arrive in
// scalar, length-delimited values in raw.
func protoFields(b []byte, fn func(num protowire.Number, typ protowire.Type, scalar uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var (
			scalar uint64
			raw    []byte
		)
		switch typ {
		case protowire.VarintType:
			scalar, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			scalar, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			scalar = uint64(v)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(num, typ, scalar, raw); err != nil {
			return err
		}
	}

	return nil
}

func decodeProtoMapEntry(b []byte) (string, []byte, error) {
	var (
		key   string
		value []byte
	)
	err := protoFields(b, func(num protowire.Number, typ protowire.Type, _ uint64, raw []byte) error {
		if num != mapEntryKey && num != mapEntryValue {
			return nil
		}
		if typ != protowire.BytesType {
			return fmt.Errorf("%w: map entry field %d", errProtoWireType, num)
		}

		if num == mapEntryKey {
			key = string(raw)
		} else {
			value = raw
		}
		return nil
	})
	if err != nil {
		return key, nil, err
	}
	if key == "" {
		return "", nil, errProtoMissingKey
	}

	return key, value, nil
}

func decodeProtoFeed(b []byte) (feedEntry, error) {
	var entry feedEntry
	err := protoFields(b, func(num protowire.Number, typ protowire.Type, _ uint64, raw []byte) error {
		var err error
		switch num {
		case feedFieldLTPC:
			if raw, err = protoMessage(typ, raw); err == nil {
				entry.LTPC, err = decodeProtoLTPC(raw)
			}
		case feedFullFeed:
			if raw, err = protoMessage(typ, raw); err == nil {
				entry.FullFeed, err = decodeProtoFullFeed(raw)
			}
		case feedFirstLevelWithGreeks:
			var mff *feedMarketFF
			if raw, err = protoMessage(typ, raw); err == nil {
				mff, err = decodeProtoMarket(raw, firstLevelLayout)
				entry.FullFeed = &feedFull{MarketFF: mff}
			}
		}
		return err
	})

	return entry, err
}

func decodeProtoFullFeed(b []byte) (*feedFull, error) {
	full := &feedFull{}
	err := protoFields(b, func(num protowire.Number, typ protowire.Type, _ uint64, raw []byte) error {
		var err error
		switch num {
		case fullFeedMarket:
			if raw, err = protoMessage(typ, raw); err == nil {
				full.MarketFF, err = decodeProtoMarket(raw, marketFullFeedLayout)
			}
		case fullFeedIndex:
			if raw, err = protoMessage(typ, raw); err == nil {
				full.IndexFF, err = decodeProtoMarket(raw, indexFullFeedLayout)
			}
		}
		return err
	})

	return full, err
}

func decodeProtoMarket(b []byte, layout protoMarketLayout) (*feedMarketFF, error) {
	mff := &feedMarketFF{}
	err := protoFields(b, func(num protowire.Number, typ protowire.Type, scalar uint64, raw []byte) error {
		var err error
		switch num {
		case layout.ltpc:
			if raw, err = protoMessage(typ, raw); err == nil {
				mff.LTPC, err = decodeProtoLTPC(raw)
			}
		case layout.greeks:
			if raw, err = protoMessage(typ, raw); err == nil {
				mff.OptionGreeks, err = decodeProtoGreeks(raw)
			}
		case layout.vtt:
			mff.VTT, err = protoInt64(typ, scalar)
		case layout.oi:
			mff.OI, err = protoDouble(typ, scalar)
		case layout.iv:
			mff.IV, err = protoDouble(typ, scalar)
		}
		return err
	})

	return mff, err
}

func decodeProtoLTPC(b []byte) (*feedLTPC, error) {
	ltpc := &feedLTPC{}
	err := protoFields(b, func(num protowire.Number, typ protowire.Type, scalar uint64, _ []byte) error {
		if num != ltpcLTP {
			return nil
		}

		var err error
		ltpc.LTP, err = protoDouble(typ, scalar)
		return err
	})

	return ltpc, err
}

func decodeProtoGreeks(b []byte) (*feedGreeks, error) {
	g := &feedGreeks{}
	err := protoFields(b, func(num protowire.Number, typ protowire.Type, scalar uint64, _ []byte) error {
		var err error
		switch num {
		case greeksDelta:
			g.Delta, err = protoDouble(typ, scalar)
		case greeksTheta:
			g.Theta, err = protoDouble(typ, scalar)
		case greeksGamma:
			g.Gamma, err = protoDouble(typ, scalar)
		case greeksVega:
			g.Vega, err = protoDouble(typ, scalar)
		}
		return err
	})

	return g, err
}

func protoMessage(typ protowire.Type, raw []byte) ([]byte, error) {
	if typ != protowire.BytesType {
		return nil, fmt.Errorf("%w: want bytes, got %d", errProtoWireType, typ)
	}
	return raw, nil
}

func protoDouble(typ protowire.Type, v uint64) (*feedNumber, error) {
	if typ != protowire.Fixed64Type {
		return nil, fmt.Errorf("%w: want fixed64, got %d", errProtoWireType, typ)
	}
	return &feedNumber{value: math.Float64frombits(v), set: true}, nil
}

func protoInt64(typ protowire.Type, v uint64) (*feedNumber, error) {
	if typ != protowire.VarintType {
		return nil, fmt.Errorf("%w: want varint, got %d", errProtoWireType, typ)
	}
	return &feedNumber{value: float64(int64(v)), set: true}, nil
}
