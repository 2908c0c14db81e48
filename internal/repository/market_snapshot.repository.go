package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/guregu/null/v6"
	"github.com/krobus00/option-feed-service/internal/constant"
	"github.com/krobus00/option-feed-service/internal/entity"
	"github.com/redis/go-redis/v9"
)

type MarketSnapshotRepository struct {
	client *redis.Client
	ttl    time.Duration
}

func NewMarketSnapshotRepository(client *redis.Client, ttl time.Duration) *MarketSnapshotRepository {
	return &MarketSnapshotRepository{client: client, ttl: ttl}
}

// SaveBatch writes the latest fields of every record into md:<key> hashes in
// one pipeline. Absent fields keep their stored value.
func (r *MarketSnapshotRepository) SaveBatch(ctx context.Context, records map[entity.InstrumentKey]entity.MarketRecord, updatedAt time.Time) error {
	if len(records) == 0 {
		return nil
	}

	pipe := r.client.Pipeline()
	for key, record := range records {
		redisKey := constant.GetMarketSnapshotKey(key.String())
		pipe.HSet(ctx, redisKey, marketRecordFields(record, updatedAt))
		if r.ttl > 0 {
			pipe.Expire(ctx, redisKey, r.ttl)
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}

func (r *MarketSnapshotRepository) Get(ctx context.Context, key entity.InstrumentKey) (*entity.MarketRecord, error) {
	fields, err := r.client.HGetAll(ctx, constant.GetMarketSnapshotKey(key.String())).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	return parseMarketRecordFields(fields), nil
}

func marketRecordFields(record entity.MarketRecord, updatedAt time.Time) map[string]any {
	fields := map[string]any{
		"updatedAt": updatedAt.UTC().Format(time.RFC3339Nano),
	}
	if record.LastTradedPrice.Valid {
		fields["lastTradedPrice"] = record.LastTradedPrice.Float64
	}
	if record.Volume.Valid {
		fields["volume"] = record.Volume.Int64
	}
	if record.OpenInterest.Valid {
		fields["openInterest"] = record.OpenInterest.Float64
	}
	if g := record.Greeks; g != nil {
		fields["iv"] = g.IV
		fields["delta"] = g.Delta
		fields["gamma"] = g.Gamma
		fields["theta"] = g.Theta
		fields["vega"] = g.Vega
	}

	return fields
}

func parseMarketRecordFields(fields map[string]string) *entity.MarketRecord {
	record := &entity.MarketRecord{
		LastTradedPrice: parseNullFloat(fields["lastTradedPrice"]),
		OpenInterest:    parseNullFloat(fields["openInterest"]),
	}
	if v, err := strconv.ParseInt(fields["volume"], 10, 64); err == nil {
		record.Volume = null.IntFrom(v)
	}
	if raw, ok := fields["updatedAt"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			record.UpdatedAt = t
		}
	}
	if _, ok := fields["delta"]; ok {
		record.Greeks = &entity.Greeks{
			IV:    parseNullFloat(fields["iv"]).Float64,
			Delta: parseNullFloat(fields["delta"]).Float64,
			Gamma: parseNullFloat(fields["gamma"]).Float64,
			Theta: parseNullFloat(fields["theta"]).Float64,
			Vega:  parseNullFloat(fields["vega"]).Float64,
		}
	}

	return record
}

func parseNullFloat(raw string) null.Float {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return null.Float{}
	}
	return null.FloatFrom(v)
}
