package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/guregu/null/v6"
	"github.com/jmoiron/sqlx"
	"github.com/krobus00/option-feed-service/internal/entity"
)

var instrumentColumns = []string{
	"id",
	"instrument_key",
	"underlying_key",
	"trading_symbol",
	"segment",
	"option_type",
	"strike",
	"expiry",
	"lot_size",
	"created_at",
	"updated_at",
}

type InstrumentRepository struct {
	db *sqlx.DB
}

func NewInstrumentRepository(db *sqlx.DB) *InstrumentRepository {
	return &InstrumentRepository{db: db}
}

// FindOptionChain returns every CE/PE contract of an underlying for one expiry
// date, ordered by strike.
func (r *InstrumentRepository) FindOptionChain(ctx context.Context, underlyingKey string, expiry time.Time) ([]entity.Instrument, error) {
	query, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select(instrumentColumns...).
		From(entity.Instrument{}.TableName()).
		Where(sq.Eq{
			"underlying_key": underlyingKey,
			"option_type":    []string{string(entity.OptionTypeCall), string(entity.OptionTypePut)},
		}).
		Where(sq.Expr("expiry::date = ?::date", expiry.Format("2006-01-02"))).
		OrderBy("strike ASC", "option_type ASC").
		ToSql()
	if err != nil {
		return nil, err
	}

	var instruments []entity.Instrument
	err = r.db.SelectContext(ctx, &instruments, query, args...)
	if err != nil {
		return nil, err
	}

	return instruments, nil
}

// FindNearestExpiry returns the first listed expiry on or after from.
func (r *InstrumentRepository) FindNearestExpiry(ctx context.Context, underlyingKey string, from time.Time) (null.Time, error) {
	query, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("MIN(expiry)").
		From(entity.Instrument{}.TableName()).
		Where(sq.Eq{"underlying_key": underlyingKey}).
		Where(sq.NotEq{"option_type": nil}).
		Where(sq.Expr("expiry::date >= ?::date", from.Format("2006-01-02"))).
		ToSql()
	if err != nil {
		return null.Time{}, err
	}

	var expiry null.Time
	err = r.db.GetContext(ctx, &expiry, query, args...)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return null.Time{}, err
	}

	return expiry, nil
}
