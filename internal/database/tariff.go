package database

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"vpn-service/internal/dbtx"
)

// Tariff is the catalogue row selecting a subscription's duration and,
// depending on channel, price.
type Tariff struct {
	Code               string   `db:"code"`
	Title              string   `db:"title"`
	DurationDays       int      `db:"duration_days"`
	CardAmount         *float64 `db:"card_amount"`
	CryptoAmountUSD    *float64 `db:"crypto_amount_usd"`
	PointsCost         *int64   `db:"points_cost"`
	RefBaseBonusPoints int64    `db:"ref_base_bonus_points"`
	RefEnabled         bool     `db:"ref_enabled"`
	IsActive           bool     `db:"is_active"`
	SortOrder          int      `db:"sort_order"`
}

// fallbackTariffs is the small hard-coded table the Controller falls back
// to during Store outages, per spec §4.4 "Tariff mapping".
var fallbackTariffs = map[string]int{
	"1m":      30,
	"3m":      90,
	"6m":      180,
	"1y":      365,
	"forever": 36500,
}

// FallbackDurationDays resolves a tariff code to a duration using the
// hard-coded fallback table, for use when the Store is unavailable.
func FallbackDurationDays(code string) (int, bool) {
	days, ok := fallbackTariffs[code]
	return days, ok
}

type TariffRepository struct {
	pool *pgxpool.Pool
}

func NewTariffRepository(pool *pgxpool.Pool) *TariffRepository {
	return &TariffRepository{pool: pool}
}

func (r *TariffRepository) q(q dbtx.Querier) dbtx.Querier {
	if q != nil {
		return q
	}
	return r.pool
}

func tariffColumns() []string {
	return []string{
		"code", "title", "duration_days", "card_amount", "crypto_amount_usd",
		"points_cost", "ref_base_bonus_points", "ref_enabled", "is_active", "sort_order",
	}
}

func scanTariff(row pgx.Row) (*Tariff, error) {
	var t Tariff
	err := row.Scan(
		&t.Code, &t.Title, &t.DurationDays, &t.CardAmount, &t.CryptoAmountUSD,
		&t.PointsCost, &t.RefBaseBonusPoints, &t.RefEnabled, &t.IsActive, &t.SortOrder,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTariffRows(rows pgx.Rows) (*Tariff, error) {
	var t Tariff
	err := rows.Scan(
		&t.Code, &t.Title, &t.DurationDays, &t.CardAmount, &t.CryptoAmountUSD,
		&t.PointsCost, &t.RefBaseBonusPoints, &t.RefEnabled, &t.IsActive, &t.SortOrder,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// FindByCode looks up a tariff by its code, active or not.
func (r *TariffRepository) FindByCode(ctx context.Context, q dbtx.Querier, code string) (*Tariff, error) {
	builder := sq.Select(tariffColumns()...).From("tariffs").Where(sq.Eq{"code": code}).PlaceholderFormat(sq.Dollar)
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	t, err := scanTariff(r.q(q).QueryRow(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query tariff: %w", err)
	}
	return t, nil
}

// ListActive returns every active tariff ordered by sort_order.
func (r *TariffRepository) ListActive(ctx context.Context, q dbtx.Querier) ([]Tariff, error) {
	builder := sq.Select(tariffColumns()...).From("tariffs").Where(sq.Eq{"is_active": true}).OrderBy("sort_order ASC").PlaceholderFormat(sq.Dollar)
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := r.q(q).Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query tariffs: %w", err)
	}
	defer rows.Close()

	var out []Tariff
	for rows.Next() {
		t, err := scanTariffRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tariff: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tariffs: %w", err)
	}
	return out, nil
}

// Upsert inserts or replaces a catalogue row, used by seed/admin tooling.
func (r *TariffRepository) Upsert(ctx context.Context, q dbtx.Querier, t *Tariff) error {
	builder := sq.Insert("tariffs").
		Columns(tariffColumns()...).
		Values(t.Code, t.Title, t.DurationDays, t.CardAmount, t.CryptoAmountUSD,
			t.PointsCost, t.RefBaseBonusPoints, t.RefEnabled, t.IsActive, t.SortOrder).
		Suffix(`ON CONFLICT (code) DO UPDATE SET
			title = EXCLUDED.title,
			duration_days = EXCLUDED.duration_days,
			card_amount = EXCLUDED.card_amount,
			crypto_amount_usd = EXCLUDED.crypto_amount_usd,
			points_cost = EXCLUDED.points_cost,
			ref_base_bonus_points = EXCLUDED.ref_base_bonus_points,
			ref_enabled = EXCLUDED.ref_enabled,
			is_active = EXCLUDED.is_active,
			sort_order = EXCLUDED.sort_order`).
		PlaceholderFormat(sq.Dollar)

	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}
	if _, err := r.q(q).Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert tariff: %w", err)
	}
	return nil
}
