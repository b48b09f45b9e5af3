package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"vpn-service/internal/dbtx"
)

// Promo scope values, matching the source system's tariff_scope column.
const (
	PromoScopeAll  = "all"
	PromoScopeOnly = "selected"
)

var (
	ErrPromoNotFound      = errors.New("promo code not found")
	ErrPromoInactive      = errors.New("promo code inactive")
	ErrPromoOutOfWindow   = errors.New("promo code not in valid date window")
	ErrPromoExhausted     = errors.New("promo code has reached max uses")
	ErrPromoUserLimit     = errors.New("promo code per-user limit reached")
	ErrPromoWrongUser     = errors.New("promo code bound to a different telegram user")
	ErrPromoTariffScope   = errors.New("promo code not valid for this tariff")
)

type PromoCode struct {
	Code              string   `db:"code"`
	ActionType        string   `db:"action_type"`
	ExtraDays         int      `db:"extra_days"`
	IsMultiUse        bool     `db:"is_multi_use"`
	MaxUses           *int     `db:"max_uses"`
	PerUserLimit      int      `db:"per_user_limit"`
	UsedCount         int      `db:"used_count"`
	ValidFrom         *time.Time `db:"valid_from"`
	ValidUntil        *time.Time `db:"valid_until"`
	TariffScope       string   `db:"tariff_scope"`
	AllowedTariffs    []string `db:"allowed_tariffs"`
	AllowedTelegramID *int64   `db:"allowed_telegram_id"`
	IsActive          bool     `db:"is_active"`
	Comment           string   `db:"comment"`
}

type PromoCodeUsage struct {
	ID              int64
	PromoCode       string
	TelegramUserID  int64
	SubscriptionID  *int64
	CreatedAt       time.Time
}

type PromoRepository struct {
	pool *pgxpool.Pool
}

func NewPromoRepository(pool *pgxpool.Pool) *PromoRepository {
	return &PromoRepository{pool: pool}
}

func (r *PromoRepository) q(q dbtx.Querier) dbtx.Querier {
	if q != nil {
		return q
	}
	return r.pool
}

func promoColumns() []string {
	return []string{
		"code", "action_type", "extra_days", "is_multi_use", "max_uses", "per_user_limit",
		"used_count", "valid_from", "valid_until", "tariff_scope", "allowed_tariffs",
		"allowed_telegram_id", "is_active", "comment",
	}
}

func scanPromo(row pgx.Row) (*PromoCode, error) {
	var p PromoCode
	err := row.Scan(
		&p.Code, &p.ActionType, &p.ExtraDays, &p.IsMultiUse, &p.MaxUses, &p.PerUserLimit,
		&p.UsedCount, &p.ValidFrom, &p.ValidUntil, &p.TariffScope, &p.AllowedTariffs,
		&p.AllowedTelegramID, &p.IsActive, &p.Comment,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// FindByCodeForUpdate locks the promo row, used inside the redemption
// transaction so concurrent redemptions serialize on max_uses checks.
func (r *PromoRepository) FindByCodeForUpdate(ctx context.Context, q dbtx.Querier, code string) (*PromoCode, error) {
	builder := sq.Select(promoColumns()...).From("promo_codes").
		Where(sq.Eq{"code": code}).Suffix("FOR UPDATE").PlaceholderFormat(sq.Dollar)
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	p, err := scanPromo(r.q(q).QueryRow(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query promo: %w", err)
	}
	return p, nil
}

// CountUsagesByUser returns how many times this user has already redeemed
// this promo code, for per_user_limit enforcement.
func (r *PromoRepository) CountUsagesByUser(ctx context.Context, q dbtx.Querier, code string, tgUserID int64) (int, error) {
	builder := sq.Select("COUNT(*)").From("promo_code_usages").
		Where(sq.Eq{"promo_code": code, "telegram_user_id": tgUserID}).PlaceholderFormat(sq.Dollar)
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}

	var count int
	if err := r.q(q).QueryRow(ctx, sqlStr, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("query usage count: %w", err)
	}
	return count, nil
}

// ValidateForRedemption checks a promo row's preconditions (active, date
// window, telegram binding, tariff scope, and the global max_uses against
// used_count), but not the per-user limit, which needs a count of usage
// rows; callers run this after FindByCodeForUpdate inside the redemption
// transaction.
func ValidateForRedemption(p *PromoCode, tgUserID int64, tariffCode string, now time.Time) error {
	if !p.IsActive {
		return ErrPromoInactive
	}
	if p.ValidFrom != nil && now.Before(*p.ValidFrom) {
		return ErrPromoOutOfWindow
	}
	if p.ValidUntil != nil && now.After(*p.ValidUntil) {
		return ErrPromoOutOfWindow
	}
	if p.AllowedTelegramID != nil && *p.AllowedTelegramID != tgUserID {
		return ErrPromoWrongUser
	}
	if p.TariffScope == PromoScopeOnly && tariffCode != "" {
		found := false
		for _, t := range p.AllowedTariffs {
			if t == tariffCode {
				found = true
				break
			}
		}
		if !found {
			return ErrPromoTariffScope
		}
	}
	if p.MaxUses != nil && p.UsedCount >= *p.MaxUses {
		return ErrPromoExhausted
	}
	return nil
}

// RecordUsage inserts the usage row and bumps used_count, deactivating the
// code if it has just hit max_uses. Caller must run this inside the same
// transaction as FindByCodeForUpdate.
func (r *PromoRepository) RecordUsage(ctx context.Context, q dbtx.Querier, code string, tgUserID int64, subscriptionID *int64) error {
	insertBuilder := sq.Insert("promo_code_usages").
		Columns("promo_code", "telegram_user_id", "subscription_id").
		Values(code, tgUserID, subscriptionID).
		PlaceholderFormat(sq.Dollar)
	sqlStr, args, err := insertBuilder.ToSql()
	if err != nil {
		return fmt.Errorf("build usage insert: %w", err)
	}
	if _, err := r.q(q).Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}

	updateBuilder := sq.Update("promo_codes").
		Set("used_count", sq.Expr("used_count + 1")).
		Where(sq.Eq{"code": code}).
		PlaceholderFormat(sq.Dollar)
	sqlStr, args, err = updateBuilder.ToSql()
	if err != nil {
		return fmt.Errorf("build used_count update: %w", err)
	}
	if _, err := r.q(q).Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("bump used_count: %w", err)
	}

	deactivateBuilder := sq.Update("promo_codes").
		Set("is_active", false).
		Where(sq.Eq{"code": code}).
		Where("max_uses IS NOT NULL AND used_count >= max_uses").
		PlaceholderFormat(sq.Dollar)
	sqlStr, args, err = deactivateBuilder.ToSql()
	if err != nil {
		return fmt.Errorf("build auto-deactivate: %w", err)
	}
	if _, err := r.q(q).Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("auto-deactivate promo: %w", err)
	}
	return nil
}

// Upsert inserts or replaces a promo code row, used by admin tooling.
func (r *PromoRepository) Upsert(ctx context.Context, q dbtx.Querier, p *PromoCode) error {
	builder := sq.Insert("promo_codes").
		Columns(promoColumns()...).
		Values(p.Code, p.ActionType, p.ExtraDays, p.IsMultiUse, p.MaxUses, p.PerUserLimit,
			p.UsedCount, p.ValidFrom, p.ValidUntil, p.TariffScope, p.AllowedTariffs,
			p.AllowedTelegramID, p.IsActive, p.Comment).
		Suffix(`ON CONFLICT (code) DO UPDATE SET
			action_type = EXCLUDED.action_type,
			extra_days = EXCLUDED.extra_days,
			is_multi_use = EXCLUDED.is_multi_use,
			max_uses = EXCLUDED.max_uses,
			per_user_limit = EXCLUDED.per_user_limit,
			valid_from = EXCLUDED.valid_from,
			valid_until = EXCLUDED.valid_until,
			tariff_scope = EXCLUDED.tariff_scope,
			allowed_tariffs = EXCLUDED.allowed_tariffs,
			allowed_telegram_id = EXCLUDED.allowed_telegram_id,
			is_active = EXCLUDED.is_active,
			comment = EXCLUDED.comment`).
		PlaceholderFormat(sq.Dollar)

	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}
	if _, err := r.q(q).Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert promo: %w", err)
	}
	return nil
}

// Deactivate flips is_active off, used by admin revoke tooling.
func (r *PromoRepository) Deactivate(ctx context.Context, q dbtx.Querier, code string) error {
	builder := sq.Update("promo_codes").Set("is_active", false).
		Where(sq.Eq{"code": code}).PlaceholderFormat(sq.Dollar)
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("build deactivate: %w", err)
	}
	if _, err := r.q(q).Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("deactivate promo: %w", err)
	}
	return nil
}
