// Package database is the Subscription Store (C2): the single
// transactional system of record for subscriptions, tariffs, points,
// referrals, and notifications, and the source of truth for idempotency
// keys.
package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"vpn-service/internal/dbtx"
)

// Subscription is the central entity of the system: a time-bounded,
// channel-tagged right to a WireGuard peer binding.
type Subscription struct {
	ID                     int64      `db:"id"`
	TelegramUserID         int64      `db:"telegram_user_id"`
	ProviderSubscriptionID int64      `db:"provider_subscription_id"`
	ProviderPeriodID       int64      `db:"provider_period_id"`
	ProviderChannelID      int64      `db:"provider_channel_id"`
	TariffCode             string     `db:"tariff_code"`
	PeriodTag              string     `db:"period_tag"`
	ChannelName            string     `db:"channel_name"`
	VPNIP                  string     `db:"vpn_ip"`
	WGPrivateKey           string     `db:"wg_private_key"`
	WGPublicKey            string     `db:"wg_public_key"`
	CreatedAt              time.Time  `db:"created_at"`
	ExpiresAt              time.Time  `db:"expires_at"`
	Active                 bool       `db:"active"`
	LastEventName          *string    `db:"last_event_name"`
}

// Channel name constants, per spec §3.
const (
	ChannelYooKassa       = "YooKassa"
	ChannelHeleket        = "Heleket"
	ChannelAdminManual    = "Admin manual"
	ChannelPromoCode      = "Promo code"
	ChannelPointsBalance  = "Points balance"
	ChannelReferralTrial  = "Referral trial"
	ChannelTribute        = "Tribute"
)

// SubscriptionRepository is the C2 store for the subscriptions table.
type SubscriptionRepository struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepository(pool *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{pool: pool}
}

func (r *SubscriptionRepository) q(q dbtx.Querier) dbtx.Querier {
	if q != nil {
		return q
	}
	return r.pool
}

func subscriptionColumns() []string {
	return []string{
		"id", "telegram_user_id", "provider_subscription_id", "provider_period_id",
		"provider_channel_id", "tariff_code", "period_tag", "channel_name", "vpn_ip",
		"wg_private_key", "wg_public_key", "created_at", "expires_at", "active",
		"last_event_name",
	}
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var s Subscription
	err := row.Scan(
		&s.ID, &s.TelegramUserID, &s.ProviderSubscriptionID, &s.ProviderPeriodID,
		&s.ProviderChannelID, &s.TariffCode, &s.PeriodTag, &s.ChannelName, &s.VPNIP,
		&s.WGPrivateKey, &s.WGPublicKey, &s.CreatedAt, &s.ExpiresAt, &s.Active,
		&s.LastEventName,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanSubscriptionRows(rows pgx.Rows) (*Subscription, error) {
	var s Subscription
	err := rows.Scan(
		&s.ID, &s.TelegramUserID, &s.ProviderSubscriptionID, &s.ProviderPeriodID,
		&s.ProviderChannelID, &s.TariffCode, &s.PeriodTag, &s.ChannelName, &s.VPNIP,
		&s.WGPrivateKey, &s.WGPublicKey, &s.CreatedAt, &s.ExpiresAt, &s.Active,
		&s.LastEventName,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SubscriptionRepository) queryList(ctx context.Context, q dbtx.Querier, builder sq.SelectBuilder) ([]Subscription, error) {
	sql, args, err := builder.PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := r.q(q).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		s, err := scanSubscriptionRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return out, nil
}

// GetLatestActiveSubscription returns the active, not-yet-expired
// subscription with the greatest expires_at, or nil.
func (r *SubscriptionRepository) GetLatestActiveSubscription(ctx context.Context, q dbtx.Querier, tgID int64) (*Subscription, error) {
	builder := sq.Select(subscriptionColumns()...).
		From("subscriptions").
		Where(sq.And{
			sq.Eq{"telegram_user_id": tgID},
			sq.Eq{"active": true},
			sq.Gt{"expires_at": time.Now()},
		}).
		OrderBy("expires_at DESC").
		Limit(1).
		PlaceholderFormat(sq.Dollar)

	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	s, err := scanSubscription(r.q(q).QueryRow(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query latest active subscription: %w", err)
	}
	return s, nil
}

// GetActiveSubscriptions lists active subscriptions for a user, ordered by
// expires_at desc. Normally at most one exists, but the query does not
// itself enforce the one-active invariant.
func (r *SubscriptionRepository) GetActiveSubscriptions(ctx context.Context, q dbtx.Querier, tgID int64) ([]Subscription, error) {
	builder := sq.Select(subscriptionColumns()...).
		From("subscriptions").
		Where(sq.And{
			sq.Eq{"telegram_user_id": tgID},
			sq.Eq{"active": true},
		}).
		OrderBy("expires_at DESC")

	return r.queryList(ctx, q, builder)
}

// GetLatestSubscription returns the most recently created row for tgID
// regardless of active/expired status, or nil. Used by the T-Revive-Reuse
// policy: "any latest row, not only within N days" (spec §9 open question).
func (r *SubscriptionRepository) GetLatestSubscription(ctx context.Context, q dbtx.Querier, tgID int64) (*Subscription, error) {
	builder := sq.Select(subscriptionColumns()...).
		From("subscriptions").
		Where(sq.Eq{"telegram_user_id": tgID}).
		OrderBy("created_at DESC").
		Limit(1).
		PlaceholderFormat(sq.Dollar)

	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	s, err := scanSubscription(r.q(q).QueryRow(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query latest subscription: %w", err)
	}
	return s, nil
}

// HasAnySubscription reports whether tgID has ever had a subscription row.
func (r *SubscriptionRepository) HasAnySubscription(ctx context.Context, q dbtx.Querier, tgID int64) (bool, error) {
	builder := sq.Select("1").From("subscriptions").Where(sq.Eq{"telegram_user_id": tgID}).Limit(1).PlaceholderFormat(sq.Dollar)
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return false, fmt.Errorf("build query: %w", err)
	}
	var exists int
	err = r.q(q).QueryRow(ctx, sqlStr, args...).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query has any subscription: %w", err)
	}
	return true, nil
}

// InsertSubscription inserts a new row and returns its id. The caller must
// guarantee the one-active invariant by deactivating predecessors first.
func (r *SubscriptionRepository) InsertSubscription(ctx context.Context, q dbtx.Querier, s *Subscription) (int64, error) {
	builder := sq.Insert("subscriptions").
		Columns(
			"telegram_user_id", "provider_subscription_id", "provider_period_id",
			"provider_channel_id", "tariff_code", "period_tag", "channel_name", "vpn_ip",
			"wg_private_key", "wg_public_key", "expires_at", "active", "last_event_name",
		).
		Values(
			s.TelegramUserID, s.ProviderSubscriptionID, s.ProviderPeriodID,
			s.ProviderChannelID, s.TariffCode, s.PeriodTag, s.ChannelName, s.VPNIP,
			s.WGPrivateKey, s.WGPublicKey, s.ExpiresAt, s.Active, s.LastEventName,
		).
		Suffix("RETURNING id").
		PlaceholderFormat(sq.Dollar)

	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert: %w", err)
	}

	var id int64
	if err := r.q(q).QueryRow(ctx, sqlStr, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert subscription: %w", err)
	}
	return id, nil
}

// UpdateExpiration is used for extensions and refund shortenings.
func (r *SubscriptionRepository) UpdateExpiration(ctx context.Context, q dbtx.Querier, subID int64, newExpiresAt time.Time, eventName string) error {
	builder := sq.Update("subscriptions").
		Set("expires_at", newExpiresAt).
		Set("last_event_name", eventName).
		Where(sq.Eq{"id": subID}).
		PlaceholderFormat(sq.Dollar)

	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	if _, err := r.q(q).Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("update expiration: %w", err)
	}
	return nil
}

// DeactivateByID conditionally deactivates a row only if it is currently
// active, returning the prior row so the caller can remove the WireGuard
// peer. Returns (nil, nil) if the row was already inactive — idempotent.
func (r *SubscriptionRepository) DeactivateByID(ctx context.Context, q dbtx.Querier, subID int64, eventName string) (*Subscription, error) {
	return r.setActive(ctx, q, subID, false, eventName)
}

// ActivateByID is the symmetric counterpart of DeactivateByID.
func (r *SubscriptionRepository) ActivateByID(ctx context.Context, q dbtx.Querier, subID int64, eventName string) (*Subscription, error) {
	return r.setActive(ctx, q, subID, true, eventName)
}

func (r *SubscriptionRepository) setActive(ctx context.Context, q dbtx.Querier, subID int64, active bool, eventName string) (*Subscription, error) {
	builder := sq.Update("subscriptions").
		Set("active", active).
		Set("last_event_name", eventName).
		Where(sq.And{
			sq.Eq{"id": subID},
			sq.NotEq{"active": active},
		}).
		Suffix("RETURNING " + strings.Join(subscriptionColumns(), ", ")).
		PlaceholderFormat(sq.Dollar)

	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build conditional update: %w", err)
	}

	row := r.q(q).QueryRow(ctx, sqlStr, args...)
	s, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("conditional update subscription: %w", err)
	}
	return s, nil
}

// DeleteByID best-effort nulls-out foreign references (points transactions,
// promo usages) then deletes the row.
func (r *SubscriptionRepository) DeleteByID(ctx context.Context, q dbtx.Querier, subID int64) (bool, error) {
	querier := r.q(q)

	if _, err := querier.Exec(ctx, `UPDATE points_transactions SET related_subscription_id = NULL WHERE related_subscription_id = $1`, subID); err != nil {
		return false, fmt.Errorf("null out points transactions: %w", err)
	}
	if _, err := querier.Exec(ctx, `UPDATE promo_code_usages SET subscription_id = NULL WHERE subscription_id = $1`, subID); err != nil {
		return false, fmt.Errorf("null out promo usages: %w", err)
	}

	tag, err := querier.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, subID)
	if err != nil {
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// EventAlreadyProcessed is the idempotency gate: an event_name is considered
// applied if any subscription row carries it as last_event_name.
func (r *SubscriptionRepository) EventAlreadyProcessed(ctx context.Context, q dbtx.Querier, eventName string) (bool, error) {
	var exists int
	err := r.q(q).QueryRow(ctx, `SELECT 1 FROM subscriptions WHERE last_event_name = $1 LIMIT 1`, eventName).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query event processed: %w", err)
	}
	return true, nil
}

// GetSubscriptionByEvent retrieves the row carrying eventName as its
// last_event_name, used by refund processing to find the original payment's
// row.
func (r *SubscriptionRepository) GetSubscriptionByEvent(ctx context.Context, q dbtx.Querier, eventName string) (*Subscription, error) {
	builder := sq.Select(subscriptionColumns()...).
		From("subscriptions").
		Where(sq.Eq{"last_event_name": eventName}).
		Limit(1).
		PlaceholderFormat(sq.Dollar)

	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	s, err := scanSubscription(r.q(q).QueryRow(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query subscription by event: %w", err)
	}
	return s, nil
}

// GetExpiredActive lists rows the expiry sweeper (W1) must deactivate.
func (r *SubscriptionRepository) GetExpiredActive(ctx context.Context, q dbtx.Querier) ([]Subscription, error) {
	builder := sq.Select(subscriptionColumns()...).
		From("subscriptions").
		Where(sq.And{
			sq.Eq{"active": true},
			sq.LtOrEq{"expires_at": time.Now()},
		})
	return r.queryList(ctx, q, builder)
}

// GetExpiringBetween lists active rows whose expires_at falls in
// (now+fromHours, now+toHours], for the reminder scheduler (W2).
func (r *SubscriptionRepository) GetExpiringBetween(ctx context.Context, q dbtx.Querier, fromHours, toHours float64) ([]Subscription, error) {
	now := time.Now()
	from := now.Add(time.Duration(fromHours * float64(time.Hour)))
	to := now.Add(time.Duration(toHours * float64(time.Hour)))

	builder := sq.Select(subscriptionColumns()...).
		From("subscriptions").
		Where(sq.And{
			sq.Eq{"active": true},
			sq.Gt{"expires_at": from},
			sq.LtOrEq{"expires_at": to},
		})
	return r.queryList(ctx, q, builder)
}

// ListRecent returns the most recently created subscriptions, newest first,
// for the admin listing endpoint.
func (r *SubscriptionRepository) ListRecent(ctx context.Context, limit int) ([]Subscription, error) {
	builder := sq.Select(subscriptionColumns()...).
		From("subscriptions").
		OrderBy("created_at DESC").
		Limit(uint64(limit))
	return r.queryList(ctx, nil, builder)
}

// BeginTx starts a plain transaction on the pool, for Controller operations
// that need several Store calls to commit atomically but do not need the
// IP-allocation advisory lock (e.g. promo redemption, points payment).
func (r *SubscriptionRepository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}
