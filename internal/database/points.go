package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"vpn-service/internal/dbtx"
)

// Points transaction reasons written by this service. Referral credits of
// every level share one reason; the level is kept in the level column.
const (
	PointsReasonReferralBonus = "referral_bonus"
	PointsReasonSpend         = "spend"
	PointsReasonAdminGrant    = "admin_grant"
	PointsReasonAdminRevoke   = "admin_revoke"
	PointsReasonRefund        = "refund_reversal"
)

var ErrInsufficientPoints = errors.New("insufficient points balance")

type UserPoints struct {
	TelegramUserID int64
	Balance        int64
}

type PointsTransaction struct {
	ID                     int64
	TelegramUserID         int64
	Delta                  int64
	Reason                 string
	Source                 string
	RelatedSubscriptionID *int64
	RelatedPaymentID      *string
	Level                  *int
	Meta                   map[string]interface{}
	CreatedAt              time.Time
}

type PointsRepository struct {
	pool *pgxpool.Pool
}

func NewPointsRepository(pool *pgxpool.Pool) *PointsRepository {
	return &PointsRepository{pool: pool}
}

func (r *PointsRepository) q(q dbtx.Querier) dbtx.Querier {
	if q != nil {
		return q
	}
	return r.pool
}

// GetBalance returns the current points balance, 0 if the user has none yet.
func (r *PointsRepository) GetBalance(ctx context.Context, q dbtx.Querier, tgUserID int64) (int64, error) {
	builder := sq.Select("balance").From("user_points").
		Where(sq.Eq{"telegram_user_id": tgUserID}).PlaceholderFormat(sq.Dollar)
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}

	var balance int64
	err = r.q(q).QueryRow(ctx, sqlStr, args...).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}

// GetBalanceForUpdate locks the user_points row (creating it at zero first
// if absent) so a spend operation can check sufficiency without a race.
func (r *PointsRepository) GetBalanceForUpdate(ctx context.Context, q dbtx.Querier, tgUserID int64) (int64, error) {
	insertBuilder := sq.Insert("user_points").Columns("telegram_user_id", "balance").
		Values(tgUserID, 0).Suffix("ON CONFLICT (telegram_user_id) DO NOTHING").PlaceholderFormat(sq.Dollar)
	sqlStr, args, err := insertBuilder.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build seed insert: %w", err)
	}
	if _, err := r.q(q).Exec(ctx, sqlStr, args...); err != nil {
		return 0, fmt.Errorf("seed balance row: %w", err)
	}

	selectBuilder := sq.Select("balance").From("user_points").
		Where(sq.Eq{"telegram_user_id": tgUserID}).Suffix("FOR UPDATE").PlaceholderFormat(sq.Dollar)
	sqlStr, args, err = selectBuilder.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build lock query: %w", err)
	}

	var balance int64
	if err := r.q(q).QueryRow(ctx, sqlStr, args...).Scan(&balance); err != nil {
		return 0, fmt.Errorf("lock balance row: %w", err)
	}
	return balance, nil
}

// AddPoints applies a signed delta to the user's balance and appends a
// ledger row, all within the caller-supplied transaction. Negative deltas
// below zero balance are rejected with ErrInsufficientPoints by the caller
// checking GetBalanceForUpdate first; this method itself does not enforce
// non-negativity so admin adjustments can still push balance to any value.
func (r *PointsRepository) AddPoints(ctx context.Context, q dbtx.Querier, tx *PointsTransaction) error {
	insertBuilder := sq.Insert("user_points").Columns("telegram_user_id", "balance").
		Values(tx.TelegramUserID, tx.Delta).
		Suffix("ON CONFLICT (telegram_user_id) DO UPDATE SET balance = user_points.balance + EXCLUDED.balance").
		PlaceholderFormat(sq.Dollar)
	sqlStr, args, err := insertBuilder.ToSql()
	if err != nil {
		return fmt.Errorf("build balance upsert: %w", err)
	}
	if _, err := r.q(q).Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("apply balance delta: %w", err)
	}

	meta := tx.Meta
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}

	ledgerBuilder := sq.Insert("points_transactions").
		Columns("telegram_user_id", "delta", "reason", "source", "related_subscription_id",
			"related_payment_id", "level", "meta").
		Values(tx.TelegramUserID, tx.Delta, tx.Reason, tx.Source, tx.RelatedSubscriptionID,
			tx.RelatedPaymentID, tx.Level, metaJSON).
		PlaceholderFormat(sq.Dollar)
	sqlStr, args, err = ledgerBuilder.ToSql()
	if err != nil {
		return fmt.Errorf("build ledger insert: %w", err)
	}
	if _, err := r.q(q).Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert ledger row: %w", err)
	}
	return nil
}

// ListTransactions returns the most recent ledger rows for a user, newest
// first, for admin/support inspection.
func (r *PointsRepository) ListTransactions(ctx context.Context, q dbtx.Querier, tgUserID int64, limit int) ([]PointsTransaction, error) {
	builder := sq.Select(
		"id", "telegram_user_id", "delta", "reason", "source", "related_subscription_id",
		"related_payment_id", "level", "meta", "created_at",
	).From("points_transactions").Where(sq.Eq{"telegram_user_id": tgUserID}).
		OrderBy("created_at DESC").Limit(uint64(limit)).PlaceholderFormat(sq.Dollar)
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := r.q(q).Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []PointsTransaction
	for rows.Next() {
		var t PointsTransaction
		var metaJSON []byte
		if err := rows.Scan(&t.ID, &t.TelegramUserID, &t.Delta, &t.Reason, &t.Source,
			&t.RelatedSubscriptionID, &t.RelatedPaymentID, &t.Level, &metaJSON, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &t.Meta); err != nil {
				return nil, fmt.Errorf("unmarshal meta: %w", err)
			}
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

// BeginTx starts a plain pool-level transaction on the points pool.
func (r *PointsRepository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// ListCreditedForCampaign returns the distinct telegram user IDs that have
// already been credited delta points under reason/source with a matching
// meta->>'campaign' tag, for reconciling a bulk grant against its target list.
func (r *PointsRepository) ListCreditedForCampaign(ctx context.Context, q dbtx.Querier, reason, source, campaign string, delta int64) ([]int64, error) {
	builder := sq.Select("DISTINCT telegram_user_id").From("points_transactions").
		Where(sq.Eq{"reason": reason, "source": source, "delta": delta}).
		Where("meta->>'campaign' = ?", campaign).
		PlaceholderFormat(sq.Dollar)
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := r.q(q).Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query credited users: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan credited user: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credited users: %w", err)
	}
	return out, nil
}

// BalanceMismatch is one row of the ledger-invariant check: a user whose
// user_points.balance does not equal the sum of their points_transactions
// deltas.
type BalanceMismatch struct {
	TelegramUserID int64
	StoredBalance  int64
	LedgerSum      int64
}

// ListBalanceMismatches recomputes Σ delta per user from points_transactions
// and compares it against user_points.balance, returning every user where
// the two disagree. Grounded on check_bonus_points.py's reconciliation pass.
func (r *PointsRepository) ListBalanceMismatches(ctx context.Context, q dbtx.Querier) ([]BalanceMismatch, error) {
	sqlStr := `
		SELECT up.telegram_user_id, up.balance, COALESCE(SUM(pt.delta), 0) AS ledger_sum
		FROM user_points up
		LEFT JOIN points_transactions pt ON pt.telegram_user_id = up.telegram_user_id
		GROUP BY up.telegram_user_id, up.balance
		HAVING up.balance <> COALESCE(SUM(pt.delta), 0)
	`
	rows, err := r.q(q).Query(ctx, sqlStr)
	if err != nil {
		return nil, fmt.Errorf("query balance mismatches: %w", err)
	}
	defer rows.Close()

	var out []BalanceMismatch
	for rows.Next() {
		var m BalanceMismatch
		if err := rows.Scan(&m.TelegramUserID, &m.StoredBalance, &m.LedgerSum); err != nil {
			return nil, fmt.Errorf("scan balance mismatch: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate balance mismatches: %w", err)
	}
	return out, nil
}
