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

type Referral struct {
	ReferredTelegramUserID int64
	ReferrerTelegramUserID int64
}

type ReferralCode struct {
	Code                     string
	ReferrerTelegramUserID int64
	IsActive                 bool
}

type ReferralLevel struct {
	Level      int
	Multiplier float64
	IsActive   bool
}

type UserProfile struct {
	TelegramUserID     int64
	IsReferralBlocked bool
	IsBanned           bool
}

type ReferralRepository struct {
	pool *pgxpool.Pool
}

func NewReferralRepository(pool *pgxpool.Pool) *ReferralRepository {
	return &ReferralRepository{pool: pool}
}

func (r *ReferralRepository) q(q dbtx.Querier) dbtx.Querier {
	if q != nil {
		return q
	}
	return r.pool
}

// GetReferrerOf returns the telegram user ID that referred tgUserID, or nil
// if they were not referred by anyone.
func (r *ReferralRepository) GetReferrerOf(ctx context.Context, q dbtx.Querier, tgUserID int64) (*int64, error) {
	builder := sq.Select("referrer_telegram_user_id").From("referrals").
		Where(sq.Eq{"referred_telegram_user_id": tgUserID}).PlaceholderFormat(sq.Dollar)
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var referrerID int64
	err = r.q(q).QueryRow(ctx, sqlStr, args...).Scan(&referrerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query referrer: %w", err)
	}
	return &referrerID, nil
}

// RegisterReferral records that referredID was brought in by referrerID.
// First-write-wins: an existing row for referredID is left untouched, since
// a user can only ever have been referred once.
func (r *ReferralRepository) RegisterReferral(ctx context.Context, q dbtx.Querier, referredID, referrerID int64) error {
	builder := sq.Insert("referrals").Columns("referred_telegram_user_id", "referrer_telegram_user_id").
		Values(referredID, referrerID).Suffix("ON CONFLICT (referred_telegram_user_id) DO NOTHING").
		PlaceholderFormat(sq.Dollar)
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := r.q(q).Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("register referral: %w", err)
	}
	return nil
}

// GetActiveCodeForReferrer returns the referrer's own active referral code,
// if one has already been issued.
func (r *ReferralRepository) GetActiveCodeForReferrer(ctx context.Context, q dbtx.Querier, referrerID int64) (*ReferralCode, error) {
	builder := sq.Select("code", "referrer_telegram_user_id", "is_active").From("referral_codes").
		Where(sq.Eq{"referrer_telegram_user_id": referrerID, "is_active": true}).PlaceholderFormat(sq.Dollar)
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var c ReferralCode
	err = r.q(q).QueryRow(ctx, sqlStr, args...).Scan(&c.Code, &c.ReferrerTelegramUserID, &c.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query referral code: %w", err)
	}
	return &c, nil
}

// CodeExists reports whether a referral code string is already taken,
// used when synthesizing REF<tg_id> codes and retrying on collision.
func (r *ReferralRepository) CodeExists(ctx context.Context, q dbtx.Querier, code string) (bool, error) {
	builder := sq.Select("1").From("referral_codes").Where(sq.Eq{"code": code}).PlaceholderFormat(sq.Dollar)
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return false, fmt.Errorf("build query: %w", err)
	}

	var one int
	err = r.q(q).QueryRow(ctx, sqlStr, args...).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query code existence: %w", err)
	}
	return true, nil
}

// InsertCode creates a new referral code row for a referrer.
func (r *ReferralRepository) InsertCode(ctx context.Context, q dbtx.Querier, code string, referrerID int64) error {
	builder := sq.Insert("referral_codes").Columns("code", "referrer_telegram_user_id", "is_active").
		Values(code, referrerID, true).PlaceholderFormat(sq.Dollar)
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := r.q(q).Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert referral code: %w", err)
	}
	return nil
}

// FindReferrerByCode resolves a referral code string back to its owner.
func (r *ReferralRepository) FindReferrerByCode(ctx context.Context, q dbtx.Querier, code string) (*int64, error) {
	builder := sq.Select("referrer_telegram_user_id").From("referral_codes").
		Where(sq.Eq{"code": code, "is_active": true}).PlaceholderFormat(sq.Dollar)
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var referrerID int64
	err = r.q(q).QueryRow(ctx, sqlStr, args...).Scan(&referrerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query code owner: %w", err)
	}
	return &referrerID, nil
}

// ListActiveLevels returns the referral payout ladder ordered by level.
func (r *ReferralRepository) ListActiveLevels(ctx context.Context, q dbtx.Querier) ([]ReferralLevel, error) {
	builder := sq.Select("level", "multiplier", "is_active").From("referral_levels").
		Where(sq.Eq{"is_active": true}).OrderBy("level ASC").PlaceholderFormat(sq.Dollar)
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := r.q(q).Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query levels: %w", err)
	}
	defer rows.Close()

	var out []ReferralLevel
	for rows.Next() {
		var lvl ReferralLevel
		if err := rows.Scan(&lvl.Level, &lvl.Multiplier, &lvl.IsActive); err != nil {
			return nil, fmt.Errorf("scan level: %w", err)
		}
		out = append(out, lvl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate levels: %w", err)
	}
	return out, nil
}

// CountDownline returns, per level, how many users were invited and how
// many of those invitees have ever had a paid (non-trial) subscription.
// Walked breadth-first from referrerID up to maxLevel hops, matching the
// source system's get_or_create_referral_info level counters.
func (r *ReferralRepository) CountDownline(ctx context.Context, q dbtx.Querier, referrerID int64, maxLevel int) (invited map[int]int, paid map[int]int, err error) {
	invited = map[int]int{}
	paid = map[int]int{}

	frontier := []int64{referrerID}
	for level := 1; level <= maxLevel && len(frontier) > 0; level++ {
		builder := sq.Select("referred_telegram_user_id").From("referrals").
			Where(sq.Eq{"referrer_telegram_user_id": frontier}).PlaceholderFormat(sq.Dollar)
		sqlStr, args, buildErr := builder.ToSql()
		if buildErr != nil {
			return nil, nil, fmt.Errorf("build downline query: %w", buildErr)
		}

		rows, queryErr := r.q(q).Query(ctx, sqlStr, args...)
		if queryErr != nil {
			return nil, nil, fmt.Errorf("query downline: %w", queryErr)
		}

		var next []int64
		for rows.Next() {
			var invitedID int64
			if scanErr := rows.Scan(&invitedID); scanErr != nil {
				rows.Close()
				return nil, nil, fmt.Errorf("scan downline row: %w", scanErr)
			}
			next = append(next, invitedID)
		}
		rowsErr := rows.Err()
		rows.Close()
		if rowsErr != nil {
			return nil, nil, fmt.Errorf("iterate downline: %w", rowsErr)
		}

		invited[level] = len(next)
		if len(next) > 0 {
			paidCount, countErr := r.countEverPaid(ctx, q, next)
			if countErr != nil {
				return nil, nil, countErr
			}
			paid[level] = paidCount
		}
		frontier = next
	}
	return invited, paid, nil
}

func (r *ReferralRepository) countEverPaid(ctx context.Context, q dbtx.Querier, tgUserIDs []int64) (int, error) {
	builder := sq.Select("COUNT(DISTINCT telegram_user_id)").From("subscriptions").
		Where(sq.Eq{"telegram_user_id": tgUserIDs}).
		Where(sq.NotEq{"channel_name": ChannelReferralTrial}).
		PlaceholderFormat(sq.Dollar)
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build paid count query: %w", err)
	}

	var count int
	if err := r.q(q).QueryRow(ctx, sqlStr, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("query paid count: %w", err)
	}
	return count, nil
}

// GetProfile returns the user's profile flags, defaulting to all-false if
// no row exists yet (a user is only written here on first moderation action).
func (r *ReferralRepository) GetProfile(ctx context.Context, q dbtx.Querier, tgUserID int64) (*UserProfile, error) {
	builder := sq.Select("telegram_user_id", "is_referral_blocked", "is_banned").From("user_profiles").
		Where(sq.Eq{"telegram_user_id": tgUserID}).PlaceholderFormat(sq.Dollar)
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var p UserProfile
	err = r.q(q).QueryRow(ctx, sqlStr, args...).Scan(&p.TelegramUserID, &p.IsReferralBlocked, &p.IsBanned)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &UserProfile{TelegramUserID: tgUserID}, nil
		}
		return nil, fmt.Errorf("query profile: %w", err)
	}
	return &p, nil
}

// SetReferralBlocked flips a user's is_referral_blocked flag, creating the
// profile row if it does not exist yet.
func (r *ReferralRepository) SetReferralBlocked(ctx context.Context, q dbtx.Querier, tgUserID int64, blocked bool) error {
	builder := sq.Insert("user_profiles").Columns("telegram_user_id", "is_referral_blocked").
		Values(tgUserID, blocked).
		Suffix("ON CONFLICT (telegram_user_id) DO UPDATE SET is_referral_blocked = EXCLUDED.is_referral_blocked").
		PlaceholderFormat(sq.Dollar)
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}
	if _, err := r.q(q).Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("set referral blocked: %w", err)
	}
	return nil
}
