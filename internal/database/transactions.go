package database

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoSubscriptionFoundForPromo signals ApplyPromoToLatest found no active
// subscription to extend; callers fall back to ApplyPromoWithoutSubscription.
var ErrNoSubscriptionFoundForPromo = errors.New("no active subscription to extend")

// PromoApplyResult is returned by the promo redemption operations.
type PromoApplyResult struct {
	NewExpiresAt  time.Time
	UsageID       int64
	SubscriptionID *int64
}

// ApplyPromoToLatest extends the user's latest active subscription by the
// promo's extra_days, inside a single transaction that locks the promo row,
// validates it, records the usage, and bumps used_count.
func (subRepo *SubscriptionRepository) ApplyPromoToLatest(ctx context.Context, promoRepo *PromoRepository, tgUserID int64, code string, tariffCode string) (*PromoApplyResult, error) {
	tx, err := subRepo.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	promo, err := promoRepo.FindByCodeForUpdate(ctx, tx, code)
	if err != nil {
		return nil, fmt.Errorf("lock promo: %w", err)
	}
	if promo == nil {
		return nil, ErrPromoNotFound
	}

	now := time.Now()
	if err := ValidateForRedemption(promo, tgUserID, tariffCode, now); err != nil {
		return nil, err
	}
	usedByThisUser, err := promoRepo.CountUsagesByUser(ctx, tx, code, tgUserID)
	if err != nil {
		return nil, fmt.Errorf("count usages: %w", err)
	}
	if usedByThisUser >= promo.PerUserLimit {
		return nil, ErrPromoUserLimit
	}

	sub, err := subRepo.GetLatestActiveSubscription(ctx, tx, tgUserID)
	if err != nil {
		return nil, fmt.Errorf("load active subscription: %w", err)
	}
	if sub == nil {
		return nil, ErrNoSubscriptionFoundForPromo
	}

	base := sub.ExpiresAt
	if now.After(base) {
		base = now
	}
	newExpires := base.AddDate(0, 0, promo.ExtraDays)

	if err := subRepo.UpdateExpiration(ctx, tx, sub.ID, newExpires, ""); err != nil {
		return nil, fmt.Errorf("extend subscription: %w", err)
	}
	if err := promoRepo.RecordUsage(ctx, tx, code, tgUserID, &sub.ID); err != nil {
		return nil, fmt.Errorf("record usage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &PromoApplyResult{NewExpiresAt: newExpires, SubscriptionID: &sub.ID}, nil
}

// ApplyPromoWithoutSubscription validates and records a promo redemption
// for a user with no active subscription, returning the computed new expiry
// (from now). The usage row is written with a null subscription id and is
// not updated afterwards; the result carries neither a usage id nor a
// subscription id.
func (subRepo *SubscriptionRepository) ApplyPromoWithoutSubscription(ctx context.Context, promoRepo *PromoRepository, tgUserID int64, code string, tariffCode string) (*PromoApplyResult, error) {
	tx, err := subRepo.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	promo, err := promoRepo.FindByCodeForUpdate(ctx, tx, code)
	if err != nil {
		return nil, fmt.Errorf("lock promo: %w", err)
	}
	if promo == nil {
		return nil, ErrPromoNotFound
	}

	now := time.Now()
	if err := ValidateForRedemption(promo, tgUserID, tariffCode, now); err != nil {
		return nil, err
	}
	usedByThisUser, err := promoRepo.CountUsagesByUser(ctx, tx, code, tgUserID)
	if err != nil {
		return nil, fmt.Errorf("count usages: %w", err)
	}
	if usedByThisUser >= promo.PerUserLimit {
		return nil, ErrPromoUserLimit
	}

	newExpires := now.AddDate(0, 0, promo.ExtraDays)

	if err := promoRepo.RecordUsage(ctx, tx, code, tgUserID, nil); err != nil {
		return nil, fmt.Errorf("record usage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &PromoApplyResult{NewExpiresAt: newExpires}, nil
}

// PointsPaymentResult is returned by PaySubscriptionWithPoints.
type PointsPaymentResult struct {
	SubscriptionID int64
	NewExpiresAt   time.Time
	NewBalance     int64
}

// PaySubscriptionWithPoints debits a user's points balance to extend (or
// create, via the Controller's T-Revive-Reuse fallback) their subscription,
// in a single transaction: lock tariff row data already resolved by the
// caller, row-lock the latest active subscription and the points balance,
// verify sufficiency, upsert balance, append the ledger row, and extend
// expiry. Every mutation rolls back together on any error.
func (subRepo *SubscriptionRepository) PaySubscriptionWithPoints(ctx context.Context, pointsRepo *PointsRepository, tgUserID int64, pointsCost int64, durationDays int) (*PointsPaymentResult, error) {
	tx, err := subRepo.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	balance, err := pointsRepo.GetBalanceForUpdate(ctx, tx, tgUserID)
	if err != nil {
		return nil, fmt.Errorf("lock balance: %w", err)
	}
	if balance < pointsCost {
		return nil, ErrInsufficientPoints
	}

	sub, err := subRepo.GetLatestActiveSubscription(ctx, tx, tgUserID)
	if err != nil {
		return nil, fmt.Errorf("load active subscription: %w", err)
	}
	if sub != nil {
		if err := tx.QueryRow(ctx, "SELECT expires_at FROM subscriptions WHERE id = $1 FOR UPDATE", sub.ID).Scan(&sub.ExpiresAt); err != nil {
			return nil, fmt.Errorf("lock subscription: %w", err)
		}
	}

	now := time.Now()
	var newExpires time.Time
	var subID int64
	if sub != nil {
		base := sub.ExpiresAt
		if now.After(base) {
			base = now
		}
		newExpires = base.AddDate(0, 0, durationDays)
		if err := subRepo.UpdateExpiration(ctx, tx, sub.ID, newExpires, ""); err != nil {
			return nil, fmt.Errorf("extend subscription: %w", err)
		}
		subID = sub.ID
	} else {
		newExpires = now.AddDate(0, 0, durationDays)
	}

	if err := pointsRepo.AddPoints(ctx, tx, &PointsTransaction{
		TelegramUserID:         tgUserID,
		Delta:                   -pointsCost,
		Reason:                  PointsReasonSpend,
		Source:                  "points",
		RelatedSubscriptionID: subIDPtr(sub, subID),
	}); err != nil {
		return nil, fmt.Errorf("debit points: %w", err)
	}

	newBalance := balance - pointsCost

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &PointsPaymentResult{SubscriptionID: subID, NewExpiresAt: newExpires, NewBalance: newBalance}, nil
}

func subIDPtr(sub *Subscription, id int64) *int64 {
	if sub == nil {
		return nil
	}
	return &id
}
