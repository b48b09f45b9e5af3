// Package points implements the points and referral reward engine: the
// per-level referral payout, the referral-code lifecycle, and the points
// balance ledger that backs spend-for-subscription purchases.
package points

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"vpn-service/internal/database"
)

// MaxReferralLevels bounds how many hops up the referrer chain a single
// purchase pays out on.
const MaxReferralLevels = 5

const (
	PointsSourceReferral = "referral"
	PointsSourceAdmin    = "admin"
	PointsSourceUser     = "user"
)

type Engine struct {
	pointsRepo   *database.PointsRepository
	referralRepo *database.ReferralRepository
}

func NewEngine(pointsRepo *database.PointsRepository, referralRepo *database.ReferralRepository) *Engine {
	return &Engine{pointsRepo: pointsRepo, referralRepo: referralRepo}
}

// ApplyReferralRewards walks the referrer chain above payerID up to
// MaxReferralLevels hops, crediting each ancestor round(baseBonus *
// levelMultiplier) points. Every failure is logged and swallowed: a broken
// referral payout must never unwind or fail the payment that triggered it.
func (e *Engine) ApplyReferralRewards(ctx context.Context, payerID int64, baseBonus int64, subscriptionID int64, paymentID string) {
	if baseBonus <= 0 {
		return
	}

	levels, err := e.referralRepo.ListActiveLevels(ctx, nil)
	if err != nil {
		slog.Error("load referral levels", "error", err)
		return
	}
	multiplierByLevel := make(map[int]float64, len(levels))
	for _, lvl := range levels {
		multiplierByLevel[lvl.Level] = lvl.Multiplier
	}

	currentID := payerID
	for level := 1; level <= MaxReferralLevels; level++ {
		referrerID, err := e.referralRepo.GetReferrerOf(ctx, nil, currentID)
		if err != nil {
			slog.Error("lookup referrer", "telegramUserId", currentID, "error", err)
			return
		}
		if referrerID == nil {
			return
		}

		multiplier, ok := multiplierByLevel[level]
		if !ok {
			currentID = *referrerID
			continue
		}

		profile, err := e.referralRepo.GetProfile(ctx, nil, *referrerID)
		if err != nil {
			slog.Error("load referrer profile", "telegramUserId", *referrerID, "error", err)
			currentID = *referrerID
			continue
		}
		if profile.IsReferralBlocked || profile.IsBanned {
			currentID = *referrerID
			continue
		}

		bonus := roundBonus(baseBonus, multiplier)
		if bonus > 0 {
			lvl := level
			err = e.pointsRepo.AddPoints(ctx, nil, &database.PointsTransaction{
				TelegramUserID:         *referrerID,
				Delta:                   bonus,
				Reason:                  database.PointsReasonReferralBonus,
				Source:                  PointsSourceReferral,
				RelatedSubscriptionID: &subscriptionID,
				RelatedPaymentID:      &paymentID,
				Level:                   &lvl,
			})
			if err != nil {
				slog.Error("credit referral bonus", "telegramUserId", *referrerID, "level", level, "error", err)
			}
		}
		currentID = *referrerID
	}
}

// roundBonus computes round(baseBonus * multiplier) using decimal
// arithmetic so repeated fractional multipliers (0.5, 0.25, 0.1, 0.05)
// never drift from float rounding error.
func roundBonus(baseBonus int64, multiplier float64) int64 {
	base := decimal.NewFromInt(baseBonus)
	mult := decimal.NewFromFloat(multiplier)
	return base.Mul(mult).Round(0).IntPart()
}

// GrantAdminPoints is the admin manual points adjustment entry point; delta
// may be negative to claw back points.
func (e *Engine) GrantAdminPoints(ctx context.Context, tgUserID int64, delta int64, meta map[string]interface{}) error {
	reason := database.PointsReasonAdminGrant
	if delta < 0 {
		reason = database.PointsReasonAdminRevoke
	}
	return e.pointsRepo.AddPoints(ctx, nil, &database.PointsTransaction{
		TelegramUserID: tgUserID,
		Delta:          delta,
		Reason:         reason,
		Source:         PointsSourceAdmin,
		Meta:           meta,
	})
}

// Balance returns the user's current points balance.
func (e *Engine) Balance(ctx context.Context, tgUserID int64) (int64, error) {
	return e.pointsRepo.GetBalance(ctx, nil, tgUserID)
}

// ReferralStats returns the invited/paid counters per referral level for a
// user, the per-user summary shown in their referral-program screen.
func (e *Engine) ReferralStats(ctx context.Context, tgUserID int64) (*ReferralInfo, error) {
	return GetReferralInfo(ctx, e.referralRepo, tgUserID)
}
