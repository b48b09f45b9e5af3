package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"vpn-service/internal/database"
)

// RedeemPromo applies a promo code for a user: if they have an active
// subscription it is extended in place; otherwise the usage is recorded as
// floating and a brand-new subscription is provisioned via T-Revive-Reuse
// (falling back to T-Create if the user has never had a keypair). The
// floating usage row keeps a null subscription_id; it is not linked to the
// new row, whose id is only reported in the returned result.
func (c *Controller) RedeemPromo(ctx context.Context, tgID int64, code string, tariffCode string) (*database.PromoApplyResult, error) {
	result, err := c.subRepo.ApplyPromoToLatest(ctx, c.promoRepo, tgID, code, tariffCode)
	if err == nil {
		if err := c.notifier.SendExtendedMessage(ctx, tgID, result.NewExpiresAt); err != nil {
			slog.Error("deliver promo extension notice", "telegramUserId", tgID, "error", err)
		}
		return result, nil
	}
	if !errors.Is(err, database.ErrNoSubscriptionFoundForPromo) {
		return nil, err
	}

	result, err = c.subRepo.ApplyPromoWithoutSubscription(ctx, c.promoRepo, tgID, code, tariffCode)
	if err != nil {
		return nil, err
	}

	eventName := fmt.Sprintf("promo_%s_user_%d_%d", code, tgID, result.NewExpiresAt.Unix())
	ev := CanonicalEvent{
		TgID:       tgID,
		TariffCode: tariffCode,
		EventName:  eventName,
		Channel:    database.ChannelPromoCode,
		PeriodTag:  "promo_code",
	}

	if transitionErr := c.ReviveReuse(ctx, ev); transitionErr != nil {
		if transitionErr != ErrNoSubscriptionFound {
			return nil, fmt.Errorf("revive subscription for promo: %w", transitionErr)
		}
		if transitionErr := c.Create(ctx, ev); transitionErr != nil {
			return nil, fmt.Errorf("create subscription for promo: %w", transitionErr)
		}
	}

	newSub, err := c.subRepo.GetLatestActiveSubscription(ctx, nil, tgID)
	if err == nil && newSub != nil {
		result.SubscriptionID = &newSub.ID
	}
	return result, nil
}

// PayWithPoints implements the points-balance purchase path: debits the
// user's balance, extends an active subscription if one exists or
// provisions a new one via T-Revive-Reuse/T-Create otherwise.
func (c *Controller) PayWithPoints(ctx context.Context, tgID int64, tariffCode string) (*database.PointsPaymentResult, error) {
	tariff, err := c.tariffRepo.FindByCode(ctx, nil, tariffCode)
	if err != nil {
		return nil, fmt.Errorf("load tariff: %w", err)
	}
	if tariff == nil || !tariff.IsActive || tariff.PointsCost == nil {
		return nil, ErrUnknownTariff
	}

	result, err := c.subRepo.PaySubscriptionWithPoints(ctx, c.pointsRepo, tgID, *tariff.PointsCost, tariff.DurationDays)
	if err != nil {
		return nil, err
	}

	if result.SubscriptionID != 0 {
		if err := c.notifier.SendExtendedMessage(ctx, tgID, result.NewExpiresAt); err != nil {
			slog.Error("deliver points extension notice", "telegramUserId", tgID, "error", err)
		}
		return result, nil
	}

	eventName := fmt.Sprintf("points_%s_user_%d_%d", tariffCode, tgID, result.NewExpiresAt.Unix())
	ev := CanonicalEvent{
		TgID:       tgID,
		TariffCode: tariffCode,
		EventName:  eventName,
		Channel:    database.ChannelPointsBalance,
		PeriodTag:  fmt.Sprintf("points_%s", tariffCode),
	}

	if transitionErr := c.ReviveReuse(ctx, ev); transitionErr != nil {
		if transitionErr != ErrNoSubscriptionFound {
			return nil, fmt.Errorf("revive subscription for points payment: %w", transitionErr)
		}
		if transitionErr := c.Create(ctx, ev); transitionErr != nil {
			return nil, fmt.Errorf("create subscription for points payment: %w", transitionErr)
		}
	}

	newSub, err := c.subRepo.GetLatestActiveSubscription(ctx, nil, tgID)
	if err == nil && newSub != nil {
		result.SubscriptionID = newSub.ID
	}
	return result, nil
}
