package controller

import (
	"context"
	"fmt"
	"time"

	"vpn-service/internal/database"
)

// AdminGrant implements the admin manual-grant data operation described in
// tg_bot_runner.py's FSM: an operator extends or creates a subscription for
// an arbitrary telegram user for an explicit number of days, with no tariff
// or payment behind it. eventName must be unique per grant for idempotency,
// same as every other canonical event.
func (c *Controller) AdminGrant(ctx context.Context, tgID int64, days int, eventName string) error {
	if days <= 0 {
		return fmt.Errorf("grant days must be positive, got %d", days)
	}

	ev := CanonicalEvent{
		TgID:      tgID,
		EventName: eventName,
		Channel:   database.ChannelAdminManual,
		PeriodTag: fmt.Sprintf("admin_grant_%dd", days),
	}

	sub, err := c.subRepo.GetLatestActiveSubscription(ctx, nil, tgID)
	if err != nil {
		return fmt.Errorf("load active subscription: %w", err)
	}
	if sub == nil {
		return c.createWithDuration(ctx, ev, days, nil)
	}

	already, err := c.subRepo.EventAlreadyProcessed(ctx, nil, eventName)
	if err != nil {
		return fmt.Errorf("check idempotency: %w", err)
	}
	if already {
		return ErrAlreadyProcessed
	}

	now := time.Now()
	base := sub.ExpiresAt
	if now.After(base) {
		base = now
	}
	newExpires := base.AddDate(0, 0, days)
	if err := c.subRepo.UpdateExpiration(ctx, nil, sub.ID, newExpires, eventName); err != nil {
		return fmt.Errorf("extend subscription: %w", err)
	}
	if err := c.notifier.SendExtendedMessage(ctx, tgID, newExpires); err != nil {
		// Delivery failure never unwinds a manual admin grant.
		c.notifyAdminOfPayment(ctx, ev, "Admin grant notice failed to send")
	}
	return nil
}

// AdminRevoke implements the admin manual-revoke data operation: deactivate
// a subscription by id regardless of who owns it and remove its live peer.
// It is the bare T-Deactivate transition under an admin-authored event name.
func (c *Controller) AdminRevoke(ctx context.Context, subscriptionID int64, eventName string) error {
	return c.Deactivate(ctx, subscriptionID, eventName)
}

// GrantReferralTrial implements the one-time referral-trial channel: a
// referred user gets a fixed-length trial on their first /start <code>,
// gated on never having had any subscription row at all. Returns
// ErrNoSubscriptionFound if the gate fails so the caller can distinguish
// "already had one" from a genuine provisioning error.
func (c *Controller) GrantReferralTrial(ctx context.Context, tgID int64, trialDays int, eventName string) error {
	prior, err := c.subRepo.GetLatestSubscription(ctx, nil, tgID)
	if err != nil {
		return fmt.Errorf("check prior subscription history: %w", err)
	}
	if prior != nil {
		return ErrNoSubscriptionFound
	}

	ev := CanonicalEvent{
		TgID:      tgID,
		EventName: eventName,
		Channel:   database.ChannelReferralTrial,
		PeriodTag: fmt.Sprintf("referral_trial_%dd", trialDays),
	}
	return c.createWithDuration(ctx, ev, trialDays, nil)
}
