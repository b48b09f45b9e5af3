package controller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"vpn-service/internal/database"
)

// Create implements T-Create: deactivate any currently-active subscriptions
// for the user (removing their peers), allocate a fresh keypair and IP,
// add the new peer, insert the row, and deliver the client config.
func (c *Controller) Create(ctx context.Context, ev CanonicalEvent) error {
	durationDays, tariff, err := c.resolveDurationDays(ctx, ev.TariffCode)
	if err != nil {
		return err
	}
	return c.createWithDuration(ctx, ev, durationDays, tariff)
}

// createWithDuration is the shared T-Create core used both by Create (tariff
// resolved from ev.TariffCode) and by the admin-grant/referral-trial paths,
// which supply an explicit day count with no catalogue tariff behind it.
func (c *Controller) createWithDuration(ctx context.Context, ev CanonicalEvent, durationDays int, tariff *database.Tariff) error {
	already, err := c.subRepo.EventAlreadyProcessed(ctx, nil, ev.EventName)
	if err != nil {
		return fmt.Errorf("check idempotency: %w", err)
	}
	if already {
		return ErrAlreadyProcessed
	}

	actives, err := c.subRepo.GetActiveSubscriptions(ctx, nil, ev.TgID)
	if err != nil {
		return fmt.Errorf("load active subscriptions: %w", err)
	}
	for _, sub := range actives {
		if err := c.deactivateAndRemovePeer(ctx, &sub, fmt.Sprintf("%s_replace_%d", ev.EventName, sub.ID)); err != nil {
			return err
		}
	}

	private, public, err := c.peers.GenerateKeypair(ctx)
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}

	handle, err := c.peers.AllocateClientIP(ctx)
	if err != nil {
		return fmt.Errorf("allocate client ip: %w", err)
	}
	defer handle.Rollback(ctx)

	if err := c.peers.AddPeer(ctx, public, handle.IP(), ev.TgID); err != nil {
		return fmt.Errorf("add peer: %w", err)
	}

	expiresAt := time.Now().AddDate(0, 0, durationDays)
	eventName := ev.EventName
	subID, err := c.subRepo.InsertSubscription(ctx, handle.Querier(), &database.Subscription{
		TelegramUserID: ev.TgID,
		TariffCode:     ev.TariffCode,
		PeriodTag:      ev.PeriodTag,
		ChannelName:    ev.Channel,
		VPNIP:          handle.IP(),
		WGPrivateKey:   private,
		WGPublicKey:    public,
		ExpiresAt:      expiresAt,
		Active:         true,
		LastEventName:  &eventName,
	})
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}

	if err := handle.Commit(ctx); err != nil {
		return fmt.Errorf("commit ip allocation: %w", err)
	}

	configText := c.peers.BuildClientConfig(private, handle.IP())
	if err := c.notifier.SendSubscriptionConfig(ctx, ev.TgID, configText); err != nil {
		slog.Error("deliver subscription config", "telegramUserId", ev.TgID, "error", err)
	}

	c.notifyAdminOfPayment(ctx, ev, "New subscription")
	c.maybeApplyReferralRewards(ctx, ev, tariff, subID)

	return nil
}

// Extend implements T-Extend: extends the user's latest active subscription,
// whichever channel created it (no channel matching is done), by the
// tariff's duration, computed as max(old_expires, now) + duration.
func (c *Controller) Extend(ctx context.Context, ev CanonicalEvent) error {
	already, err := c.subRepo.EventAlreadyProcessed(ctx, nil, ev.EventName)
	if err != nil {
		return fmt.Errorf("check idempotency: %w", err)
	}
	if already {
		return ErrAlreadyProcessed
	}

	durationDays, tariff, err := c.resolveDurationDays(ctx, ev.TariffCode)
	if err != nil {
		return err
	}
	if ev.OriginalTariffDaysOverride != nil {
		durationDays = *ev.OriginalTariffDaysOverride
	}

	sub, err := c.subRepo.GetLatestActiveSubscription(ctx, nil, ev.TgID)
	if err != nil {
		return fmt.Errorf("load active subscription: %w", err)
	}
	if sub == nil {
		return ErrNoSubscriptionFound
	}

	now := time.Now()
	base := sub.ExpiresAt
	if now.After(base) {
		base = now
	}
	newExpires := base.AddDate(0, 0, durationDays)

	if err := c.subRepo.UpdateExpiration(ctx, nil, sub.ID, newExpires, ev.EventName); err != nil {
		return fmt.Errorf("extend subscription: %w", err)
	}

	if err := c.notifier.SendExtendedMessage(ctx, ev.TgID, newExpires); err != nil {
		slog.Error("deliver extension notice", "telegramUserId", ev.TgID, "error", err)
	}

	c.notifyAdminOfPayment(ctx, ev, "Extension")
	c.maybeApplyReferralRewards(ctx, ev, tariff, sub.ID)

	return nil
}

// ReviveReuse implements T-Revive-Reuse: the user has no active
// subscription, but a prior row exists with an intact keypair and IP; the
// peer is re-added (no new allocation) and a fresh row is inserted reusing
// the same keys/ip. No config is resent — the user already has it.
func (c *Controller) ReviveReuse(ctx context.Context, ev CanonicalEvent) error {
	already, err := c.subRepo.EventAlreadyProcessed(ctx, nil, ev.EventName)
	if err != nil {
		return fmt.Errorf("check idempotency: %w", err)
	}
	if already {
		return ErrAlreadyProcessed
	}

	durationDays, tariff, err := c.resolveDurationDays(ctx, ev.TariffCode)
	if err != nil {
		return err
	}

	prior, err := c.subRepo.GetLatestSubscription(ctx, nil, ev.TgID)
	if err != nil {
		return fmt.Errorf("load latest subscription: %w", err)
	}
	if prior == nil || prior.WGPrivateKey == "" || prior.WGPublicKey == "" || prior.VPNIP == "" {
		return ErrNoSubscriptionFound
	}

	if err := c.peers.AddPeer(ctx, prior.WGPublicKey, prior.VPNIP, ev.TgID); err != nil {
		return fmt.Errorf("re-add peer: %w", err)
	}

	expiresAt := time.Now().AddDate(0, 0, durationDays)
	eventName := ev.EventName
	subID, err := c.subRepo.InsertSubscription(ctx, nil, &database.Subscription{
		TelegramUserID: ev.TgID,
		TariffCode:     ev.TariffCode,
		PeriodTag:      ev.PeriodTag,
		ChannelName:    ev.Channel,
		VPNIP:          prior.VPNIP,
		WGPrivateKey:   prior.WGPrivateKey,
		WGPublicKey:    prior.WGPublicKey,
		ExpiresAt:      expiresAt,
		Active:         true,
		LastEventName:  &eventName,
	})
	if err != nil {
		return fmt.Errorf("insert revived subscription: %w", err)
	}

	c.notifyAdminOfPayment(ctx, ev, "Revived subscription")
	c.maybeApplyReferralRewards(ctx, ev, tariff, subID)

	return nil
}

// Deactivate implements T-Deactivate: conditionally deactivates an active
// row and removes its live peer. Idempotent — a no-op if already inactive.
func (c *Controller) Deactivate(ctx context.Context, subID int64, eventName string) error {
	prior, err := c.subRepo.DeactivateByID(ctx, nil, subID, eventName)
	if err != nil {
		return fmt.Errorf("deactivate subscription: %w", err)
	}
	if prior == nil {
		return nil
	}
	if err := c.peers.RemovePeer(ctx, prior.WGPublicKey); err != nil {
		slog.Error("remove peer on deactivate", "subscriptionId", subID, "error", err)
	}
	return nil
}

// RefundShorten implements T-Refund-Shorten: shortens the subscription that
// was created by originalEventName proportionally to the fraction of the
// original amount refunded. If the new expiry is in the past, it falls
// through to T-Deactivate.
func (c *Controller) RefundShorten(ctx context.Context, refundEventName, originalEventName string, refundAmount, originalAmount float64) error {
	already, err := c.subRepo.EventAlreadyProcessed(ctx, nil, refundEventName)
	if err != nil {
		return fmt.Errorf("check idempotency: %w", err)
	}
	if already {
		return ErrAlreadyProcessed
	}

	sub, err := c.subRepo.GetSubscriptionByEvent(ctx, nil, originalEventName)
	if err != nil {
		return fmt.Errorf("load original subscription: %w", err)
	}
	if sub == nil {
		return ErrNoSubscriptionFound
	}

	tariffDays, _, err := c.resolveDurationDays(ctx, sub.TariffCode)
	if err != nil {
		return fmt.Errorf("resolve original tariff duration: %w", err)
	}

	var daysToRevert float64
	if originalAmount > 0 {
		daysToRevert = float64(tariffDays) * (refundAmount / originalAmount)
	}

	newExpires := sub.ExpiresAt.Add(-time.Duration(daysToRevert * 24 * float64(time.Hour)))

	if err := c.subRepo.UpdateExpiration(ctx, nil, sub.ID, newExpires, refundEventName); err != nil {
		return fmt.Errorf("shorten subscription: %w", err)
	}

	if !newExpires.After(time.Now()) {
		return c.Deactivate(ctx, sub.ID, refundEventName+"_deactivate")
	}
	return nil
}

// CancelPending implements T-Cancel-Pending: a payment.canceled arrives for
// a payment id we had already provisioned; deactivate the row created for it.
func (c *Controller) CancelPending(ctx context.Context, cancelEventName, originalEventName string) error {
	already, err := c.subRepo.EventAlreadyProcessed(ctx, nil, cancelEventName)
	if err != nil {
		return fmt.Errorf("check idempotency: %w", err)
	}
	if already {
		return ErrAlreadyProcessed
	}

	sub, err := c.subRepo.GetSubscriptionByEvent(ctx, nil, originalEventName)
	if err != nil {
		return fmt.Errorf("load provisioned subscription: %w", err)
	}
	if sub == nil {
		return nil
	}
	return c.Deactivate(ctx, sub.ID, cancelEventName)
}
