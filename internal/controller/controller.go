// Package controller implements the Subscription Controller (C4): the
// state machine that turns provider-specific payment events into the
// canonical transitions over the Subscription Store, coordinating peer
// provisioning, points/referral side effects, and user/admin messaging.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vpn-service/internal/database"
	"vpn-service/internal/points"
	"vpn-service/internal/wireguard"
)

// Sentinel errors the HTTP handlers translate into response codes per
// spec §7's error taxonomy.
var (
	ErrAlreadyProcessed   = errors.New("event already processed")
	ErrUnknownTariff      = errors.New("unknown tariff code")
	ErrNoSubscriptionFound = errors.New("no subscription found for this operation")
)

// CanonicalEvent is the provider-agnostic shape every Source implementation
// (card, crypto, legacy, admin, promo, points, referral trial) reduces its
// payload to before handing it to the Controller.
type CanonicalEvent struct {
	TgID                       int64
	TariffCode                 string
	EventName                  string
	Channel                    string
	PeriodTag                  string
	EffectiveAmount            *float64
	OriginalTariffDaysOverride *int
}

// Notifier is the narrow RPC surface the Controller uses to reach the
// Telegram bot layer; message text, keyboards, and QR rendering live
// outside the core.
type Notifier interface {
	SendSubscriptionConfig(ctx context.Context, tgID int64, configText string) error
	SendExtendedMessage(ctx context.Context, tgID int64, newExpiresAt time.Time) error
	SendText(ctx context.Context, tgID int64, text string) error
	NotifyAdmin(ctx context.Context, text string) error
}

type Controller struct {
	subRepo      *database.SubscriptionRepository
	tariffRepo   *database.TariffRepository
	promoRepo    *database.PromoRepository
	pointsRepo   *database.PointsRepository
	referralRepo *database.ReferralRepository
	peers        *wireguard.PeerManager
	pointsEngine *points.Engine
	notifier     Notifier
}

func NewController(
	subRepo *database.SubscriptionRepository,
	tariffRepo *database.TariffRepository,
	promoRepo *database.PromoRepository,
	pointsRepo *database.PointsRepository,
	referralRepo *database.ReferralRepository,
	peers *wireguard.PeerManager,
	pointsEngine *points.Engine,
	notifier Notifier,
) *Controller {
	return &Controller{
		subRepo:      subRepo,
		tariffRepo:   tariffRepo,
		promoRepo:    promoRepo,
		pointsRepo:   pointsRepo,
		referralRepo: referralRepo,
		peers:        peers,
		pointsEngine: pointsEngine,
		notifier:     notifier,
	}
}

// resolveDurationDays resolves a tariff code to its duration and full row,
// falling back to the hard-coded table during a Store outage per spec §4.4
// "Tariff mapping".
func (c *Controller) resolveDurationDays(ctx context.Context, code string) (int, *database.Tariff, error) {
	tariff, err := c.tariffRepo.FindByCode(ctx, nil, code)
	if err != nil {
		if days, ok := database.FallbackDurationDays(code); ok {
			slog.Error("tariff lookup failed, using fallback table", "tariffCode", code, "error", err)
			return days, nil, nil
		}
		return 0, nil, fmt.Errorf("resolve tariff: %w", err)
	}
	if tariff == nil {
		if days, ok := database.FallbackDurationDays(code); ok {
			return days, nil, nil
		}
		return 0, nil, ErrUnknownTariff
	}
	return tariff.DurationDays, tariff, nil
}

// deactivateAndRemovePeer is the shared "replace predecessor" step used by
// T-Create: deactivate the row and, if it had one, remove its live peer.
func (c *Controller) deactivateAndRemovePeer(ctx context.Context, sub *database.Subscription, eventName string) error {
	prior, err := c.subRepo.DeactivateByID(ctx, nil, sub.ID, eventName)
	if err != nil {
		return fmt.Errorf("deactivate predecessor: %w", err)
	}
	if prior == nil {
		return nil
	}
	if err := c.peers.RemovePeer(ctx, prior.WGPublicKey); err != nil {
		slog.Error("remove predecessor peer", "subscriptionId", prior.ID, "error", err)
	}
	return nil
}

// maybeApplyReferralRewards triggers C3's per-level payout on a paid
// subscription event, skipping trial/non-paid channels and blocked payers.
func (c *Controller) maybeApplyReferralRewards(ctx context.Context, ev CanonicalEvent, tariff *database.Tariff, subscriptionID int64) {
	if tariff == nil || !tariff.IsActive || !tariff.RefEnabled || tariff.RefBaseBonusPoints <= 0 {
		return
	}
	if ev.Channel == database.ChannelReferralTrial {
		return
	}
	profile, err := c.referralRepo.GetProfile(ctx, nil, ev.TgID)
	if err != nil {
		slog.Error("load payer profile for referral rewards", "telegramUserId", ev.TgID, "error", err)
		return
	}
	if profile.IsReferralBlocked {
		return
	}
	c.pointsEngine.ApplyReferralRewards(ctx, ev.TgID, tariff.RefBaseBonusPoints, subscriptionID, ev.EventName)
}

// SubscriptionForUser exposes the latest active subscription to provider
// handlers that need to decide between T-Create and T-Extend, or to run
// the stale-payment guard, without reaching into the Store directly.
func (c *Controller) SubscriptionForUser(ctx context.Context, tgID int64) (*database.Subscription, error) {
	return c.subRepo.GetLatestActiveSubscription(ctx, nil, tgID)
}

func (c *Controller) notifyAdminOfPayment(ctx context.Context, ev CanonicalEvent, action string) {
	text := fmt.Sprintf("%s: user %d, tariff %s, channel %s", action, ev.TgID, ev.TariffCode, ev.Channel)
	if err := c.notifier.NotifyAdmin(ctx, text); err != nil {
		slog.Error("notify admin of payment", "error", err)
	}
}
