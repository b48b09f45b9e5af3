package crypto

import (
	"context"
	"fmt"
	"log/slog"

	"vpn-service/internal/config"
	"vpn-service/internal/controller"
	"vpn-service/internal/database"
)

// Handler processes Source B webhooks: signature and trusted-IP checks are
// expected to have already run against the raw body by the HTTP layer
// (handler package) before Dispatch is called with the parsed payload.
type Handler struct {
	controller *controller.Controller
}

func NewHandler(ctl *controller.Controller) *Handler {
	return &Handler{controller: ctl}
}

// IsTrustedSourceIP reports whether the request's source IP is allowed to
// submit crypto webhooks, honoring the configured bypass flag.
func IsTrustedSourceIP(remoteIP string) bool {
	if config.HeleketDisableIPCheck() {
		return true
	}
	return remoteIP == TrustedSourceIP
}

// Dispatch turns a verified Source B webhook into the appropriate canonical
// transition. Donation/subscription providers of this kind only ever
// create or extend; there is no separate cancel/refund event name.
func (h *Handler) Dispatch(ctx context.Context, wh Webhook) error {
	if !wh.IsFinal {
		slog.Info("crypto webhook not final yet, ignoring", "uuid", wh.UUID)
		return nil
	}
	if !wh.IsPaid() {
		slog.Info("crypto webhook not paid", "uuid", wh.UUID, "status", wh.EffectiveStatus())
		return nil
	}

	data, err := wh.ParseAdditionalData()
	if err != nil {
		slog.Warn("crypto webhook missing identity", "uuid", wh.UUID, "error", err)
		return nil
	}

	eventName := controller.HeleketPaymentEventName(wh.UUID)

	sub, err := h.controller.SubscriptionForUser(ctx, data.TelegramUserID)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}

	amount := wh.AmountFloat()
	ev := controller.CanonicalEvent{
		TgID:            data.TelegramUserID,
		TariffCode:      data.TariffCode,
		EventName:       eventName,
		Channel:         database.ChannelHeleket,
		PeriodTag:       fmt.Sprintf("heleket_%s", data.TariffCode),
		EffectiveAmount: &amount,
	}

	if sub == nil {
		err = h.controller.Create(ctx, ev)
	} else {
		err = h.controller.Extend(ctx, ev)
	}
	if err == controller.ErrAlreadyProcessed {
		return nil
	}
	return err
}
