// Package legacy implements Source C: the donation/subscription provider's
// HMAC-signed webhook, grounded on the teacher's internal/tribute package
// (same header name, same hex-HMAC-SHA256 scheme, same always-200 dispatch
// loop) generalized from remnawave customer/purchase records onto the
// canonical subscription transitions.
package legacy

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"vpn-service/internal/controller"
	"vpn-service/internal/database"
)

const (
	EventNewSubscription      = "new_subscription"
	EventNewDonation          = "new_donation"
	EventCancelledSubscription = "cancelled_subscription"
)

// Webhook is the Source C payload shape.
type Webhook struct {
	Name    string  `json:"name"`
	Payload Payload `json:"payload"`
}

type Payload struct {
	SubscriptionID   string  `json:"subscription_id"`
	DonationID       string  `json:"donation_id"`
	TelegramUserID   int64   `json:"telegram_user_id"`
	TariffCode       string  `json:"tariff_code"`
	Amount           float64 `json:"amount"`
	Period           string  `json:"period"`
}

// VerifySignature checks the hex HMAC-SHA256 of the raw body against the
// trbt-signature header value.
func VerifySignature(rawBody []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

type Handler struct {
	controller *controller.Controller
}

func NewHandler(ctl *controller.Controller) *Handler {
	return &Handler{controller: ctl}
}

// WebHookHandler mirrors the teacher's tribute.Client.WebHookHandler: read
// body, verify signature, unmarshal, dispatch by event name. It answers 200
// unless the body is unreadable or malformed (400), the signature is
// missing or wrong (401), or dispatch fails (500).
func (h *Handler) WebHookHandler(secret string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
		defer cancel()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			slog.Error("legacy webhook: read body error", "error", err)
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		signature := r.Header.Get("trbt-signature")
		if signature == "" {
			http.Error(w, "missing signature", http.StatusUnauthorized)
			return
		}
		if !VerifySignature(body, signature, secret) {
			slog.Warn("legacy webhook: bad signature")
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}

		var wh Webhook
		if err := json.Unmarshal(body, &wh); err != nil {
			slog.Error("legacy webhook: unmarshal error", "error", err)
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}

		if err := h.dispatch(ctx, wh); err != nil {
			slog.Error("legacy webhook: dispatch error", "event", wh.Name, "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func (h *Handler) dispatch(ctx context.Context, wh Webhook) error {
	switch wh.Name {
	case EventNewSubscription:
		return h.handleNewSubscription(ctx, wh)
	case EventNewDonation:
		return h.handleNewDonation(ctx, wh)
	case EventCancelledSubscription:
		return h.handleCancelledSubscription(ctx, wh)
	default:
		slog.Info("legacy webhook: unhandled event", "name", wh.Name)
		return nil
	}
}

func (h *Handler) handleNewSubscription(ctx context.Context, wh Webhook) error {
	eventName := controller.TributeSubscriptionEventName(wh.Payload.SubscriptionID)
	sub, err := h.controller.SubscriptionForUser(ctx, wh.Payload.TelegramUserID)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}

	amount := wh.Payload.Amount
	ev := controller.CanonicalEvent{
		TgID:            wh.Payload.TelegramUserID,
		TariffCode:      wh.Payload.TariffCode,
		EventName:       eventName,
		Channel:         database.ChannelTribute,
		PeriodTag:       fmt.Sprintf("tribute_%s", wh.Payload.TariffCode),
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

func (h *Handler) handleNewDonation(ctx context.Context, wh Webhook) error {
	eventName := controller.TributeDonationEventName(wh.Payload.DonationID)
	if wh.Payload.TariffCode == "" {
		slog.Info("legacy donation webhook without tariff code, treated as pure donation", "donationId", wh.Payload.DonationID)
		return nil
	}

	sub, err := h.controller.SubscriptionForUser(ctx, wh.Payload.TelegramUserID)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}

	amount := wh.Payload.Amount
	ev := controller.CanonicalEvent{
		TgID:            wh.Payload.TelegramUserID,
		TariffCode:      wh.Payload.TariffCode,
		EventName:       eventName,
		Channel:         database.ChannelTribute,
		PeriodTag:       fmt.Sprintf("tribute_%s", wh.Payload.TariffCode),
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

func (h *Handler) handleCancelledSubscription(ctx context.Context, wh Webhook) error {
	cancelEventName := controller.TributeCancelEventName(wh.Payload.SubscriptionID)
	originalEventName := controller.TributeSubscriptionEventName(wh.Payload.SubscriptionID)
	err := h.controller.CancelPending(ctx, cancelEventName, originalEventName)
	if err == controller.ErrAlreadyProcessed {
		return nil
	}
	return err
}
