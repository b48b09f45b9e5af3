// Package handler implements the HTTP framing layer: webhook routing for
// the three provider sources, minimal admin endpoints, and a health check,
// grounded on the teacher's http.NewServeMux/mux.Handle wiring and its
// fullHealthHandler JSON status endpoint in cmd/app/main.go.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"vpn-service/internal/config"
	"vpn-service/internal/controller"
	"vpn-service/internal/database"
	"vpn-service/internal/points"
	"vpn-service/internal/provider/card"
	"vpn-service/internal/provider/crypto"
)

// CardWebhookHandler handles Source A: no signature, protected entirely by
// out-of-band re-verification inside the card handler itself.
func CardWebhookHandler(h *card.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()

		var wh card.Webhook
		if err := json.NewDecoder(r.Body).Decode(&wh); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		var err error
		switch wh.Event {
		case card.EventPaymentSucceeded:
			err = h.HandlePaymentSucceeded(ctx, wh)
		case card.EventPaymentCanceled:
			err = h.HandlePaymentCanceled(ctx, wh)
		case card.EventRefundSucceeded:
			err = h.HandleRefundSucceeded(ctx, wh)
		}
		if err != nil {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

// CryptoWebhookHandler handles Source B: signature + trusted-IP verification
// happen here, before the parsed payload reaches the provider package.
func CryptoWebhookHandler(h *crypto.Handler, apiPaymentKey string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()

		if !crypto.IsTrustedSourceIP(clientIP(r)) {
			http.Error(w, "untrusted source", http.StatusForbidden)
			return
		}

		body, err := readAll(r)
		if err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}

		if !config.HeleketDisableSignatureCheck() {
			ok, err := crypto.VerifySignature(body, apiPaymentKey)
			if err != nil || !ok {
				http.Error(w, "invalid signature", http.StatusUnauthorized)
				return
			}
		}

		var wh crypto.Webhook
		if err := json.Unmarshal(body, &wh); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}

		if err := h.Dispatch(ctx, wh); err != nil {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if idx := lastColon(host); idx >= 0 {
		host = host[:idx]
	}
	return host
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// AdminListSubscriptions serves the last 50 subscriptions as JSON.
func AdminListSubscriptions(subRepo *database.SubscriptionRepository) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		subs, err := subRepo.ListRecent(ctx, 50)
		if err != nil {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(subs)
	})
}

// AdminDeactivateSubscription deactivates a subscription by id, given as a
// query parameter, e.g. POST /admin/deactivate?id=42.
func AdminDeactivateSubscription(ctl *controller.Controller) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		idStr := r.URL.Query().Get("id")
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}

		eventName := controller.AdminManualEventName(id, time.Now().Unix())
		if err := ctl.AdminRevoke(ctx, id, eventName); err != nil {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

// AdminGrantSubscription grants or extends a subscription by a manual day
// count, e.g. POST /admin/grant?tg_id=123&days=30.
func AdminGrantSubscription(ctl *controller.Controller) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()

		tgID, err := strconv.ParseInt(r.URL.Query().Get("tg_id"), 10, 64)
		if err != nil {
			http.Error(w, "invalid tg_id", http.StatusBadRequest)
			return
		}
		days, err := strconv.Atoi(r.URL.Query().Get("days"))
		if err != nil || days <= 0 {
			http.Error(w, "invalid days", http.StatusBadRequest)
			return
		}

		eventName := controller.AdminManualEventName(tgID, time.Now().Unix())
		if err := ctl.AdminGrant(ctx, tgID, days, eventName); err != nil {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

// AdminGrantReferralTrial grants the one-time referral trial to a referred
// user, e.g. POST /admin/referral-trial?tg_id=123&days=7.
func AdminGrantReferralTrial(ctl *controller.Controller) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()

		tgID, err := strconv.ParseInt(r.URL.Query().Get("tg_id"), 10, 64)
		if err != nil {
			http.Error(w, "invalid tg_id", http.StatusBadRequest)
			return
		}
		days, err := strconv.Atoi(r.URL.Query().Get("days"))
		if err != nil || days <= 0 {
			http.Error(w, "invalid days", http.StatusBadRequest)
			return
		}

		eventName := controller.ReferralTrialEventName(tgID)
		err = ctl.GrantReferralTrial(ctx, tgID, days, eventName)
		if err == controller.ErrNoSubscriptionFound {
			http.Error(w, "user already has a subscription history", http.StatusConflict)
			return
		}
		if err != nil {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

// AdminUpsertPromoCode creates or updates a promo code from a JSON body.
func AdminUpsertPromoCode(promoRepo *database.PromoRepository) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		var promo database.PromoCode
		if err := json.NewDecoder(r.Body).Decode(&promo); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		if err := promoRepo.Upsert(ctx, nil, &promo); err != nil {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

// AdminDeactivatePromoCode deactivates a promo code by its code, e.g.
// POST /admin/promo/deactivate?code=WELCOME10.
func AdminDeactivatePromoCode(promoRepo *database.PromoRepository) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}
		if err := promoRepo.Deactivate(ctx, nil, code); err != nil {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

// PointsBalance reports a user's current points balance, e.g.
// GET /points/balance?tg_id=123.
func PointsBalance(engine *points.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		tgID, err := strconv.ParseInt(r.URL.Query().Get("tg_id"), 10, 64)
		if err != nil {
			http.Error(w, "invalid tg_id", http.StatusBadRequest)
			return
		}
		balance, err := engine.Balance(ctx, tgID)
		if err != nil {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"telegram_user_id":%d,"balance":%d}`, tgID, balance)
	})
}

// AdminGrantPoints adjusts a user's points balance by a signed delta, e.g.
// POST /admin/points/grant?tg_id=123&delta=-50&reason=correction.
func AdminGrantPoints(engine *points.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		tgID, err := strconv.ParseInt(r.URL.Query().Get("tg_id"), 10, 64)
		if err != nil {
			http.Error(w, "invalid tg_id", http.StatusBadRequest)
			return
		}
		delta, err := strconv.ParseInt(r.URL.Query().Get("delta"), 10, 64)
		if err != nil || delta == 0 {
			http.Error(w, "invalid delta", http.StatusBadRequest)
			return
		}
		var meta map[string]interface{}
		if reason := r.URL.Query().Get("reason"); reason != "" {
			meta = map[string]interface{}{"reason": reason}
		}
		if err := engine.GrantAdminPoints(ctx, tgID, delta, meta); err != nil {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

// ReferralStats serves a user's invite-code and downline summary, e.g.
// GET /referral/stats?tg_id=123.
func ReferralStats(engine *points.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		tgID, err := strconv.ParseInt(r.URL.Query().Get("tg_id"), 10, 64)
		if err != nil {
			http.Error(w, "invalid tg_id", http.StatusBadRequest)
			return
		}
		info, err := engine.ReferralStats(ctx, tgID)
		if err != nil {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(info)
	})
}

// HealthCheck mirrors the teacher's fullHealthHandler: a JSON status
// payload that pings the database pool.
func HealthCheck(pool *pgxpool.Pool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ok"
		dbStatus := "ok"
		if err := pool.Ping(ctx); err != nil {
			status = "fail"
			dbStatus = "error: " + err.Error()
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"%s","db":"%s","time":"%s"}`, status, dbStatus, time.Now().Format(time.RFC3339))
	})
}
