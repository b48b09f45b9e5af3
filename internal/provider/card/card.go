// Package card implements Source A: the card provider's webhook and the
// out-of-band re-verification client used before any T-Create/T-Extend is
// trusted, grounded on the teacher's yookasa.Client HTTP idiom (Basic auth,
// retry-on-5xx GetPayment) generalized to the canonical event shape.
package card

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"vpn-service/internal/controller"
	"vpn-service/internal/database"
)

// Payment mirrors the provider's payment object, both as delivered in the
// webhook body and as returned by GetPayment.
type Payment struct {
	ID             string            `json:"id"`
	Status         string            `json:"status"`
	Paid           bool              `json:"paid"`
	Amount         Amount            `json:"amount"`
	RefundedAmount *Amount           `json:"refunded_amount,omitempty"`
	Test           bool              `json:"test"`
	CreatedAt      time.Time         `json:"created_at"`
	Metadata       map[string]string `json:"metadata"`
}

type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

func (a Amount) Float() float64 {
	f, _ := strconv.ParseFloat(a.Value, 64)
	return f
}

// Webhook is the top-level body shape for Source A.
type Webhook struct {
	Event  string  `json:"event"`
	Object Payment `json:"object"`
}

const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentCanceled  = "payment.canceled"
	EventRefundSucceeded  = "refund.succeeded"
)

// Client re-verifies payments against the provider's REST API. It never
// trusts the webhook body on its own.
type Client struct {
	httpClient *http.Client
	baseURL    string
	authHeader string
}

func NewClient(baseURL, shopID, secretKey string) *Client {
	auth := fmt.Sprintf("%s:%s", shopID, secretKey)
	encoded := base64.StdEncoding.EncodeToString([]byte(auth))
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		authHeader: fmt.Sprintf("Basic %s", encoded),
	}
}

// GetPayment fetches the authoritative payment state by id, retrying on
// transient server errors.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	url := fmt.Sprintf("%s/payments/%s", c.baseURL, paymentID)

	maxRetries := 5
	baseDelay := time.Second
	for attempt := 0; attempt < maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", c.authHeader)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("send request: %w", err)
		}

		if resp.StatusCode == http.StatusOK {
			defer resp.Body.Close()
			var payment Payment
			if err := json.NewDecoder(resp.Body).Decode(&payment); err != nil {
				return nil, fmt.Errorf("decode payment: %w", err)
			}
			return &payment, nil
		}
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode == http.StatusInternalServerError ||
			resp.StatusCode == http.StatusBadGateway ||
			resp.StatusCode == http.StatusServiceUnavailable ||
			resp.StatusCode == http.StatusGatewayTimeout {
			delay := baseDelay * time.Duration(1<<attempt)
			slog.Warn("card provider returned retryable status", "status", resp.StatusCode, "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		return nil, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}
	return nil, fmt.Errorf("exceeded max retries against card provider")
}

// Handler processes Source A webhooks end to end.
type Handler struct {
	client     *Client
	controller *controller.Controller
}

func NewHandler(client *Client, ctl *controller.Controller) *Handler {
	return &Handler{client: client, controller: ctl}
}

// verify performs the out-of-band re-verification required by the
// stale/spoofing guard: fetch the payment by id and require succeeded,
// paid, RUB, matching metadata, and no refund.
func (h *Handler) verify(ctx context.Context, wh Webhook) (*Payment, error) {
	payment, err := h.client.GetPayment(ctx, wh.Object.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch payment: %w", err)
	}
	if payment.Status != "succeeded" {
		return nil, fmt.Errorf("payment %s not succeeded: %s", wh.Object.ID, payment.Status)
	}
	if !payment.Paid {
		return nil, fmt.Errorf("payment %s not paid", wh.Object.ID)
	}
	if payment.Amount.Currency != "RUB" {
		return nil, fmt.Errorf("payment %s unexpected currency %s", wh.Object.ID, payment.Amount.Currency)
	}
	if payment.Metadata["telegram_user_id"] != wh.Object.Metadata["telegram_user_id"] {
		return nil, fmt.Errorf("payment %s metadata telegram_user_id mismatch", wh.Object.ID)
	}
	if payment.Metadata["tariff_code"] != wh.Object.Metadata["tariff_code"] {
		return nil, fmt.Errorf("payment %s metadata tariff_code mismatch", wh.Object.ID)
	}
	if payment.RefundedAmount != nil && payment.RefundedAmount.Float() != 0 {
		return nil, fmt.Errorf("payment %s already has a refund", wh.Object.ID)
	}
	return payment, nil
}

// HandlePaymentSucceeded implements T-Create/T-Extend selection plus the
// stale-payment guard for replayed payment.succeeded deliveries.
func (h *Handler) HandlePaymentSucceeded(ctx context.Context, wh Webhook) error {
	payment, err := h.verify(ctx, wh)
	if err != nil {
		slog.Warn("card payment failed re-verification", "paymentId", wh.Object.ID, "error", err)
		return nil
	}

	tgID, tariffCode, ok := metadataIdentity(payment.Metadata)
	if !ok {
		slog.Warn("card payment missing metadata identity", "paymentId", wh.Object.ID)
		return nil
	}

	eventName := controller.YooKassaPaymentEventName(payment.ID)

	sub, lookupErr := h.controller.SubscriptionForUser(ctx, tgID)
	if lookupErr != nil {
		return fmt.Errorf("load subscriptions: %w", lookupErr)
	}

	if sub != nil && sub.LastEventName != nil {
		if stale, err := h.isStaleReplay(ctx, sub, payment); err != nil {
			slog.Error("stale-payment guard check failed", "paymentId", payment.ID, "error", err)
		} else if stale {
			slog.Info("dropping stale card payment replay", "paymentId", payment.ID)
			return nil
		}
	}

	amount := payment.Amount.Float()
	ev := controller.CanonicalEvent{
		TgID:            tgID,
		TariffCode:      tariffCode,
		EventName:       eventName,
		Channel:         database.ChannelYooKassa,
		PeriodTag:       fmt.Sprintf("yookassa_%s", tariffCode),
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

// HandlePaymentCanceled implements T-Cancel-Pending.
func (h *Handler) HandlePaymentCanceled(ctx context.Context, wh Webhook) error {
	cancelEventName := controller.YooKassaCancelEventName(wh.Object.ID)
	originalEventName := controller.YooKassaPaymentEventName(wh.Object.ID)
	err := h.controller.CancelPending(ctx, cancelEventName, originalEventName)
	if err == controller.ErrAlreadyProcessed {
		return nil
	}
	return err
}

// HandleRefundSucceeded implements T-Refund-Shorten. object.id is the
// refund id; the provider carries the refunded payment's id in
// metadata.payment_id for this integration, so the original payment's
// amount can be fetched for the proportion computation.
func (h *Handler) HandleRefundSucceeded(ctx context.Context, wh Webhook) error {
	originalPaymentID := wh.Object.Metadata["payment_id"]
	if originalPaymentID == "" {
		slog.Warn("card refund webhook missing original payment id", "refundId", wh.Object.ID)
		return nil
	}

	original, err := h.client.GetPayment(ctx, originalPaymentID)
	if err != nil {
		return fmt.Errorf("fetch original payment %s: %w", originalPaymentID, err)
	}

	refundEventName := controller.YooKassaRefundEventName(wh.Object.ID)
	originalEventName := controller.YooKassaPaymentEventName(originalPaymentID)
	refundAmount := wh.Object.Amount.Float()
	originalAmount := original.Amount.Float()

	err = h.controller.RefundShorten(ctx, refundEventName, originalEventName, refundAmount, originalAmount)
	if err == controller.ErrAlreadyProcessed || err == controller.ErrNoSubscriptionFound {
		return nil
	}
	return err
}

// isStaleReplay implements the stale-payment guard: if the target
// subscription's last_event_name encodes a different prior payment id,
// fetch that prior payment's created_at and require the current event's
// created_at to be strictly greater.
func (h *Handler) isStaleReplay(ctx context.Context, sub *database.Subscription, current *Payment) (bool, error) {
	priorID, ok := extractPaymentID(*sub.LastEventName)
	if !ok || priorID == current.ID {
		return false, nil
	}
	prior, err := h.client.GetPayment(ctx, priorID)
	if err != nil {
		return false, err
	}
	return !current.CreatedAt.After(prior.CreatedAt), nil
}

func metadataIdentity(meta map[string]string) (int64, string, bool) {
	idStr, ok := meta["telegram_user_id"]
	if !ok {
		return 0, "", false
	}
	tgID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, "", false
	}
	tariffCode, ok := meta["tariff_code"]
	if !ok || tariffCode == "" {
		return 0, "", false
	}
	return tgID, tariffCode, true
}

// extractPaymentID pulls the payment id out of an event name produced by
// controller.YooKassaPaymentEventName, the inverse of that formatter.
func extractPaymentID(eventName string) (string, bool) {
	const prefix = "yookassa_payment_succeeded_"
	if len(eventName) <= len(prefix) || eventName[:len(prefix)] != prefix {
		return "", false
	}
	return eventName[len(prefix):], true
}
