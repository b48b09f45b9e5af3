// Package crypto implements Source B: the crypto provider's signed webhook.
// The signature scheme (md5 of a slash-escaped JSON re-encoding plus a
// shared key) and the trusted-IP check have no analogue in the teacher
// repo's payment clients, so the HTTP handler shape is grounded on
// tribute.Client.WebHookHandler (read-body, verify, dispatch, always-200)
// while the signing algorithm itself follows spec-mandated bytes exactly.
package crypto

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Webhook is the Source B payload shape.
type Webhook struct {
	Type            string `json:"type"`
	UUID            string `json:"uuid"`
	OrderID         string `json:"order_id"`
	Status          string `json:"status"`
	PaymentStatus   string `json:"payment_status"`
	IsFinal         bool   `json:"is_final"`
	Amount          string `json:"amount"`
	AdditionalData  string `json:"additional_data"`
	Sign            string `json:"sign"`
}

// AdditionalData is the JSON-encoded identity payload carried inside
// Webhook.AdditionalData.
type AdditionalData struct {
	TelegramUserID int64  `json:"telegram_user_id"`
	TariffCode     string `json:"tariff_code"`
}

const TrustedSourceIP = "31.133.220.8"

// EffectiveStatus returns payment_status when it is set and status
// otherwise. IsPaid treats "paid" and "paid_over" as a completed payment.
func (w Webhook) EffectiveStatus() string {
	if w.PaymentStatus != "" {
		return w.PaymentStatus
	}
	return w.Status
}

func (w Webhook) IsPaid() bool {
	s := w.EffectiveStatus()
	return s == "paid" || s == "paid_over"
}

// ParseAdditionalData decodes the identity payload carried as a JSON string
// inside the webhook.
func (w Webhook) ParseAdditionalData() (AdditionalData, error) {
	var data AdditionalData
	if w.AdditionalData == "" {
		return data, fmt.Errorf("additional_data is empty")
	}
	if err := json.Unmarshal([]byte(w.AdditionalData), &data); err != nil {
		return data, fmt.Errorf("unmarshal additional_data: %w", err)
	}
	if data.TelegramUserID == 0 || data.TariffCode == "" {
		return data, fmt.Errorf("additional_data missing telegram_user_id/tariff_code")
	}
	return data, nil
}

// VerifySignature recomputes md5(base64(json_without_sign) + apiPaymentKey)
// over the raw webhook body (with the sign field stripped) and compares it
// to the sign field the provider sent. The re-encoding must escape '/' as
// '\/' to match the signer's own JSON serializer convention, so this
// operates on the raw map rather than re-marshaling through the typed
// struct (whose field order and escaping Go's encoding/json does not
// control precisely enough to match byte for byte).
func VerifySignature(rawBody []byte, apiPaymentKey string) (bool, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(rawBody, &fields); err != nil {
		return false, fmt.Errorf("unmarshal raw body: %w", err)
	}
	signRaw, ok := fields["sign"]
	if !ok {
		return false, fmt.Errorf("missing sign field")
	}
	var sign string
	if err := json.Unmarshal(signRaw, &sign); err != nil {
		return false, fmt.Errorf("unmarshal sign: %w", err)
	}
	delete(fields, "sign")

	canonical, err := canonicalJSON(fields)
	if err != nil {
		return false, err
	}
	expected := signPayload(canonical, apiPaymentKey)
	return expected == strings.ToLower(sign), nil
}

// canonicalJSON re-marshals the remaining fields sorted by key (Go's
// encoding/json already sorts map keys on marshal) and escapes '/' as '\/'.
func canonicalJSON(fields map[string]json.RawMessage) (string, error) {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal canonical body: %w", err)
	}
	return strings.ReplaceAll(string(encoded), "/", `\/`), nil
}

func signPayload(canonicalJSON, apiPaymentKey string) string {
	b64 := base64.StdEncoding.EncodeToString([]byte(canonicalJSON))
	sum := md5.Sum([]byte(b64 + apiPaymentKey))
	return hex.EncodeToString(sum[:])
}

// AmountFloat parses the Webhook's decimal amount string.
func (w Webhook) AmountFloat() float64 {
	f, _ := strconv.ParseFloat(w.Amount, 64)
	return f
}
