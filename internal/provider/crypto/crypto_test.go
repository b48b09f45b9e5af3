package crypto

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"
)

// referenceSign reproduces md5(base64(json)+key) over the exact bytes
// Go's own json.Marshal produces for this field set (alphabetical keys,
// no sign field), independent of the package's private helpers.
func referenceSign(t *testing.T, fields map[string]string, key string) string {
	t.Helper()
	raw := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		encoded, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal field %q: %v", k, err)
		}
		raw[k] = encoded
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("marshal fields: %v", err)
	}
	canonical := strings.ReplaceAll(string(encoded), "/", `\/`)
	b64 := base64.StdEncoding.EncodeToString([]byte(canonical))
	sum := md5.Sum([]byte(b64 + key))
	return hex.EncodeToString(sum[:])
}

func TestVerifySignature(t *testing.T) {
	const apiKey = "test-payment-key"
	fields := map[string]string{
		"type":   "payment",
		"uuid":   "abc-123",
		"status": "paid",
		"amount": "10.00",
	}
	sig := referenceSign(t, fields, apiKey)

	body := []byte(`{"type":"payment","uuid":"abc-123","status":"paid","amount":"10.00","sign":"` + sig + `"}`)

	ok, err := VerifySignature(body, apiKey)
	if err != nil {
		t.Fatalf("VerifySignature returned error: %v", err)
	}
	if !ok {
		t.Error("expected signature to verify")
	}
}

func TestVerifySignatureRejectsTamperedBody(t *testing.T) {
	const apiKey = "test-payment-key"
	body := []byte(`{"type":"payment","uuid":"abc-123","status":"paid","amount":"10.00","sign":"deadbeef"}`)

	ok, err := VerifySignature(body, apiKey)
	if err != nil {
		t.Fatalf("VerifySignature returned error: %v", err)
	}
	if ok {
		t.Error("expected signature mismatch to fail verification")
	}
}

func TestEffectiveStatusAndIsPaid(t *testing.T) {
	cases := []struct {
		status, paymentStatus string
		wantPaid              bool
	}{
		{"paid", "", true},
		{"", "paid_over", true},
		{"pending", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		wh := Webhook{Status: tc.status, PaymentStatus: tc.paymentStatus}
		if got := wh.IsPaid(); got != tc.wantPaid {
			t.Errorf("Webhook{Status:%q,PaymentStatus:%q}.IsPaid() = %v, want %v",
				tc.status, tc.paymentStatus, got, tc.wantPaid)
		}
	}
}

func TestParseAdditionalData(t *testing.T) {
	wh := Webhook{AdditionalData: `{"telegram_user_id":555,"tariff_code":"month_3"}`}
	data, err := wh.ParseAdditionalData()
	if err != nil {
		t.Fatalf("ParseAdditionalData returned error: %v", err)
	}
	if data.TelegramUserID != 555 || data.TariffCode != "month_3" {
		t.Errorf("got %+v", data)
	}
}

func TestParseAdditionalDataRejectsMissingIdentity(t *testing.T) {
	wh := Webhook{AdditionalData: `{"tariff_code":"month_3"}`}
	if _, err := wh.ParseAdditionalData(); err == nil {
		t.Error("expected error when telegram_user_id is zero")
	}
}
