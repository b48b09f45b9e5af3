package card

import "testing"

func TestAmountFloat(t *testing.T) {
	cases := []struct {
		value string
		want  float64
	}{
		{"199.00", 199.0},
		{"0", 0},
		{"49.99", 49.99},
	}
	for _, tc := range cases {
		got := Amount{Value: tc.value, Currency: "RUB"}.Float()
		if got != tc.want {
			t.Errorf("Amount{%q}.Float() = %v, want %v", tc.value, got, tc.want)
		}
	}
}

func TestAmountFloatInvalid(t *testing.T) {
	got := Amount{Value: "not-a-number"}.Float()
	if got != 0 {
		t.Errorf("expected 0 for invalid amount, got %v", got)
	}
}

func TestMetadataIdentity(t *testing.T) {
	tgID, tariff, ok := metadataIdentity(map[string]string{
		"telegram_user_id": "12345",
		"tariff_code":      "month_1",
	})
	if !ok || tgID != 12345 || tariff != "month_1" {
		t.Fatalf("metadataIdentity returned (%d, %q, %v)", tgID, tariff, ok)
	}
}

func TestMetadataIdentityMissingFields(t *testing.T) {
	if _, _, ok := metadataIdentity(map[string]string{"telegram_user_id": "1"}); ok {
		t.Error("expected ok=false when tariff_code is missing")
	}
	if _, _, ok := metadataIdentity(map[string]string{"tariff_code": "month_1"}); ok {
		t.Error("expected ok=false when telegram_user_id is missing")
	}
	if _, _, ok := metadataIdentity(map[string]string{"telegram_user_id": "not-a-number", "tariff_code": "x"}); ok {
		t.Error("expected ok=false when telegram_user_id is not numeric")
	}
}

func TestExtractPaymentID(t *testing.T) {
	id, ok := extractPaymentID("yookassa_payment_succeeded_2a8e7c1f")
	if !ok || id != "2a8e7c1f" {
		t.Fatalf("extractPaymentID = (%q, %v), want (\"2a8e7c1f\", true)", id, ok)
	}
	if _, ok := extractPaymentID("some_other_event"); ok {
		t.Error("expected ok=false for an event name without the payment-succeeded prefix")
	}
}
