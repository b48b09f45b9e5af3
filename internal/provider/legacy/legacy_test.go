package legacy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"name":"new_subscription","payload":{"subscription_id":"sub-1"}}`)
	secret := "shared-secret"

	if !VerifySignature(body, sign(body, secret), secret) {
		t.Error("expected a correctly signed body to verify")
	}
}

func TestVerifySignatureRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"name":"new_subscription","payload":{"subscription_id":"sub-1"}}`)

	if VerifySignature(body, sign(body, "shared-secret"), "other-secret") {
		t.Error("expected verification to fail with the wrong secret")
	}
}

func TestVerifySignatureRejectsTamperedBody(t *testing.T) {
	secret := "shared-secret"
	original := []byte(`{"name":"new_subscription","payload":{"subscription_id":"sub-1"}}`)
	sig := sign(original, secret)

	tampered := []byte(`{"name":"new_subscription","payload":{"subscription_id":"sub-2"}}`)
	if VerifySignature(tampered, sig, secret) {
		t.Error("expected verification to fail when the body changes after signing")
	}
}
