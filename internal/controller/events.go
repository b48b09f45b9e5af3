package controller

import "fmt"

// Event name builders. These are the idempotency tokens written to
// last_event_name; one string per distinct provider-side occurrence, so
// that at-least-once delivery collapses to at-most-once effect.

func YooKassaPaymentEventName(paymentID string) string {
	return fmt.Sprintf("yookassa_payment_succeeded_%s", paymentID)
}

func YooKassaRefundEventName(refundID string) string {
	return fmt.Sprintf("yookassa_refund_succeeded_%s", refundID)
}

func YooKassaCancelEventName(paymentID string) string {
	return fmt.Sprintf("yookassa_payment_canceled_%s", paymentID)
}

func HeleketPaymentEventName(uuid string) string {
	return fmt.Sprintf("heleket_payment_paid_%s", uuid)
}

func TributeSubscriptionEventName(subscriptionID string) string {
	return fmt.Sprintf("tribute_new_subscription_%s", subscriptionID)
}

func TributeDonationEventName(donationID string) string {
	return fmt.Sprintf("tribute_new_donation_%s", donationID)
}

func TributeCancelEventName(subscriptionID string) string {
	return fmt.Sprintf("tribute_cancelled_subscription_%s", subscriptionID)
}

func AdminManualEventName(tgID int64, grantedAt int64) string {
	return fmt.Sprintf("admin_manual_%d_%d", tgID, grantedAt)
}

func ReferralTrialEventName(tgID int64) string {
	return fmt.Sprintf("referral_trial_%d", tgID)
}
