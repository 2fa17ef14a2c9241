package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"

	"shareyoursales-ace/pkg/errutil"
	"shareyoursales-ace/services/attribution"
	"shareyoursales-ace/services/commission"
)

// RefundNotice is the normalized refund payload.
type RefundNotice struct {
	ExternalOrderID string
	Reason          string
}

// Adapter normalizes one storefront's webhook dialect. VerifySignature runs
// over the raw body before anything in the payload is trusted.
type Adapter interface {
	Source() string
	VerifySignature(secret string, header http.Header, body []byte) error
	ParseOrder(merchantID string, body []byte) (attribution.ConversionIntent, error)
	ParseRefund(body []byte) (RefundNotice, error)
}

func hmacSHA256(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// verifyBase64HMAC checks a base64-encoded HMAC-SHA256 header value.
func verifyBase64HMAC(secret, got string, body []byte) error {
	want := base64.StdEncoding.EncodeToString(hmacSHA256(secret, body))
	if got == "" || !hmac.Equal([]byte(got), []byte(want)) {
		return errutil.SignatureInvalid("webhook signature mismatch", nil)
	}
	return nil
}

// verifyHexHMAC checks a hex-encoded HMAC-SHA256 header value.
func verifyHexHMAC(secret, got string, body []byte) error {
	want := hex.EncodeToString(hmacSHA256(secret, body))
	if got == "" || !hmac.Equal([]byte(strings.ToLower(got)), []byte(want)) {
		return errutil.SignatureInvalid("webhook signature mismatch", nil)
	}
	return nil
}

// normalizePaymentStatus maps a storefront's financial status onto the
// ledger's payment vocabulary. Captured-payment dialects vary per source;
// anything unrecognized is treated as paid since order webhooks fire on
// checkout completion.
func normalizePaymentStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "authorized", "on-hold", "unpaid", "awaiting_payment":
		return commission.PaymentPending
	case "failed", "voided", "declined":
		return commission.PaymentFailed
	default:
		return commission.PaymentPaid
	}
}

// parseDecimalMinor converts a decimal money string ("100.00") to integer
// minor units, assuming two fractional digits.
func parseDecimalMinor(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errutil.ValidationFailed("amount is empty", nil)
	}

	whole, frac, _ := strings.Cut(raw, ".")
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, errutil.ValidationFailed("malformed amount", err)
	}

	var cents int64
	if frac != "" {
		if len(frac) > 2 {
			// Truncating would silently drop money; three-decimal
			// currencies need explicit support before they are accepted.
			return 0, errutil.ValidationFailed("amount has more than two fractional digits", nil)
		}
		for len(frac) < 2 {
			frac += "0"
		}
		cents, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, errutil.ValidationFailed("malformed amount", err)
		}
	}

	if units < 0 {
		return units*100 - cents, nil
	}
	return units*100 + cents, nil
}
