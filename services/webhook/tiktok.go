package webhook

import (
	"encoding/json"
	"net/http"

	"gorm.io/datatypes"

	"shareyoursales-ace/pkg/errutil"
	"shareyoursales-ace/services/attribution"
)

type tiktokAdapter struct{}

func (tiktokAdapter) Source() string { return "tiktok_shop" }

func (tiktokAdapter) VerifySignature(secret string, header http.Header, body []byte) error {
	return verifyHexHMAC(secret, header.Get("X-Tts-Signature"), body)
}

type tiktokOrder struct {
	OrderID       string `json:"order_id"`
	TotalAmount   string `json:"total_amount"`
	Currency      string `json:"currency"`
	PaymentStatus string `json:"payment_status"`
	PromoCode     string `json:"promo_code"`
	BuyerEmail    string `json:"buyer_email"`
	Quantity      int64  `json:"quantity"`
}

func (a tiktokAdapter) ParseOrder(merchantID string, body []byte) (attribution.ConversionIntent, error) {
	var o tiktokOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return attribution.ConversionIntent{}, errutil.ValidationFailed("malformed tiktok payload", err)
	}

	gross, err := parseDecimalMinor(o.TotalAmount)
	if err != nil {
		return attribution.ConversionIntent{}, err
	}

	return attribution.ConversionIntent{
		Source:              a.Source(),
		ExternalOrderID:     o.OrderID,
		MerchantID:          merchantID,
		GrossAmountMinor:    gross,
		Currency:            o.Currency,
		PaymentStatus:       normalizePaymentStatus(o.PaymentStatus),
		Quantity:            o.Quantity,
		CustomerEmail:       o.BuyerEmail,
		PromoOrTrackingCode: o.PromoCode,
		RawPayload:          datatypes.JSON(body),
	}, nil
}

func (tiktokAdapter) ParseRefund(body []byte) (RefundNotice, error) {
	var r struct {
		OrderID string `json:"order_id"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return RefundNotice{}, errutil.ValidationFailed("malformed tiktok refund", err)
	}
	return RefundNotice{ExternalOrderID: r.OrderID, Reason: r.Reason}, nil
}
