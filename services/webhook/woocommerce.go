package webhook

import (
	"encoding/json"
	"net/http"

	"gorm.io/datatypes"

	"shareyoursales-ace/pkg/errutil"
	"shareyoursales-ace/services/attribution"
)

const wooTrackingMetaKey = "_syos_code"
const wooTokenMetaKey = "_syos_click_token"

type wooAdapter struct{}

func (wooAdapter) Source() string { return "woocommerce" }

func (wooAdapter) VerifySignature(secret string, header http.Header, body []byte) error {
	return verifyBase64HMAC(secret, header.Get("X-WC-Webhook-Signature"), body)
}

type wooOrder struct {
	ID       json.Number `json:"id"`
	Total    string      `json:"total"`
	Currency string      `json:"currency"`
	Status   string      `json:"status"`
	Billing  struct {
		Email string `json:"email"`
	} `json:"billing"`
	MetaData []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"meta_data"`
	LineItems []struct {
		Quantity int64 `json:"quantity"`
	} `json:"line_items"`
}

func (a wooAdapter) ParseOrder(merchantID string, body []byte) (attribution.ConversionIntent, error) {
	var o wooOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return attribution.ConversionIntent{}, errutil.ValidationFailed("malformed woocommerce payload", err)
	}

	gross, err := parseDecimalMinor(o.Total)
	if err != nil {
		return attribution.ConversionIntent{}, err
	}

	intent := attribution.ConversionIntent{
		Source:           a.Source(),
		ExternalOrderID:  o.ID.String(),
		MerchantID:       merchantID,
		GrossAmountMinor: gross,
		Currency:         o.Currency,
		PaymentStatus:    normalizePaymentStatus(o.Status),
		CustomerEmail:    o.Billing.Email,
		RawPayload:       datatypes.JSON(body),
	}

	for _, li := range o.LineItems {
		intent.Quantity += li.Quantity
	}

	for _, m := range o.MetaData {
		switch m.Key {
		case wooTrackingMetaKey:
			intent.PromoOrTrackingCode = m.Value
		case wooTokenMetaKey:
			intent.ClickToken = m.Value
		}
	}

	return intent, nil
}

func (wooAdapter) ParseRefund(body []byte) (RefundNotice, error) {
	var r struct {
		OrderID json.Number `json:"order_id"`
		Reason  string      `json:"reason"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return RefundNotice{}, errutil.ValidationFailed("malformed woocommerce refund", err)
	}
	return RefundNotice{ExternalOrderID: r.OrderID.String(), Reason: r.Reason}, nil
}
