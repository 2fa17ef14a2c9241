package webhook

import (
	"encoding/json"
	"net/http"

	"gorm.io/datatypes"

	"shareyoursales-ace/pkg/errutil"
	"shareyoursales-ace/services/attribution"
	"shareyoursales-ace/services/click"
)

const shopifyTrackingAttr = "syos_code"
const shopifyTokenAttr = "syos_click_token"

type shopifyAdapter struct{}

func (shopifyAdapter) Source() string { return "shopify" }

func (shopifyAdapter) VerifySignature(secret string, header http.Header, body []byte) error {
	return verifyBase64HMAC(secret, header.Get("X-Shopify-Hmac-Sha256"), body)
}

type shopifyOrder struct {
	OrderNumber     json.Number `json:"order_number"`
	TotalPrice      string      `json:"total_price"`
	Currency        string      `json:"currency"`
	FinancialStatus string      `json:"financial_status"`
	LandingSite     string      `json:"landing_site"`
	ReferringSite   string      `json:"referring_site"`
	NoteAttributes  []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"note_attributes"`
	Customer struct {
		Email string `json:"email"`
	} `json:"customer"`
	ClientDetails struct {
		BrowserIP      string `json:"browser_ip"`
		UserAgent      string `json:"user_agent"`
		AcceptLanguage string `json:"accept_language"`
	} `json:"client_details"`
	LineItems []struct {
		Quantity int64 `json:"quantity"`
	} `json:"line_items"`
}

func (a shopifyAdapter) ParseOrder(merchantID string, body []byte) (attribution.ConversionIntent, error) {
	var o shopifyOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return attribution.ConversionIntent{}, errutil.ValidationFailed("malformed shopify payload", err)
	}

	gross, err := parseDecimalMinor(o.TotalPrice)
	if err != nil {
		return attribution.ConversionIntent{}, err
	}

	intent := attribution.ConversionIntent{
		Source:           a.Source(),
		ExternalOrderID:  o.OrderNumber.String(),
		MerchantID:       merchantID,
		GrossAmountMinor: gross,
		Currency:         o.Currency,
		PaymentStatus:    normalizePaymentStatus(o.FinancialStatus),
		CustomerEmail:    o.Customer.Email,
		RefererURL:       o.ReferringSite,
		LandingURL:       o.LandingSite,
		RawPayload:       datatypes.JSON(body),
	}

	for _, li := range o.LineItems {
		intent.Quantity += li.Quantity
	}

	for _, attr := range o.NoteAttributes {
		switch attr.Name {
		case shopifyTrackingAttr:
			intent.PromoOrTrackingCode = attr.Value
		case shopifyTokenAttr:
			intent.ClickToken = attr.Value
		}
	}

	if o.ClientDetails.BrowserIP != "" {
		intent.VisitorFingerprint = click.Fingerprint(click.VisitorContext{
			IP:             o.ClientDetails.BrowserIP,
			UserAgent:      o.ClientDetails.UserAgent,
			AcceptLanguage: o.ClientDetails.AcceptLanguage,
		})
	}

	return intent, nil
}

func (shopifyAdapter) ParseRefund(body []byte) (RefundNotice, error) {
	var r struct {
		OrderNumber json.Number `json:"order_number"`
		Note        string      `json:"note"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return RefundNotice{}, errutil.ValidationFailed("malformed shopify refund", err)
	}
	return RefundNotice{ExternalOrderID: r.OrderNumber.String(), Reason: r.Note}, nil
}
