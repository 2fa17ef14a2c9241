package webhook

import (
	"encoding/json"
	"net/http"

	"gorm.io/datatypes"

	"shareyoursales-ace/pkg/errutil"
	"shareyoursales-ace/services/attribution"
)

// manualAdapter accepts the normalized intent shape directly. It is the path
// operators and custom storefronts use; the influencer override field is only
// honored for admin callers (enforced in the handler).
type manualAdapter struct{}

func (manualAdapter) Source() string { return "manual" }

func (manualAdapter) VerifySignature(secret string, header http.Header, body []byte) error {
	return verifyHexHMAC(secret, header.Get("X-Signature"), body)
}

type manualOrder struct {
	ExternalOrderID      string `json:"external_order_id"`
	GrossAmountMinor     int64  `json:"gross_amount_minor"`
	Currency             string `json:"currency"`
	PaymentStatus        string `json:"payment_status"`
	Quantity             int64  `json:"quantity"`
	CustomerEmail        string `json:"customer_email"`
	ClickToken           string `json:"click_token"`
	TrackingCode         string `json:"tracking_code"`
	RefererURL           string `json:"referer_url"`
	LandingURL           string `json:"landing_url"`
	VisitorFingerprint   string `json:"visitor_fingerprint"`
	OverrideInfluencerID string `json:"override_influencer_id"`
	OverrideLinkID       string `json:"override_link_id"`
}

func (a manualAdapter) ParseOrder(merchantID string, body []byte) (attribution.ConversionIntent, error) {
	var o manualOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return attribution.ConversionIntent{}, errutil.ValidationFailed("malformed manual payload", err)
	}

	return attribution.ConversionIntent{
		Source:               a.Source(),
		ExternalOrderID:      o.ExternalOrderID,
		MerchantID:           merchantID,
		GrossAmountMinor:     o.GrossAmountMinor,
		Currency:             o.Currency,
		PaymentStatus:        normalizePaymentStatus(o.PaymentStatus),
		Quantity:             o.Quantity,
		CustomerEmail:        o.CustomerEmail,
		ClickToken:           o.ClickToken,
		PromoOrTrackingCode:  o.TrackingCode,
		RefererURL:           o.RefererURL,
		LandingURL:           o.LandingURL,
		VisitorFingerprint:   o.VisitorFingerprint,
		OverrideInfluencerID: o.OverrideInfluencerID,
		OverrideLinkID:       o.OverrideLinkID,
		RawPayload:           datatypes.JSON(body),
	}, nil
}

func (manualAdapter) ParseRefund(body []byte) (RefundNotice, error) {
	var r struct {
		ExternalOrderID string `json:"external_order_id"`
		Reason          string `json:"reason"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return RefundNotice{}, errutil.ValidationFailed("malformed manual refund", err)
	}
	return RefundNotice{ExternalOrderID: r.ExternalOrderID, Reason: r.Reason}, nil
}
