package attribution

import "gorm.io/datatypes"

// ConversionIntent is the normalized shape every storefront adapter emits.
// ACE trusts only verified intents; signature checks happen in the adapter.
type ConversionIntent struct {
	Source               string
	ExternalOrderID      string
	MerchantID           string
	GrossAmountMinor     int64
	Currency             string
	PaymentStatus        string
	Quantity             int64
	CustomerEmail        string
	ClickToken           string
	PromoOrTrackingCode  string
	RefererURL           string
	LandingURL           string
	VisitorFingerprint   string
	OverrideInfluencerID string
	OverrideLinkID       string
	RawPayload           datatypes.JSON
}

type Confidence string

const (
	ConfidenceExact     Confidence = "exact"
	ConfidenceStrong    Confidence = "strong"
	ConfidenceHeuristic Confidence = "heuristic"
	ConfidenceNone      Confidence = "none"
)

// Reason tags name the strategy that produced the match.
const (
	ReasonOverride     = "override"
	ReasonClickToken   = "click_token"
	ReasonExplicitCode = "explicit_code"
	ReasonReferer      = "referer"
	ReasonLastClick    = "last_click"
	ReasonUnattributed = "unattributed"
)

// AttributionResult names at most one influencer and link for a conversion.
type AttributionResult struct {
	InfluencerID string
	LinkID       string
	Confidence   Confidence
	Reason       string
}

// Attributed reports whether a payee was found. Overrides may name an
// influencer without a link, so only the influencer is required.
func (r AttributionResult) Attributed() bool {
	return r.InfluencerID != ""
}

func unattributed() AttributionResult {
	return AttributionResult{Confidence: ConfidenceNone, Reason: ReasonUnattributed}
}
