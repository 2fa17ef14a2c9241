package commission

import (
	"time"

	"gorm.io/datatypes"
)

// Sale statuses.
const (
	SaleCompleted = "completed"
	SaleRefunded  = "refunded"
	SaleCancelled = "cancelled"
)

// Payment statuses tracked on the sale. Commissions only leave hold for paid
// sales; pending and failed payments park until an operator decides.
const (
	PaymentPending  = "pending"
	PaymentPaid     = "paid"
	PaymentFailed   = "failed"
	PaymentRefunded = "refunded"
)

// Commission statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusPaid     = "paid"
	StatusRejected = "rejected"
	StatusReversed = "reversed"
)

// Sale is the canonical record of one storefront order. (source,
// external_order_id) is unique so webhook replays are idempotent. Sales are
// never deleted.
type Sale struct {
	ID                    string         `gorm:"column:id;primaryKey"`
	Source                string         `gorm:"column:source;uniqueIndex:idx_sale_source_order"`
	ExternalOrderID       string         `gorm:"column:external_order_id;uniqueIndex:idx_sale_source_order"`
	MerchantID            string         `gorm:"column:merchant_id;index"`
	InfluencerID          string         `gorm:"column:influencer_id;index"`
	LinkID                string         `gorm:"column:link_id"`
	GrossAmountMinor      int64          `gorm:"column:gross_amount_minor"`
	Currency              string         `gorm:"column:currency"`
	Quantity              int64          `gorm:"column:quantity"`
	CustomerFingerprint   string         `gorm:"column:customer_fingerprint"`
	Status                string         `gorm:"column:status"`
	PaymentStatus         string         `gorm:"column:payment_status"`
	AttributionConfidence string         `gorm:"column:attribution_confidence"`
	AttributionReason     string         `gorm:"column:attribution_reason"`
	HoldExpiry            time.Time      `gorm:"column:hold_expiry"`
	RawPayload            datatypes.JSON `gorm:"column:raw_payload"`
	CreatedAt             time.Time      `gorm:"column:created_at"`
	UpdatedAt             time.Time      `gorm:"column:updated_at"`
}

// Commission is one influencer's cut of one sale. A refund after payout is
// expressed as a new negative-amount commission (clawback) referencing the
// original through OffsetsCommissionID; originals are never edited.
type Commission struct {
	ID                    string     `gorm:"column:id;primaryKey"`
	SaleID                string     `gorm:"column:sale_id;index"`
	InfluencerID          string     `gorm:"column:influencer_id;index"`
	MerchantID            string     `gorm:"column:merchant_id"`
	LinkID                string     `gorm:"column:link_id"`
	InfluencerAmountMinor int64      `gorm:"column:influencer_amount_minor"`
	PlatformAmountMinor   int64      `gorm:"column:platform_amount_minor"`
	MerchantNetMinor      int64      `gorm:"column:merchant_net_minor"`
	Currency              string     `gorm:"column:currency"`
	Status                string     `gorm:"column:status;index"`
	HoldExpiry            time.Time  `gorm:"column:hold_expiry"`
	ApprovedAt            *time.Time `gorm:"column:approved_at"`
	PaidAt                *time.Time `gorm:"column:paid_at"`
	PayoutID              string     `gorm:"column:payout_id;index"`
	OffsetsCommissionID   string     `gorm:"column:offsets_commission_id"`
	AuditTag              string     `gorm:"column:audit_tag"`
	CreatedAt             time.Time  `gorm:"column:created_at"`
	UpdatedAt             time.Time  `gorm:"column:updated_at"`
}

// IsClawback reports whether this commission offsets an earlier paid one.
func (c *Commission) IsClawback() bool {
	return c.OffsetsCommissionID != ""
}

// InfluencerBalance is the per-influencer, per-currency money position.
// held carries pending commissions, available carries approved ones, and
// lifetime_earnings accumulates at approval time.
type InfluencerBalance struct {
	ID                    string    `gorm:"column:id;primaryKey"`
	InfluencerID          string    `gorm:"column:influencer_id;uniqueIndex:idx_balance_influencer_currency"`
	Currency              string    `gorm:"column:currency;uniqueIndex:idx_balance_influencer_currency"`
	AvailableMinor        int64     `gorm:"column:available_minor"`
	HeldMinor             int64     `gorm:"column:held_minor"`
	LifetimeEarningsMinor int64     `gorm:"column:lifetime_earnings_minor"`
	CreatedAt             time.Time `gorm:"column:created_at"`
	UpdatedAt             time.Time `gorm:"column:updated_at"`
}

// QuarantinedEvent preserves an input that tripped a balance invariant.
// Quarantined events are never auto-recovered; operators review them.
type QuarantinedEvent struct {
	ID              string         `gorm:"column:id;primaryKey"`
	Source          string         `gorm:"column:source"`
	ExternalOrderID string         `gorm:"column:external_order_id"`
	Reason          string         `gorm:"column:reason"`
	Payload         datatypes.JSON `gorm:"column:payload"`
	CreatedAt       time.Time      `gorm:"column:created_at"`
}

// SaleResult is what recordConversion returns to the webhook layer.
type SaleResult struct {
	Sale       *Sale
	Commission *Commission
	Replayed   bool
}

// RefundResult reports the state after a refund was applied or replayed.
type RefundResult struct {
	Sale       *Sale
	Commission *Commission
	Clawback   *Commission
	Replayed   bool
}

// Transition records one hold-clock state change.
type Transition struct {
	CommissionID   string
	PreviousStatus string
	NewStatus      string
}
