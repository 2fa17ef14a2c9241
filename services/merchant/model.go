package merchant

import "time"

// Merchant is the storefront tenant. WebhookSecret keys the HMAC verification
// of inbound order webhooks; PlatformFeePercent overrides the global platform
// rate when non-zero.
type Merchant struct {
	ID                 string    `gorm:"column:id;primaryKey"`
	Name               string    `gorm:"column:name"`
	WebhookSecret      string    `gorm:"column:webhook_secret"`
	PlatformFeePercent int64     `gorm:"column:platform_fee_percent"`
	Currency           string    `gorm:"column:currency"`
	CreatedAt          time.Time `gorm:"column:created_at"`
	UpdatedAt          time.Time `gorm:"column:updated_at"`
}

// Product carries the merchant-configured influencer commission rate.
type Product struct {
	ID                string    `gorm:"column:id;primaryKey"`
	MerchantID        string    `gorm:"column:merchant_id;index"`
	Name              string    `gorm:"column:name"`
	DestinationURL    string    `gorm:"column:destination_url"`
	CommissionPercent int64     `gorm:"column:commission_percent"`
	Active            bool      `gorm:"column:active"`
	CreatedAt         time.Time `gorm:"column:created_at"`
	UpdatedAt         time.Time `gorm:"column:updated_at"`
}

// PaymentMethod is an influencer's payout destination for one currency.
type PaymentMethod struct {
	ID                string    `gorm:"column:id;primaryKey"`
	InfluencerID      string    `gorm:"column:influencer_id;index"`
	Provider          string    `gorm:"column:provider"`
	Currency          string    `gorm:"column:currency"`
	AccountDescriptor string    `gorm:"column:account_descriptor"`
	Active            bool      `gorm:"column:active"`
	CreatedAt         time.Time `gorm:"column:created_at"`
	UpdatedAt         time.Time `gorm:"column:updated_at"`
}
