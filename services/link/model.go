package link

import "time"

// TrackingLink is a mintable short-code owned by an influencer and pointing
// at a merchant product. Links are never hard-deleted; deactivation preserves
// attribution history.
type TrackingLink struct {
	ID                string    `gorm:"column:id;primaryKey"`
	ShortCode         string    `gorm:"column:short_code;uniqueIndex"`
	InfluencerID      string    `gorm:"column:influencer_id;index"`
	MerchantID        string    `gorm:"column:merchant_id;index"`
	ProductID         string    `gorm:"column:product_id;index"`
	DestinationURL    string    `gorm:"column:destination_url"`
	Active            bool      `gorm:"column:active"`
	Clicks            int64     `gorm:"column:clicks"`
	Conversions       int64     `gorm:"column:conversions"`
	RevenueMinorUnits int64     `gorm:"column:revenue_minor_units"`
	CreatedAt         time.Time `gorm:"column:created_at"`
	UpdatedAt         time.Time `gorm:"column:updated_at"`
}

// CounterDelta is a signed adjustment to a link's cumulative counters.
// Negative revenue deltas come only from commission reversals.
type CounterDelta struct {
	Clicks            int64
	Conversions       int64
	RevenueMinorUnits int64
}
