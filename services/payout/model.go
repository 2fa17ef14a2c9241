package payout

import "time"

// Payout statuses.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusPaid       = "paid"
	StatusFailed     = "failed"
)

// Payout is one transfer of accumulated commissions to an influencer's
// payment method. Commissions reference it through their payout_id; the
// amount is the sum of those commissions at batch time and never changes.
type Payout struct {
	ID                string     `gorm:"column:id;primaryKey"`
	BatchCode         string     `gorm:"column:batch_code;index"`
	InfluencerID      string     `gorm:"column:influencer_id;index"`
	Currency          string     `gorm:"column:currency"`
	AmountMinor       int64      `gorm:"column:amount_minor"`
	Provider          string     `gorm:"column:provider"`
	AccountDescriptor string     `gorm:"column:account_descriptor"`
	Status            string     `gorm:"column:status;index"`
	ExternalTxID      string     `gorm:"column:external_tx_id;index"`
	Attempts          int        `gorm:"column:attempts"`
	FailureReason     string     `gorm:"column:failure_reason"`
	DispatchedAt      *time.Time `gorm:"column:dispatched_at"`
	SettledAt         *time.Time `gorm:"column:settled_at"`
	CreatedAt         time.Time  `gorm:"column:created_at"`
	UpdatedAt         time.Time  `gorm:"column:updated_at"`
}

// ReconcileOutcome is the provider's final word on one transfer.
type ReconcileOutcome struct {
	ExternalTxID string
	Success      bool
	Reason       string
}

// ReconcileResult reports the payout state after an outcome was applied or
// replayed.
type ReconcileResult struct {
	Payout   *Payout
	Replayed bool
}
