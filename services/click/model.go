package click

import "time"

// ClickEvent is one verified visit through a tracking link. Events live
// through the attribution window plus a reconciliation grace, then the purge
// task removes them.
type ClickEvent struct {
	ID          string    `gorm:"column:id;primaryKey"`
	LinkID      string    `gorm:"column:link_id;index:idx_click_link_fingerprint"`
	MerchantID  string    `gorm:"column:merchant_id;index"`
	Fingerprint string    `gorm:"column:fingerprint;index:idx_click_link_fingerprint"`
	Source      string    `gorm:"column:source"`
	Token       string    `gorm:"column:token"`
	ReceivedAt  time.Time `gorm:"column:received_at;index"`
}

// VisitorContext carries the request signals the fingerprint is derived from.
type VisitorContext struct {
	IP             string
	UserAgent      string
	AcceptLanguage string
	Source         string
}
