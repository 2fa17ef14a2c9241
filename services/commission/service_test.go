package commission

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"shareyoursales-ace/pkg/access"
	"shareyoursales-ace/pkg/config"
	"shareyoursales-ace/pkg/errutil"
	"shareyoursales-ace/pkg/featureflags"
	"shareyoursales-ace/pkg/middleware"
	"shareyoursales-ace/services/attribution"
	"shareyoursales-ace/services/click"
	"shareyoursales-ace/services/link"
	"shareyoursales-ace/services/merchant"
	"shareyoursales-ace/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var adminActor = middleware.Actor{Subject: "adm-1", Role: middleware.RoleAdmin}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t,
		&Sale{},
		&Commission{},
		&InfluencerBalance{},
		&QuarantinedEvent{},
		&link.TrackingLink{},
		&click.ClickEvent{},
		&merchant.Merchant{},
		&merchant.Product{},
		&merchant.PaymentMethod{},
	)

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	enforcer, err := access.ProvideEnforcer()
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.ACE.ClickTokenSecret = "test-secret"
	cfg.ApplyDefaults()

	merchants := merchant.NewService(merchant.ServiceParams{DB: db})
	links := link.NewService(link.ServiceParams{DB: db, Node: node, Enforcer: enforcer, Merchant: merchants})
	clicks := click.NewService(click.ServiceParams{DB: db, Node: node, Config: cfg, Links: links})
	attributor := attribution.NewService(attribution.ServiceParams{
		Config: cfg,
		Links:  links,
		Clicks: clicks,
		Flags:  featureflags.ProvideFlags(featureflags.Params{Config: cfg}),
	})

	svc := NewService(ServiceParams{
		DB:         db,
		Node:       node,
		Config:     cfg,
		Enforcer:   enforcer,
		Links:      links,
		Merchants:  merchants,
		Attributor: attributor,
	})

	require.NoError(t, db.Create(&merchant.Merchant{ID: "mrc-1", Name: "Souk", WebhookSecret: "whsec", Currency: "MAD"}).Error)
	require.NoError(t, db.Create(&merchant.Product{
		ID: "prod-1", MerchantID: "mrc-1", Name: "Argan Oil", CommissionPercent: 10, Active: true,
	}).Error)
	require.NoError(t, db.Create(&link.TrackingLink{
		ID: "lnk-1", ShortCode: "ABC12345", InfluencerID: "inf-1", MerchantID: "mrc-1",
		ProductID: "prod-1", DestinationURL: "https://shop.example/p/1", Active: true,
	}).Error)

	return svc, db
}

func intentWithCode(orderID string) attribution.ConversionIntent {
	return attribution.ConversionIntent{
		Source:              "shopify",
		ExternalOrderID:     orderID,
		MerchantID:          "mrc-1",
		GrossAmountMinor:    10000,
		Currency:            "MAD",
		PromoOrTrackingCode: "ABC12345",
	}
}

func balanceOf(t *testing.T, svc *Service, influencerID string) *BalanceSnapshot {
	t.Helper()
	b, err := svc.GetBalance(context.Background(), influencerID, "MAD")
	require.NoError(t, err)
	return b
}

func TestRecordConversionWithClickToken(t *testing.T) {
	svc, _ := newTestService(t)

	now := time.Now().UTC()
	token, err := click.SignToken([]byte(svc.cfg.ACE.ClickTokenSecret), click.TokenClaims{
		LinkID: "lnk-1", Fingerprint: "fp", IssuedAt: now.Add(-48 * time.Hour).Unix(),
	})
	require.NoError(t, err)

	intent := attribution.ConversionIntent{
		Source:           "shopify",
		ExternalOrderID:  "S-1001",
		MerchantID:       "mrc-1",
		GrossAmountMinor: 10000,
		Currency:         "MAD",
		ClickToken:       token,
	}

	res, err := svc.RecordConversion(context.Background(), intent, now)
	require.NoError(t, err)
	require.Equal(t, SaleCompleted, res.Sale.Status)
	require.Equal(t, "inf-1", res.Sale.InfluencerID)
	require.NotNil(t, res.Commission)
	require.Equal(t, int64(1000), res.Commission.InfluencerAmountMinor)
	require.Equal(t, int64(500), res.Commission.PlatformAmountMinor)
	require.Equal(t, int64(8500), res.Commission.MerchantNetMinor)
	require.Equal(t, StatusPending, res.Commission.Status)

	b := balanceOf(t, svc, "inf-1")
	require.Equal(t, int64(1000), b.HeldMinor)
	require.Equal(t, int64(0), b.AvailableMinor)
}

func TestRecordConversionIdempotent(t *testing.T) {
	svc, db := newTestService(t)

	now := time.Now().UTC()
	intent := intentWithCode("S-1001")

	first, err := svc.RecordConversion(context.Background(), intent, now)
	require.NoError(t, err)
	require.False(t, first.Replayed)

	for i := 0; i < 3; i++ {
		again, err := svc.RecordConversion(context.Background(), intent, now)
		require.NoError(t, err)
		require.True(t, again.Replayed)
		require.Equal(t, first.Sale.ID, again.Sale.ID)
		require.Equal(t, first.Commission.ID, again.Commission.ID)
	}

	var sales, commissions int64
	require.NoError(t, db.Model(&Sale{}).Count(&sales).Error)
	require.NoError(t, db.Model(&Commission{}).Count(&commissions).Error)
	require.Equal(t, int64(1), sales)
	require.Equal(t, int64(1), commissions)
	require.Equal(t, int64(1000), balanceOf(t, svc, "inf-1").HeldMinor)
}

func TestRecordConversionUnattributed(t *testing.T) {
	svc, db := newTestService(t)

	now := time.Now().UTC()
	res, err := svc.RecordConversion(context.Background(), attribution.ConversionIntent{
		Source:           "shopify",
		ExternalOrderID:  "S-2001",
		MerchantID:       "mrc-1",
		GrossAmountMinor: 10000,
		Currency:         "MAD",
	}, now)
	require.NoError(t, err)
	require.Equal(t, SaleCompleted, res.Sale.Status)
	require.Empty(t, res.Sale.InfluencerID)
	require.Nil(t, res.Commission)

	var commissions int64
	require.NoError(t, db.Model(&Commission{}).Count(&commissions).Error)
	require.Equal(t, int64(0), commissions)
	require.Equal(t, int64(0), balanceOf(t, svc, "inf-1").HeldMinor)
}

func TestRecordConversionValidation(t *testing.T) {
	svc, _ := newTestService(t)
	now := time.Now().UTC()

	bad := intentWithCode("S-3001")
	bad.GrossAmountMinor = 0
	_, err := svc.RecordConversion(context.Background(), bad, now)
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))

	bad = intentWithCode("S-3002")
	bad.Currency = "DIRHAM"
	_, err = svc.RecordConversion(context.Background(), bad, now)
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))
}

func TestAdvanceHoldClocks(t *testing.T) {
	svc, _ := newTestService(t)

	base := time.Now().UTC()
	res, err := svc.RecordConversion(context.Background(), intentWithCode("S-1001"), base)
	require.NoError(t, err)

	// Before expiry nothing moves.
	transitions, err := svc.AdvanceHoldClocks(context.Background(), base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Empty(t, transitions)

	transitions, err = svc.AdvanceHoldClocks(context.Background(), base.Add(15*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	require.Equal(t, res.Commission.ID, transitions[0].CommissionID)
	require.Equal(t, StatusPending, transitions[0].PreviousStatus)
	require.Equal(t, StatusApproved, transitions[0].NewStatus)

	b := balanceOf(t, svc, "inf-1")
	require.Equal(t, int64(0), b.HeldMinor)
	require.Equal(t, int64(1000), b.AvailableMinor)
	require.Equal(t, int64(1000), b.LifetimeEarningsMinor)

	// A second tick is a no-op.
	transitions, err = svc.AdvanceHoldClocks(context.Background(), base.Add(16*24*time.Hour))
	require.NoError(t, err)
	require.Empty(t, transitions)
}

func TestRefundDuringHoldRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)

	base := time.Now().UTC()
	before := balanceOf(t, svc, "inf-1").HeldMinor

	_, err := svc.RecordConversion(context.Background(), intentWithCode("S-1001"), base)
	require.NoError(t, err)

	res, err := svc.ApplyRefund(context.Background(), "shopify", "S-1001", "customer return", base.Add(7*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, SaleRefunded, res.Sale.Status)
	require.Equal(t, StatusReversed, res.Commission.Status)
	require.Equal(t, before, balanceOf(t, svc, "inf-1").HeldMinor)

	// The refunded commission stays put when the hold clock fires later.
	transitions, err := svc.AdvanceHoldClocks(context.Background(), base.Add(15*24*time.Hour))
	require.NoError(t, err)
	require.Empty(t, transitions)
}

func TestRefundIdempotent(t *testing.T) {
	svc, _ := newTestService(t)

	base := time.Now().UTC()
	_, err := svc.RecordConversion(context.Background(), intentWithCode("S-1001"), base)
	require.NoError(t, err)

	first, err := svc.ApplyRefund(context.Background(), "shopify", "S-1001", "return", base)
	require.NoError(t, err)
	require.False(t, first.Replayed)

	second, err := svc.ApplyRefund(context.Background(), "shopify", "S-1001", "return", base)
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, int64(0), balanceOf(t, svc, "inf-1").HeldMinor)
}

func TestRefundAfterApproval(t *testing.T) {
	svc, _ := newTestService(t)

	base := time.Now().UTC()
	_, err := svc.RecordConversion(context.Background(), intentWithCode("S-1001"), base)
	require.NoError(t, err)

	_, err = svc.AdvanceHoldClocks(context.Background(), base.Add(15*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1000), balanceOf(t, svc, "inf-1").AvailableMinor)

	res, err := svc.ApplyRefund(context.Background(), "shopify", "S-1001", "return", base.Add(16*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, StatusReversed, res.Commission.Status)

	b := balanceOf(t, svc, "inf-1")
	require.Equal(t, int64(0), b.AvailableMinor)
	require.Equal(t, int64(0), b.HeldMinor)
}

func TestRefundAfterPaidCreatesClawback(t *testing.T) {
	svc, db := newTestService(t)

	base := time.Now().UTC()
	res, err := svc.RecordConversion(context.Background(), intentWithCode("S-1001"), base)
	require.NoError(t, err)

	_, err = svc.AdvanceHoldClocks(context.Background(), base.Add(15*24*time.Hour))
	require.NoError(t, err)

	// Simulate a completed payout.
	require.NoError(t, db.Model(&Commission{}).Where("id = ?", res.Commission.ID).
		Updates(map[string]any{"status": StatusPaid}).Error)
	require.NoError(t, db.Model(&InfluencerBalance{}).Where("influencer_id = ? AND currency = ?", "inf-1", "MAD").
		Updates(map[string]any{"available_minor": 0}).Error)

	refund, err := svc.ApplyRefund(context.Background(), "shopify", "S-1001", "chargeback", base.Add(20*24*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, refund.Clawback)
	require.Equal(t, int64(-1000), refund.Clawback.InfluencerAmountMinor)
	require.Equal(t, StatusPending, refund.Clawback.Status)
	require.Equal(t, res.Commission.ID, refund.Clawback.OffsetsCommissionID)

	// No direct balance debit for a paid commission.
	b := balanceOf(t, svc, "inf-1")
	require.Equal(t, int64(0), b.AvailableMinor)
	require.Equal(t, int64(0), b.HeldMinor)

	// The clawback waits for operator review; the hold clock skips it.
	transitions, err := svc.AdvanceHoldClocks(context.Background(), base.Add(40*24*time.Hour))
	require.NoError(t, err)
	require.Empty(t, transitions)
}

func TestRefundInsideOpenPayoutClawsBack(t *testing.T) {
	svc, _ := newTestService(t)

	base := time.Now().UTC()
	_, err := svc.RecordConversion(context.Background(), intentWithCode("S-1001"), base)
	require.NoError(t, err)
	_, err = svc.AdvanceHoldClocks(context.Background(), base.Add(15*24*time.Hour))
	require.NoError(t, err)

	err = svc.db.Transaction(func(tx *gorm.DB) error {
		payable, err := svc.SelectPayable(context.Background(), tx, "inf-1", "MAD")
		if err != nil {
			return err
		}
		return svc.AssignToPayout(context.Background(), tx, payable, "po-1", base)
	})
	require.NoError(t, err)

	// Assigned commissions are locked: the refund must leave them approved
	// for settlement and claw the amount back separately.
	refund, err := svc.ApplyRefund(context.Background(), "shopify", "S-1001", "return", base.Add(16*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, StatusApproved, refund.Commission.Status)
	require.Equal(t, "po-1", refund.Commission.PayoutID)
	require.NotNil(t, refund.Clawback)
	require.Equal(t, int64(-1000), refund.Clawback.InfluencerAmountMinor)

	// Available still covers the payout amount.
	require.Equal(t, int64(1000), balanceOf(t, svc, "inf-1").AvailableMinor)
}

func TestHoldClockWaitsForPayment(t *testing.T) {
	svc, _ := newTestService(t)

	base := time.Now().UTC()
	intent := intentWithCode("S-1001")
	intent.PaymentStatus = PaymentPending
	res, err := svc.RecordConversion(context.Background(), intent, base)
	require.NoError(t, err)
	require.Equal(t, PaymentPending, res.Sale.PaymentStatus)
	require.Equal(t, StatusPending, res.Commission.Status)

	// An uncaptured payment never approves, no matter how old the hold is.
	transitions, err := svc.AdvanceHoldClocks(context.Background(), base.Add(30*24*time.Hour))
	require.NoError(t, err)
	require.Empty(t, transitions)
	require.Equal(t, int64(1000), balanceOf(t, svc, "inf-1").HeldMinor)
}

func TestClawbackForceApproveNeedsCover(t *testing.T) {
	svc, db := newTestService(t)

	base := time.Now().UTC()
	res, err := svc.RecordConversion(context.Background(), intentWithCode("S-1001"), base)
	require.NoError(t, err)
	_, err = svc.AdvanceHoldClocks(context.Background(), base.Add(15*24*time.Hour))
	require.NoError(t, err)
	require.NoError(t, db.Model(&Commission{}).Where("id = ?", res.Commission.ID).
		Updates(map[string]any{"status": StatusPaid}).Error)
	require.NoError(t, db.Model(&InfluencerBalance{}).Where("influencer_id = ?", "inf-1").
		Updates(map[string]any{"available_minor": 0}).Error)

	refund, err := svc.ApplyRefund(context.Background(), "shopify", "S-1001", "chargeback", base)
	require.NoError(t, err)

	// No cover yet: approving the clawback would drive available negative.
	err = svc.ForceApprove(context.Background(), refund.Clawback.ID, adminActor, "offset-1", base)
	require.Equal(t, errutil.StatusBalanceInvariant, errutil.StatusOf(err))

	// New earnings provide cover; the clawback then offsets them.
	require.NoError(t, db.Model(&InfluencerBalance{}).Where("influencer_id = ?", "inf-1").
		Updates(map[string]any{"available_minor": 1500}).Error)
	require.NoError(t, svc.ForceApprove(context.Background(), refund.Clawback.ID, adminActor, "offset-1", base))
	require.Equal(t, int64(500), balanceOf(t, svc, "inf-1").AvailableMinor)
}

func TestRefundUnknownSale(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.ApplyRefund(context.Background(), "shopify", "missing", "x", time.Now().UTC())
	require.Equal(t, errutil.StatusNotFound, errutil.StatusOf(err))
}

func TestSplitSumsToGross(t *testing.T) {
	for gross := int64(1); gross < 2000; gross += 13 {
		for _, ri := range []int64{0, 3, 10, 17, 50} {
			for _, rp := range []int64{0, 5, 7} {
				inf, plat, net := Split(gross, ri, rp)
				require.Equal(t, gross, inf+plat+net, "gross=%d ri=%d rp=%d", gross, ri, rp)
				require.GreaterOrEqual(t, inf, int64(0))
				require.GreaterOrEqual(t, plat, int64(0))
			}
		}
	}
}

func TestSplitMerchantNetAbsorbsSlack(t *testing.T) {
	inf, plat, net := Split(999, 10, 5)
	require.Equal(t, int64(99), inf)
	require.Equal(t, int64(49), plat)
	require.Equal(t, int64(851), net)
}

func TestBalanceReconciliation(t *testing.T) {
	svc, db := newTestService(t)

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		_, err := svc.RecordConversion(context.Background(), intentWithCode(fmt.Sprintf("S-%d", i)), base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
	}

	// Approve the first two, refund the third.
	_, err := svc.AdvanceHoldClocks(context.Background(), base.Add(14*24*time.Hour+90*time.Minute))
	require.NoError(t, err)
	_, err = svc.ApplyRefund(context.Background(), "shopify", "S-3", "return", base.Add(3*24*time.Hour))
	require.NoError(t, err)

	var pendingSum, approvedSum int64
	require.NoError(t, db.Model(&Commission{}).Where("status = ?", StatusPending).
		Select("COALESCE(SUM(influencer_amount_minor), 0)").Scan(&pendingSum).Error)
	require.NoError(t, db.Model(&Commission{}).Where("status = ?", StatusApproved).
		Select("COALESCE(SUM(influencer_amount_minor), 0)").Scan(&approvedSum).Error)

	b := balanceOf(t, svc, "inf-1")
	require.Equal(t, pendingSum, b.HeldMinor)
	require.Equal(t, approvedSum, b.AvailableMinor)
}

func TestForceApprove(t *testing.T) {
	svc, _ := newTestService(t)

	base := time.Now().UTC()
	res, err := svc.RecordConversion(context.Background(), intentWithCode("S-1001"), base)
	require.NoError(t, err)

	err = svc.ForceApprove(context.Background(), res.Commission.ID, middleware.Actor{Subject: "inf-1", Role: middleware.RoleInfluencer}, "tag", base)
	require.Equal(t, errutil.StatusForbidden, errutil.StatusOf(err))

	err = svc.ForceApprove(context.Background(), res.Commission.ID, adminActor, "", base)
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))

	require.NoError(t, svc.ForceApprove(context.Background(), res.Commission.ID, adminActor, "manual-review-88", base))
	b := balanceOf(t, svc, "inf-1")
	require.Equal(t, int64(1000), b.AvailableMinor)
	require.Equal(t, int64(0), b.HeldMinor)

	err = svc.ForceApprove(context.Background(), res.Commission.ID, adminActor, "manual-review-88", base)
	require.Equal(t, errutil.StatusStateInvalid, errutil.StatusOf(err))
}

func TestRejectApprovedWriteOff(t *testing.T) {
	svc, _ := newTestService(t)

	base := time.Now().UTC()
	res, err := svc.RecordConversion(context.Background(), intentWithCode("S-1001"), base)
	require.NoError(t, err)

	// A regular pending commission is refunded, not rejected.
	err = svc.Reject(context.Background(), res.Commission.ID, adminActor, "fraud-123", base)
	require.Equal(t, errutil.StatusStateInvalid, errutil.StatusOf(err))

	_, err = svc.AdvanceHoldClocks(context.Background(), base.Add(15*24*time.Hour))
	require.NoError(t, err)

	require.NoError(t, svc.Reject(context.Background(), res.Commission.ID, adminActor, "fraud-123", base))
	b := balanceOf(t, svc, "inf-1")
	require.Equal(t, int64(0), b.AvailableMinor)
	require.Equal(t, int64(0), b.HeldMinor)
}

func TestCancelReversesCommission(t *testing.T) {
	svc, _ := newTestService(t)

	base := time.Now().UTC()
	_, err := svc.RecordConversion(context.Background(), intentWithCode("S-1001"), base)
	require.NoError(t, err)

	_, err = svc.Cancel(context.Background(), "shopify", "S-1001", middleware.Actor{Subject: "mrc-1", Role: middleware.RoleMerchant}, base)
	require.Equal(t, errutil.StatusForbidden, errutil.StatusOf(err))

	res, err := svc.Cancel(context.Background(), "shopify", "S-1001", adminActor, base)
	require.NoError(t, err)
	require.Equal(t, SaleCancelled, res.Sale.Status)
	require.Equal(t, StatusReversed, res.Commission.Status)
	require.Equal(t, int64(0), balanceOf(t, svc, "inf-1").HeldMinor)
}

func TestBalanceInvariantQuarantine(t *testing.T) {
	svc, db := newTestService(t)

	base := time.Now().UTC()
	_, err := svc.RecordConversion(context.Background(), intentWithCode("S-1001"), base)
	require.NoError(t, err)

	// Corrupt the balance so the reversal would drive held negative.
	require.NoError(t, db.Model(&InfluencerBalance{}).Where("influencer_id = ?", "inf-1").
		Updates(map[string]any{"held_minor": 0}).Error)

	_, err = svc.ApplyRefund(context.Background(), "shopify", "S-1001", "return", base)
	require.Equal(t, errutil.StatusBalanceInvariant, errutil.StatusOf(err))

	events, err := svc.ListQuarantine(context.Background(), adminActor)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "S-1001", events[0].ExternalOrderID)

	_, err = svc.ListQuarantine(context.Background(), middleware.Actor{Subject: "inf-1", Role: middleware.RoleInfluencer})
	require.Equal(t, errutil.StatusForbidden, errutil.StatusOf(err))
}

func TestConcurrentConversionsAndTicks(t *testing.T) {
	svc, db := newTestService(t)

	base := time.Now().UTC()
	var mu sync.Mutex
	var g errgroup.Group

	for i := 0; i < 20; i++ {
		g.Go(func() error {
			_, err := svc.RecordConversion(context.Background(), intentWithCode(fmt.Sprintf("S-%d", i)), base)
			return err
		})
		if i%5 == 0 {
			g.Go(func() error {
				mu.Lock()
				defer mu.Unlock()
				_, err := svc.AdvanceHoldClocks(context.Background(), base.Add(15*24*time.Hour))
				return err
			})
		}
	}
	require.NoError(t, g.Wait())

	_, err := svc.AdvanceHoldClocks(context.Background(), base.Add(15*24*time.Hour))
	require.NoError(t, err)

	b := balanceOf(t, svc, "inf-1")
	require.GreaterOrEqual(t, b.AvailableMinor, int64(0))
	require.GreaterOrEqual(t, b.HeldMinor, int64(0))
	require.Equal(t, int64(20*1000), b.AvailableMinor+b.HeldMinor)

	var approvedSum int64
	require.NoError(t, db.Model(&Commission{}).Where("status = ?", StatusApproved).
		Select("COALESCE(SUM(influencer_amount_minor), 0)").Scan(&approvedSum).Error)
	require.Equal(t, approvedSum, b.AvailableMinor)
}
