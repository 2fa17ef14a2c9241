package payout

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"shareyoursales-ace/pkg/access"
	"shareyoursales-ace/pkg/config"
	"shareyoursales-ace/pkg/errutil"
	"shareyoursales-ace/pkg/featureflags"
	"shareyoursales-ace/pkg/middleware"
	"shareyoursales-ace/services/attribution"
	"shareyoursales-ace/services/click"
	"shareyoursales-ace/services/commission"
	"shareyoursales-ace/services/link"
	"shareyoursales-ace/services/merchant"
	"shareyoursales-ace/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var adminActor = middleware.Actor{Subject: "adm-1", Role: middleware.RoleAdmin}

type fakeProvider struct {
	name    string
	sendErr error
	report  StatusReport
	sent    []SendRequest
	acks    int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Send(_ context.Context, req SendRequest) (Ack, error) {
	f.sent = append(f.sent, req)
	if f.sendErr != nil {
		return Ack{}, f.sendErr
	}
	f.acks++
	return Ack{ExternalTxID: fmt.Sprintf("ext-%s-%d", f.name, f.acks)}, nil
}

func (f *fakeProvider) CheckStatus(context.Context, string) (StatusReport, error) {
	return f.report, nil
}

type harness struct {
	svc      *Service
	ledger   *commission.Service
	db       *gorm.DB
	provider *fakeProvider
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db := testutil.NewTestDB(t,
		&Payout{},
		&commission.Sale{},
		&commission.Commission{},
		&commission.InfluencerBalance{},
		&commission.QuarantinedEvent{},
		&link.TrackingLink{},
		&click.ClickEvent{},
		&merchant.Merchant{},
		&merchant.Product{},
		&merchant.PaymentMethod{},
	)

	node, err := snowflake.NewNode(9)
	require.NoError(t, err)

	enforcer, err := access.ProvideEnforcer()
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.ACE.ClickTokenSecret = "test-secret"
	cfg.ApplyDefaults()

	merchants := merchant.NewService(merchant.ServiceParams{DB: db})
	links := link.NewService(link.ServiceParams{DB: db, Node: node, Enforcer: enforcer, Merchant: merchants})
	clicks := click.NewService(click.ServiceParams{DB: db, Node: node, Config: cfg, Links: links})
	flags := featureflags.ProvideFlags(featureflags.Params{Config: cfg})
	attributor := attribution.NewService(attribution.ServiceParams{
		Config: cfg,
		Links:  links,
		Clicks: clicks,
		Flags:  flags,
	})
	ledger := commission.NewService(commission.ServiceParams{
		DB:         db,
		Node:       node,
		Config:     cfg,
		Enforcer:   enforcer,
		Links:      links,
		Merchants:  merchants,
		Attributor: attributor,
	})

	provider := &fakeProvider{name: "paypal"}
	registry := &Registry{providers: map[string]Provider{"paypal": provider}}

	svc := NewService(ServiceParams{
		DB:        db,
		Node:      node,
		Config:    cfg,
		Enforcer:  enforcer,
		Ledger:    ledger,
		Merchants: merchants,
		Registry:  registry,
		Flags:     flags,
	})

	require.NoError(t, db.Create(&merchant.Merchant{ID: "mrc-1", Name: "Souk", WebhookSecret: "whsec", Currency: "MAD"}).Error)
	require.NoError(t, db.Create(&merchant.Product{
		ID: "prod-1", MerchantID: "mrc-1", Name: "Argan Oil", CommissionPercent: 10, Active: true,
	}).Error)
	require.NoError(t, db.Create(&link.TrackingLink{
		ID: "lnk-1", ShortCode: "ABC12345", InfluencerID: "inf-1", MerchantID: "mrc-1",
		ProductID: "prod-1", DestinationURL: "https://shop.example/p/1", Active: true,
	}).Error)
	require.NoError(t, db.Create(&merchant.PaymentMethod{
		ID: "pm-1", InfluencerID: "inf-1", Provider: "paypal", Currency: "MAD",
		AccountDescriptor: "payee@example.com", Active: true,
	}).Error)

	return &harness{svc: svc, ledger: ledger, db: db, provider: provider, now: time.Now().UTC()}
}

// approvedCommissions records n conversions against lnk-1 and runs the hold
// clock past their expiry so they land approved.
func (h *harness) approvedCommissions(t *testing.T, n int, grossMinor int64) {
	t.Helper()

	for i := 0; i < n; i++ {
		_, err := h.ledger.RecordConversion(context.Background(), attribution.ConversionIntent{
			Source:              "shopify",
			ExternalOrderID:     fmt.Sprintf("S-%d-%d", grossMinor, i),
			MerchantID:          "mrc-1",
			GrossAmountMinor:    grossMinor,
			Currency:            "MAD",
			PromoOrTrackingCode: "ABC12345",
		}, h.now)
		require.NoError(t, err)
	}

	_, err := h.ledger.AdvanceHoldClocks(context.Background(), h.now.Add(15*24*time.Hour))
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T) *commission.BalanceSnapshot {
	t.Helper()
	b, err := h.ledger.GetBalance(context.Background(), "inf-1", "MAD")
	require.NoError(t, err)
	return b
}

func TestBuildBatchDispatchSettle(t *testing.T) {
	h := newHarness(t)
	h.approvedCommissions(t, 2, 30000) // 3000 each

	p, err := h.svc.BuildBatch(context.Background(), "inf-1", "MAD", h.now)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, p.Status)
	require.Equal(t, int64(6000), p.AmountMinor)
	require.Equal(t, "paypal", p.Provider)
	require.NotEmpty(t, p.BatchCode)

	// The batch captured the commissions; a second batch has nothing left.
	_, err = h.svc.BuildBatch(context.Background(), "inf-1", "MAD", h.now)
	require.Equal(t, errutil.StatusStateInvalid, errutil.StatusOf(err))

	require.NoError(t, h.svc.Dispatch(context.Background(), p.ID))
	require.Len(t, h.provider.sent, 1)
	require.Equal(t, p.BatchCode, h.provider.sent[0].Reference)
	require.Equal(t, int64(6000), h.provider.sent[0].AmountMinor)

	stored, err := h.svc.Get(context.Background(), adminActor, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, stored.Status)
	require.NotEmpty(t, stored.ExternalTxID)

	// Re-dispatch after the ack is a no-op; the provider sees one transfer.
	require.NoError(t, h.svc.Dispatch(context.Background(), p.ID))
	require.Len(t, h.provider.sent, 1)

	res, err := h.svc.Reconcile(context.Background(), p.ID, ReconcileOutcome{
		ExternalTxID: stored.ExternalTxID, Success: true,
	}, h.now)
	require.NoError(t, err)
	require.False(t, res.Replayed)
	require.Equal(t, StatusPaid, res.Payout.Status)

	b := h.balance(t)
	require.Equal(t, int64(0), b.AvailableMinor)
	require.Equal(t, int64(6000), b.LifetimeEarningsMinor) // accrued at approval, untouched by payout

	var paid int64
	require.NoError(t, h.db.Model(&commission.Commission{}).
		Where("payout_id = ? AND status = ?", p.ID, commission.StatusPaid).Count(&paid).Error)
	require.Equal(t, int64(2), paid)
}

func TestBuildBatchBelowThreshold(t *testing.T) {
	h := newHarness(t)
	h.approvedCommissions(t, 1, 30000) // 3000 < 5000 minimum

	_, err := h.svc.BuildBatch(context.Background(), "inf-1", "MAD", h.now)
	require.Equal(t, errutil.StatusStateInvalid, errutil.StatusOf(err))
}

func TestBuildBatchNoPaymentMethod(t *testing.T) {
	h := newHarness(t)
	h.approvedCommissions(t, 2, 30000)
	require.NoError(t, h.db.Model(&merchant.PaymentMethod{}).Where("id = ?", "pm-1").Update("active", false).Error)

	_, err := h.svc.BuildBatch(context.Background(), "inf-1", "MAD", h.now)
	require.Equal(t, errutil.StatusStateInvalid, errutil.StatusOf(err))
}

func TestReconcileIdempotentAndConflicting(t *testing.T) {
	h := newHarness(t)
	h.approvedCommissions(t, 2, 30000)

	p, err := h.svc.BuildBatch(context.Background(), "inf-1", "MAD", h.now)
	require.NoError(t, err)
	require.NoError(t, h.svc.Dispatch(context.Background(), p.ID))

	stored, err := h.svc.Get(context.Background(), adminActor, p.ID)
	require.NoError(t, err)

	outcome := ReconcileOutcome{ExternalTxID: stored.ExternalTxID, Success: true}
	first, err := h.svc.Reconcile(context.Background(), p.ID, outcome, h.now)
	require.NoError(t, err)
	require.False(t, first.Replayed)

	replay, err := h.svc.Reconcile(context.Background(), p.ID, outcome, h.now)
	require.NoError(t, err)
	require.True(t, replay.Replayed)

	// A replay must not debit the balance twice.
	require.Equal(t, int64(0), h.balance(t).AvailableMinor)

	_, err = h.svc.Reconcile(context.Background(), p.ID, ReconcileOutcome{ExternalTxID: "ext-other", Success: true}, h.now)
	require.Equal(t, errutil.StatusConflict, errutil.StatusOf(err))
}

func TestReconcileFailureUnlocksCommissions(t *testing.T) {
	h := newHarness(t)
	h.approvedCommissions(t, 2, 30000)

	p, err := h.svc.BuildBatch(context.Background(), "inf-1", "MAD", h.now)
	require.NoError(t, err)
	require.NoError(t, h.svc.Dispatch(context.Background(), p.ID))

	stored, err := h.svc.Get(context.Background(), adminActor, p.ID)
	require.NoError(t, err)

	res, err := h.svc.Reconcile(context.Background(), p.ID, ReconcileOutcome{
		ExternalTxID: stored.ExternalTxID, Success: false, Reason: "account closed",
	}, h.now)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Payout.Status)

	// The money never left; commissions are payable again.
	require.Equal(t, int64(6000), h.balance(t).AvailableMinor)

	retry, err := h.svc.BuildBatch(context.Background(), "inf-1", "MAD", h.now)
	require.NoError(t, err)
	require.Equal(t, int64(6000), retry.AmountMinor)
	require.NotEqual(t, p.ID, retry.ID)
}

func TestDispatchTerminalErrorFailsPayout(t *testing.T) {
	h := newHarness(t)
	h.approvedCommissions(t, 2, 30000)

	p, err := h.svc.BuildBatch(context.Background(), "inf-1", "MAD", h.now)
	require.NoError(t, err)

	h.provider.sendErr = errutil.ProviderTerminal("account not found", nil)
	require.NoError(t, h.svc.Dispatch(context.Background(), p.ID))

	stored, err := h.svc.Get(context.Background(), adminActor, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, stored.Status)

	// Commissions were released for a future batch.
	retry, err := h.svc.BuildBatch(context.Background(), "inf-1", "MAD", h.now)
	require.NoError(t, err)
	require.Equal(t, int64(6000), retry.AmountMinor)
}

func TestDispatchTransientErrorRetries(t *testing.T) {
	h := newHarness(t)
	h.approvedCommissions(t, 2, 30000)

	p, err := h.svc.BuildBatch(context.Background(), "inf-1", "MAD", h.now)
	require.NoError(t, err)

	h.provider.sendErr = errutil.ProviderTransient("gateway timeout", nil)
	err = h.svc.Dispatch(context.Background(), p.ID)
	require.Equal(t, errutil.StatusProviderTransient, errutil.StatusOf(err))

	stored, err := h.svc.Get(context.Background(), adminActor, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, stored.Status)
	require.Equal(t, 1, stored.Attempts)
	require.Empty(t, stored.ExternalTxID)

	// The retry goes through once the provider recovers.
	h.provider.sendErr = nil
	require.NoError(t, h.svc.Dispatch(context.Background(), p.ID))

	stored, err = h.svc.Get(context.Background(), adminActor, p.ID)
	require.NoError(t, err)
	require.Equal(t, 2, stored.Attempts)
	require.NotEmpty(t, stored.ExternalTxID)
}

func TestDispatchExhaustedAttemptsFails(t *testing.T) {
	h := newHarness(t)
	h.approvedCommissions(t, 2, 30000)

	p, err := h.svc.BuildBatch(context.Background(), "inf-1", "MAD", h.now)
	require.NoError(t, err)

	h.provider.sendErr = errutil.ProviderTransient("gateway timeout", nil)
	for i := 0; i < 3; i++ {
		require.Error(t, h.svc.Dispatch(context.Background(), p.ID))
	}
	require.NoError(t, h.svc.Dispatch(context.Background(), p.ID))

	stored, err := h.svc.Get(context.Background(), adminActor, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, stored.Status)
}

func TestRefundDuringOpenPayoutClawsBack(t *testing.T) {
	h := newHarness(t)
	h.approvedCommissions(t, 1, 60000) // 6000

	p, err := h.svc.BuildBatch(context.Background(), "inf-1", "MAD", h.now)
	require.NoError(t, err)
	require.Equal(t, int64(6000), p.AmountMinor)

	// The commission is committed to the queued payout, so the refund must
	// not reverse it; it becomes a clawback, same as a refund after payout.
	res, err := h.ledger.ApplyRefund(context.Background(), "shopify", "S-60000-0", "buyer returned item", h.now)
	require.NoError(t, err)
	require.NotNil(t, res.Clawback)
	require.Equal(t, int64(-6000), res.Clawback.InfluencerAmountMinor)
	require.Equal(t, commission.StatusApproved, res.Commission.Status)
	require.Equal(t, p.ID, res.Commission.PayoutID)
	require.Equal(t, int64(6000), h.balance(t).AvailableMinor)

	// Settlement still goes through: the payout amount is fully covered.
	require.NoError(t, h.svc.Dispatch(context.Background(), p.ID))
	stored, err := h.svc.Get(context.Background(), adminActor, p.ID)
	require.NoError(t, err)

	settled, err := h.svc.Reconcile(context.Background(), p.ID, ReconcileOutcome{
		ExternalTxID: stored.ExternalTxID, Success: true,
	}, h.now)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, settled.Payout.Status)
	require.Equal(t, int64(0), h.balance(t).AvailableMinor)

	// The clawback waits for operator review with the money already sent.
	var pending []commission.Commission
	require.NoError(t, h.db.Where("influencer_amount_minor < 0").Find(&pending).Error)
	require.Len(t, pending, 1)
	require.Equal(t, commission.StatusPending, pending[0].Status)
}

func TestSelectAllEligible(t *testing.T) {
	h := newHarness(t)

	// inf-1 clears the threshold; inf-2 does not.
	require.NoError(t, h.db.Create(&link.TrackingLink{
		ID: "lnk-2", ShortCode: "XYZ12345", InfluencerID: "inf-2", MerchantID: "mrc-1",
		ProductID: "prod-1", DestinationURL: "https://shop.example/p/1", Active: true,
	}).Error)
	require.NoError(t, h.db.Create(&merchant.PaymentMethod{
		ID: "pm-2", InfluencerID: "inf-2", Provider: "paypal", Currency: "MAD",
		AccountDescriptor: "other@example.com", Active: true,
	}).Error)

	h.approvedCommissions(t, 2, 30000)

	_, err := h.ledger.RecordConversion(context.Background(), attribution.ConversionIntent{
		Source:              "shopify",
		ExternalOrderID:     "S-small",
		MerchantID:          "mrc-1",
		GrossAmountMinor:    10000, // 1000 commission, below threshold
		Currency:            "MAD",
		PromoOrTrackingCode: "XYZ12345",
	}, h.now)
	require.NoError(t, err)
	_, err = h.ledger.AdvanceHoldClocks(context.Background(), h.now.Add(15*24*time.Hour))
	require.NoError(t, err)

	payouts, err := h.svc.SelectAllEligible(context.Background(), h.now)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	require.Equal(t, "inf-1", payouts[0].InfluencerID)
}

func TestPollProcessingReconciles(t *testing.T) {
	h := newHarness(t)
	h.approvedCommissions(t, 2, 30000)

	p, err := h.svc.BuildBatch(context.Background(), "inf-1", "MAD", h.now)
	require.NoError(t, err)
	require.NoError(t, h.svc.Dispatch(context.Background(), p.ID))

	h.provider.report = StatusReport{Settled: true}
	require.NoError(t, h.svc.PollProcessing(context.Background(), h.now))

	stored, err := h.svc.Get(context.Background(), adminActor, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, stored.Status)
}

func TestGetEnforcesOwnership(t *testing.T) {
	h := newHarness(t)
	h.approvedCommissions(t, 2, 30000)

	p, err := h.svc.BuildBatch(context.Background(), "inf-1", "MAD", h.now)
	require.NoError(t, err)

	_, err = h.svc.Get(context.Background(), middleware.Actor{Subject: "inf-2", Role: middleware.RoleInfluencer}, p.ID)
	require.Equal(t, errutil.StatusForbidden, errutil.StatusOf(err))

	own, err := h.svc.Get(context.Background(), middleware.Actor{Subject: "inf-1", Role: middleware.RoleInfluencer}, p.ID)
	require.NoError(t, err)
	require.Equal(t, p.ID, own.ID)
}
