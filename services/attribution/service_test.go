package attribution

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"shareyoursales-ace/pkg/access"
	"shareyoursales-ace/pkg/config"
	"shareyoursales-ace/pkg/featureflags"
	"shareyoursales-ace/services/click"
	"shareyoursales-ace/services/link"
	"shareyoursales-ace/services/merchant"
	"shareyoursales-ace/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *config.Config) {
	t.Helper()

	db := testutil.NewTestDB(t,
		&link.TrackingLink{},
		&click.ClickEvent{},
		&merchant.Merchant{},
		&merchant.Product{},
	)

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	enforcer, err := access.ProvideEnforcer()
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.ACE.ClickTokenSecret = "test-secret"
	cfg.ApplyDefaults()

	links := link.NewService(link.ServiceParams{
		DB:       db,
		Node:     node,
		Enforcer: enforcer,
		Merchant: merchant.NewService(merchant.ServiceParams{DB: db}),
	})
	clicks := click.NewService(click.ServiceParams{DB: db, Node: node, Config: cfg, Links: links})

	svc := NewService(ServiceParams{
		Config: cfg,
		Links:  links,
		Clicks: clicks,
		Flags:  featureflags.ProvideFlags(featureflags.Params{Config: cfg}),
	})

	return svc, db, cfg
}

func seedLink(t *testing.T, db *gorm.DB, id, code, influencerID, merchantID string, active bool) {
	t.Helper()
	require.NoError(t, db.Create(&link.TrackingLink{
		ID:             id,
		ShortCode:      code,
		InfluencerID:   influencerID,
		MerchantID:     merchantID,
		ProductID:      "prod-1",
		DestinationURL: "https://shop.example/p/1",
		Active:         active,
	}).Error)
}

func signedToken(t *testing.T, cfg *config.Config, linkID, fingerprint string, issued time.Time) string {
	t.Helper()
	token, err := click.SignToken([]byte(cfg.ACE.ClickTokenSecret), click.TokenClaims{
		LinkID:      linkID,
		Fingerprint: fingerprint,
		IssuedAt:    issued.Unix(),
	})
	require.NoError(t, err)
	return token
}

func TestResolveOverrideWins(t *testing.T) {
	svc, db, cfg := newTestService(t)
	seedLink(t, db, "lnk-1", "ABC12345", "inf-1", "mrc-1", true)

	now := time.Now().UTC()
	res, err := svc.Resolve(context.Background(), nil, ConversionIntent{
		MerchantID:           "mrc-1",
		OverrideInfluencerID: "inf-override",
		ClickToken:           signedToken(t, cfg, "lnk-1", "fp", now),
	}, now)
	require.NoError(t, err)
	require.Equal(t, "inf-override", res.InfluencerID)
	require.Equal(t, ConfidenceExact, res.Confidence)
	require.Equal(t, ReasonOverride, res.Reason)
}

func TestResolveClickToken(t *testing.T) {
	svc, db, cfg := newTestService(t)
	seedLink(t, db, "lnk-1", "ABC12345", "inf-1", "mrc-1", true)

	now := time.Now().UTC()
	res, err := svc.Resolve(context.Background(), nil, ConversionIntent{
		MerchantID: "mrc-1",
		ClickToken: signedToken(t, cfg, "lnk-1", "fp", now.Add(-48*time.Hour)),
	}, now)
	require.NoError(t, err)
	require.Equal(t, "inf-1", res.InfluencerID)
	require.Equal(t, "lnk-1", res.LinkID)
	require.Equal(t, ConfidenceExact, res.Confidence)
	require.Equal(t, ReasonClickToken, res.Reason)
}

func TestResolveClickTokenCrossMerchantFallsThrough(t *testing.T) {
	svc, db, cfg := newTestService(t)
	seedLink(t, db, "lnk-1", "ABC12345", "inf-1", "mrc-other", true)
	seedLink(t, db, "lnk-2", "DEF67890", "inf-2", "mrc-1", true)

	now := time.Now().UTC()
	res, err := svc.Resolve(context.Background(), nil, ConversionIntent{
		MerchantID:          "mrc-1",
		ClickToken:          signedToken(t, cfg, "lnk-1", "fp", now),
		PromoOrTrackingCode: "DEF67890",
	}, now)
	require.NoError(t, err)
	require.Equal(t, "inf-2", res.InfluencerID)
	require.Equal(t, ReasonExplicitCode, res.Reason)
}

func TestResolveExpiredTokenFallsThrough(t *testing.T) {
	svc, db, cfg := newTestService(t)
	seedLink(t, db, "lnk-1", "ABC12345", "inf-1", "mrc-1", true)

	now := time.Now().UTC()
	res, err := svc.Resolve(context.Background(), nil, ConversionIntent{
		MerchantID: "mrc-1",
		ClickToken: signedToken(t, cfg, "lnk-1", "fp", now.Add(-31*24*time.Hour)),
	}, now)
	require.NoError(t, err)
	require.False(t, res.Attributed())
	require.Equal(t, ReasonUnattributed, res.Reason)
}

func TestResolveExplicitCodeDisabledLinkStillAttributes(t *testing.T) {
	svc, db, _ := newTestService(t)
	seedLink(t, db, "lnk-1", "ABC12345", "inf-1", "mrc-1", false)

	now := time.Now().UTC()
	res, err := svc.Resolve(context.Background(), nil, ConversionIntent{
		MerchantID:          "mrc-1",
		PromoOrTrackingCode: "ABC12345",
	}, now)
	require.NoError(t, err)
	require.Equal(t, "inf-1", res.InfluencerID)
	require.Equal(t, ConfidenceStrong, res.Confidence)
}

func TestResolveReferer(t *testing.T) {
	svc, db, _ := newTestService(t)
	seedLink(t, db, "lnk-1", "ABC12345", "inf-1", "mrc-1", true)

	now := time.Now().UTC()
	res, err := svc.Resolve(context.Background(), nil, ConversionIntent{
		MerchantID: "mrc-1",
		RefererURL: "https://links.shareyoursales.ma/r/ABC12345?utm_source=ig",
	}, now)
	require.NoError(t, err)
	require.Equal(t, "lnk-1", res.LinkID)
	require.Equal(t, ConfidenceStrong, res.Confidence)
	require.Equal(t, ReasonReferer, res.Reason)
}

func TestResolveLastClickHeuristic(t *testing.T) {
	svc, db, _ := newTestService(t)
	seedLink(t, db, "lnk-1", "ABC12345", "inf-1", "mrc-1", true)
	seedLink(t, db, "lnk-2", "DEF67890", "inf-2", "mrc-1", true)

	now := time.Now().UTC()
	require.NoError(t, db.Create(&click.ClickEvent{
		ID: "1", LinkID: "lnk-1", MerchantID: "mrc-1", Fingerprint: "fp", ReceivedAt: now.Add(-2 * time.Hour),
	}).Error)
	require.NoError(t, db.Create(&click.ClickEvent{
		ID: "2", LinkID: "lnk-2", MerchantID: "mrc-1", Fingerprint: "fp", ReceivedAt: now.Add(-time.Hour),
	}).Error)

	res, err := svc.Resolve(context.Background(), nil, ConversionIntent{
		MerchantID:         "mrc-1",
		VisitorFingerprint: "fp",
	}, now)
	require.NoError(t, err)
	require.Equal(t, "inf-2", res.InfluencerID)
	require.Equal(t, ConfidenceHeuristic, res.Confidence)
	require.Equal(t, ReasonLastClick, res.Reason)
}

func TestResolveNoMatch(t *testing.T) {
	svc, _, _ := newTestService(t)

	now := time.Now().UTC()
	res, err := svc.Resolve(context.Background(), nil, ConversionIntent{MerchantID: "mrc-1"}, now)
	require.NoError(t, err)
	require.False(t, res.Attributed())
	require.Equal(t, ConfidenceNone, res.Confidence)
}

func TestResolveDeterministic(t *testing.T) {
	svc, db, _ := newTestService(t)
	seedLink(t, db, "lnk-1", "ABC12345", "inf-1", "mrc-1", true)

	now := time.Now().UTC()
	require.NoError(t, db.Create(&click.ClickEvent{
		ID: "1", LinkID: "lnk-1", MerchantID: "mrc-1", Fingerprint: "fp", ReceivedAt: now.Add(-time.Hour),
	}).Error)

	intent := ConversionIntent{MerchantID: "mrc-1", VisitorFingerprint: "fp"}
	first, err := svc.Resolve(context.Background(), nil, intent, now)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := svc.Resolve(context.Background(), nil, intent, now)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestShortCodeFromURL(t *testing.T) {
	require.Equal(t, "ABC12345", shortCodeFromURL("https://x.example/r/ABC12345"))
	require.Equal(t, "ABC12345", shortCodeFromURL("https://x.example/r/ABC12345?utm=1"))
	require.Equal(t, "", shortCodeFromURL("https://x.example/products/1"))
	require.Equal(t, "", shortCodeFromURL(""))
}
