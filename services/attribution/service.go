package attribution

import (
	"context"
	"net/url"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"shareyoursales-ace/pkg/config"
	"shareyoursales-ace/pkg/errutil"
	"shareyoursales-ace/pkg/featureflags"
	"shareyoursales-ace/services/click"
	"shareyoursales-ace/services/link"
)

// Service resolves a ConversionIntent to at most one (influencer, link)
// through an ordered strategy chain. Resolution is pure given the stored
// click and link state, so repeated calls with the same inputs agree.
type Service struct {
	cfg    *config.Config
	links  *link.Service
	clicks *click.Service
	flags  featureflags.Flags
}

type ServiceParams struct {
	fx.In

	Config *config.Config
	Links  *link.Service
	Clicks *click.Service
	Flags  featureflags.Flags
}

func NewService(p ServiceParams) *Service {
	return &Service{
		cfg:    p.Config,
		links:  p.Links,
		clicks: p.Clicks,
		flags:  p.Flags,
	}
}

// Resolve walks the strategy chain, first match wins. It runs inside the
// conversion transaction so duplicate webhook arrivals cannot double-attribute.
func (s *Service) Resolve(ctx context.Context, tx *gorm.DB, intent ConversionIntent, now time.Time) (AttributionResult, error) {
	if res, ok := s.fromOverride(intent); ok {
		return res, nil
	}

	if res, ok := s.fromClickToken(ctx, tx, intent, now); ok {
		return res, nil
	}

	if res, ok := s.fromExplicitCode(ctx, tx, intent); ok {
		return res, nil
	}

	if res, ok := s.fromReferer(ctx, tx, intent); ok {
		return res, nil
	}

	if s.flags.Enabled(ctx, featureflags.FlagHeuristicAttribution, true) {
		res, ok, err := s.fromLastClick(ctx, tx, intent, now)
		if err != nil {
			return AttributionResult{}, err
		}
		if ok {
			return res, nil
		}
	}

	return unattributed(), nil
}

func (s *Service) fromOverride(intent ConversionIntent) (AttributionResult, bool) {
	if intent.OverrideInfluencerID == "" {
		return AttributionResult{}, false
	}

	return AttributionResult{
		InfluencerID: intent.OverrideInfluencerID,
		LinkID:       intent.OverrideLinkID,
		Confidence:   ConfidenceExact,
		Reason:       ReasonOverride,
	}, true
}

func (s *Service) fromClickToken(ctx context.Context, tx *gorm.DB, intent ConversionIntent, now time.Time) (AttributionResult, bool) {
	if intent.ClickToken == "" {
		return AttributionResult{}, false
	}

	claims, err := click.ParseToken([]byte(s.cfg.ACE.ClickTokenSecret), intent.ClickToken, s.cfg.ACE.AttributionWindow, now)
	if err != nil {
		zap.L().Debug("click token rejected", zap.String("external_order_id", intent.ExternalOrderID), zap.Error(err))
		return AttributionResult{}, false
	}

	// The token must describe the same visitor when the webhook carries
	// enough signal to rebuild the fingerprint.
	if intent.VisitorFingerprint != "" && intent.VisitorFingerprint != claims.Fingerprint {
		return AttributionResult{}, false
	}

	l, err := s.links.GetByID(ctx, tx, claims.LinkID)
	if err != nil {
		return AttributionResult{}, false
	}

	// Tokens minted under another merchant's link do not attribute here;
	// weaker strategies still get their chance.
	if l.MerchantID != intent.MerchantID {
		return AttributionResult{}, false
	}

	return AttributionResult{
		InfluencerID: l.InfluencerID,
		LinkID:       l.ID,
		Confidence:   ConfidenceExact,
		Reason:       ReasonClickToken,
	}, true
}

func (s *Service) fromExplicitCode(ctx context.Context, tx *gorm.DB, intent ConversionIntent) (AttributionResult, bool) {
	if intent.PromoOrTrackingCode == "" {
		return AttributionResult{}, false
	}

	res, ok := s.resolveCode(ctx, tx, intent, intent.PromoOrTrackingCode, ReasonExplicitCode)
	return res, ok
}

func (s *Service) fromReferer(ctx context.Context, tx *gorm.DB, intent ConversionIntent) (AttributionResult, bool) {
	for _, raw := range []string{intent.RefererURL, intent.LandingURL} {
		code := shortCodeFromURL(raw)
		if code == "" {
			continue
		}
		if res, ok := s.resolveCode(ctx, tx, intent, code, ReasonReferer); ok {
			return res, true
		}
	}
	return AttributionResult{}, false
}

// resolveCode maps an explicit short code onto a link. Disabled links still
// attribute: deactivation blocks new mints, not historical attribution.
func (s *Service) resolveCode(ctx context.Context, tx *gorm.DB, intent ConversionIntent, code, reason string) (AttributionResult, bool) {
	l, err := s.links.ResolveTrx(ctx, tx, code)
	if err != nil {
		if errutil.StatusOf(err) != errutil.StatusNotFound {
			zap.L().Warn("short code resolution failed", zap.String("short_code", code), zap.Error(err))
		}
		return AttributionResult{}, false
	}

	if l.MerchantID != intent.MerchantID {
		return AttributionResult{}, false
	}

	return AttributionResult{
		InfluencerID: l.InfluencerID,
		LinkID:       l.ID,
		Confidence:   ConfidenceStrong,
		Reason:       reason,
	}, true
}

func (s *Service) fromLastClick(ctx context.Context, tx *gorm.DB, intent ConversionIntent, now time.Time) (AttributionResult, bool, error) {
	if intent.VisitorFingerprint == "" {
		return AttributionResult{}, false, nil
	}

	event, err := s.clicks.LatestByFingerprint(ctx, tx, intent.MerchantID, intent.VisitorFingerprint, now)
	if err != nil {
		return AttributionResult{}, false, err
	}
	if event == nil {
		return AttributionResult{}, false, nil
	}

	l, err := s.links.GetByID(ctx, tx, event.LinkID)
	if err != nil {
		return AttributionResult{}, false, nil
	}

	return AttributionResult{
		InfluencerID: l.InfluencerID,
		LinkID:       l.ID,
		Confidence:   ConfidenceHeuristic,
		Reason:       ReasonLastClick,
	}, true, nil
}

// shortCodeFromURL extracts the code from a "/r/<short_code>" path segment.
func shortCodeFromURL(raw string) string {
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i < len(segments)-1; i++ {
		if segments[i] == "r" && segments[i+1] != "" {
			return segments[i+1]
		}
	}
	return ""
}
