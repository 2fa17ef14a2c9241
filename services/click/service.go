package click

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"shareyoursales-ace/pkg/config"
	"shareyoursales-ace/pkg/db/option"
	"shareyoursales-ace/pkg/errutil"
	"shareyoursales-ace/pkg/eventbus"
	"shareyoursales-ace/pkg/repository"
	"shareyoursales-ace/services/link"
)

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	cfg    *config.Config
	links  *link.Service
	bus    eventbus.Publisher
	clicks repository.Repository[ClickEvent]
}

type ServiceParams struct {
	fx.In

	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config
	Links  *link.Service
	Bus    eventbus.Publisher `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		node:   p.Node,
		cfg:    p.Config,
		links:  p.Links,
		bus:    p.Bus,
		clicks: repository.ProvideStore[ClickEvent](p.DB),
	}
}

// RecordResult carries the stored event and the signed token for the visitor.
type RecordResult struct {
	Event       *ClickEvent
	Token       string
	Destination string
	Deduped     bool
}

// Record resolves the short code, fingerprints the visitor, and writes a
// ClickEvent. A repeat visit from the same (link, fingerprint) inside the
// dedup window returns the original token with no new row.
func (s *Service) Record(ctx context.Context, shortCode string, v VisitorContext) (*RecordResult, error) {
	l, err := s.links.Resolve(ctx, shortCode)
	if err != nil {
		return nil, err
	}
	if !l.Active {
		return nil, errutil.StateInvalid("link is disabled", nil)
	}

	now := time.Now().UTC()
	fingerprint := Fingerprint(v)

	prior, err := s.clicks.FindOne(ctx,
		&ClickEvent{LinkID: l.ID, Fingerprint: fingerprint},
		option.ApplyOperator(option.Condition{
			Field:    "received_at",
			Operator: option.GT,
			Value:    now.Add(-s.cfg.ACE.ClickDedupWindow),
		}),
		option.WithSortBy(option.QuerySortBy{SortBy: "received_at", OrderBy: "desc", Allow: map[string]bool{"received_at": true}}),
	)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return &RecordResult{Event: prior, Token: prior.Token, Destination: l.DestinationURL, Deduped: true}, nil
	}

	token, err := SignToken([]byte(s.cfg.ACE.ClickTokenSecret), TokenClaims{
		LinkID:      l.ID,
		Fingerprint: fingerprint,
		IssuedAt:    now.Unix(),
	})
	if err != nil {
		return nil, err
	}

	event := &ClickEvent{
		ID:          s.node.Generate().String(),
		LinkID:      l.ID,
		MerchantID:  l.MerchantID,
		Fingerprint: fingerprint,
		Source:      v.Source,
		Token:       token,
		ReceivedAt:  now,
	}
	if err := s.clicks.Create(ctx, event); err != nil {
		return nil, err
	}

	if err := s.links.IncrementCounters(ctx, nil, l.ID, link.CounterDelta{Clicks: 1}); err != nil {
		zap.L().Warn("click counter increment failed", zap.String("link_id", l.ID), zap.Error(err))
	}

	if s.bus != nil {
		s.bus.Publish(ctx, eventbus.TopicClickEvents, l.ID, event)
	}

	return &RecordResult{Event: event, Token: token, Destination: l.DestinationURL}, nil
}

// RecordBestEffort retries a failed write once and swallows the second
// failure. Dropping a click is preferable to blocking a visitor redirect.
func (s *Service) RecordBestEffort(ctx context.Context, shortCode string, v VisitorContext) *RecordResult {
	res, err := s.Record(ctx, shortCode, v)
	if err == nil {
		return res
	}

	switch errutil.StatusOf(err) {
	case errutil.StatusNotFound, errutil.StatusStateInvalid:
		return nil
	}

	res, err = s.Record(ctx, shortCode, v)
	if err != nil {
		zap.L().Error("click record dropped after retry", zap.String("short_code", shortCode), zap.Error(err))
		return nil
	}
	return res
}

// EligibleWindowStart is the oldest received_at still usable for attribution.
func (s *Service) EligibleWindowStart(now time.Time) time.Time {
	return now.Add(-s.cfg.ACE.AttributionWindow)
}

// LatestByFingerprint returns the most recent in-window click for the
// (fingerprint, merchant) pair, breaking received_at ties toward the higher
// link id.
func (s *Service) LatestByFingerprint(ctx context.Context, tx *gorm.DB, merchantID, fingerprint string, now time.Time) (*ClickEvent, error) {
	events, err := s.clicks.WithTrx(tx).Find(ctx,
		&ClickEvent{MerchantID: merchantID, Fingerprint: fingerprint},
		option.ApplyOperator(option.Condition{
			Field:    "received_at",
			Operator: option.GTE,
			Value:    s.EligibleWindowStart(now),
		}),
	)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	best := events[0]
	for _, e := range events[1:] {
		if e.ReceivedAt.After(best.ReceivedAt) {
			best = e
			continue
		}
		if e.ReceivedAt.Equal(best.ReceivedAt) && e.LinkID > best.LinkID {
			best = e
		}
	}
	return best, nil
}

// PurgeExpired deletes events past the attribution window plus the
// reconciliation grace. Driven by the daily scheduler tick.
func (s *Service) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-(s.cfg.ACE.AttributionWindow + s.cfg.ACE.ClickRetention))

	res := s.db.WithContext(ctx).Where("received_at < ?", cutoff).Delete(&ClickEvent{})
	if res.Error != nil {
		return 0, res.Error
	}

	zap.L().Info("expired clicks purged", zap.Int64("deleted", res.RowsAffected), zap.Time("cutoff", cutoff))
	return res.RowsAffected, nil
}
