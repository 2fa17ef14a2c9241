package link

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"shareyoursales-ace/pkg/access"
	"shareyoursales-ace/pkg/errutil"
	"shareyoursales-ace/pkg/middleware"
	"shareyoursales-ace/pkg/rediskey"
	"shareyoursales-ace/pkg/repository"
	"shareyoursales-ace/services/merchant"
)

const (
	codeAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	codeLength     = 8
	codeLengthWide = 10
	codeRetries    = 8

	resolveCacheTTL = 5 * time.Minute
)

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	redis    *redis.Client
	enforcer access.Enforcer

	merchants *merchant.Service
	links     repository.Repository[TrackingLink]
}

type ServiceParams struct {
	fx.In

	DB       *gorm.DB
	Node     *snowflake.Node
	Redis    *redis.Client `optional:"true"`
	Enforcer access.Enforcer
	Merchant *merchant.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		redis:    p.Redis,
		enforcer: p.Enforcer,

		merchants: p.Merchant,
		links:     repository.ProvideStore[TrackingLink](p.DB),
	}
}

type MintRequest struct {
	InfluencerID   string `json:"influencer_id" binding:"required"`
	ProductID      string `json:"product_id" binding:"required"`
	DestinationURL string `json:"destination_url"`
}

// Mint allocates a short-code for the (influencer, product) pair. Minting is
// idempotent: an existing active link for the pair is returned unchanged.
func (s *Service) Mint(ctx context.Context, req MintRequest) (*TrackingLink, error) {
	product, err := s.merchants.GetProduct(ctx, nil, req.ProductID)
	if err != nil {
		return nil, errutil.ValidationFailed("invalid mint target", err)
	}
	if !product.Active {
		return nil, errutil.ValidationFailed("product is inactive", nil)
	}

	existing, err := s.links.FindOne(ctx, &TrackingLink{
		InfluencerID: req.InfluencerID,
		ProductID:    req.ProductID,
		Active:       true,
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	destination := req.DestinationURL
	if destination == "" {
		destination = product.DestinationURL
	}

	created, err := s.allocate(ctx, &TrackingLink{
		ID:             s.node.Generate().String(),
		InfluencerID:   req.InfluencerID,
		MerchantID:     product.MerchantID,
		ProductID:      req.ProductID,
		DestinationURL: destination,
		Active:         true,
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("link minted",
		zap.String("link_id", created.ID),
		zap.String("short_code", created.ShortCode),
		zap.String("influencer_id", created.InfluencerID),
	)
	return created, nil
}

// allocate inserts the link under a freshly generated short-code, retrying on
// collision. After codeRetries attempts the code widens from 8 to 10 chars;
// exhaustion at the wide length is a reported internal failure.
func (s *Service) allocate(ctx context.Context, l *TrackingLink) (*TrackingLink, error) {
	lengths := []int{codeLength, codeLengthWide}
	for _, n := range lengths {
		for attempt := 0; attempt < codeRetries; attempt++ {
			code, err := randomCode(n)
			if err != nil {
				return nil, err
			}

			taken, err := s.links.FindOne(ctx, &TrackingLink{ShortCode: code})
			if err != nil {
				return nil, err
			}
			if taken != nil {
				continue
			}

			l.ShortCode = code
			if err := s.links.Create(ctx, l); err != nil {
				// Unique-index race with a concurrent mint; treat as a
				// collision and try the next code.
				zap.L().Warn("short code insert collision", zap.String("short_code", code), zap.Error(err))
				continue
			}
			return l, nil
		}
	}

	return nil, errutil.Internal("short code allocation exhausted", nil)
}

// randomCode draws uniformly from the alphabet via rejection sampling.
func randomCode(n int) (string, error) {
	max := byte(len(codeAlphabet))
	limit := byte(256 - (256 % len(codeAlphabet)))

	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, codeAlphabet[b%max])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// Resolve looks up a link by short-code through a redis read-through cache.
// Disabled links resolve too; the caller decides whether to honor them.
func (s *Service) Resolve(ctx context.Context, shortCode string) (*TrackingLink, error) {
	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, rediskey.BuildLinkCodeKey(shortCode)).Bytes(); err == nil {
			var l TrackingLink
			if err := json.Unmarshal(cached, &l); err == nil {
				return &l, nil
			}
		}
	}

	l, err := s.ResolveTrx(ctx, nil, shortCode)
	if err != nil {
		return nil, err
	}

	if s.redis != nil {
		if payload, err := json.Marshal(l); err == nil {
			if err := s.redis.Set(ctx, rediskey.BuildLinkCodeKey(shortCode), payload, resolveCacheTTL).Err(); err != nil {
				zap.L().Warn("link cache write failed", zap.String("short_code", shortCode), zap.Error(err))
			}
		}
	}

	return l, nil
}

// ResolveTrx is the cache-free lookup for callers already inside a
// transaction.
func (s *Service) ResolveTrx(ctx context.Context, tx *gorm.DB, shortCode string) (*TrackingLink, error) {
	l, err := s.links.WithTrx(tx).FindOne(ctx, &TrackingLink{ShortCode: shortCode})
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, errutil.NotFound("short code not found", nil)
	}
	return l, nil
}

// GetByID fetches a link without touching the resolve cache.
func (s *Service) GetByID(ctx context.Context, tx *gorm.DB, linkID string) (*TrackingLink, error) {
	l, err := s.links.WithTrx(tx).FindOne(ctx, &TrackingLink{ID: linkID})
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, errutil.NotFound("link not found", nil)
	}
	return l, nil
}

// Deactivate disables a link. The requester must be the owning influencer,
// the merchant whose product the link targets, or an admin.
func (s *Service) Deactivate(ctx context.Context, linkID string, actor middleware.Actor) error {
	if !s.enforcer.Can(actor.Role, access.ObjectLink, access.ActionDeactivate) {
		return errutil.Forbidden("actor may not deactivate links", nil)
	}

	l, err := s.links.FindOne(ctx, &TrackingLink{ID: linkID})
	if err != nil {
		return err
	}
	if l == nil {
		return errutil.NotFound("link not found", nil)
	}

	switch actor.Role {
	case middleware.RoleInfluencer:
		if l.InfluencerID != actor.Subject {
			return errutil.Forbidden("link belongs to another influencer", nil)
		}
	case middleware.RoleMerchant:
		if l.MerchantID != actor.Subject {
			return errutil.Forbidden("link targets another merchant", nil)
		}
	}

	if err := s.links.Update(ctx, l.ID, map[string]any{"active": false, "updated_at": time.Now().UTC()}); err != nil {
		return err
	}

	s.invalidate(ctx, l.ShortCode)
	return nil
}

func (s *Service) invalidate(ctx context.Context, shortCode string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, rediskey.BuildLinkCodeKey(shortCode)).Err(); err != nil {
		zap.L().Warn("link cache invalidation failed", zap.String("short_code", shortCode), zap.Error(err))
	}
}

// IncrementCounters applies a signed delta atomically. Callers hand in their
// transaction when the delta must commit with other writes.
func (s *Service) IncrementCounters(ctx context.Context, tx *gorm.DB, linkID string, d CounterDelta) error {
	updates := map[string]any{}
	if d.Clicks != 0 {
		updates["clicks"] = gorm.Expr("clicks + ?", d.Clicks)
	}
	if d.Conversions != 0 {
		updates["conversions"] = gorm.Expr("conversions + ?", d.Conversions)
	}
	if d.RevenueMinorUnits != 0 {
		updates["revenue_minor_units"] = gorm.Expr("revenue_minor_units + ?", d.RevenueMinorUnits)
	}
	if len(updates) == 0 {
		return nil
	}

	return s.links.WithTrx(tx).Update(ctx, linkID, updates)
}
