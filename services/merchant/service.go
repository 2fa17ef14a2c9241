package merchant

import (
	"context"

	"go.uber.org/fx"
	"gorm.io/gorm"

	"shareyoursales-ace/pkg/errutil"
	"shareyoursales-ace/pkg/repository"
)

// Service exposes the merchant-side reference data the engine reads: webhook
// secrets, commission rates, and payout destinations. Lookups accept an
// optional transaction so callers holding one never fall back to the pool.
type Service struct {
	merchants repository.Repository[Merchant]
	products  repository.Repository[Product]
	methods   repository.Repository[PaymentMethod]
}

type ServiceParams struct {
	fx.In

	DB *gorm.DB
}

func NewService(p ServiceParams) *Service {
	return &Service{
		merchants: repository.ProvideStore[Merchant](p.DB),
		products:  repository.ProvideStore[Product](p.DB),
		methods:   repository.ProvideStore[PaymentMethod](p.DB),
	}
}

func (s *Service) GetMerchant(ctx context.Context, tx *gorm.DB, merchantID string) (*Merchant, error) {
	m, err := s.merchants.WithTrx(tx).FindOne(ctx, &Merchant{ID: merchantID})
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errutil.NotFound("merchant not found", nil)
	}
	return m, nil
}

func (s *Service) GetProduct(ctx context.Context, tx *gorm.DB, productID string) (*Product, error) {
	p, err := s.products.WithTrx(tx).FindOne(ctx, &Product{ID: productID})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errutil.NotFound("product not found", nil)
	}
	return p, nil
}

// WebhookSecret returns the per-merchant HMAC key.
func (s *Service) WebhookSecret(ctx context.Context, merchantID string) (string, error) {
	m, err := s.GetMerchant(ctx, nil, merchantID)
	if err != nil {
		return "", err
	}
	return m.WebhookSecret, nil
}

// ActivePaymentMethod returns the influencer's active payout destination for
// the currency, or (nil, nil) when none is configured.
func (s *Service) ActivePaymentMethod(ctx context.Context, tx *gorm.DB, influencerID, currency string) (*PaymentMethod, error) {
	return s.methods.WithTrx(tx).FindOne(ctx, &PaymentMethod{
		InfluencerID: influencerID,
		Currency:     currency,
		Active:       true,
	})
}
