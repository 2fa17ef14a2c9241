package webhook

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"shareyoursales-ace/pkg/config"
	"shareyoursales-ace/pkg/errutil"
	"shareyoursales-ace/pkg/middleware"
	"shareyoursales-ace/pkg/objectstore"
	"shareyoursales-ace/services/commission"
	"shareyoursales-ace/services/merchant"
)

// Service routes storefront webhooks through per-source adapters into the
// commission ledger. Nothing in a payload is trusted until the adapter's
// signature check passes.
type Service struct {
	cfg       *config.Config
	merchants *merchant.Service
	ledger    *commission.Service
	archive   objectstore.Archive

	adapters map[string]Adapter
}

type ServiceParams struct {
	fx.In

	Config    *config.Config
	Merchants *merchant.Service
	Ledger    *commission.Service
	Archive   objectstore.Archive `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	s := &Service{
		cfg:       p.Config,
		merchants: p.Merchants,
		ledger:    p.Ledger,
		archive:   p.Archive,
		adapters:  make(map[string]Adapter),
	}

	for _, a := range []Adapter{shopifyAdapter{}, wooAdapter{}, tiktokAdapter{}, manualAdapter{}} {
		s.adapters[a.Source()] = a
	}
	return s
}

func (s *Service) adapter(source string) (Adapter, error) {
	a, ok := s.adapters[source]
	if !ok {
		return nil, errutil.NotFound("unknown webhook source", nil)
	}
	return a, nil
}

// HandleOrder verifies and ingests one order webhook.
func (s *Service) HandleOrder(ctx context.Context, source, merchantID string, header http.Header, body []byte, actor middleware.Actor) (*commission.SaleResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ACE.WebhookDeadline)
	defer cancel()

	a, err := s.adapter(source)
	if err != nil {
		return nil, err
	}

	if err := s.verify(ctx, a, merchantID, header, body); err != nil {
		return nil, err
	}

	intent, err := a.ParseOrder(merchantID, body)
	if err != nil {
		return nil, err
	}

	// Explicit attribution overrides are an admin capability.
	if intent.OverrideInfluencerID != "" && actor.Role != middleware.RoleAdmin {
		return nil, errutil.Forbidden("attribution override requires admin", nil)
	}

	s.archivePayload(ctx, source, intent.ExternalOrderID, body)

	return s.ledger.RecordConversion(ctx, intent, time.Now().UTC())
}

// HandleRefund verifies and applies one refund webhook. Replays no-op.
func (s *Service) HandleRefund(ctx context.Context, source, merchantID string, header http.Header, body []byte) (*commission.RefundResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ACE.WebhookDeadline)
	defer cancel()

	a, err := s.adapter(source)
	if err != nil {
		return nil, err
	}

	if err := s.verify(ctx, a, merchantID, header, body); err != nil {
		return nil, err
	}

	notice, err := a.ParseRefund(body)
	if err != nil {
		return nil, err
	}

	s.archivePayload(ctx, source+"_refund", notice.ExternalOrderID, body)

	return s.ledger.ApplyRefund(ctx, source, notice.ExternalOrderID, notice.Reason, time.Now().UTC())
}

func (s *Service) verify(ctx context.Context, a Adapter, merchantID string, header http.Header, body []byte) error {
	if merchantID == "" {
		return errutil.ValidationFailed("merchant_id is required", nil)
	}

	secret, err := s.merchants.WebhookSecret(ctx, merchantID)
	if err != nil {
		return err
	}

	if err := a.VerifySignature(secret, header, body); err != nil {
		zap.L().Warn("webhook signature rejected",
			zap.String("source", a.Source()),
			zap.String("merchant_id", merchantID),
		)
		return err
	}
	return nil
}

// archivePayload snapshots the raw body for dispute review. Best-effort.
func (s *Service) archivePayload(ctx context.Context, source, reference string, body []byte) {
	if s.archive == nil {
		return
	}
	if _, err := s.archive.StorePayload(ctx, source, reference, body); err != nil {
		zap.L().Warn("payload archive failed", zap.String("source", source), zap.String("reference", reference), zap.Error(err))
	}
}
