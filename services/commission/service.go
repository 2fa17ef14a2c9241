package commission

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"shareyoursales-ace/pkg/access"
	"shareyoursales-ace/pkg/config"
	"shareyoursales-ace/pkg/db/option"
	"shareyoursales-ace/pkg/errutil"
	"shareyoursales-ace/pkg/eventbus"
	"shareyoursales-ace/pkg/middleware"
	"shareyoursales-ace/pkg/repository"
	"shareyoursales-ace/services/attribution"
	"shareyoursales-ace/services/link"
	"shareyoursales-ace/services/merchant"
)

// Service is the commission ledger: it owns sales, commissions, and balances,
// and is the only writer of their state transitions. Every mutating operation
// runs in one transaction that locks the balance row before touching
// commissions.
type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	cfg      *config.Config
	enforcer access.Enforcer
	bus      eventbus.Publisher

	links      *link.Service
	merchants  *merchant.Service
	attributor *attribution.Service

	sales       repository.Repository[Sale]
	commissions repository.Repository[Commission]
	balances    repository.Repository[InfluencerBalance]
	quarantine  repository.Repository[QuarantinedEvent]
}

type ServiceParams struct {
	fx.In

	DB         *gorm.DB
	Node       *snowflake.Node
	Config     *config.Config
	Enforcer   access.Enforcer
	Bus        eventbus.Publisher `optional:"true"`
	Links      *link.Service
	Merchants  *merchant.Service
	Attributor *attribution.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		cfg:      p.Config,
		enforcer: p.Enforcer,
		bus:      p.Bus,

		links:      p.Links,
		merchants:  p.Merchants,
		attributor: p.Attributor,

		sales:       repository.ProvideStore[Sale](p.DB),
		commissions: repository.ProvideStore[Commission](p.DB),
		balances:    repository.ProvideStore[InfluencerBalance](p.DB),
		quarantine:  repository.ProvideStore[QuarantinedEvent](p.DB),
	}
}

// RecordConversion ingests one verified ConversionIntent. Replays keyed by
// (source, external_order_id) return the stored result unchanged.
func (s *Service) RecordConversion(ctx context.Context, intent attribution.ConversionIntent, now time.Time) (*SaleResult, error) {
	if err := validateIntent(intent); err != nil {
		return nil, err
	}

	quantity := intent.Quantity
	if quantity == 0 {
		quantity = 1
	}
	paymentStatus := intent.PaymentStatus
	if paymentStatus == "" {
		paymentStatus = PaymentPaid
	}

	result := &SaleResult{}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		existing, err := s.sales.WithTrx(tx).FindOne(ctx, &Sale{
			Source:          intent.Source,
			ExternalOrderID: intent.ExternalOrderID,
		})
		if err != nil {
			return err
		}
		if existing != nil {
			result.Sale = existing
			result.Replayed = true
			result.Commission, err = s.originalForSale(ctx, tx, existing.ID)
			return err
		}

		attributed, err := s.attributor.Resolve(ctx, tx, intent, now)
		if err != nil {
			return err
		}

		sale := &Sale{
			ID:                    s.node.Generate().String(),
			Source:                intent.Source,
			ExternalOrderID:       intent.ExternalOrderID,
			MerchantID:            intent.MerchantID,
			InfluencerID:          attributed.InfluencerID,
			LinkID:                attributed.LinkID,
			GrossAmountMinor:      intent.GrossAmountMinor,
			Currency:              intent.Currency,
			Quantity:              quantity,
			CustomerFingerprint:   intent.VisitorFingerprint,
			Status:                SaleCompleted,
			PaymentStatus:         paymentStatus,
			AttributionConfidence: string(attributed.Confidence),
			AttributionReason:     attributed.Reason,
			HoldExpiry:            now.Add(s.cfg.ACE.HoldWindow),
			RawPayload:            intent.RawPayload,
			CreatedAt:             now,
		}
		if err := s.sales.WithTrx(tx).Create(ctx, sale); err != nil {
			return err
		}
		result.Sale = sale

		if !attributed.Attributed() {
			return nil
		}

		riRate, rpRate, err := s.ratesFor(ctx, tx, intent.MerchantID, attributed.LinkID)
		if err != nil {
			return err
		}
		influencerAmt, platformAmt, merchantNet := Split(intent.GrossAmountMinor, riRate, rpRate)

		balance, err := s.lockedBalance(ctx, tx, attributed.InfluencerID, intent.Currency)
		if err != nil {
			return err
		}

		c := &Commission{
			ID:                    s.node.Generate().String(),
			SaleID:                sale.ID,
			InfluencerID:          attributed.InfluencerID,
			MerchantID:            intent.MerchantID,
			LinkID:                attributed.LinkID,
			InfluencerAmountMinor: influencerAmt,
			PlatformAmountMinor:   platformAmt,
			MerchantNetMinor:      merchantNet,
			Currency:              intent.Currency,
			Status:                StatusPending,
			HoldExpiry:            sale.HoldExpiry,
			CreatedAt:             now,
		}
		if err := s.commissions.WithTrx(tx).Create(ctx, c); err != nil {
			return err
		}
		result.Commission = c

		if err := s.adjustBalance(ctx, tx, balance, 0, influencerAmt, 0); err != nil {
			return err
		}

		if attributed.LinkID != "" {
			if err := s.links.IncrementCounters(ctx, tx, attributed.LinkID, link.CounterDelta{
				Conversions:       1,
				RevenueMinorUnits: intent.GrossAmountMinor,
			}); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		s.maybeQuarantine(ctx, intent.Source, intent.ExternalOrderID, intent.RawPayload, err)
		return nil, err
	}

	return result, nil
}

// ApplyRefund moves the sale to refunded and reverses its commission.
// Replays are no-ops returning the stored state.
func (s *Service) ApplyRefund(ctx context.Context, source, externalOrderID, reason string, now time.Time) (*RefundResult, error) {
	return s.reverseSale(ctx, source, externalOrderID, reason, SaleRefunded, now)
}

// Cancel is the admin-only zero-revenue variant of a refund; the commission
// is reversed the same way.
func (s *Service) Cancel(ctx context.Context, source, externalOrderID string, actor middleware.Actor, now time.Time) (*RefundResult, error) {
	if !s.enforcer.Can(actor.Role, access.ObjectCommission, access.ActionOverride) {
		return nil, errutil.Forbidden("actor may not cancel sales", nil)
	}
	return s.reverseSale(ctx, source, externalOrderID, "cancelled by "+actor.Subject, SaleCancelled, now)
}

func (s *Service) reverseSale(ctx context.Context, source, externalOrderID, reason, targetStatus string, now time.Time) (*RefundResult, error) {
	result := &RefundResult{}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		sale, err := s.sales.WithTrx(tx).FindOne(ctx, &Sale{Source: source, ExternalOrderID: externalOrderID})
		if err != nil {
			return err
		}
		if sale == nil {
			return errutil.NotFound("sale not found", nil)
		}

		if sale.Status == SaleRefunded || sale.Status == SaleCancelled {
			result.Sale = sale
			result.Replayed = true
			result.Commission, err = s.originalForSale(ctx, tx, sale.ID)
			return err
		}

		c, err := s.originalForSale(ctx, tx, sale.ID)
		if err != nil {
			return err
		}

		if c != nil {
			balance, err := s.lockedBalance(ctx, tx, c.InfluencerID, c.Currency)
			if err != nil {
				return err
			}

			amt := c.InfluencerAmountMinor
			switch {
			case c.Status == StatusPending:
				if err := s.transition(ctx, tx, c, StatusReversed, now); err != nil {
					return err
				}
				if err := s.adjustBalance(ctx, tx, balance, 0, -amt, 0); err != nil {
					return err
				}
			case c.Status == StatusApproved && c.PayoutID == "":
				if err := s.transition(ctx, tx, c, StatusReversed, now); err != nil {
					return err
				}
				if err := s.adjustBalance(ctx, tx, balance, -amt, 0, -amt); err != nil {
					return err
				}
			case c.Status == StatusApproved || c.Status == StatusPaid:
				// An approved commission still carrying a payout_id sits in a
				// queued or processing payout (settle moves it to paid,
				// failure clears the assignment). Those funds are committed,
				// so the reversal becomes a clawback, same as after payout.
				clawback := &Commission{
					ID:                    s.node.Generate().String(),
					SaleID:                sale.ID,
					InfluencerID:          c.InfluencerID,
					MerchantID:            c.MerchantID,
					LinkID:                c.LinkID,
					InfluencerAmountMinor: -amt,
					PlatformAmountMinor:   -c.PlatformAmountMinor,
					MerchantNetMinor:      -c.MerchantNetMinor,
					Currency:              c.Currency,
					Status:                StatusPending,
					OffsetsCommissionID:   c.ID,
					AuditTag:              reason,
					CreatedAt:             now,
				}
				if err := s.commissions.WithTrx(tx).Create(ctx, clawback); err != nil {
					return err
				}
				result.Clawback = clawback
				s.publish(ctx, "commission_clawback", clawback)
			}
			result.Commission = c

			if sale.LinkID != "" && (c.Status == StatusReversed || result.Clawback != nil) {
				// Compensating counter entry; the cumulative field itself is
				// never rewritten.
				if err := s.links.IncrementCounters(ctx, tx, sale.LinkID, link.CounterDelta{
					RevenueMinorUnits: -sale.GrossAmountMinor,
				}); err != nil {
					return err
				}
			}
		}

		if err := s.sales.WithTrx(tx).Update(ctx, sale.ID, map[string]any{
			"status":         targetStatus,
			"payment_status": PaymentRefunded,
			"updated_at":     now,
		}); err != nil {
			return err
		}
		sale.Status = targetStatus
		sale.PaymentStatus = PaymentRefunded
		result.Sale = sale

		return nil
	})
	if err != nil {
		s.maybeQuarantine(ctx, source, externalOrderID, nil, err)
		return nil, err
	}

	if result.Commission != nil && result.Commission.Status == StatusReversed && !result.Replayed {
		s.publish(ctx, "commission_reversed", result.Commission)
	}

	return result, nil
}

// AdvanceHoldClocks approves every pending commission whose sale is still
// completed and paid and whose hold expired at or before now. The caller
// injects now so ticks stay deterministic.
func (s *Service) AdvanceHoldClocks(ctx context.Context, now time.Time) ([]Transition, error) {
	due, err := s.commissions.Find(ctx,
		&Commission{Status: StatusPending},
		option.ApplyOperator(option.Condition{Field: "hold_expiry", Operator: option.LTE, Value: now}),
	)
	if err != nil {
		return nil, err
	}

	var transitions []Transition
	for _, c := range due {
		if c.IsClawback() {
			// Clawbacks wait for operator review; the hold clock never
			// auto-approves a negative commission.
			continue
		}

		err := s.db.Transaction(func(tx *gorm.DB) error {
			current, err := s.commissions.WithTrx(tx).FindOne(ctx, &Commission{ID: c.ID})
			if err != nil {
				return err
			}
			if current == nil || current.Status != StatusPending {
				return nil
			}

			sale, err := s.sales.WithTrx(tx).FindOne(ctx, &Sale{ID: current.SaleID})
			if err != nil {
				return err
			}
			if sale == nil || sale.Status != SaleCompleted || sale.PaymentStatus != PaymentPaid {
				return nil
			}

			balance, err := s.lockedBalance(ctx, tx, current.InfluencerID, current.Currency)
			if err != nil {
				return err
			}

			amt := current.InfluencerAmountMinor
			if err := s.adjustBalance(ctx, tx, balance, amt, -amt, amt); err != nil {
				return err
			}
			if err := s.transition(ctx, tx, current, StatusApproved, now); err != nil {
				return err
			}

			transitions = append(transitions, Transition{
				CommissionID:   current.ID,
				PreviousStatus: StatusPending,
				NewStatus:      StatusApproved,
			})
			s.publish(ctx, "commission_approved", current)
			return nil
		})
		if err != nil {
			s.maybeQuarantine(ctx, "hold_clock", c.ID, nil, err)
			zap.L().Error("hold clock advance failed", zap.String("commission_id", c.ID), zap.Error(err))
		}
	}

	return transitions, nil
}

// BalanceSnapshot is a consistent read of one influencer's position.
type BalanceSnapshot struct {
	InfluencerID          string `json:"influencer_id"`
	Currency              string `json:"currency"`
	AvailableMinor        int64  `json:"available_minor"`
	HeldMinor             int64  `json:"held_minor"`
	LifetimeEarningsMinor int64  `json:"lifetime_earnings_minor"`
}

func (s *Service) GetBalance(ctx context.Context, influencerID, currency string) (*BalanceSnapshot, error) {
	b, err := s.balances.FindOne(ctx, &InfluencerBalance{InfluencerID: influencerID, Currency: currency})
	if err != nil {
		return nil, err
	}

	snapshot := &BalanceSnapshot{InfluencerID: influencerID, Currency: currency}
	if b != nil {
		snapshot.AvailableMinor = b.AvailableMinor
		snapshot.HeldMinor = b.HeldMinor
		snapshot.LifetimeEarningsMinor = b.LifetimeEarningsMinor
	}
	return snapshot, nil
}

// ForceApprove lets an admin approve a pending commission ahead of its hold
// clock, including clawbacks once the influencer has cover for them.
func (s *Service) ForceApprove(ctx context.Context, commissionID string, actor middleware.Actor, auditTag string, now time.Time) error {
	if !s.enforcer.Can(actor.Role, access.ObjectCommission, access.ActionForceApprove) {
		return errutil.Forbidden("actor may not approve commissions", nil)
	}
	if auditTag == "" {
		return errutil.ValidationFailed("audit tag is required", nil)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		c, err := s.commissions.WithTrx(tx).FindOne(ctx, &Commission{ID: commissionID})
		if err != nil {
			return err
		}
		if c == nil {
			return errutil.NotFound("commission not found", nil)
		}
		if c.Status != StatusPending {
			return errutil.StateInvalid("only pending commissions can be approved", nil)
		}

		balance, err := s.lockedBalance(ctx, tx, c.InfluencerID, c.Currency)
		if err != nil {
			return err
		}

		amt := c.InfluencerAmountMinor
		if c.IsClawback() {
			// A clawback never sat in held; approval applies it straight to
			// available.
			if err := s.adjustBalance(ctx, tx, balance, amt, 0, amt); err != nil {
				return err
			}
		} else {
			if err := s.adjustBalance(ctx, tx, balance, amt, -amt, amt); err != nil {
				return err
			}
		}

		if err := s.commissions.WithTrx(tx).Update(ctx, c.ID, map[string]any{
			"status":      StatusApproved,
			"approved_at": now,
			"audit_tag":   auditTag,
			"updated_at":  now,
		}); err != nil {
			return err
		}
		c.Status = StatusApproved

		s.publish(ctx, "commission_approved", c)
		return nil
	})
}

// Reject denies an approved commission (write-off from available) or voids a
// pending clawback. Regular pending commissions follow the refund path, not
// rejection.
func (s *Service) Reject(ctx context.Context, commissionID string, actor middleware.Actor, auditTag string, now time.Time) error {
	if !s.enforcer.Can(actor.Role, access.ObjectCommission, access.ActionReject) {
		return errutil.Forbidden("actor may not reject commissions", nil)
	}
	if auditTag == "" {
		return errutil.ValidationFailed("audit tag is required", nil)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		c, err := s.commissions.WithTrx(tx).FindOne(ctx, &Commission{ID: commissionID})
		if err != nil {
			return err
		}
		if c == nil {
			return errutil.NotFound("commission not found", nil)
		}

		switch {
		case c.Status == StatusApproved:
			balance, err := s.lockedBalance(ctx, tx, c.InfluencerID, c.Currency)
			if err != nil {
				return err
			}
			if err := s.adjustBalance(ctx, tx, balance, -c.InfluencerAmountMinor, 0, -c.InfluencerAmountMinor); err != nil {
				return err
			}
		case c.Status == StatusPending && c.IsClawback():
			// Voiding a clawback has no balance effect; it never reserved
			// anything.
		default:
			return errutil.StateInvalid("commission cannot be rejected in its current state", nil)
		}

		if err := s.commissions.WithTrx(tx).Update(ctx, c.ID, map[string]any{
			"status":     StatusRejected,
			"audit_tag":  auditTag,
			"updated_at": now,
		}); err != nil {
			return err
		}
		c.Status = StatusRejected

		s.publish(ctx, "commission_rejected", c)
		return nil
	})
}

// ListQuarantine returns events held for operator review.
func (s *Service) ListQuarantine(ctx context.Context, actor middleware.Actor) ([]*QuarantinedEvent, error) {
	if !s.enforcer.Can(actor.Role, access.ObjectQuarantine, access.ActionReadAny) {
		return nil, errutil.Forbidden("actor may not read quarantine", nil)
	}
	return s.quarantine.Find(ctx, nil)
}

// originalForSale returns the sale's primary commission, skipping clawbacks.
func (s *Service) originalForSale(ctx context.Context, tx *gorm.DB, saleID string) (*Commission, error) {
	all, err := s.commissions.WithTrx(tx).Find(ctx, &Commission{SaleID: saleID})
	if err != nil {
		return nil, err
	}
	for _, c := range all {
		if !c.IsClawback() {
			return c, nil
		}
	}
	return nil, nil
}

// lockedBalance fetches the balance row under a write lock, creating the zero
// row on first contact. The balance lock is always taken before any
// commission write in the same transaction.
func (s *Service) lockedBalance(ctx context.Context, tx *gorm.DB, influencerID, currency string) (*InfluencerBalance, error) {
	b, err := s.balances.WithTrx(tx).FindOne(ctx,
		&InfluencerBalance{InfluencerID: influencerID, Currency: currency},
		option.WithLockingUpdate(),
	)
	if err != nil {
		return nil, err
	}
	if b != nil {
		return b, nil
	}

	fresh := &InfluencerBalance{
		ID:           s.node.Generate().String(),
		InfluencerID: influencerID,
		Currency:     currency,
	}
	if err := s.balances.WithTrx(tx).Create(ctx, fresh); err != nil {
		return nil, err
	}

	return s.balances.WithTrx(tx).FindOne(ctx,
		&InfluencerBalance{InfluencerID: influencerID, Currency: currency},
		option.WithLockingUpdate(),
	)
}

// adjustBalance applies signed deltas to a locked balance row, refusing any
// result that would drive available or held negative.
func (s *Service) adjustBalance(ctx context.Context, tx *gorm.DB, b *InfluencerBalance, dAvailable, dHeld, dLifetime int64) error {
	if b.AvailableMinor+dAvailable < 0 {
		return errutil.BalanceInvariant("available balance would go negative", nil)
	}
	if b.HeldMinor+dHeld < 0 {
		return errutil.BalanceInvariant("held balance would go negative", nil)
	}

	if err := s.balances.WithTrx(tx).Update(ctx, b.ID, map[string]any{
		"available_minor":         gorm.Expr("available_minor + ?", dAvailable),
		"held_minor":              gorm.Expr("held_minor + ?", dHeld),
		"lifetime_earnings_minor": gorm.Expr("lifetime_earnings_minor + ?", dLifetime),
		"updated_at":              time.Now().UTC(),
	}); err != nil {
		return err
	}

	b.AvailableMinor += dAvailable
	b.HeldMinor += dHeld
	b.LifetimeEarningsMinor += dLifetime
	return nil
}

func (s *Service) transition(ctx context.Context, tx *gorm.DB, c *Commission, to string, now time.Time) error {
	updates := map[string]any{"status": to, "updated_at": now}
	switch to {
	case StatusApproved:
		updates["approved_at"] = now
	case StatusPaid:
		updates["paid_at"] = now
	}

	if err := s.commissions.WithTrx(tx).Update(ctx, c.ID, updates); err != nil {
		return err
	}
	c.Status = to
	return nil
}

// ratesFor picks the influencer rate from the link's product and the platform
// rate from the merchant override, falling back to the configured defaults.
func (s *Service) ratesFor(ctx context.Context, tx *gorm.DB, merchantID, linkID string) (influencerRate, platformRate int64, err error) {
	influencerRate = s.cfg.ACE.DefaultRatePercent
	platformRate = s.cfg.ACE.PlatformFeePercent

	if m, err := s.merchants.GetMerchant(ctx, tx, merchantID); err == nil && m.PlatformFeePercent > 0 {
		platformRate = m.PlatformFeePercent
	}

	if linkID == "" {
		return influencerRate, platformRate, nil
	}

	l, err := s.links.GetByID(ctx, tx, linkID)
	if err != nil {
		return 0, 0, err
	}
	if p, err := s.merchants.GetProduct(ctx, tx, l.ProductID); err == nil && p.CommissionPercent > 0 {
		influencerRate = p.CommissionPercent
	}

	return influencerRate, platformRate, nil
}

func (s *Service) maybeQuarantine(ctx context.Context, source, reference string, payload datatypes.JSON, err error) {
	if errutil.StatusOf(err) != errutil.StatusBalanceInvariant {
		return
	}

	q := &QuarantinedEvent{
		ID:              s.node.Generate().String(),
		Source:          source,
		ExternalOrderID: reference,
		Reason:          err.Error(),
		Payload:         payload,
		CreatedAt:       time.Now().UTC(),
	}
	if qerr := s.quarantine.Create(ctx, q); qerr != nil {
		zap.L().Error("failed to quarantine event", zap.String("source", source), zap.String("reference", reference), zap.Error(qerr))
	}

	zap.L().Error("balance invariant violation quarantined",
		zap.String("source", source),
		zap.String("reference", reference),
		zap.Error(err),
	)
}

func (s *Service) publish(ctx context.Context, event string, c *Commission) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, eventbus.TopicCommissionEvents, c.InfluencerID, map[string]any{
		"event":         event,
		"commission_id": c.ID,
		"sale_id":       c.SaleID,
		"influencer_id": c.InfluencerID,
		"currency":      c.Currency,
		"amount_minor":  c.InfluencerAmountMinor,
		"status":        c.Status,
	})
}

func validateIntent(intent attribution.ConversionIntent) error {
	switch {
	case intent.Source == "":
		return errutil.ValidationFailed("source is required", nil, errutil.WithDetails(errutil.Detail{Field: "source", Message: "required"}))
	case intent.ExternalOrderID == "":
		return errutil.ValidationFailed("external_order_id is required", nil, errutil.WithDetails(errutil.Detail{Field: "external_order_id", Message: "required"}))
	case intent.MerchantID == "":
		return errutil.ValidationFailed("merchant_id is required", nil, errutil.WithDetails(errutil.Detail{Field: "merchant_id", Message: "required"}))
	case intent.GrossAmountMinor <= 0:
		return errutil.ValidationFailed("gross amount must be positive", nil, errutil.WithDetails(errutil.Detail{Field: "gross_amount_minor", Message: "must be > 0"}))
	case intent.Quantity < 0:
		return errutil.ValidationFailed("quantity must be positive", nil, errutil.WithDetails(errutil.Detail{Field: "quantity", Message: "must be > 0"}))
	case len(intent.Currency) != 3:
		return errutil.ValidationFailed("currency must be ISO-4217", nil, errutil.WithDetails(errutil.Detail{Field: "currency", Message: "must be a 3-letter code"}))
	}
	return nil
}
