package payout

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"shareyoursales-ace/pkg/access"
	"shareyoursales-ace/pkg/config"
	"shareyoursales-ace/pkg/db/option"
	"shareyoursales-ace/pkg/errutil"
	"shareyoursales-ace/pkg/eventbus"
	"shareyoursales-ace/pkg/featureflags"
	"shareyoursales-ace/pkg/middleware"
	"shareyoursales-ace/pkg/repository"
	"shareyoursales-ace/pkg/sequence"
	"shareyoursales-ace/pkg/task"
	"shareyoursales-ace/pkg/taskname"
	"shareyoursales-ace/services/commission"
	"shareyoursales-ace/services/merchant"
)

// Service owns payouts: batching approved commissions, dispatching transfers
// to providers, and reconciling their outcomes. Provider calls always happen
// outside database transactions.
type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	cfg      *config.Config
	enforcer access.Enforcer
	bus      eventbus.Publisher

	ledger    *commission.Service
	merchants *merchant.Service
	registry  *Registry
	sequences sequence.Generator
	enqueuer  task.Enqueuer
	flags     featureflags.Flags

	payouts repository.Repository[Payout]
}

type ServiceParams struct {
	fx.In

	DB        *gorm.DB
	Node      *snowflake.Node
	Config    *config.Config
	Enforcer  access.Enforcer
	Bus       eventbus.Publisher `optional:"true"`
	Ledger    *commission.Service
	Merchants *merchant.Service
	Registry  *Registry
	Sequences sequence.Generator `optional:"true"`
	Enqueuer  task.Enqueuer      `optional:"true"`
	Flags     featureflags.Flags
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		cfg:      p.Config,
		enforcer: p.Enforcer,
		bus:      p.Bus,

		ledger:    p.Ledger,
		merchants: p.Merchants,
		registry:  p.Registry,
		sequences: p.Sequences,
		enqueuer:  p.Enqueuer,
		flags:     p.Flags,

		payouts: repository.ProvideStore[Payout](p.DB),
	}
}

// BuildBatch collects the influencer's payable commissions into one queued
// payout. The payout amount is fixed here; dispatch and reconciliation never
// recompute it.
func (s *Service) BuildBatch(ctx context.Context, influencerID, currency string, now time.Time) (*Payout, error) {
	var payout *Payout
	err := s.db.Transaction(func(tx *gorm.DB) error {
		method, err := s.merchants.ActivePaymentMethod(ctx, tx, influencerID, currency)
		if err != nil {
			return err
		}
		if method == nil {
			return errutil.StateInvalid("influencer has no active payment method for this currency", nil)
		}

		balance, err := s.ledger.LockedBalance(ctx, tx, influencerID, currency)
		if err != nil {
			return err
		}

		payable, err := s.ledger.SelectPayable(ctx, tx, influencerID, currency)
		if err != nil {
			return err
		}

		var amount int64
		for _, c := range payable {
			amount += c.InfluencerAmountMinor
		}

		if amount <= 0 {
			return errutil.StateInvalid("nothing to pay out", nil)
		}
		if amount < s.cfg.ACE.MinPayoutMinorUnits {
			return errutil.StateInvalid("payable amount is below the payout threshold", nil)
		}
		if amount > balance.AvailableMinor {
			return errutil.BalanceInvariant("payable commissions exceed available balance", nil)
		}

		payout = &Payout{
			ID:                s.node.Generate().String(),
			BatchCode:         s.nextBatchCode(ctx),
			InfluencerID:      influencerID,
			Currency:          currency,
			AmountMinor:       amount,
			Provider:          method.Provider,
			AccountDescriptor: method.AccountDescriptor,
			Status:            StatusQueued,
			CreatedAt:         now,
		}
		if err := s.payouts.WithTrx(tx).Create(ctx, payout); err != nil {
			return err
		}

		return s.ledger.AssignToPayout(ctx, tx, payable, payout.ID, now)
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, "payout_queued", payout)
	return payout, nil
}

// TriggerBatch is the operator entry point for BuildBatch.
func (s *Service) TriggerBatch(ctx context.Context, actor middleware.Actor, influencerID, currency string, now time.Time) (*Payout, error) {
	if !s.enforcer.Can(actor.Role, access.ObjectPayout, access.ActionBuildBatch) {
		return nil, errutil.Forbidden("actor may not build payout batches", nil)
	}
	return s.BuildBatch(ctx, influencerID, currency, now)
}

// Dispatch sends a queued payout to its provider. The provider call runs
// outside any transaction under the dispatch deadline; transient provider
// errors bubble up so the task queue retries on its backoff curve.
func (s *Service) Dispatch(ctx context.Context, payoutID string) error {
	p, err := s.payouts.FindOne(ctx, &Payout{ID: payoutID})
	if err != nil {
		return err
	}
	if p == nil {
		return errutil.NotFound("payout not found", nil)
	}

	switch p.Status {
	case StatusQueued:
	case StatusProcessing:
		if p.ExternalTxID != "" {
			// Already acknowledged; reconciliation owns it from here.
			return nil
		}
	default:
		return nil
	}

	now := time.Now().UTC()
	if p.Attempts >= s.cfg.ACE.MaxDispatchAttempts {
		return s.fail(ctx, p, "dispatch attempts exhausted", now)
	}

	if err := s.payouts.Update(ctx, p.ID, map[string]any{
		"status":        StatusProcessing,
		"attempts":      gorm.Expr("attempts + 1"),
		"dispatched_at": now,
		"updated_at":    now,
	}); err != nil {
		return err
	}
	p.Status = StatusProcessing
	p.Attempts++

	provider, err := s.registry.Get(p.Provider)
	if err != nil {
		return s.fail(ctx, p, err.Error(), now)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.ACE.DispatchTimeout)
	defer cancel()

	ack, err := provider.Send(sendCtx, SendRequest{
		Reference:         p.BatchCode,
		AmountMinor:       p.AmountMinor,
		Currency:          p.Currency,
		AccountDescriptor: p.AccountDescriptor,
	})
	if err != nil {
		if errutil.StatusOf(err) == errutil.StatusProviderTerminal {
			return s.fail(ctx, p, err.Error(), time.Now().UTC())
		}
		zap.L().Warn("payout dispatch failed, will retry",
			zap.String("payout_id", p.ID),
			zap.String("provider", p.Provider),
			zap.Int("attempt", p.Attempts),
			zap.Error(err),
		)
		return err
	}

	if err := s.payouts.Update(ctx, p.ID, map[string]any{
		"external_tx_id": ack.ExternalTxID,
		"updated_at":     time.Now().UTC(),
	}); err != nil {
		return err
	}
	p.ExternalTxID = ack.ExternalTxID

	s.publish(ctx, "payout_dispatched", p)
	return nil
}

// TriggerDispatch is the operator entry point for Dispatch.
func (s *Service) TriggerDispatch(ctx context.Context, actor middleware.Actor, payoutID string) error {
	if !s.enforcer.Can(actor.Role, access.ObjectPayout, access.ActionBuildBatch) {
		return errutil.Forbidden("actor may not dispatch payouts", nil)
	}
	return s.Dispatch(ctx, payoutID)
}

// Reconcile applies the provider's final outcome. Keyed by (payout,
// external_tx_id): replays of a recorded outcome are no-ops, conflicting
// transaction ids are rejected.
func (s *Service) Reconcile(ctx context.Context, payoutID string, outcome ReconcileOutcome, now time.Time) (*ReconcileResult, error) {
	result := &ReconcileResult{}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		p, err := s.payouts.WithTrx(tx).FindOne(ctx, &Payout{ID: payoutID})
		if err != nil {
			return err
		}
		if p == nil {
			return errutil.NotFound("payout not found", nil)
		}
		result.Payout = p

		if p.Status == StatusPaid || p.Status == StatusFailed {
			if outcome.ExternalTxID != "" && p.ExternalTxID != "" && outcome.ExternalTxID != p.ExternalTxID {
				return errutil.Conflict("outcome references a different provider transaction", nil)
			}
			result.Replayed = true
			return nil
		}

		if outcome.ExternalTxID != "" && p.ExternalTxID != "" && outcome.ExternalTxID != p.ExternalTxID {
			return errutil.Conflict("outcome references a different provider transaction", nil)
		}

		if !outcome.Success {
			if err := s.ledger.ReleaseFromPayout(ctx, tx, p.ID, now); err != nil {
				return err
			}
			if err := s.payouts.WithTrx(tx).Update(ctx, p.ID, map[string]any{
				"status":         StatusFailed,
				"failure_reason": outcome.Reason,
				"updated_at":     now,
			}); err != nil {
				return err
			}
			p.Status = StatusFailed
			p.FailureReason = outcome.Reason
			return nil
		}

		if err := s.ledger.SettlePayout(ctx, tx, p.ID, p.InfluencerID, p.Currency, p.AmountMinor, now); err != nil {
			return err
		}

		updates := map[string]any{
			"status":     StatusPaid,
			"settled_at": now,
			"updated_at": now,
		}
		if outcome.ExternalTxID != "" {
			updates["external_tx_id"] = outcome.ExternalTxID
		}
		if err := s.payouts.WithTrx(tx).Update(ctx, p.ID, updates); err != nil {
			return err
		}
		p.Status = StatusPaid
		p.SettledAt = &now

		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Replayed {
		event := "payout_settled"
		if result.Payout.Status == StatusFailed {
			event = "payout_failed"
		}
		s.publish(ctx, event, result.Payout)
	}

	return result, nil
}

// SelectAllEligible runs the weekly sweep: one batch per (influencer,
// currency) pair with payable commissions. Pairs below the threshold or
// without a payment method are skipped, not errors.
func (s *Service) SelectAllEligible(ctx context.Context, now time.Time) ([]*Payout, error) {
	payable, err := s.ledger.PayableGroups(ctx)
	if err != nil {
		return nil, err
	}

	type pair struct{ influencerID, currency string }
	seen := make(map[pair]bool)
	var pairs []pair
	for _, c := range payable {
		k := pair{c.InfluencerID, c.Currency}
		if !seen[k] {
			seen[k] = true
			pairs = append(pairs, k)
		}
	}

	var (
		mu      sync.Mutex
		payouts []*Payout
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, k := range pairs {
		k := k
		g.Go(func() error {
			p, err := s.BuildBatch(gctx, k.influencerID, k.currency, now)
			if err != nil {
				if errutil.StatusOf(err) == errutil.StatusStateInvalid {
					return nil
				}
				zap.L().Error("payout batch failed",
					zap.String("influencer_id", k.influencerID),
					zap.String("currency", k.currency),
					zap.Error(err),
				)
				return nil
			}
			mu.Lock()
			payouts = append(payouts, p)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if s.flags.Enabled(ctx, featureflags.FlagAutoPayoutDispatch, true) {
		s.enqueueDispatches(payouts)
	}

	return payouts, nil
}

type dispatchPayload struct {
	PayoutID string `json:"payout_id"`
}

func (s *Service) enqueueDispatches(payouts []*Payout) {
	if s.enqueuer == nil {
		return
	}
	for _, p := range payouts {
		body, _ := json.Marshal(dispatchPayload{PayoutID: p.ID})
		_, err := s.enqueuer.Enqueue(
			asynq.NewTask(taskname.PayoutDispatch, body),
			asynq.Queue("critical"),
			asynq.MaxRetry(s.cfg.ACE.MaxDispatchAttempts),
		)
		if err != nil {
			zap.L().Error("failed to enqueue payout dispatch", zap.String("payout_id", p.ID), zap.Error(err))
		}
	}
}

// PollProcessing asks providers about every acknowledged in-flight payout and
// reconciles the ones that reached a final state.
func (s *Service) PollProcessing(ctx context.Context, now time.Time) error {
	inflight, err := s.payouts.Find(ctx, &Payout{Status: StatusProcessing})
	if err != nil {
		return err
	}

	for _, p := range inflight {
		if p.ExternalTxID == "" {
			continue
		}

		provider, err := s.registry.Get(p.Provider)
		if err != nil {
			zap.L().Error("in-flight payout has no provider", zap.String("payout_id", p.ID), zap.String("provider", p.Provider))
			continue
		}

		report, err := provider.CheckStatus(ctx, p.ExternalTxID)
		if err != nil {
			zap.L().Warn("payout status poll failed", zap.String("payout_id", p.ID), zap.Error(err))
			continue
		}

		switch {
		case report.Settled:
			_, err = s.Reconcile(ctx, p.ID, ReconcileOutcome{ExternalTxID: p.ExternalTxID, Success: true}, now)
		case report.Failed:
			_, err = s.Reconcile(ctx, p.ID, ReconcileOutcome{ExternalTxID: p.ExternalTxID, Success: false, Reason: report.Reason}, now)
		default:
			continue
		}
		if err != nil {
			zap.L().Error("payout reconcile failed", zap.String("payout_id", p.ID), zap.Error(err))
		}
	}

	return nil
}

// Get returns one payout; influencers only see their own.
func (s *Service) Get(ctx context.Context, actor middleware.Actor, payoutID string) (*Payout, error) {
	p, err := s.payouts.FindOne(ctx, &Payout{ID: payoutID})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errutil.NotFound("payout not found", nil)
	}
	if actor.Role != middleware.RoleAdmin && actor.Subject != p.InfluencerID {
		return nil, errutil.Forbidden("actor may not read this payout", nil)
	}
	return p, nil
}

// ListForInfluencer returns the influencer's payouts, newest first.
func (s *Service) ListForInfluencer(ctx context.Context, actor middleware.Actor, influencerID string) ([]*Payout, error) {
	if actor.Role != middleware.RoleAdmin && actor.Subject != influencerID {
		return nil, errutil.Forbidden("actor may not read these payouts", nil)
	}
	return s.payouts.Find(ctx, &Payout{InfluencerID: influencerID},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc", Allow: map[string]bool{"created_at": true}}),
	)
}

// fail marks the payout failed and releases its commissions for the next
// batch.
func (s *Service) fail(ctx context.Context, p *Payout, reason string, now time.Time) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.ledger.ReleaseFromPayout(ctx, tx, p.ID, now); err != nil {
			return err
		}
		if err := s.payouts.WithTrx(tx).Update(ctx, p.ID, map[string]any{
			"status":         StatusFailed,
			"failure_reason": reason,
			"updated_at":     now,
		}); err != nil {
			return err
		}
		p.Status = StatusFailed
		p.FailureReason = reason
		return nil
	})
	if err != nil {
		return err
	}

	s.publish(ctx, "payout_failed", p)
	return nil
}

func (s *Service) nextBatchCode(ctx context.Context) string {
	if s.sequences != nil {
		if code, err := s.sequences.NextPayoutCode(ctx); err == nil {
			return code
		}
	}
	return "PO-" + s.node.Generate().String()
}

func (s *Service) publish(ctx context.Context, event string, p *Payout) {
	if s.bus == nil || p == nil {
		return
	}
	s.bus.Publish(ctx, eventbus.TopicPayoutEvents, p.InfluencerID, map[string]any{
		"event":         event,
		"payout_id":     p.ID,
		"batch_code":    p.BatchCode,
		"influencer_id": p.InfluencerID,
		"currency":      p.Currency,
		"amount_minor":  p.AmountMinor,
		"status":        p.Status,
	})
}
