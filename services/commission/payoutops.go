package commission

import (
	"context"
	"time"

	"gorm.io/gorm"

	"shareyoursales-ace/pkg/db/option"
	"shareyoursales-ace/pkg/errutil"
)

// The payout engine reads and settles commissions but never writes balances
// or commission rows directly; these are the operations it is given instead.

// LockedBalance exposes the balance row lock to the payout transaction. The
// lock ordering rule applies there too: balance first, commissions after.
func (s *Service) LockedBalance(ctx context.Context, tx *gorm.DB, influencerID, currency string) (*InfluencerBalance, error) {
	return s.lockedBalance(ctx, tx, influencerID, currency)
}

// SelectPayable returns the approved, unassigned commissions for one
// influencer and currency, locked for the calling transaction.
func (s *Service) SelectPayable(ctx context.Context, tx *gorm.DB, influencerID, currency string) ([]*Commission, error) {
	return s.commissions.WithTrx(tx).Find(ctx,
		&Commission{InfluencerID: influencerID, Currency: currency, Status: StatusApproved},
		option.ApplyOperator(option.Condition{Field: "payout_id", Operator: option.EQ, Value: ""}),
		option.WithLockingUpdate(),
	)
}

// PayableGroups lists the (influencer, currency) pairs that currently have
// payable commissions.
func (s *Service) PayableGroups(ctx context.Context) ([]*Commission, error) {
	return s.commissions.Find(ctx,
		&Commission{Status: StatusApproved},
		option.ApplyOperator(option.Condition{Field: "payout_id", Operator: option.EQ, Value: ""}),
	)
}

// AssignToPayout stamps the payout id on each commission. The rows stay
// approved; only settlement moves them to paid.
func (s *Service) AssignToPayout(ctx context.Context, tx *gorm.DB, commissions []*Commission, payoutID string, now time.Time) error {
	for _, c := range commissions {
		if c.Status != StatusApproved || c.PayoutID != "" {
			return errutil.StateInvalid("commission is not payable", nil)
		}
		if err := s.commissions.WithTrx(tx).Update(ctx, c.ID, map[string]any{
			"payout_id":  payoutID,
			"updated_at": now,
		}); err != nil {
			return err
		}
		c.PayoutID = payoutID
	}
	return nil
}

// ReleaseFromPayout detaches a failed payout's commissions so the next batch
// can pick them up again.
func (s *Service) ReleaseFromPayout(ctx context.Context, tx *gorm.DB, payoutID string, now time.Time) error {
	assigned, err := s.commissions.WithTrx(tx).Find(ctx, &Commission{PayoutID: payoutID, Status: StatusApproved})
	if err != nil {
		return err
	}
	for _, c := range assigned {
		if err := s.commissions.WithTrx(tx).Update(ctx, c.ID, map[string]any{
			"payout_id":  "",
			"updated_at": now,
		}); err != nil {
			return err
		}
	}
	return nil
}

// SettlePayout marks a payout's commissions paid and debits the influencer's
// available balance by the payout amount. Lifetime earnings are untouched;
// they accrued at approval.
func (s *Service) SettlePayout(ctx context.Context, tx *gorm.DB, payoutID, influencerID, currency string, amountMinor int64, now time.Time) error {
	balance, err := s.lockedBalance(ctx, tx, influencerID, currency)
	if err != nil {
		return err
	}
	if err := s.adjustBalance(ctx, tx, balance, -amountMinor, 0, 0); err != nil {
		return err
	}

	assigned, err := s.commissions.WithTrx(tx).Find(ctx, &Commission{PayoutID: payoutID, Status: StatusApproved})
	if err != nil {
		return err
	}
	for _, c := range assigned {
		if err := s.transition(ctx, tx, c, StatusPaid, now); err != nil {
			return err
		}
		s.publish(ctx, "commission_paid", c)
	}
	return nil
}
