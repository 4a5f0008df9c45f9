package service

import (
	"context"
	"time"

	branchmodels "github.com/lyzr/branchsync/cmd/branch/models"
)

// Recover finishes or undoes every line item left short of DONE by a crash
// or a failed release. It returns how many items reached DONE. Items that
// still cannot finish are left for the next sweep, and items of requests
// being placed right now are skipped.
func (s *OrderService) Recover(ctx context.Context) (int, error) {
	items, err := s.store.ListUnfinished(ctx)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	s.logger.Info("recovering unfinished order items", "count", len(items))

	done := 0
	for i := range items {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}

		item := &items[i]
		if s.inFlight(item.RequestID) {
			continue
		}
		s.recoverItem(ctx, item)
		if item.Step == branchmodels.StepDone {
			done++
		}
	}

	s.logger.Info("order recovery complete", "unfinished", len(items), "done", done)
	return done, nil
}

// RunRecovery runs Recover every interval until ctx is cancelled, so a lock
// whose release failed is not held until the next restart
func (s *OrderService) RunRecovery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("order recovery started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("order recovery stopping")
			return
		case <-ticker.C:
			if _, err := s.Recover(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("order recovery sweep failed", "error", err)
			}
		}
	}
}

func (s *OrderService) recoverItem(ctx context.Context, item *branchmodels.LineItem) {
	s.logger.Debug("recovering item",
		"item_id", item.ID,
		"product_id", item.ProductID,
		"status", item.Status,
		"step", item.Step)

	switch item.Step {
	case branchmodels.StepCreated:
		// a lock may have been granted without being recorded
		if !s.releaseOrphan(ctx, item) {
			return
		}
		if item.Status == branchmodels.StatusNew || item.Status == branchmodels.StatusInProgress {
			markInterrupted(item)
		}
		item.Step = branchmodels.StepDone
		if err := s.store.SaveProgress(ctx, item); err != nil {
			s.logger.Error("failed to mark item done", "item_id", item.ID, "error", err)
		}

	case branchmodels.StepLockAcquired:
		if item.Status != branchmodels.StatusFailed {
			markInterrupted(item)
		}
		s.release(ctx, item)

	case branchmodels.StepBalanceApplied:
		balance, err := s.store.Balance(ctx, item.ProductID)
		if err != nil {
			s.logger.Warn("cannot resume debited item", "item_id", item.ID, "error", err)
			return
		}
		s.publishDebit(ctx, item, balance)

	case branchmodels.StepSettled, branchmodels.StepPublished, branchmodels.StepCompensated:
		s.release(ctx, item)

	default:
		s.logger.Warn("unknown item step", "item_id", item.ID, "step", item.Step)
	}
}

func markInterrupted(item *branchmodels.LineItem) {
	reason := "interrupted before completion"
	item.Status = branchmodels.StatusFailed
	item.LastError = &reason
}
