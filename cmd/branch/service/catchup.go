package service

import (
	"context"

	branchmodels "github.com/lyzr/branchsync/cmd/branch/models"
)

// CatchUpResult summarizes one catch-up pass
type CatchUpResult struct {
	Total     int `json:"total"`
	Applied   int `json:"applied"`
	Duplicate int `json:"duplicate"`
	Buffered  int `json:"buffered"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// CatchUp pulls every unacknowledged delivery for this branch and applies
// them in ascending delivery order. A delivery that fails is counted and
// left for the next pass; it never stops the rest.
func (s *ConsumerService) CatchUp(ctx context.Context) (*CatchUpResult, error) {
	pending, err := s.inbox.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	result := &CatchUpResult{Total: len(pending)}
	for _, n := range pending {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		outcome, err := s.Handle(ctx, n)
		if err != nil {
			result.Failed++
			continue
		}

		switch outcome {
		case branchmodels.OutcomeApplied:
			result.Applied++
		case branchmodels.OutcomeDuplicate:
			result.Duplicate++
		case branchmodels.OutcomeBuffered:
			result.Buffered++
		case branchmodels.OutcomeSkipped:
			result.Skipped++
		}
	}

	if result.Total > 0 {
		s.logger.Info("catch-up complete",
			"total", result.Total,
			"applied", result.Applied,
			"duplicate", result.Duplicate,
			"buffered", result.Buffered,
			"skipped", result.Skipped,
			"failed", result.Failed)
	}
	return result, nil
}
