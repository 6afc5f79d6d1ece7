package stock

import (
	"sort"
	"time"
)

// SelectForAllocation picks batches to cover quantityNeeded using
// First-Expired-First-Out order: expiry date ascending, creation time
// ascending on ties, batch id as the final tie-break so the plan is
// deterministic and replayable. Expired, deleted and empty batches are
// skipped. Returns ErrInsufficientStock when the candidates cannot cover
// the full quantity; callers never receive a partial plan.
func SelectForAllocation(batches []Batch, quantityNeeded int64, at time.Time) ([]Allocation, error) {
	if quantityNeeded <= 0 {
		return nil, ErrInvalidQuantity
	}

	candidates := make([]Batch, 0, len(batches))
	for _, b := range batches {
		if b.IsDeleted() || b.IsExpired(at) || b.QuantityAvailable <= 0 {
			continue
		}
		candidates = append(candidates, b)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].ExpiryDate.Equal(candidates[j].ExpiryDate) {
			return candidates[i].ExpiryDate.Before(candidates[j].ExpiryDate)
		}
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})

	var total int64
	for _, b := range candidates {
		total += b.QuantityAvailable
	}
	if total < quantityNeeded {
		return nil, ErrInsufficientStock
	}

	remaining := quantityNeeded
	plan := make([]Allocation, 0, len(candidates))
	for _, b := range candidates {
		if remaining == 0 {
			break
		}
		take := b.QuantityAvailable
		if take > remaining {
			take = remaining
		}
		plan = append(plan, Allocation{Batch: b, Quantity: take})
		remaining -= take
	}
	return plan, nil
}
