// Package allocation implements First-Expired-First-Out batch
// allocation. Allocate is a pure function over a snapshot of batch
// stock; it never mutates the ledger. Callers apply the resulting plan
// through ledger operations inside a transaction that re-validates it,
// so a race between proposal and application fails cleanly there.
package allocation

import (
	"errors"
	"sort"
	"time"
)

// BatchStock is one allocatable batch at the source location.
type BatchStock struct {
	BatchID    int64
	BatchNo    string
	ExpiryDate *time.Time
	OnHand     float64
}

// Line is one allocated (batch, quantity) pair.
type Line struct {
	BatchID int64   `json:"batch_id"`
	BatchNo string  `json:"batch_no"`
	Qty     float64 `json:"qty"`
}

// Plan is the ordered pick proposal for a single good. Shortfall is
// reported explicitly rather than silently returning a partial list;
// callers decide whether partial fulfillment is acceptable.
type Plan struct {
	Lines     []Line  `json:"lines"`
	Allocated float64 `json:"allocated"`
	Shortfall float64 `json:"shortfall"`
}

// Satisfied reports whether the full requested quantity was covered.
func (p Plan) Satisfied() bool {
	return p.Shortfall == 0
}

// ErrInvalidRequest indicates a non-positive requested quantity.
var ErrInvalidRequest = errors.New("allocation: requested quantity must be positive")

// Allocate proposes batches for the requested quantity, earliest
// expiry first. Batches without expiry sort last; ties break on batch
// id ascending so repeated calls over the same snapshot are
// deterministic.
func Allocate(batches []BatchStock, requested float64) (Plan, error) {
	if requested <= 0 {
		return Plan{}, ErrInvalidRequest
	}

	ordered := make([]BatchStock, len(batches))
	copy(ordered, batches)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		switch {
		case a.ExpiryDate == nil && b.ExpiryDate == nil:
			return a.BatchID < b.BatchID
		case a.ExpiryDate == nil:
			return false
		case b.ExpiryDate == nil:
			return true
		case a.ExpiryDate.Equal(*b.ExpiryDate):
			return a.BatchID < b.BatchID
		default:
			return a.ExpiryDate.Before(*b.ExpiryDate)
		}
	})

	plan := Plan{Lines: []Line{}}
	remaining := requested
	for _, batch := range ordered {
		if remaining <= 0 {
			break
		}
		if batch.OnHand <= 0 {
			continue
		}
		take := batch.OnHand
		if take > remaining {
			take = remaining
		}
		plan.Lines = append(plan.Lines, Line{BatchID: batch.BatchID, BatchNo: batch.BatchNo, Qty: take})
		plan.Allocated += take
		remaining -= take
	}
	if remaining > 0 {
		plan.Shortfall = remaining
	}
	return plan, nil
}
