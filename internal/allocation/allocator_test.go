package allocation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func date(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestAllocateEarliestExpiryFirst(t *testing.T) {
	batches := []BatchStock{
		{BatchID: 3, BatchNo: "C", OnHand: 100},
		{BatchID: 1, BatchNo: "A", ExpiryDate: date("2025-01-01"), OnHand: 5},
		{BatchID: 2, BatchNo: "B", ExpiryDate: date("2025-03-01"), OnHand: 10},
	}
	plan, err := Allocate(batches, 12)
	require.NoError(t, err)
	require.True(t, plan.Satisfied())
	require.InDelta(t, 12, plan.Allocated, 0.0001)
	require.Len(t, plan.Lines, 2)
	require.Equal(t, int64(1), plan.Lines[0].BatchID)
	require.InDelta(t, 5, plan.Lines[0].Qty, 0.0001)
	require.Equal(t, int64(2), plan.Lines[1].BatchID)
	require.InDelta(t, 7, plan.Lines[1].Qty, 0.0001)
}

func TestAllocateNoExpirySortsLast(t *testing.T) {
	batches := []BatchStock{
		{BatchID: 1, OnHand: 50},
		{BatchID: 2, ExpiryDate: date("2027-06-01"), OnHand: 3},
	}
	plan, err := Allocate(batches, 5)
	require.NoError(t, err)
	require.Equal(t, int64(2), plan.Lines[0].BatchID)
	require.InDelta(t, 3, plan.Lines[0].Qty, 0.0001)
	require.Equal(t, int64(1), plan.Lines[1].BatchID)
	require.InDelta(t, 2, plan.Lines[1].Qty, 0.0001)
}

func TestAllocateTieBreaksOnBatchID(t *testing.T) {
	expiry := date("2025-05-01")
	batches := []BatchStock{
		{BatchID: 9, ExpiryDate: expiry, OnHand: 10},
		{BatchID: 4, ExpiryDate: expiry, OnHand: 10},
	}
	plan, err := Allocate(batches, 15)
	require.NoError(t, err)
	require.Equal(t, int64(4), plan.Lines[0].BatchID)
	require.Equal(t, int64(9), plan.Lines[1].BatchID)
}

func TestAllocateShortfall(t *testing.T) {
	batches := []BatchStock{
		{BatchID: 1, ExpiryDate: date("2025-01-01"), OnHand: 7},
		{BatchID: 2, ExpiryDate: date("2025-02-01"), OnHand: 5},
	}
	plan, err := Allocate(batches, 20)
	require.NoError(t, err)
	require.False(t, plan.Satisfied())
	require.InDelta(t, 12, plan.Allocated, 0.0001)
	require.InDelta(t, 8, plan.Shortfall, 0.0001)
}

func TestAllocateSkipsEmptyBatches(t *testing.T) {
	batches := []BatchStock{
		{BatchID: 1, ExpiryDate: date("2025-01-01"), OnHand: 0},
		{BatchID: 2, ExpiryDate: date("2025-02-01"), OnHand: 4},
	}
	plan, err := Allocate(batches, 4)
	require.NoError(t, err)
	require.Len(t, plan.Lines, 1)
	require.Equal(t, int64(2), plan.Lines[0].BatchID)
}

func TestAllocateDeterministic(t *testing.T) {
	batches := []BatchStock{
		{BatchID: 2, ExpiryDate: date("2025-02-01"), OnHand: 5},
		{BatchID: 1, ExpiryDate: date("2025-01-01"), OnHand: 5},
		{BatchID: 3, OnHand: 5},
	}
	first, err := Allocate(batches, 12)
	require.NoError(t, err)
	for range 10 {
		again, err := Allocate(batches, 12)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestAllocateDoesNotMutateInput(t *testing.T) {
	batches := []BatchStock{
		{BatchID: 2, ExpiryDate: date("2025-02-01"), OnHand: 5},
		{BatchID: 1, ExpiryDate: date("2025-01-01"), OnHand: 5},
	}
	_, err := Allocate(batches, 8)
	require.NoError(t, err)
	require.Equal(t, int64(2), batches[0].BatchID)
	require.Equal(t, int64(1), batches[1].BatchID)
}

func TestAllocateInvalidRequest(t *testing.T) {
	_, err := Allocate(nil, 0)
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = Allocate(nil, -3)
	require.ErrorIs(t, err, ErrInvalidRequest)
}
