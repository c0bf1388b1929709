package checkpoint

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	flushmanager "github.com/sushant-115/gojodoc/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
	"github.com/sushant-115/gojodoc/core/write_engine/wal"
)

func confirmed(ids ...uint32) map[uint32]struct{} {
	m := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func TestPlan_PageMovesPastTheLog(t *testing.T) {
	in := Input{
		LogRecords:            []wal.LogRecord{{PositionID: 17, PageID: 24, TransactionID: 1, IsConfirmed: true}},
		ConfirmedTransactions: confirmed(1),
		LastPageID:            10,
		StartTempPositionID:   18,
	}
	plan, err := in.Plan()
	require.NoError(t, err)

	require.Equal(t, pagemanager.PageID(24), plan.NewLastPageID)
	require.Equal(t, uint32(18), plan.MarkerPositionID)
	require.Equal(t, []Action{
		{Action: CopyToTempFile, PositionID: 19, TargetPositionID: 24, SourcePositionID: 17},
		{Action: ClearPage, PositionID: 17, MustClear: true},
		{Action: CopyToDataFile, PositionID: 19, TargetPositionID: 24},
		{Action: ClearPage, PositionID: 18, MustClear: true},
		{Action: ClearPage, PositionID: 19, MustClear: true},
	}, plan.Actions)
	require.Equal(t, 1, plan.StagedPages)
}

func TestPlan_DirectCopies(t *testing.T) {
	in := Input{
		LogRecords: []wal.LogRecord{
			{PositionID: 11, PageID: 3, TransactionID: 1},
			{PositionID: 12, PageID: 5, TransactionID: 1, IsConfirmed: true},
			{PositionID: 13, PageID: 3, TransactionID: 2, IsConfirmed: true},
			{PositionID: 14, PageID: 7, TransactionID: 3},
		},
		ConfirmedTransactions: confirmed(1, 2),
		LastPageID:            10,
		StartTempPositionID:   15,
	}
	plan, err := in.Plan()
	require.NoError(t, err)

	require.Equal(t, pagemanager.PageID(10), plan.NewLastPageID)
	require.Equal(t, pagemanager.UndefinedPosition, plan.MarkerPositionID)
	require.Equal(t, []Action{
		{Action: CopyToDataFile, PositionID: 12, TargetPositionID: 5},
		{Action: CopyToDataFile, PositionID: 13, TargetPositionID: 3},
		{Action: ClearPage, PositionID: 11, MustClear: true},
		{Action: ClearPage, PositionID: 14, MustClear: true},
	}, plan.Actions)
	require.Equal(t, 2, plan.LivePages)
	require.Equal(t, 2, plan.DiscardedPages)
}

func TestPlan_PageAlreadyAtHome(t *testing.T) {
	in := Input{
		LogRecords: []wal.LogRecord{
			{PositionID: 11, PageID: 11, TransactionID: 1},
			{PositionID: 12, PageID: 13, TransactionID: 1, IsConfirmed: true},
		},
		ConfirmedTransactions: confirmed(1),
		LastPageID:            10,
		StartTempPositionID:   13,
	}
	plan, err := in.Plan()
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(13), plan.NewLastPageID)
	require.Equal(t, pagemanager.UndefinedPosition, plan.MarkerPositionID)
	require.Equal(t, []Action{
		{Action: CopyToDataFile, PositionID: 11, TargetPositionID: 11},
		{Action: CopyToDataFile, PositionID: 12, TargetPositionID: 13, MustClear: true},
	}, plan.Actions)
	require.True(t, simulate(t, in, plan))
}

func TestPlan_Corruption(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want error
	}{
		{
			name: "header page in the log",
			in: Input{
				LogRecords:          []wal.LogRecord{{PositionID: 11, PageID: 0, TransactionID: 1, IsConfirmed: true}},
				LastPageID:          10,
				StartTempPositionID: 12,
			},
			want: flushmanager.ErrCorruption,
		},
		{
			name: "log slot inside the data area",
			in: Input{
				LogRecords:          []wal.LogRecord{{PositionID: 9, PageID: 4, TransactionID: 1, IsConfirmed: true}},
				LastPageID:          10,
				StartTempPositionID: 12,
			},
			want: flushmanager.ErrCorruption,
		},
		{
			name: "temp page on a log slot",
			in: Input{
				LogRecords:          []wal.LogRecord{{PositionID: 11, PageID: 4, TransactionID: 1, IsConfirmed: true}},
				TempPages:           []TempPage{{PositionID: 11, PageID: 5}},
				LastPageID:          10,
				StartTempPositionID: 12,
			},
			want: flushmanager.ErrCorruption,
		},
		{
			name: "records out of order",
			in: Input{
				LogRecords: []wal.LogRecord{
					{PositionID: 12, PageID: 4, TransactionID: 1},
					{PositionID: 11, PageID: 5, TransactionID: 1, IsConfirmed: true},
				},
				LastPageID:          10,
				StartTempPositionID: 13,
			},
			want: flushmanager.ErrInvariantViolation,
		},
		{
			name: "temp area overlaps the log",
			in: Input{
				LogRecords:          []wal.LogRecord{{PositionID: 11, PageID: 4, TransactionID: 1, IsConfirmed: true}},
				LastPageID:          10,
				StartTempPositionID: 11,
			},
			want: flushmanager.ErrInvariantViolation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.ConfirmedTransactions = confirmed(1)
			_, err := tt.in.Plan()
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPlan_EmptyLog(t *testing.T) {
	plan, err := Input{LastPageID: 10, StartTempPositionID: 11}.Plan()
	require.NoError(t, err)
	require.Empty(t, plan.Actions)
	require.Equal(t, pagemanager.PageID(10), plan.NewLastPageID)
}

func TestPlan_TempPagesWinOverTheLog(t *testing.T) {
	in := Input{
		LogRecords: []wal.LogRecord{
			{PositionID: 6, PageID: 2, TransactionID: 1, IsConfirmed: true},
		},
		ConfirmedTransactions: confirmed(1),
		TempPages:             []TempPage{{PositionID: 8, PageID: 2}},
		LastPageID:            5,
		StartTempPositionID:   9,
	}
	plan, err := in.Plan()
	require.NoError(t, err)
	require.Equal(t, 1, plan.LivePages)
	require.Equal(t, 1, plan.DiscardedPages)
	require.Contains(t, plan.Actions, Action{Action: CopyToDataFile, PositionID: 8, TargetPositionID: 2})
	require.True(t, simulate(t, in, plan))
}

func TestPlan_RandomLogs(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 42))
	for i := 0; i < 2000; i++ {
		in := randomInput(rng)
		plan, err := in.Plan()
		require.NoError(t, err, "input %d: %+v", i, in)
		if !simulate(t, in, plan) {
			t.Fatalf("input %d: %+v\nactions: %v", i, in, plan.Actions)
		}
	}
}

func randomInput(rng *rand.Rand) Input {
	in := Input{
		LastPageID:            pagemanager.PageID(1 + rng.IntN(20)),
		ConfirmedTransactions: map[uint32]struct{}{},
	}
	position := uint32(in.LastPageID) + 1
	maxPage := int(in.LastPageID) + 30
	for n := rng.IntN(25); n > 0; n-- {
		txnID := uint32(1 + rng.IntN(6))
		in.LogRecords = append(in.LogRecords, wal.LogRecord{
			PositionID:    position,
			PageID:        pagemanager.PageID(1 + rng.IntN(maxPage)),
			TransactionID: txnID,
		})
		position++
	}
	for txnID := uint32(1); txnID <= 6; txnID++ {
		if rng.IntN(3) > 0 {
			in.ConfirmedTransactions[txnID] = struct{}{}
		}
	}
	for n := rng.IntN(3); n > 0; n-- {
		in.TempPages = append(in.TempPages, TempPage{PositionID: position, PageID: pagemanager.PageID(1 + rng.IntN(maxPage))})
		position++
	}
	in.StartTempPositionID = position + uint32(rng.IntN(3))
	return in
}

// simulate runs plan against a slot map and checks that every copy reads the
// page it expects and that the data area ends up holding exactly the live
// pages.
func simulate(t *testing.T, in Input, plan *Plan) bool {
	t.Helper()
	slots := map[uint32]string{}
	for pos := uint32(1); pos <= uint32(in.LastPageID); pos++ {
		slots[pos] = fmt.Sprintf("data-%d", pos)
	}
	live := map[uint32]string{}
	for _, rec := range in.LogRecords {
		label := fmt.Sprintf("page-%d@%d", rec.PageID, rec.PositionID)
		slots[rec.PositionID] = label
		if _, ok := in.ConfirmedTransactions[rec.TransactionID]; ok {
			live[uint32(rec.PageID)] = label
		}
	}
	for _, tp := range in.TempPages {
		label := fmt.Sprintf("page-%d@%d", tp.PageID, tp.PositionID)
		slots[tp.PositionID] = label
		live[uint32(tp.PageID)] = label
	}

	if plan.MarkerPositionID != pagemanager.UndefinedPosition {
		slots[plan.MarkerPositionID] = "marker"
	}
	for _, a := range plan.Actions {
		switch a.Action {
		case CopyToTempFile:
			if !assertLabel(t, slots[a.SourcePositionID], live[a.TargetPositionID], a) {
				return false
			}
			slots[a.PositionID] = slots[a.SourcePositionID]
		case CopyToDataFile:
			if !assertLabel(t, slots[a.PositionID], live[a.TargetPositionID], a) {
				return false
			}
			slots[a.TargetPositionID] = slots[a.PositionID]
			if a.MustClear {
				delete(slots, a.PositionID)
			}
		case ClearPage:
			delete(slots, a.PositionID)
		}
	}
	for pos := range slots {
		if pos > uint32(plan.NewLastPageID) {
			delete(slots, pos)
		}
	}

	ok := true
	for pos := uint32(1); pos <= uint32(plan.NewLastPageID); pos++ {
		want, isLive := live[pos]
		switch {
		case isLive:
		case pos <= uint32(in.LastPageID):
			want = fmt.Sprintf("data-%d", pos)
		default:
			want = ""
		}
		ok = ok && assertLabel(t, slots[pos], want, Action{Action: ClearPage, PositionID: pos})
	}
	return ok
}

func assertLabel(t *testing.T, got, want string, a Action) bool {
	t.Helper()
	if got != want {
		t.Errorf("%v: slot holds %q, want %q", a, got, want)
		return false
	}
	return true
}
