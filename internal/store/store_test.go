package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orb-go/internal/ranker"
	"orb-go/internal/signal"
)

var day = time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC)

func sig(symbol string, side signal.Side, rank int) signal.Signal {
	return signal.Signal{
		ID:          signal.NewID(day, symbol, side),
		TradeDate:   day,
		Symbol:      symbol,
		Side:        side,
		Rank:        rank,
		EntryPrice:  10,
		StopPrice:   9.95,
		TargetPrice: 10.10,
		Shares:      100,
		RiskAmount:  5,
	}
}

func exercise(t *testing.T, st Store) {
	ctx := context.Background()
	require.NoError(t, st.InsertSignal(ctx, sig("BBB", signal.Long, 2)))
	require.NoError(t, st.InsertSignal(ctx, sig("AAA", signal.Long, 1)))
	require.NoError(t, st.InsertSignal(ctx, sig("AAA", signal.Short, 1)))

	err := st.InsertSignal(ctx, sig("AAA", signal.Long, 1))
	assert.True(t, errors.Is(err, ErrDuplicate), "got %v", err)

	list, err := st.Signals(ctx, day)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "AAA", list[0].Symbol)
	assert.Equal(t, signal.Long, list[0].Side)
	assert.Equal(t, "BBB", list[2].Symbol)

	id := sig("AAA", signal.Long, 1).ID
	updated, err := st.UpdateSignal(ctx, id, func(s *signal.Signal) error {
		s.Status = signal.Submitted
		s.OrderID = "o-1"
		s.EntryPrice = 99
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, signal.Submitted, updated.Status)
	assert.Equal(t, 10.0, updated.EntryPrice, "levels are immutable")

	_, err = st.UpdateSignal(ctx, id, func(s *signal.Signal) error {
		s.Status = signal.Closed
		return errors.New("boom")
	})
	require.Error(t, err)
	got, err := st.Signal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, signal.Submitted, got.Status, "failed update must not stick")

	_, err = st.Signal(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, st.AppendEvent(ctx, signal.Event{SignalID: id, From: signal.Pending, To: signal.Submitted, Reason: "order placed", At: day}))
	events, err := st.Events(ctx, id)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "order placed", events[0].Reason)

	cands := []ranker.Candidate{{Symbol: "AAA", Rank: 1, TradeDate: day}, {Symbol: "BBB", Rank: 2, TradeDate: day}}
	require.NoError(t, st.SaveCandidates(ctx, day, cands))
	require.NoError(t, st.SaveCandidates(ctx, day, cands), "re-saving a day replaces it")
	stored, err := st.Candidates(ctx, day)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	err = st.SaveCandidates(ctx, day, append(cands, ranker.Candidate{Symbol: "aaa"}))
	assert.True(t, errors.Is(err, ErrDuplicate))
}

func TestMemoryStore(t *testing.T) {
	exercise(t, NewMemory())
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "orb.json")
	st, err := OpenFile(path)
	require.NoError(t, err)
	exercise(t, st)

	again, err := OpenFile(path)
	require.NoError(t, err)
	ctx := context.Background()
	list, err := again.Signals(ctx, day)
	require.NoError(t, err)
	require.Len(t, list, 3)

	got, err := again.Signal(ctx, sig("AAA", signal.Long, 1).ID)
	require.NoError(t, err)
	assert.Equal(t, signal.Submitted, got.Status)
	assert.Equal(t, "o-1", got.OrderID)

	err = again.InsertSignal(ctx, sig("BBB", signal.Long, 2))
	assert.True(t, errors.Is(err, ErrDuplicate), "uniqueness survives reopen")

	cands, err := again.Candidates(ctx, day)
	require.NoError(t, err)
	assert.Len(t, cands, 2)
	events, err := again.Events(ctx, "")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
