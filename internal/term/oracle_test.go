package term

import (
	"testing"
	"time"

	"github.com/hpcflow/ensemble/internal/history"
	"github.com/stretchr/testify/require"
)

func specs() history.Specs {
	return history.Specs{
		GenOut: []history.FieldSpec{{Name: "x", Kind: history.KindFloat64Vector, Shape: []int{2}}},
		SimOut: []history.FieldSpec{{Name: "f", Kind: history.KindFloat64}},
	}
}

func intPtr(n int) *int { return &n }

func TestSimBudgetExhausted(t *testing.T) {
	h, err := history.Initialize(specs(), nil, 4)
	require.NoError(t, err)
	rows, err := h.UpdateGenOutputs(1, history.Batch{N: 2, Fields: map[string][]any{"x": {[]float64{1, 1}, []float64{2, 2}}}})
	require.NoError(t, err)
	require.NoError(t, h.UpdateSimHandout(rows, 1, time.Now()))

	o := New(ExitCriteria{SimMax: intPtr(2)}, 0, time.Now(), nil)
	require.Equal(t, BudgetReached, o.Check(h))
}

// TestGenMaxZeroTerminatesBeforeAnyDispatch exercises spec.md §8's
// "gen_max = 0 with non-empty H0: manager should terminate before any
// dispatch" property: H0 seeds h0Count rows as already given/returned,
// so HInd() already equals h0Count with zero additional gen calls made.
func TestGenMaxZeroTerminatesBeforeAnyDispatch(t *testing.T) {
	h, err := history.Initialize(specs(), []history.Row{{"x": []float64{0, 0}, "f": 0.0}}, 4)
	require.NoError(t, err)

	o := New(ExitCriteria{GenMax: intPtr(0)}, 1, time.Now(), nil)
	require.Equal(t, BudgetReached, o.Check(h))
}

// TestSimMaxZeroTerminatesBeforeAnyDispatch exercises spec.md §8's
// "sim_max = 0 with non-empty H0" property the same way, via SimMax.
func TestSimMaxZeroTerminatesBeforeAnyDispatch(t *testing.T) {
	h, err := history.Initialize(specs(), []history.Row{{"x": []float64{0, 0}, "f": 0.0}}, 4)
	require.NoError(t, err)

	o := New(ExitCriteria{SimMax: intPtr(0)}, 1, time.Now(), nil)
	require.Equal(t, BudgetReached, o.Check(h))
}

func TestSimMaxZeroWithEmptyH0TerminatesImmediately(t *testing.T) {
	h, err := history.Initialize(specs(), nil, 4)
	require.NoError(t, err)

	o := New(ExitCriteria{SimMax: intPtr(0)}, 0, time.Now(), nil)
	require.Equal(t, BudgetReached, o.Check(h))
}

func TestStopValTriggersOnNonPositiveField(t *testing.T) {
	h, err := history.Initialize(specs(), nil, 4)
	require.NoError(t, err)
	rows, err := h.UpdateGenOutputs(1, history.Batch{N: 1, Fields: map[string][]any{"x": {[]float64{1, 1}}}})
	require.NoError(t, err)
	require.NoError(t, h.UpdateSimHandout(rows, 1, time.Now()))
	require.NoError(t, h.UpdateSimResult(rows, history.Batch{N: 1, Fields: map[string][]any{"f": {-0.5}}}))

	o := New(ExitCriteria{StopVal: &StopVal{Field: "f", Val: 0.0}}, 0, time.Now(), nil)
	require.Equal(t, BudgetReached, o.Check(h))
}

func TestWallclockExceeded(t *testing.T) {
	h, err := history.Initialize(specs(), nil, 4)
	require.NoError(t, err)

	start := time.Now().Add(-time.Hour)
	o := New(ExitCriteria{ElapsedWallclockTime: time.Millisecond}, 0, start, nil)
	require.Equal(t, WallclockExceeded, o.Check(h))
}

func TestOrderingBudgetBeforeWallclock(t *testing.T) {
	h, err := history.Initialize(specs(), nil, 4)
	require.NoError(t, err)
	rows, err := h.UpdateGenOutputs(1, history.Batch{N: 1, Fields: map[string][]any{"x": {[]float64{1, 1}}}})
	require.NoError(t, err)
	require.NoError(t, h.UpdateSimHandout(rows, 1, time.Now()))

	start := time.Now().Add(-time.Hour)
	o := New(ExitCriteria{SimMax: intPtr(1), ElapsedWallclockTime: time.Millisecond}, 0, start, nil)
	require.Equal(t, BudgetReached, o.Check(h))
}
