package examplefuncs

import (
	"math/rand"
	"testing"

	"github.com/hpcflow/ensemble/internal/alloc"
	"github.com/hpcflow/ensemble/internal/history"
	"github.com/hpcflow/ensemble/internal/registry"
	"github.com/hpcflow/ensemble/internal/workerloop"
	"github.com/stretchr/testify/require"
)

func TestSixHumpCamelSumsComponents(t *testing.T) {
	in := workerloop.CalcIn{Data: history.Batch{N: 2, Fields: map[string][]any{
		"x": {[]float64{1, 2}, []float64{3, 4}},
	}}}
	out, err := SixHumpCamel(in)
	require.NoError(t, err)
	require.Equal(t, []any{3.0, 7.0}, out.Data["f"])
}

func TestSixHumpCamelRejectsMissingInput(t *testing.T) {
	_, err := SixHumpCamel(workerloop.CalcIn{Data: history.Batch{Fields: map[string][]any{}}})
	require.Error(t, err)
}

func TestUniformRandomSample2DProducesRequestedCount(t *testing.T) {
	gen := UniformRandomSample2D(6, 0, 1, rand.New(rand.NewSource(1)))
	out, err := gen(workerloop.CalcIn{})
	require.NoError(t, err)
	require.Len(t, out.Data["x"], 6)
	for _, v := range out.Data["x"] {
		pt := v.([]float64)
		require.Len(t, pt, 2)
		require.GreaterOrEqual(t, pt[0], 0.0)
		require.Less(t, pt[0], 1.0)
	}
}

func TestPersistentUniformGeneratorFinishesAfterMaxRounds(t *testing.T) {
	gen := PersistentUniformGenerator(2, 3, 0, 1, rand.New(rand.NewSource(1)))

	in := workerloop.CalcIn{}
	var out workerloop.CalcOut
	var err error
	for i := 0; i < 3; i++ {
		out, err = gen(in)
		require.NoError(t, err)
		in.PersisInfo = out.PersisInfo
	}
	require.Equal(t, workerloop.StatusManSignalFinish, out.Status)
	require.Equal(t, 3, out.PersisInfo["round"])
}

func TestPersistentUniformGeneratorStaysUnsetBeforeMaxRounds(t *testing.T) {
	gen := PersistentUniformGenerator(2, 3, 0, 1, rand.New(rand.NewSource(1)))
	out, err := gen(workerloop.CalcIn{})
	require.NoError(t, err)
	require.Equal(t, workerloop.StatusUnset, out.Status)
}

func TestRoundRobinAllocAssignsOneRowPerCall(t *testing.T) {
	specs := history.Specs{SimOut: []history.FieldSpec{{Name: "f", Kind: history.KindFloat64}}}
	h, err := history.Initialize(specs, nil, 4)
	require.NoError(t, err)
	_, err = h.UpdateGenOutputs(0, history.Batch{N: 3, Fields: map[string][]any{}})
	require.NoError(t, err)

	reg := registry.New([]registry.WorkerID{1, 2})
	np, p := reg.Snapshot()

	fn := RoundRobinAlloc()
	work, _, err := fn(np, p, h, h.HInd(), alloc.SimSpecs{In: []string{"x"}}, alloc.GenSpecs{}, nil)
	require.NoError(t, err)
	require.Len(t, work, 1)
}
