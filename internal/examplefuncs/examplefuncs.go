// Package examplefuncs provides reference sim_f/gen_f/alloc implementations
// matching spec §6's call contracts. They exist for tests and the CLI's
// `run` demo path, the way a teaching example would ship alongside a
// library rather than as part of its production surface.
package examplefuncs

import (
	"fmt"
	"math/rand"

	"github.com/hpcflow/ensemble/internal/alloc"
	"github.com/hpcflow/ensemble/internal/history"
	"github.com/hpcflow/ensemble/internal/registry"
	"github.com/hpcflow/ensemble/internal/workerloop"
)

// SixHumpCamel is a two-input, one-output sim_f: f(x) = x[0] + x[1],
// matching scenario S1's `sim_f(x) = x[0]+x[1]`.
func SixHumpCamel(in workerloop.CalcIn) (workerloop.CalcOut, error) {
	xs, ok := in.Data.Fields["x"]
	if !ok || len(xs) == 0 {
		return workerloop.CalcOut{}, fmt.Errorf("examplefuncs: sim_f: missing input field x")
	}
	out := make([]any, len(xs))
	for i, v := range xs {
		x, ok := v.([]float64)
		if !ok || len(x) < 2 {
			return workerloop.CalcOut{}, fmt.Errorf("examplefuncs: sim_f: x[%d] is not a 2-vector", i)
		}
		out[i] = x[0] + x[1]
	}
	return workerloop.CalcOut{Data: map[string][]any{"f": out}}, nil
}

// UniformRandomSample2D is a one-shot gen_f: it ignores persis_info and
// emits n 2D points uniformly sampled from [lo, hi), matching S1's "gen_f
// emits 6 points of shape (2,)".
func UniformRandomSample2D(n int, lo, hi float64, rng *rand.Rand) workerloop.CalcFunc {
	return func(in workerloop.CalcIn) (workerloop.CalcOut, error) {
		out := make([]any, n)
		for i := range out {
			out[i] = []float64{
				lo + rng.Float64()*(hi-lo),
				lo + rng.Float64()*(hi-lo),
			}
		}
		return workerloop.CalcOut{Data: map[string][]any{"x": out}}, nil
	}
}

// PersistentUniformGenerator is a persistent gen_f for scenario S5: each
// invocation emits a fixed batch size, reads persis_info["round"] to
// track how many batches it has produced, and signals
// ManSignalFinish once maxRounds batches have been sent so the manager
// observes FINISHED_PERSISTENT_GEN and frees the worker.
func PersistentUniformGenerator(batchSize, maxRounds int, lo, hi float64, rng *rand.Rand) workerloop.CalcFunc {
	return func(in workerloop.CalcIn) (workerloop.CalcOut, error) {
		round := 0
		if in.PersisInfo != nil {
			if r, ok := in.PersisInfo["round"].(int); ok {
				round = r
			}
		}
		round++

		out := make([]any, batchSize)
		for i := range out {
			out[i] = []float64{
				lo + rng.Float64()*(hi-lo),
				lo + rng.Float64()*(hi-lo),
			}
		}

		persisInfo := map[string]any{"round": round}
		status := workerloop.StatusUnset
		if round >= maxRounds {
			status = workerloop.StatusManSignalFinish
		}
		return workerloop.CalcOut{
			Data:       map[string][]any{"x": out},
			PersisInfo: persisInfo,
			Status:     status,
		}, nil
	}
}

// AlwaysBlockingSim is a sim_f used to exercise libE_info.blocking: it
// returns the sum of its two input components and reports no persis_info
// of its own, leaving blocking entirely to the allocator that dispatched
// it (the callable has no say over libE_info; it only sees it).
func AlwaysBlockingSim(in workerloop.CalcIn) (workerloop.CalcOut, error) {
	return SixHumpCamel(in)
}

// RoundRobinAlloc demonstrates a minimal custom alloc.Func: it hands a
// single ungiven row to a single idle worker as SIM per round, ignoring
// generators entirely. Useful for tests that want deterministic
// one-parcel-at-a-time dispatch rather than BatchSimThenGen's
// drain-everything behavior.
func RoundRobinAlloc() alloc.Func {
	return func(
		nonpersistent, persistent registry.Group,
		h *history.History,
		hInd int,
		simSpecs alloc.SimSpecs,
		genSpecs alloc.GenSpecs,
		persisInfo map[registry.WorkerID]map[string]any,
	) (alloc.Work, map[registry.WorkerID]map[string]any, error) {
		work := alloc.Work{}
		if len(nonpersistent.Idle) == 0 {
			return work, persisInfo, nil
		}
		for i := 0; i < hInd; i++ {
			if !h.Given(i) {
				work[nonpersistent.Idle[0]] = alloc.Parcel{Tag: registry.SIM, Rows: []int{i}, Fields: simSpecs.In}
				break
			}
		}
		return work, persisInfo, nil
	}
}
