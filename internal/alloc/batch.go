package alloc

import (
	"github.com/hpcflow/ensemble/internal/history"
	"github.com/hpcflow/ensemble/internal/registry"
)

// BatchSimThenGen is the default allocator: it drains every history row
// not yet given to a worker as SIM parcels first, then hands any
// remaining idle workers a GEN parcel (no input rows — the generator
// decides what to produce), capped at gen_specs.NumActiveGens concurrent
// generators when that option is set. Grounded on the teacher's
// Dispatch(), generalized from popping one ready unit under a
// parallelism cap to assigning a whole idle pool in one pass.
func BatchSimThenGen() Func {
	return func(
		nonpersistent, persistent registry.Group,
		h *history.History,
		hInd int,
		simSpecs SimSpecs,
		genSpecs GenSpecs,
		persisInfo map[registry.WorkerID]map[string]any,
	) (Work, map[registry.WorkerID]map[string]any, error) {
		work := Work{}

		var pendingRows []int
		for i := 0; i < hInd; i++ {
			if !h.Given(i) {
				pendingRows = append(pendingRows, i)
			}
		}

		idle := append([]registry.WorkerID(nil), nonpersistent.Idle...)

		for len(idle) > 0 && len(pendingRows) > 0 {
			w := idle[0]
			idle = idle[1:]
			row := pendingRows[0]
			pendingRows = pendingRows[1:]
			work[w] = Parcel{Tag: registry.SIM, Rows: []int{row}, Fields: simSpecs.In}
		}

		activeGens := len(nonpersistent.BusyGen) + len(persistent.BusyGen)
		for len(idle) > 0 {
			if genSpecs.NumActiveGens > 0 && activeGens >= genSpecs.NumActiveGens {
				break
			}
			w := idle[0]
			idle = idle[1:]
			work[w] = Parcel{Tag: registry.GEN, Fields: genSpecs.In}
			activeGens++
		}

		return work, persisInfo, nil
	}
}

// PersistentGen starts exactly one persistent generator on the first idle
// nonpersistent worker it sees and leaves it running for the rest of the
// campaign, while draining ungiven rows to remaining idle workers as SIM
// parcels — the shape scenario S5 (persistent generator feeding a pool of
// simulators) needs. It never starts a second persistent generator: once
// a worker is busy or pending on a persistent GEN, that worker gets a new
// GEN parcel each time it is pending, and idle workers only get SIM
// parcels.
func PersistentGen() Func {
	return func(
		nonpersistent, persistent registry.Group,
		h *history.History,
		hInd int,
		simSpecs SimSpecs,
		genSpecs GenSpecs,
		persisInfo map[registry.WorkerID]map[string]any,
	) (Work, map[registry.WorkerID]map[string]any, error) {
		work := Work{}

		havePersistentGen := len(persistent.BusyGen) > 0 || len(persistent.PendingGen) > 0

		idle := append([]registry.WorkerID(nil), nonpersistent.Idle...)

		if !havePersistentGen && len(idle) > 0 {
			w := idle[0]
			idle = idle[1:]
			work[w] = Parcel{Tag: registry.GEN, Fields: genSpecs.In, Persistent: true}
		}

		for _, w := range persistent.PendingGen {
			work[w] = Parcel{Tag: registry.GEN, Fields: genSpecs.In, Persistent: true}
		}

		var pendingRows []int
		for i := 0; i < hInd; i++ {
			if !h.Given(i) {
				pendingRows = append(pendingRows, i)
			}
		}
		for len(idle) > 0 && len(pendingRows) > 0 {
			w := idle[0]
			idle = idle[1:]
			row := pendingRows[0]
			pendingRows = pendingRows[1:]
			work[w] = Parcel{Tag: registry.SIM, Rows: []int{row}, Fields: simSpecs.In}
		}

		return work, persisInfo, nil
	}
}
