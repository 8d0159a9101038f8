// Package alloc implements the allocation interface (C5): a pure policy
// function that looks at registry state and history and returns the next
// round of work orders. It is grounded on the teacher's
// internal/scheduler/dispatch.go (Dispatch() popping ready work under a
// parallelism cap and reporting a typed block reason), adapted from
// "pop one ready unit" to "map every idle/pending worker to a parcel in
// one pass."
package alloc

import (
	"fmt"

	"github.com/hpcflow/ensemble/internal/history"
	"github.com/hpcflow/ensemble/internal/registry"
)

// SimSpecs mirrors the recognized sim_specs options from §6, trimmed to
// what an allocator needs to build parcels.
type SimSpecs struct {
	In         []string
	Out        []history.FieldSpec
	SaveEveryK int
}

// GenSpecs mirrors the recognized gen_specs options from §6.
type GenSpecs struct {
	In            []string
	Out           []history.FieldSpec
	SaveEveryK    int
	NumActiveGens int
}

// Parcel is one unit of work addressed to a single worker: a calc tag, the
// history rows/fields it carries as calc_in, and the libE_info the worker
// receives alongside it.
type Parcel struct {
	Tag        registry.CalcTag
	Rows       []int    // H rows to slice as calc_in; nil for a generator with no input rows
	Fields     []string // field names to slice from those rows
	Persistent bool     // true promotes the worker into the persistent track
	Blocking   []WorkerBlock
}

// WorkerBlock names a worker the manager should hold idle/blocked for the
// duration of this parcel (e.g. a multi-rank sim reserving helper ranks).
type WorkerBlock = registry.WorkerID

// Work is the mapping the manager imposes validation on per §4.5: every
// target worker id must be in some idle/pending state, each parcel's tag
// must be SIM or GEN, and every row must be < H_ind.
type Work map[registry.WorkerID]Parcel

// Func is the alloc_f call contract from §6:
// alloc_f(nonpersistent, persistent, H, sim_specs, gen_specs, persis_info) -> (Work, persis_info).
// persisInfo is keyed by worker id, mirroring the manager's per-worker
// persis_info ownership described in §4.6.
type Func func(
	nonpersistent, persistent registry.Group,
	h *history.History,
	hInd int,
	simSpecs SimSpecs,
	genSpecs GenSpecs,
	persisInfo map[registry.WorkerID]map[string]any,
) (Work, map[registry.WorkerID]map[string]any, error)

// Validate checks the manager-imposed invariants from §4.5 against a
// Work map an allocator returned. The manager calls this before acting on
// any parcel; a violation is fatal.
func Validate(w Work, hInd int, idleOrPending func(registry.WorkerID) bool) error {
	for id, p := range w {
		if !idleOrPending(id) {
			return fmt.Errorf("alloc: worker %d is not idle/pending, cannot accept a parcel", id)
		}
		if p.Tag != registry.SIM && p.Tag != registry.GEN {
			return fmt.Errorf("alloc: worker %d parcel has invalid tag %v", id, p.Tag)
		}
		for _, row := range p.Rows {
			if row >= hInd {
				return fmt.Errorf("alloc: worker %d parcel references row %d >= H_ind %d", id, row, hInd)
			}
		}
	}
	return nil
}
