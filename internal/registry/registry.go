// Package registry tracks worker lifecycle state (C3): idle, busy,
// blocked, and — for persistent workers — pending. It is grounded on the
// teacher's internal/scheduler/state.go (typed status + CanTransition
// table) and internal/scheduler/queue.go (O(1) set bookkeeping), adapted
// from a single unit-status enum to the registry's richer per-worker,
// per-calc-kind state.
package registry

import (
	"fmt"
	"sync"
)

// WorkerID identifies a worker process.
type WorkerID int

// CalcTag distinguishes the two calc kinds a worker may execute.
type CalcTag int

const (
	SIM CalcTag = iota
	GEN
)

func (t CalcTag) String() string {
	switch t {
	case SIM:
		return "sim"
	case GEN:
		return "gen"
	default:
		return "unknown"
	}
}

type state int

const (
	stateIdle state = iota
	stateBusySim
	stateBusyGen
	stateBlocked
	statePendingSim
	statePendingGen
)

func busyState(tag CalcTag) state {
	if tag == SIM {
		return stateBusySim
	}
	return stateBusyGen
}

func pendingState(tag CalcTag) state {
	if tag == SIM {
		return statePendingSim
	}
	return statePendingGen
}

type workerInfo struct {
	persistent bool
	state      state
}

// Group is a view of one worker collection (nonpersistent or persistent)
// partitioned by state, the shape the allocation interface (C5) consumes.
type Group struct {
	Idle       []WorkerID
	BusySim    []WorkerID
	BusyGen    []WorkerID
	Blocked    []WorkerID
	PendingSim []WorkerID
	PendingGen []WorkerID
}

// Registry is the worker-state bookkeeping described in §4.3. Every
// configured worker id starts in nonpersistent.idle.
type Registry struct {
	mu        sync.Mutex
	workers   map[WorkerID]*workerInfo
	blockedBy map[WorkerID]WorkerID // blocked worker -> the dispatching worker whose parcel reserved it
}

// New creates a registry with every id in ids starting idle/nonpersistent.
func New(ids []WorkerID) *Registry {
	r := &Registry{
		workers:   make(map[WorkerID]*workerInfo, len(ids)),
		blockedBy: make(map[WorkerID]WorkerID),
	}
	for _, id := range ids {
		r.workers[id] = &workerInfo{state: stateIdle}
	}
	return r
}

func (r *Registry) mustGet(w WorkerID) (*workerInfo, error) {
	info, ok := r.workers[w]
	if !ok {
		return nil, fmt.Errorf("registry: unknown worker %d", w)
	}
	return info, nil
}

// Dispatch sends a parcel to w: idle (or, for a previously-dispatched
// persistent worker, pending[tag]) -> busy[tag]. If persistent is true
// the worker is promoted into the persistent track. blocking names
// workers to move idle -> blocked for the duration of this parcel; they
// are returned to idle only when this same worker's parcel completes.
func (r *Registry) Dispatch(w WorkerID, tag CalcTag, persistent bool, blocking []WorkerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, err := r.mustGet(w)
	if err != nil {
		return err
	}
	if info.state != stateIdle && info.state != pendingState(tag) {
		return fmt.Errorf("registry: worker %d not idle/pending (state=%d); cannot dispatch %s", w, info.state, tag)
	}

	for _, bw := range blocking {
		binfo, err := r.mustGet(bw)
		if err != nil {
			return err
		}
		if binfo.state != stateIdle {
			return fmt.Errorf("registry: blocking target %d is not idle (state=%d)", bw, binfo.state)
		}
	}

	info.state = busyState(tag)
	if persistent {
		info.persistent = true
	}

	for _, bw := range blocking {
		r.workers[bw].state = stateBlocked
		r.blockedBy[bw] = w
	}
	return nil
}

// Complete records that w's outstanding parcel finished: nonpersistent
// workers return to idle; persistent workers move to pending[tag]
// awaiting the manager's next data push. Any worker blocked by this same
// parcel returns to idle.
func (r *Registry) Complete(w WorkerID, tag CalcTag) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, err := r.mustGet(w)
	if err != nil {
		return err
	}
	if info.state != busyState(tag) {
		return fmt.Errorf("registry: worker %d is not busy[%s] (state=%d)", w, tag, info.state)
	}

	if info.persistent {
		info.state = pendingState(tag)
	} else {
		info.state = stateIdle
	}

	for bw, owner := range r.blockedBy {
		if owner == w {
			r.workers[bw].state = stateIdle
			delete(r.blockedBy, bw)
		}
	}
	return nil
}

// FinishPersistent handles a FINISHED_PERSISTENT_{SIM,GEN} message: w
// leaves every persistent/busy/pending state and returns to
// nonpersistent.idle. Per the spec's resolved open question, both tags
// are treated symmetrically — whichever calc kind finished, the effect
// on the registry is the same.
func (r *Registry) FinishPersistent(w WorkerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, err := r.mustGet(w)
	if err != nil {
		return err
	}
	info.persistent = false
	info.state = stateIdle
	return nil
}

// Unblock returns workers held in blocked back to idle directly (used by
// the manager's drain loop when a message names libE_info.blocking
// explicitly, independent of Complete's same-parcel bookkeeping).
func (r *Registry) Unblock(workers []WorkerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range workers {
		info, err := r.mustGet(w)
		if err != nil {
			return err
		}
		if info.state == stateBlocked {
			info.state = stateIdle
		}
		delete(r.blockedBy, w)
	}
	return nil
}

// Snapshot partitions all registered workers into nonpersistent and
// persistent groups for the allocator.
func (r *Registry) Snapshot() (nonpersistent, persistent Group) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, info := range r.workers {
		g := &nonpersistent
		if info.persistent {
			g = &persistent
		}
		switch info.state {
		case stateIdle:
			g.Idle = append(g.Idle, id)
		case stateBusySim:
			g.BusySim = append(g.BusySim, id)
		case stateBusyGen:
			g.BusyGen = append(g.BusyGen, id)
		case stateBlocked:
			g.Blocked = append(g.Blocked, id)
		case statePendingSim:
			g.PendingSim = append(g.PendingSim, id)
		case statePendingGen:
			g.PendingGen = append(g.PendingGen, id)
		}
	}
	return nonpersistent, persistent
}

// Waiting is advisory bookkeeping mirroring pending[tag]. Per the spec's
// resolved open question on persistent.waiting, no dispatch path
// consults this — it exists for observability only.
func (r *Registry) Waiting(tag CalcTag) []WorkerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []WorkerID
	want := pendingState(tag)
	for id, info := range r.workers {
		if info.persistent && info.state == want {
			out = append(out, id)
		}
	}
	return out
}

// Active returns every worker currently consuming a busy slot
// (nonpersistent or persistent, either calc kind) — the set the manager
// drains against during shutdown.
func (r *Registry) Active() []WorkerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []WorkerID
	for id, info := range r.workers {
		if info.state == stateBusySim || info.state == stateBusyGen {
			out = append(out, id)
		}
	}
	return out
}

// AllIDs returns every configured worker id.
func (r *Registry) AllIDs() []WorkerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]WorkerID, 0, len(r.workers))
	for id := range r.workers {
		out = append(out, id)
	}
	return out
}

// IsIdle reports whether w is currently idle; it is false if w is
// unknown.
func (r *Registry) IsIdle(w WorkerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.workers[w]
	return ok && info.state == stateIdle
}

// IsBlocked reports whether w is currently held in the blocked state.
func (r *Registry) IsBlocked(w WorkerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.workers[w]
	return ok && info.state == stateBlocked
}

// IsIdleOrPending reports whether w is in a state the allocator is
// permitted to target: idle, or (for a persistent worker) pending its
// calc kind. This is the precondition alloc.Validate checks against.
func (r *Registry) IsIdleOrPending(w WorkerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.workers[w]
	if !ok {
		return false
	}
	return info.state == stateIdle || info.state == statePendingSim || info.state == statePendingGen
}
