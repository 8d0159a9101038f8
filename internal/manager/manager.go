// Package manager implements the manager loop (C6): the single-threaded
// coordinator that drives C1-C5 through initialize / drain / allocate /
// dispatch / checkpoint / terminate, per §4.6. Grounded on the teacher's
// internal/orchestrator/orchestrator.go Run() (a Config+Dependencies
// struct driving a discover/schedule/dispatch/drain loop with a typed
// Result return), adapted from a DAG-of-units scheduler to the manager's
// registry/history/oracle/allocator cycle.
package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hpcflow/ensemble/internal/alloc"
	"github.com/hpcflow/ensemble/internal/comm"
	"github.com/hpcflow/ensemble/internal/history"
	"github.com/hpcflow/ensemble/internal/registry"
	"github.com/hpcflow/ensemble/internal/term"
	"github.com/hpcflow/ensemble/internal/workerloop"
)

// ExitFlag is the manager's exit_flag, part of its return tuple per §6.
type ExitFlag int

const (
	ExitNormal    ExitFlag = 0
	ExitException ExitFlag = 1
	ExitWallclock ExitFlag = 2
)

// Checkpointer persists full-history snapshots. internal/checkpoint
// implements this against sqlite; tests can fake it in-memory.
type Checkpointer interface {
	Exists(name string) (bool, error)
	Save(name string, h *history.History) error
}

// QueueUpdateFunc is the optional gen_specs.queue_update_function hook
// from §6: `queue_update_function(H, gen_specs, data) -> (H, data)`. Per
// the resolved open question in SUPPLEMENTED FEATURES, it receives a
// read-only view of H (history.Snapshot, which has no Update* mutators)
// rather than the live pointer the manager and workers share.
type QueueUpdateFunc func(h history.Snapshot, hInd int, data map[string]any) (map[string]any, error)

// Config bundles everything the manager needs beyond the shared
// History/Registry/Transport it is constructed with.
type Config struct {
	SimSpecs     alloc.SimSpecs
	GenSpecs     alloc.GenSpecs
	ExitCriteria term.ExitCriteria
	Alloc        alloc.Func
	QueueUpdate  QueueUpdateFunc
	Checkpointer Checkpointer
	Now          func() time.Time

	// RunID namespaces this campaign's checkpoint snapshot names so
	// repeated runs against the same Checkpointer don't collide on the
	// write-once name constraint. Defaults to a generated uuid when
	// empty.
	RunID string
}

// Manager drives one campaign to completion.
type Manager struct {
	cfg       Config
	h         *history.History
	reg       *registry.Registry
	transport comm.Transport
	oracle    *term.Oracle
	now       func() time.Time
	runID     string

	persisInfo map[registry.WorkerID]map[string]any
	exitFlag   ExitFlag
}

// New constructs a Manager. start is the wallclock reference point the
// termination oracle measures elapsed_wallclock_time against.
func New(cfg Config, h *history.History, reg *registry.Registry, transport comm.Transport, start time.Time) *Manager {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Manager{
		cfg:        cfg,
		h:          h,
		reg:        reg,
		transport:  transport,
		oracle:     term.New(cfg.ExitCriteria, h.H0Count(), start, now),
		now:        now,
		runID:      runID,
		persisInfo: make(map[registry.WorkerID]map[string]any),
	}
}

// RunID reports the namespace this manager's checkpoint snapshots are
// saved under.
func (m *Manager) RunID() string { return m.runID }

// Result is the manager's return value, `(H[:H_ind], persis_info,
// exit_flag)` in §4.6.4/§6 terms.
type Result struct {
	History    *history.History
	PersisInfo map[registry.WorkerID]map[string]any
	ExitFlag   ExitFlag
}

func (m *Manager) result() Result {
	return Result{History: m.h, PersisInfo: m.persisInfo, ExitFlag: m.exitFlag}
}

// Run executes the manager loop to completion: initialize,
// send_initial_info, then loop{term, drain, queue_update, alloc,
// dispatch} until termination, followed by final_drain_and_kill.
func (m *Manager) Run(ctx context.Context) (Result, error) {
	if err := m.sendInitialInfo(); err != nil {
		return m.result(), err
	}

	for {
		select {
		case <-ctx.Done():
			return m.result(), ctx.Err()
		default:
		}

		if flag := m.oracle.Check(m.h); flag != term.Continue {
			if flag == term.WallclockExceeded {
				m.exitFlag = ExitWallclock
			}
			break
		}

		if err := m.drainIncoming(); err != nil {
			return m.result(), err
		}

		if m.cfg.QueueUpdate != nil {
			if _, err := m.cfg.QueueUpdate(m.h.Snapshot(), m.h.HInd(), nil); err != nil {
				return m.result(), err
			}
		}

		np, p := m.reg.Snapshot()
		work, persisInfo, err := m.cfg.Alloc(np, p, m.h, m.h.HInd(), m.cfg.SimSpecs, m.cfg.GenSpecs, m.persisInfo)
		if err != nil {
			return m.result(), err
		}
		if persisInfo != nil {
			m.persisInfo = persisInfo
		}
		if err := alloc.Validate(work, m.h.HInd(), m.reg.IsIdleOrPending); err != nil {
			return m.result(), err
		}

		for w, parcel := range work {
			if flag := m.oracle.Check(m.h); flag != term.Continue {
				if flag == term.WallclockExceeded {
					m.exitFlag = ExitWallclock
				}
				break
			}
			if err := m.dispatch(w, parcel); err != nil {
				return m.result(), err
			}
		}

		if err := m.checkpoint(); err != nil {
			return m.result(), err
		}
	}

	if err := m.finalDrainAndKill(); err != nil {
		return m.result(), err
	}
	return m.result(), nil
}

// sendInitialInfo communicates sim/gen input/output dtypes to every
// configured worker once, before the main loop starts.
func (m *Manager) sendInitialInfo() error {
	info := workerloop.InitialInfo{
		SimIn:  m.cfg.SimSpecs.In,
		SimOut: m.cfg.SimSpecs.Out,
		GenIn:  m.cfg.GenSpecs.In,
		GenOut: m.cfg.GenSpecs.Out,
	}
	for _, w := range m.reg.AllIDs() {
		if err := m.transport.SendToWorker(w, comm.Message{Tag: comm.UNSET, Payload: info}); err != nil {
			return err
		}
	}
	return nil
}

// drainIncoming implements §4.6.1: loop until no probe returns a
// message, absorbing every reply currently available.
func (m *Manager) drainIncoming() error {
	for {
		progressed := false
		for _, w := range m.reg.AllIDs() {
			has, _ := m.transport.ProbeManager(w)
			if !has {
				continue
			}
			msg, err := m.transport.RecvManager(w)
			if err != nil {
				return err
			}
			if err := m.handleReply(w, msg); err != nil {
				return err
			}
			progressed = true
		}
		if !progressed {
			return nil
		}
	}
}

func (m *Manager) handleReply(w registry.WorkerID, msg comm.Message) error {
	reply, ok := msg.Payload.(workerloop.ReplyPayload)
	if !ok {
		return fmt.Errorf("manager: worker %d sent malformed reply", w)
	}

	switch msg.Tag {
	case comm.SIM:
		rows := reply.LibEInfo.HRows
		batch := history.Batch{N: len(rows), Fields: reply.Out}
		if err := m.h.UpdateSimResult(rows, batch); err != nil {
			return err
		}
	case comm.GEN:
		n := 0
		for _, vals := range reply.Out {
			n = len(vals)
			break
		}
		if _, err := m.h.UpdateGenOutputs(int(w), history.Batch{N: n, Fields: reply.Out}); err != nil {
			return err
		}
	case comm.FinishedPersistentSim, comm.FinishedPersistentGen:
		if err := m.reg.FinishPersistent(w); err != nil {
			return err
		}
		m.mergePersisInfo(w, reply.PersisInfo)
		return nil
	case comm.CalcException:
		// The worker already unwound and, if nonpersistent, has
		// terminated; fall through to normal completion bookkeeping so a
		// surviving persistent worker is still schedulable.
	}

	if len(reply.LibEInfo.Blocking) > 0 {
		if err := m.reg.Unblock(reply.LibEInfo.Blocking); err != nil {
			return err
		}
	}
	m.mergePersisInfo(w, reply.PersisInfo)

	return m.reg.Complete(w, reply.CalcType)
}

// mergePersisInfo merges delta into m.persisInfo[w] key-by-key,
// last-writer-wins, per §4.6's shared-resources note.
func (m *Manager) mergePersisInfo(w registry.WorkerID, delta map[string]any) {
	if delta == nil {
		return
	}
	cur := m.persisInfo[w]
	if cur == nil {
		cur = make(map[string]any, len(delta))
	}
	for k, v := range delta {
		cur[k] = v
	}
	m.persisInfo[w] = cur
}

// dispatch implements §4.6.2: send libE_info/persis_info/data under one
// tag, then apply the registry transition, stamping update_sim_handout
// for SIM parcels.
func (m *Manager) dispatch(w registry.WorkerID, parcel alloc.Parcel) error {
	var data history.Batch
	if len(parcel.Rows) > 0 {
		b, err := m.h.Slice(parcel.Rows, parcel.Fields)
		if err != nil {
			return err
		}
		data = b
	}

	libEInfo := workerloop.LibEInfo{
		HRows:      parcel.Rows,
		WorkerID:   w,
		Persistent: parcel.Persistent,
		Blocking:   parcel.Blocking,
	}
	payload := workerloop.ParcelPayload{LibEInfo: libEInfo, PersisInfo: m.persisInfo[w], Data: data}

	tag := comm.SIM
	if parcel.Tag == registry.GEN {
		tag = comm.GEN
	}
	if err := m.transport.SendToWorker(w, comm.Message{Tag: tag, Payload: payload}); err != nil {
		return err
	}

	if err := m.reg.Dispatch(w, parcel.Tag, parcel.Persistent, parcel.Blocking); err != nil {
		return err
	}

	if parcel.Tag == registry.SIM {
		if err := m.h.UpdateSimHandout(parcel.Rows, int(w), m.now()); err != nil {
			return err
		}
	}
	return nil
}

// checkpoint implements §4.6.3: after each drain, persist full H under a
// stable, write-once filename whenever a save_every_k boundary is
// crossed.
func (m *Manager) checkpoint() error {
	if m.cfg.Checkpointer == nil {
		return nil
	}
	if k := m.cfg.SimSpecs.SaveEveryK; k > 0 {
		if count := (m.h.SumReturned() / k) * k; count > 0 {
			if err := m.saveIfAbsent(fmt.Sprintf("%s/history_after_sim_%d", m.runID, count)); err != nil {
				return err
			}
		}
	}
	if k := m.cfg.GenSpecs.SaveEveryK; k > 0 {
		if count := (m.h.HInd() / k) * k; count > 0 {
			if err := m.saveIfAbsent(fmt.Sprintf("%s/history_after_gen_%d", m.runID, count)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) saveIfAbsent(name string) error {
	exists, err := m.cfg.Checkpointer.Exists(name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return m.cfg.Checkpointer.Save(name, m.h)
}

// finalDrainAndKill implements §4.6.4: drain while any worker remains
// active, switching to an abandon-in-flight-work drain if the wallclock
// budget is exceeded mid-drain, then STOP every configured worker.
func (m *Manager) finalDrainAndKill() error {
	for len(m.reg.Active()) > 0 {
		if m.oracle.Check(m.h) == term.WallclockExceeded {
			m.exitFlag = ExitWallclock
			for _, w := range m.reg.Active() {
				_ = m.transport.KillPending(w)
			}
			break
		}
		if err := m.drainIncoming(); err != nil {
			return err
		}
		if len(m.reg.Active()) > 0 {
			// No message was ready this pass but workers are still busy;
			// yield briefly rather than spinning the CPU.
			time.Sleep(time.Millisecond)
		}
	}

	for _, w := range m.reg.AllIDs() {
		_ = m.transport.SendToWorker(w, comm.Message{Tag: comm.Stop, Payload: comm.ManSignalFinish})
	}
	return nil
}
