// Package workerloop implements the worker-side state machine (C7):
// IDLE -> RECEIVING -> EXECUTING -> REPLYING -> IDLE (or -> STOPPED).
// Grounded on the teacher's internal/worker/loop.go (a named-phase loop
// state) and retry.go (bounded, backoff-free retry-adjacent control
// flow), adapted from the Ralph task-selection/Claude-invoke/commit
// phases to the libE-protocol receive/execute/reply phases.
package workerloop

import (
	"context"
	"fmt"

	"github.com/hpcflow/ensemble/internal/comm"
	"github.com/hpcflow/ensemble/internal/history"
	"github.com/hpcflow/ensemble/internal/registry"
	"github.com/hpcflow/ensemble/internal/workerctx"
)

// Phase names the worker's current state, exposed for status/diagnostic
// display in the teacher's manner of naming loop phases explicitly.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseReceiving Phase = "receiving"
	PhaseExecuting Phase = "executing"
	PhaseReplying  Phase = "replying"
	PhaseStopped   Phase = "stopped"
)

// Status is the calc_status a user callable returns alongside its output.
type Status int

const (
	StatusUnset Status = iota
	StatusManSignalFinish
	StatusCalcException
)

func (s Status) String() string {
	switch s {
	case StatusUnset:
		return "UNSET"
	case StatusManSignalFinish:
		return "MAN_SIGNAL_FINISH"
	case StatusCalcException:
		return "CALC_EXCEPTION"
	default:
		return "UNKNOWN"
	}
}

// InitialInfo is the manager's one-time send_initial_info payload (§4.6),
// communicating sim/gen input/output dtypes to every worker before the
// main loop starts.
type InitialInfo struct {
	SimIn  []string
	SimOut []history.FieldSpec
	GenIn  []string
	GenOut []history.FieldSpec
}

// LibEInfo is the per-parcel metadata the manager sends alongside calc_in
// and the worker echoes back alongside calc_out.
type LibEInfo struct {
	HRows      []int
	WorkerID   registry.WorkerID
	Persistent bool
	CalcIter   int
	Blocking   []registry.WorkerID
}

// ParcelPayload bundles libE_info, persis_info, and the optional sliced
// input rows the manager's three-message atomic sequence (§4.6.2) carries
// under one tag. The channel transport delivers a single Message
// atomically already, so the triple is collapsed into one payload rather
// than three sends; ordering and atomicity are preserved either way.
type ParcelPayload struct {
	LibEInfo   LibEInfo
	PersisInfo map[string]any
	Data       history.Batch
}

// ReplyPayload is what the worker sends back, tag = the original parcel's
// tag.
type ReplyPayload struct {
	Out        map[string][]any
	PersisInfo map[string]any
	LibEInfo   LibEInfo
	Status     Status
	CalcType   registry.CalcTag
}

// CalcIn is what a user callable receives.
type CalcIn struct {
	Data       history.Batch
	PersisInfo map[string]any
	LibEInfo   LibEInfo

	// Launcher is this worker's tagged task launcher (C8), letting a
	// callable that wraps an external executable start it via
	// Launcher.Launch and track it back to this worker id.
	Launcher *workerctx.TaskLauncher
}

// CalcOut is what a user callable returns. Status defaults to StatusUnset
// per §4.7 step 4 when the callable's return tuple omits it.
type CalcOut struct {
	Data       map[string][]any
	PersisInfo map[string]any
	Status     Status
}

// CalcFunc is the sim_f/gen_f call contract from §6, trimmed to Go's
// explicit-error idiom: a raised exception in the source becomes a
// returned error, which the loop converts to CALC_EXCEPTION per §4.7
// step 4.
type CalcFunc func(in CalcIn) (CalcOut, error)

// Loop drives one worker through the IDLE/RECEIVING/EXECUTING/REPLYING
// cycle until it observes MAN_SIGNAL_FINISH, a calc-level
// MAN_SIGNAL_FINISH status, or its context is canceled.
type Loop struct {
	ID        registry.WorkerID
	Transport comm.Transport
	Ctx       *workerctx.Context
	SimFunc   CalcFunc
	GenFunc   CalcFunc

	// ScratchDir resolves the directory to push for a calc kind and
	// iteration count (used as a snapshot-filename disambiguator).
	ScratchDir func(tag registry.CalcTag, iter int) string

	phase       Phase
	lastOut     *ReplyPayload // resend target for MAN_SIGNAL_REQ_RESEND; nil until the first reply
	initialInfo *InitialInfo
}

// Phase reports the loop's current state for status displays.
func (l *Loop) Phase() Phase { return l.phase }

// Run drives the worker loop until STOP/MAN_SIGNAL_FINISH, a calc-level
// finish status, or ctx cancellation. It returns nil on a clean exit.
func (l *Loop) Run(ctx context.Context) error {
	l.phase = PhaseIdle
	for {
		select {
		case <-ctx.Done():
			return l.shutdown(ctx.Err())
		default:
		}

		l.phase = PhaseReceiving
		msg, err := l.Transport.RecvWorker(l.ID)
		if err != nil {
			return l.shutdown(err)
		}

		if msg.Tag == comm.Stop {
			done, err := l.handleStop(msg)
			if done {
				return l.shutdown(err)
			}
			continue
		}

		if msg.Tag == comm.UNSET {
			// The manager's one-time send_initial_info message (sim/gen
			// dtypes); it carries no parcel to execute.
			if info, ok := msg.Payload.(InitialInfo); ok {
				l.initialInfo = &info
			}
			continue
		}

		if msg.Tag != comm.SIM && msg.Tag != comm.GEN {
			return l.shutdown(fmt.Errorf("workerloop: worker %d received unexpected tag %v", l.ID, msg.Tag))
		}

		reply, finish, err := l.executeAndReply(msg)
		if err != nil {
			return l.shutdown(err)
		}
		if finish {
			return l.shutdown(nil)
		}
		_ = reply
	}
}

// handleStop processes a STOP-tagged control message. The bool return
// reports whether the loop should exit.
func (l *Loop) handleStop(msg comm.Message) (bool, error) {
	sig, ok := msg.Payload.(comm.ControlSignal)
	if !ok {
		return true, fmt.Errorf("workerloop: worker %d received malformed STOP payload", l.ID)
	}
	switch sig {
	case comm.ManSignalFinish:
		return true, nil
	case comm.ManSignalReqResend:
		l.resend()
		return false, nil
	case comm.ManSignalReqPickleDump:
		if err := l.pickleDump(); err != nil {
			return true, err
		}
		return false, nil
	default:
		return true, fmt.Errorf("workerloop: worker %d received unknown control signal %v", l.ID, sig)
	}
}

// resend replies with the last worker_out, or the UNSET placeholder if
// none has been produced yet, per §4.7 step 2.
func (l *Loop) resend() {
	l.phase = PhaseReplying
	var payload ReplyPayload
	if l.lastOut != nil {
		payload = *l.lastOut
	} else {
		payload = ReplyPayload{Status: StatusUnset}
	}
	_ = l.Transport.SendToManager(l.ID, comm.Message{Tag: comm.UNSET, Payload: payload})
	l.phase = PhaseIdle
}

// PickleDump is the hook MAN_SIGNAL_REQ_PICKLE_DUMP (§4.7 step 2) calls
// with the last worker_out (nil before the first reply). This package
// writes nothing to disk itself: while PickleDump is nil the signal is
// accepted and ignored. Callers (tests, a real manager) set it to a dump
// function of their own.
var PickleDump func(workerID registry.WorkerID, out *ReplyPayload) error

func (l *Loop) pickleDump() error {
	if PickleDump == nil {
		return nil
	}
	return PickleDump(l.ID, l.lastOut)
}

// executeAndReply runs §4.7 steps 3-6: read input rows, invoke the user
// callable for msg.Tag in a pushed scratch directory, reply, and report
// whether the calc-level status requests a clean exit.
func (l *Loop) executeAndReply(msg comm.Message) (ReplyPayload, bool, error) {
	parcel, ok := msg.Payload.(ParcelPayload)
	if !ok {
		return ReplyPayload{}, true, fmt.Errorf("workerloop: worker %d received malformed parcel payload", l.ID)
	}

	tag := tagToCalcTag(msg.Tag)
	fn := l.GenFunc
	if tag == registry.SIM {
		fn = l.SimFunc
	}
	if fn == nil {
		return ReplyPayload{}, true, fmt.Errorf("workerloop: worker %d has no callable registered for %s", l.ID, tag)
	}

	iter := l.Ctx.NextIteration(tag)
	parcel.LibEInfo.CalcIter = iter
	var dir string
	if l.ScratchDir != nil {
		dir = l.ScratchDir(tag, iter)
	}
	l.Ctx.PushLocation(tag, dir)
	defer func() {
		_, _ = l.Ctx.PopLocation(tag)
	}()

	l.phase = PhaseExecuting
	out, status, err := l.invoke(fn, CalcIn{
		Data:       parcel.Data,
		PersisInfo: parcel.PersisInfo,
		LibEInfo:   parcel.LibEInfo,
		Launcher:   l.Ctx.Launcher(),
	})

	l.phase = PhaseReplying
	reply := ReplyPayload{
		Out:        out.Data,
		PersisInfo: out.PersisInfo,
		LibEInfo:   parcel.LibEInfo,
		Status:     status,
		CalcType:   tag,
	}
	l.lastOut = &reply

	if sendErr := l.Transport.SendToManager(l.ID, comm.Message{Tag: msg.Tag, Payload: reply}); sendErr != nil {
		return reply, true, sendErr
	}
	l.phase = PhaseIdle

	if status == StatusCalcException {
		// A nonpersistent worker unwinds and terminates on exception; a
		// persistent worker keeps its loop alive, per §4.7's
		// "Calc exception" edge case.
		if !parcel.LibEInfo.Persistent {
			return reply, true, err
		}
		return reply, false, nil
	}
	return reply, status == StatusManSignalFinish, nil
}

// invoke calls fn, converting a panic or returned error into
// CALC_EXCEPTION per §4.7 step 4 rather than crashing the worker loop.
func (l *Loop) invoke(fn CalcFunc, in CalcIn) (out CalcOut, status Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workerloop: worker %d calc panicked: %v", l.ID, r)
			status = StatusCalcException
		}
	}()

	out, err = fn(in)
	if err != nil {
		return out, StatusCalcException, err
	}
	return out, out.Status, nil
}

// shutdown marks the loop stopped and returns err unchanged. It does not
// drain the transport: SendToManager returns only once a reply is queued,
// so no send is left in flight, and replies already queued (including the
// CALC_EXCEPTION reply of a worker that is exiting) stay there for the
// manager to receive.
func (l *Loop) shutdown(err error) error {
	l.phase = PhaseStopped
	return err
}

func tagToCalcTag(t comm.Tag) registry.CalcTag {
	if t == comm.GEN {
		return registry.GEN
	}
	return registry.SIM
}
