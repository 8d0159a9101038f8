// Package comm implements the messaging adapter (C4): a tagged,
// reliable, per-worker FIFO channel between the manager and each worker.
// It is grounded on the teacher's internal/events/bus.go (channel-backed
// pub/sub) and internal/daemon/job_events.go (per-recipient buffered
// channel with non-blocking send), adapted from event fan-out to a
// point-to-point, bidirectional, tagged mailbox per worker.
package comm

import (
	"github.com/hpcflow/ensemble/internal/registry"
)

// Tag is the closed set of message tags the protocol recognizes.
type Tag int

const (
	UNSET Tag = iota
	SIM
	GEN
	FinishedPersistentSim
	FinishedPersistentGen
	PersisStop
	Stop
	CalcException
	// Control signals carried as payload of a Stop-tagged message, not as
	// tags themselves (see §4.4): ManSignalFinish, ManSignalReqResend,
	// ManSignalReqPickleDump.
)

func (t Tag) String() string {
	switch t {
	case UNSET:
		return "UNSET"
	case SIM:
		return "SIM"
	case GEN:
		return "GEN"
	case FinishedPersistentSim:
		return "FINISHED_PERSISTENT_SIM"
	case FinishedPersistentGen:
		return "FINISHED_PERSISTENT_GEN"
	case PersisStop:
		return "PERSIS_STOP"
	case Stop:
		return "STOP"
	case CalcException:
		return "CALC_EXCEPTION"
	default:
		return "UNKNOWN"
	}
}

// ControlSignal is the payload carried by a Stop message.
type ControlSignal int

const (
	ManSignalFinish ControlSignal = iota
	ManSignalReqResend
	ManSignalReqPickleDump
)

// Message is one unit sent over a worker's mailbox.
type Message struct {
	Tag     Tag
	Payload any
}

// Mailbox is one worker's point-to-point, ordered, reliable link to the
// manager: a FIFO in each direction, matching the contract in §4.4.
type Mailbox struct {
	toWorker  chan Message
	toManager chan Message
	peeked    *Message // message pulled off toManager by Probe but not yet consumed by Recv
}

func newMailbox(capacity int) *Mailbox {
	return &Mailbox{
		toWorker:  make(chan Message, capacity),
		toManager: make(chan Message, capacity),
	}
}

// Transport is the abstract messaging interface the manager and worker
// loops depend on. The point-to-point transport itself (real MPI, a
// socket fabric, …) is out of scope per the spec; Transport is the seam
// a concrete implementation fills in. ChannelTransport below is the
// in-process default.
type Transport interface {
	// SendToWorker delivers msg to w's inbound mailbox (manager -> worker).
	SendToWorker(w registry.WorkerID, msg Message) error
	// SendToManager delivers msg to the manager (worker -> manager).
	SendToManager(w registry.WorkerID, msg Message) error
	// ProbeManager reports whether the manager has a pending message from
	// w without consuming it.
	ProbeManager(w registry.WorkerID) (bool, Tag)
	// RecvManager blocks until a message from w is available and returns
	// it; callers must have observed a successful Probe first per §4.4,
	// though Recv itself also blocks correctly without one.
	RecvManager(w registry.WorkerID) (Message, error)
	// RecvWorker blocks the worker side waiting for its next parcel.
	RecvWorker(w registry.WorkerID) (Message, error)
	// KillPending abandons any outstanding unreceived messages addressed
	// to w, from either direction.
	KillPending(w registry.WorkerID) error
}
