package comm

import (
	"fmt"
	"sync"

	"github.com/hpcflow/ensemble/internal/registry"
)

// DefaultMailboxCapacity bounds buffered messages per direction per
// worker before Send blocks, matching the FIFO-with-backpressure contract
// in §4.4 (a blocking send from the sender side).
const DefaultMailboxCapacity = 8

// ChannelTransport is the in-process Transport: one pair of buffered Go
// channels per worker. It is grounded on the teacher's events.Bus
// (buffered channel, non-blocking probe-style send) generalized from a
// single fan-out bus to one mailbox per worker in each direction.
type ChannelTransport struct {
	mu       sync.Mutex
	mailbox  map[registry.WorkerID]*Mailbox
	capacity int
}

// NewChannelTransport creates a transport with a mailbox for each id.
func NewChannelTransport(ids []registry.WorkerID, capacity int) *ChannelTransport {
	if capacity <= 0 {
		capacity = DefaultMailboxCapacity
	}
	t := &ChannelTransport{
		mailbox:  make(map[registry.WorkerID]*Mailbox, len(ids)),
		capacity: capacity,
	}
	for _, id := range ids {
		t.mailbox[id] = newMailbox(capacity)
	}
	return t
}

func (t *ChannelTransport) box(w registry.WorkerID) (*Mailbox, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	box, ok := t.mailbox[w]
	if !ok {
		return nil, fmt.Errorf("comm: unknown worker %d", w)
	}
	return box, nil
}

// SendToWorker blocks until msg is queued on w's inbound channel.
func (t *ChannelTransport) SendToWorker(w registry.WorkerID, msg Message) error {
	box, err := t.box(w)
	if err != nil {
		return err
	}
	box.toWorker <- msg
	return nil
}

// SendToManager blocks until msg is queued on w's outbound channel.
func (t *ChannelTransport) SendToManager(w registry.WorkerID, msg Message) error {
	box, err := t.box(w)
	if err != nil {
		return err
	}
	box.toManager <- msg
	return nil
}

// ProbeManager is a non-blocking check for a message from w.
func (t *ChannelTransport) ProbeManager(w registry.WorkerID) (bool, Tag) {
	box, err := t.box(w)
	if err != nil {
		return false, UNSET
	}
	if box.peeked != nil {
		return true, box.peeked.Tag
	}
	select {
	case msg := <-box.toManager:
		// Peek isn't possible on a plain channel without consuming; stash
		// the message back via a one-slot buffer so Recv still sees it.
		box.peeked = &msg
		return true, msg.Tag
	default:
		return false, UNSET
	}
}

// RecvManager returns the next message from w, blocking if necessary.
func (t *ChannelTransport) RecvManager(w registry.WorkerID) (Message, error) {
	box, err := t.box(w)
	if err != nil {
		return Message{}, err
	}
	if box.peeked != nil {
		msg := *box.peeked
		box.peeked = nil
		return msg, nil
	}
	return <-box.toManager, nil
}

// RecvWorker blocks the worker side for its next parcel.
func (t *ChannelTransport) RecvWorker(w registry.WorkerID) (Message, error) {
	box, err := t.box(w)
	if err != nil {
		return Message{}, err
	}
	return <-box.toWorker, nil
}

// KillPending drains and discards any buffered messages in both
// directions for w.
func (t *ChannelTransport) KillPending(w registry.WorkerID) error {
	box, err := t.box(w)
	if err != nil {
		return err
	}
	box.peeked = nil
	for {
		select {
		case <-box.toWorker:
		case <-box.toManager:
		default:
			return nil
		}
	}
}
