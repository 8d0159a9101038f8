package workerloop

import (
	"context"
	"errors"
	"testing"

	"github.com/hpcflow/ensemble/internal/comm"
	"github.com/hpcflow/ensemble/internal/registry"
	"github.com/hpcflow/ensemble/internal/workerctx"
	"github.com/stretchr/testify/require"
)

func newLoop(t *testing.T, simFunc, genFunc CalcFunc) (*Loop, comm.Transport) {
	t.Helper()
	tr := comm.NewChannelTransport([]registry.WorkerID{1}, 4)
	l := &Loop{
		ID:        1,
		Transport: tr,
		Ctx:       workerctx.New(1),
		SimFunc:   simFunc,
		GenFunc:   genFunc,
		ScratchDir: func(tag registry.CalcTag, iter int) string {
			return "/tmp/" + tag.String()
		},
	}
	return l, tr
}

func TestSimCalcRoundTripThenFinish(t *testing.T) {
	simFunc := func(in CalcIn) (CalcOut, error) {
		return CalcOut{Data: map[string][]any{"f": {1.0}}}, nil
	}
	l, tr := newLoop(t, simFunc, nil)

	require.NoError(t, tr.SendToWorker(1, comm.Message{
		Tag:     comm.SIM,
		Payload: ParcelPayload{LibEInfo: LibEInfo{WorkerID: 1}},
	}))
	require.NoError(t, tr.SendToWorker(1, comm.Message{
		Tag:     comm.Stop,
		Payload: comm.ManSignalFinish,
	}))

	err := l.Run(context.Background())
	require.NoError(t, err)

	reply, err := tr.RecvManager(1)
	require.NoError(t, err)
	payload := reply.Payload.(ReplyPayload)
	require.Equal(t, registry.SIM, payload.CalcType)
	require.Equal(t, StatusUnset, payload.Status)
}

func TestResendReturnsLastOutput(t *testing.T) {
	simFunc := func(in CalcIn) (CalcOut, error) {
		return CalcOut{Data: map[string][]any{"f": {2.0}}}, nil
	}
	l, tr := newLoop(t, simFunc, nil)

	require.NoError(t, tr.SendToWorker(1, comm.Message{Tag: comm.SIM, Payload: ParcelPayload{}}))
	require.NoError(t, tr.SendToWorker(1, comm.Message{Tag: comm.Stop, Payload: comm.ManSignalReqResend}))
	require.NoError(t, tr.SendToWorker(1, comm.Message{Tag: comm.Stop, Payload: comm.ManSignalFinish}))

	err := l.Run(context.Background())
	require.NoError(t, err)

	first, err := tr.RecvManager(1)
	require.NoError(t, err)
	resent, err := tr.RecvManager(1)
	require.NoError(t, err)
	require.Equal(t, first.Payload.(ReplyPayload).Out, resent.Payload.(ReplyPayload).Out)
}

func TestCalcExceptionTerminatesNonpersistentWorker(t *testing.T) {
	simFunc := func(in CalcIn) (CalcOut, error) {
		return CalcOut{}, errors.New("boom")
	}
	l, tr := newLoop(t, simFunc, nil)

	require.NoError(t, tr.SendToWorker(1, comm.Message{
		Tag:     comm.SIM,
		Payload: ParcelPayload{LibEInfo: LibEInfo{Persistent: false}},
	}))

	err := l.Run(context.Background())
	require.Error(t, err)

	reply, err := tr.RecvManager(1)
	require.NoError(t, err)
	require.Equal(t, StatusCalcException, reply.Payload.(ReplyPayload).Status)
}

func TestCalcExceptionKeepsPersistentWorkerAlive(t *testing.T) {
	calls := 0
	genFunc := func(in CalcIn) (CalcOut, error) {
		calls++
		if calls == 1 {
			return CalcOut{}, errors.New("transient")
		}
		return CalcOut{Data: map[string][]any{"x": {1.0}}}, nil
	}
	l, tr := newLoop(t, nil, genFunc)

	require.NoError(t, tr.SendToWorker(1, comm.Message{
		Tag:     comm.GEN,
		Payload: ParcelPayload{LibEInfo: LibEInfo{Persistent: true}},
	}))
	require.NoError(t, tr.SendToWorker(1, comm.Message{
		Tag:     comm.GEN,
		Payload: ParcelPayload{LibEInfo: LibEInfo{Persistent: true}},
	}))
	require.NoError(t, tr.SendToWorker(1, comm.Message{Tag: comm.Stop, Payload: comm.ManSignalFinish}))

	err := l.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestPanicInCallableBecomesCalcException(t *testing.T) {
	simFunc := func(in CalcIn) (CalcOut, error) {
		panic("unexpected")
	}
	l, tr := newLoop(t, simFunc, nil)

	require.NoError(t, tr.SendToWorker(1, comm.Message{
		Tag:     comm.SIM,
		Payload: ParcelPayload{LibEInfo: LibEInfo{Persistent: false}},
	}))

	err := l.Run(context.Background())
	require.Error(t, err)
	reply, rerr := tr.RecvManager(1)
	require.NoError(t, rerr)
	require.Equal(t, StatusCalcException, reply.Payload.(ReplyPayload).Status)
}

func TestCalcInCarriesWorkerTaggedLauncher(t *testing.T) {
	var gotLauncher *workerctx.TaskLauncher
	simFunc := func(in CalcIn) (CalcOut, error) {
		gotLauncher = in.Launcher
		return CalcOut{}, nil
	}
	l, tr := newLoop(t, simFunc, nil)

	require.NoError(t, tr.SendToWorker(1, comm.Message{Tag: comm.SIM, Payload: ParcelPayload{}}))
	require.NoError(t, tr.SendToWorker(1, comm.Message{Tag: comm.Stop, Payload: comm.ManSignalFinish}))

	require.NoError(t, l.Run(context.Background()))
	require.NotNil(t, gotLauncher)
	require.Equal(t, registry.WorkerID(1), gotLauncher.WorkerID)
}

func TestIterationCounterAdvancesPerCalc(t *testing.T) {
	var seen []int
	simFunc := func(in CalcIn) (CalcOut, error) {
		return CalcOut{}, nil
	}
	l, tr := newLoop(t, simFunc, nil)
	l.ScratchDir = func(tag registry.CalcTag, iter int) string {
		seen = append(seen, iter)
		return "/tmp/x"
	}

	require.NoError(t, tr.SendToWorker(1, comm.Message{Tag: comm.SIM, Payload: ParcelPayload{}}))
	require.NoError(t, tr.SendToWorker(1, comm.Message{Tag: comm.SIM, Payload: ParcelPayload{}}))
	require.NoError(t, tr.SendToWorker(1, comm.Message{Tag: comm.Stop, Payload: comm.ManSignalFinish}))

	require.NoError(t, l.Run(context.Background()))
	require.Equal(t, []int{1, 2}, seen)
}
