package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/hpcflow/ensemble/internal/history"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoint.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestHistory(t *testing.T) *history.History {
	t.Helper()
	specs := history.Specs{SimOut: []history.FieldSpec{{Name: "f", Kind: history.KindFloat64}}}
	h, err := history.Initialize(specs, nil, 4)
	require.NoError(t, err)
	_, err = h.UpdateGenOutputs(0, history.Batch{N: 2, Fields: map[string][]any{}})
	require.NoError(t, err)
	return h
}

func TestSaveThenExists(t *testing.T) {
	s := newTestStore(t)
	h := newTestHistory(t)

	exists, err := s.Exists("history_after_gen_2")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, s.Save("history_after_gen_2", h))

	exists, err = s.Exists("history_after_gen_2")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestSaveTwiceUnderSameNameFails(t *testing.T) {
	s := newTestStore(t)
	h := newTestHistory(t)

	require.NoError(t, s.Save("history_after_gen_2", h))
	err := s.Save("history_after_gen_2", h)
	require.Error(t, err)
}

func TestLoadRoundTripsMetadata(t *testing.T) {
	s := newTestStore(t)
	h := newTestHistory(t)
	require.NoError(t, s.Save("history_after_gen_2", h))

	snap, err := s.Load("history_after_gen_2")
	require.NoError(t, err)
	require.Equal(t, "history_after_gen_2", snap.Name)
	require.Equal(t, h.HInd(), snap.HInd)
	require.Len(t, snap.Specs.SimOut, 1)
	require.Equal(t, "f", snap.Specs.SimOut[0].Name)
}

func TestListReturnsAllSnapshots(t *testing.T) {
	s := newTestStore(t)
	h := newTestHistory(t)
	require.NoError(t, s.Save("history_after_gen_2", h))
	require.NoError(t, s.Save("history_after_sim_1", h))

	names, err := s.List()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"history_after_gen_2", "history_after_sim_1"}, names)
}

func TestLoadUnknownSnapshotErrors(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load("does_not_exist")
	require.Error(t, err)
}
