package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestStateStorageSetGet checks that persisted state can be read back.
func TestStateStorageSetGet(t *testing.T) {
	storage, err := NewStateStorage(t.TempDir())
	require.NoError(t, err)

	term, votedFor, err := storage.State()
	require.NoError(t, err)
	require.Zero(t, term)
	require.Empty(t, votedFor)

	require.NoError(t, storage.SetState(3, "candidate-1"))

	term, votedFor, err = storage.State()
	require.NoError(t, err)
	require.Equal(t, uint64(3), term)
	require.Equal(t, "candidate-1", votedFor)
}

// TestStateStorageRecover checks that persisted state survives the storage
// being recreated, as it would be after a restart.
func TestStateStorageRecover(t *testing.T) {
	tmpDir := t.TempDir()

	storage, err := NewStateStorage(tmpDir)
	require.NoError(t, err)
	require.NoError(t, storage.SetState(5, "candidate-2"))

	storage, err = NewStateStorage(tmpDir)
	require.NoError(t, err)

	term, votedFor, err := storage.State()
	require.NoError(t, err)
	require.Equal(t, uint64(5), term)
	require.Equal(t, "candidate-2", votedFor)
}

// TestStateStorageOverwrite checks that the most recently persisted state
// replaces any earlier state.
func TestStateStorageOverwrite(t *testing.T) {
	storage, err := NewStateStorage(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, storage.SetState(1, "candidate-1"))
	require.NoError(t, storage.SetState(2, ""))

	term, votedFor, err := storage.State()
	require.NoError(t, err)
	require.Equal(t, uint64(2), term)
	require.Empty(t, votedFor)
}
