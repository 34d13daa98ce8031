package raftstore

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/panaschristou/raft2pc-bank/internal/raft"
)

func TestSaveAndLoadTermVote(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, "nodeA1")
	require.NoError(t, err)
	defer store.Close()

	term, votedFor, err := store.LoadTermVote()
	require.NoError(t, err)
	require.Equal(t, int64(0), term)
	require.Equal(t, "", votedFor)

	require.NoError(t, store.SaveTermVote(4, "nodeA2"))

	term, votedFor, err = store.LoadTermVote()
	require.NoError(t, err)
	require.Equal(t, int64(4), term)
	require.Equal(t, "nodeA2", votedFor)
}

func TestReplaceLogRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, "nodeA1")
	require.NoError(t, err)
	defer store.Close()

	entries := []raft.LogEntry{
		{Index: 0, Term: 1, Command: raft.Command{Kind: raft.CmdSetBalance, Payload: json.RawMessage(`{"balance":100}`)}},
		{Index: 1, Term: 1, Command: raft.Command{Kind: raft.CmdAppendPrepare, Payload: json.RawMessage(`{"tx":"abc"}`)}},
	}
	require.NoError(t, store.ReplaceLog(entries))

	loaded, err := store.LoadLog()
	require.NoError(t, err)
	require.Equal(t, entries, loaded)
}

func TestReplaceLogTruncates(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, "nodeA1")
	require.NoError(t, err)
	defer store.Close()

	full := []raft.LogEntry{
		{Index: 0, Term: 1, Command: raft.Command{Kind: raft.CmdSetBalance}},
		{Index: 1, Term: 1, Command: raft.Command{Kind: raft.CmdSetBalance}},
		{Index: 2, Term: 2, Command: raft.Command{Kind: raft.CmdSetBalance}},
	}
	require.NoError(t, store.ReplaceLog(full))

	truncated := full[:1]
	require.NoError(t, store.ReplaceLog(truncated))

	loaded, err := store.LoadLog()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, int64(0), loaded[0].Index)
}

func TestReopenPreservesState(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, "nodeB1")
	require.NoError(t, err)
	require.NoError(t, store.SaveTermVote(7, "nodeB1"))
	require.NoError(t, store.ReplaceLog([]raft.LogEntry{{Index: 0, Term: 7, Command: raft.Command{Kind: raft.CmdSetBalance}}}))
	require.NoError(t, store.Close())

	reopened, err := Open(dir, "nodeB1")
	require.NoError(t, err)
	defer reopened.Close()

	term, votedFor, err := reopened.LoadTermVote()
	require.NoError(t, err)
	require.Equal(t, int64(7), term)
	require.Equal(t, "nodeB1", votedFor)

	log, err := reopened.LoadLog()
	require.NoError(t, err)
	require.Len(t, log, 1)
}
