package statemachine

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/panaschristou/raft2pc-bank/internal/raft"
)

func mustPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestApplySetBalance(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, "nodeA1", AccountA, zerolog.Nop())
	require.NoError(t, err)

	m.Apply(raft.LogEntry{Index: 0, Term: 1, Command: raft.Command{
		Kind:    raft.CmdSetBalance,
		Payload: mustPayload(t, map[string]int64{"balance": 500}),
	}})

	require.Equal(t, int64(500), m.GetBalance())
}

func TestApplyPrepareThenCommitUpdatesBalanceAndLedger(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, "nodeA1", AccountA, zerolog.Nop())
	require.NoError(t, err)

	rec := TransactionRecord{
		TransactionID: 1,
		Transactions:  map[string]int64{AccountA: 50, AccountB: -50},
	}

	m.Apply(raft.LogEntry{Index: 0, Term: 1, Command: raft.Command{
		Kind:    raft.CmdAppendPrepare,
		Payload: mustPayload(t, rec),
	}})

	require.True(t, m.InDoubt(1))
	require.False(t, m.AlreadyCommitted(1))
	require.Equal(t, int64(0), m.GetBalance())

	m.Apply(raft.LogEntry{Index: 1, Term: 1, Command: raft.Command{
		Kind:    raft.CmdAppendCommit,
		Payload: mustPayload(t, rec),
	}})

	require.Equal(t, int64(50), m.GetBalance())
	require.False(t, m.InDoubt(1))
	require.True(t, m.AlreadyCommitted(1))
}

func TestNextTransactionIDIncrements(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, "nodeA1", AccountA, zerolog.Nop())
	require.NoError(t, err)

	require.Equal(t, int64(1), m.NextTransactionID())

	m.Apply(raft.LogEntry{Command: raft.Command{
		Kind: raft.CmdAppendPrepare,
		Payload: mustPayload(t, TransactionRecord{
			TransactionID: 1,
			Transactions:  map[string]int64{AccountA: 10},
		}),
	}})

	require.Equal(t, int64(2), m.NextTransactionID())
}

func TestPersistenceSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, "nodeB1", AccountB, zerolog.Nop())
	require.NoError(t, err)

	rec := TransactionRecord{TransactionID: 1, Transactions: map[string]int64{AccountA: 20, AccountB: -20}}
	m.Apply(raft.LogEntry{Command: raft.Command{Kind: raft.CmdAppendPrepare, Payload: mustPayload(t, rec)}})
	m.Apply(raft.LogEntry{Command: raft.Command{Kind: raft.CmdAppendCommit, Payload: mustPayload(t, rec)}})

	reloaded, err := New(dir, "nodeB1", AccountB, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, int64(-20), reloaded.GetBalance())
	require.True(t, reloaded.AlreadyCommitted(1))
	prepare, commit := reloaded.GetLogs()
	require.Len(t, prepare, 1)
	require.Len(t, commit, 1)
}
