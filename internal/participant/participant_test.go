package participant

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/panaschristou/raft2pc-bank/internal/config"
	"github.com/panaschristou/raft2pc-bank/internal/raft"
	"github.com/panaschristou/raft2pc-bank/internal/raftstore"
	"github.com/panaschristou/raft2pc-bank/internal/statemachine"
)

func newSoloLeader(t *testing.T, accountKey string) *Handler {
	t.Helper()
	dir := t.TempDir()

	store, err := raftstore.Open(dir, "solo")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	machine, err := statemachine.New(dir, "solo", accountKey, zerolog.Nop())
	require.NoError(t, err)

	node, err := raft.NewNode("solo", map[string]raft.Peer{}, store, machine, raft.Config{
		ElectionTimeoutMin: time.Hour,
		ElectionTimeoutMax: 2 * time.Hour,
		HeartbeatInterval:  time.Hour,
		CrashDuration:      10 * time.Second,
		AppendRetries:      0,
	}, zerolog.Nop())
	require.NoError(t, err)

	require.True(t, node.DoElection())

	return New(node, machine, zerolog.Nop())
}

func TestPrepareRejectsNonLeader(t *testing.T) {
	h := newSoloLeader(t, statemachine.AccountA)
	h.Node.TriggerLeaderChange()

	resp := h.Prepare(PrepareRequest{Transactions: map[string]int64{statemachine.AccountA: 10}})
	require.Equal(t, StatusError, resp.Status)
}

func TestPrepareAbortsOnInsufficientFunds(t *testing.T) {
	h := newSoloLeader(t, statemachine.AccountA)

	resp := h.Prepare(PrepareRequest{Transactions: map[string]int64{statemachine.AccountA: -10}})
	require.Equal(t, StatusAbort, resp.Status)
}

func TestPrepareThenCommitAppliesDelta(t *testing.T) {
	h := newSoloLeader(t, statemachine.AccountA)

	txs := map[string]int64{statemachine.AccountA: 25, statemachine.AccountB: -25}
	prep := h.Prepare(PrepareRequest{Transactions: txs})
	require.Equal(t, StatusPrepared, prep.Status)

	commit := h.Commit(CommitRequest{Transactions: txs})
	require.Equal(t, StatusCommitted, commit.Status)
	require.Equal(t, int64(25), h.Machine.GetBalance())
}

func TestCommitIsIdempotent(t *testing.T) {
	h := newSoloLeader(t, statemachine.AccountA)

	txs := map[string]int64{statemachine.AccountA: 25, statemachine.AccountB: -25}
	require.Equal(t, StatusPrepared, h.Prepare(PrepareRequest{Transactions: txs}).Status)
	require.Equal(t, StatusCommitted, h.Commit(CommitRequest{Transactions: txs}).Status)

	// re-delivery must not double-apply the delta
	second := h.Commit(CommitRequest{Transactions: txs})
	require.Equal(t, StatusCommitted, second.Status)
	require.Equal(t, int64(25), h.Machine.GetBalance())
}

func TestInDoubtAfterPrepareWithoutCommit(t *testing.T) {
	h := newSoloLeader(t, statemachine.AccountA)

	txs := map[string]int64{statemachine.AccountA: 10, statemachine.AccountB: -10}
	require.Equal(t, StatusPrepared, h.Prepare(PrepareRequest{Transactions: txs}).Status)

	require.True(t, h.Machine.InDoubt(1))
	require.Equal(t, int64(0), h.Machine.GetBalance())
}

func TestPrepareSimulatedCrashAbortsAndLeavesNodeCrashed(t *testing.T) {
	h := newSoloLeader(t, statemachine.AccountA)

	txs := map[string]int64{statemachine.AccountA: 10, statemachine.AccountB: -10}
	resp := h.Prepare(PrepareRequest{Transactions: txs, SimulationTag: string(config.TagCrashBeforePrepare)})

	require.Equal(t, StatusAbort, resp.Status)
	require.True(t, h.Node.IsCrashed())
}
