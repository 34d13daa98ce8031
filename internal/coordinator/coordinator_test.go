package coordinator

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/panaschristou/raft2pc-bank/internal/config"
	"github.com/panaschristou/raft2pc-bank/internal/statemachine"
)

// fakeParticipant models one cluster's leader for coordinator tests: an
// in-memory balance plus prepare/commit logs, with the same guard and
// idempotence rules as internal/participant.Handler.
type fakeParticipant struct {
	mu         sync.Mutex
	accountKey string
	balance    int64
	isLeader   bool
	crashedFor time.Duration
	prepareLog []statemachine.TransactionRecord
	commitLog  []statemachine.TransactionRecord
}

func (p *fakeParticipant) setLeader(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isLeader = v
}

func (p *fakeParticipant) getLeaderStatus() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isLeader
}

func (p *fakeParticipant) prepare(txs map[string]int64) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isLeader {
		return "error"
	}
	delta := txs[p.accountKey]
	if p.balance+delta < 0 {
		return "abort"
	}
	var nextID int64 = 1
	if len(p.prepareLog) > 0 {
		nextID = p.prepareLog[len(p.prepareLog)-1].TransactionID + 1
	}
	p.prepareLog = append(p.prepareLog, statemachine.TransactionRecord{TransactionID: nextID, Transactions: txs})
	return "prepared"
}

func (p *fakeParticipant) commit(txs map[string]int64) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isLeader {
		return "error"
	}
	if len(p.prepareLog) == 0 {
		return "error"
	}
	last := p.prepareLog[len(p.prepareLog)-1]
	if len(p.commitLog) > 0 && p.commitLog[len(p.commitLog)-1].TransactionID == last.TransactionID {
		return "committed"
	}
	p.commitLog = append(p.commitLog, statemachine.TransactionRecord{TransactionID: last.TransactionID, Transactions: txs})
	p.balance += txs[p.accountKey]
	return "committed"
}

// fakeClient implements ParticipantClient against two fakeParticipants
// keyed by address, and can simulate a leader outage for a node.
type fakeClient struct {
	nodes map[string]*fakeParticipant
}

func newFakeClient(leaderA, leaderB *fakeParticipant, addrA, addrB string) *fakeClient {
	return &fakeClient{nodes: map[string]*fakeParticipant{addrA: leaderA, addrB: leaderB}}
}

func (f *fakeClient) GetLeaderStatus(addr string) (bool, error) {
	p, ok := f.nodes[addr]
	if !ok {
		return false, fmt.Errorf("unknown node %s", addr)
	}
	return p.getLeaderStatus(), nil
}

func (f *fakeClient) Prepare(addr string, txs map[string]int64, simTag string) (string, error) {
	p, ok := f.nodes[addr]
	if !ok {
		return "", fmt.Errorf("unknown node %s", addr)
	}
	return p.prepare(txs), nil
}

func (f *fakeClient) Commit(addr string, txs map[string]int64, simTag string) (string, error) {
	p, ok := f.nodes[addr]
	if !ok {
		return "", fmt.Errorf("unknown node %s", addr)
	}
	return p.commit(txs), nil
}

func (f *fakeClient) LogPrepare(addr string) error { return nil }
func (f *fakeClient) LogCommit(addr string) error  { return nil }

func (f *fakeClient) GetBalance(addr string) (int64, error) {
	p, ok := f.nodes[addr]
	if !ok {
		return 0, fmt.Errorf("unknown node %s", addr)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

func (f *fakeClient) LastRecords(addr string) (int64, int64, error) {
	p, ok := f.nodes[addr]
	if !ok {
		return 0, 0, fmt.Errorf("unknown node %s", addr)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var lastPrepare, lastCommit int64
	if n := len(p.prepareLog); n > 0 {
		lastPrepare = p.prepareLog[n-1].TransactionID
	}
	if n := len(p.commitLog); n > 0 {
		lastCommit = p.commitLog[n-1].TransactionID
	}
	return lastPrepare, lastCommit, nil
}

func testTopology() config.Topology {
	top := config.Default()
	top.Timeouts.PhaseRetryInterval = time.Millisecond
	top.Timeouts.PhaseRetryWindow = 50 * time.Millisecond
	top.Timeouts.LeaderProbeTimeout = 50 * time.Millisecond
	top.Timeouts.CoordinatorCrash = 10 * time.Millisecond
	return top
}

func newTestCoordinator(t *testing.T, balanceA, balanceB int64) (*Coordinator, *fakeParticipant, *fakeParticipant) {
	t.Helper()
	top := testTopology()
	addrA := top.ClusterNodes(config.ClusterA)[0].Addr()
	addrB := top.ClusterNodes(config.ClusterB)[0].Addr()

	leaderA := &fakeParticipant{accountKey: statemachine.AccountA, balance: balanceA, isLeader: true}
	leaderB := &fakeParticipant{accountKey: statemachine.AccountB, balance: balanceB, isLeader: true}
	client := newFakeClient(leaderA, leaderB, addrA, addrB)

	return New(top, client, zerolog.Nop()), leaderA, leaderB
}

func TestS1CommittedTransaction(t *testing.T) {
	c, leaderA, leaderB := newTestCoordinator(t, 1000, 500)

	status, err := c.RunTransaction(map[string]int64{statemachine.AccountA: -100, statemachine.AccountB: 100}, config.TagNone)
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, status)
	require.Equal(t, int64(900), leaderA.balance)
	require.Equal(t, int64(600), leaderB.balance)
	require.Len(t, leaderA.commitLog, 1)
	require.Len(t, leaderB.commitLog, 1)
}

func TestS2AbortedOnInsufficientFunds(t *testing.T) {
	c, leaderA, leaderB := newTestCoordinator(t, 50, 500)

	status, err := c.RunTransaction(map[string]int64{statemachine.AccountA: -100, statemachine.AccountB: 100}, config.TagNone)
	require.NoError(t, err)
	require.Equal(t, StatusAborted, status)
	require.Equal(t, int64(50), leaderA.balance)
	require.Equal(t, int64(500), leaderB.balance)
	require.Len(t, leaderB.commitLog, 0)
}

func TestS3CommitsAfterLeaderChangeInClusterA(t *testing.T) {
	top := testTopology()
	addrA1 := top.ClusterNodes(config.ClusterA)[0].Addr()
	addrA2 := top.ClusterNodes(config.ClusterA)[1].Addr()
	addrB := top.ClusterNodes(config.ClusterB)[0].Addr()

	crashedLeader := &fakeParticipant{accountKey: statemachine.AccountA, balance: 1000, isLeader: false}
	newLeader := &fakeParticipant{accountKey: statemachine.AccountA, balance: 1000, isLeader: true}
	leaderB := &fakeParticipant{accountKey: statemachine.AccountB, balance: 500, isLeader: true}

	client := &fakeClient{nodes: map[string]*fakeParticipant{
		addrA1: crashedLeader,
		addrA2: newLeader,
		addrB:  leaderB,
	}}

	c := New(top, client, zerolog.Nop())
	status, err := c.RunTransaction(map[string]int64{statemachine.AccountA: -100, statemachine.AccountB: 100}, config.TagNone)
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, status)
	require.Equal(t, int64(900), newLeader.balance)
	require.Equal(t, int64(600), leaderB.balance)
}

func TestS4BonusTransaction(t *testing.T) {
	c, leaderA, leaderB := newTestCoordinator(t, 1000, 500)

	status, err := c.Bonus()
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, status)
	require.Equal(t, int64(1200), leaderA.balance)
	require.Equal(t, int64(700), leaderB.balance)
}

func TestS5CoordinatorCrashAfterPrepareRetriesIdempotently(t *testing.T) {
	c, leaderA, leaderB := newTestCoordinator(t, 1000, 500)
	c.SetCrashSimulation(config.TagCoordinatorCrashAfterSendPrepare)

	status, err := c.RunTransaction(map[string]int64{statemachine.AccountA: -100, statemachine.AccountB: 100}, config.TagCoordinatorCrashAfterSendPrepare)
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, status)
	require.Equal(t, int64(900), leaderA.balance)
	require.Equal(t, int64(600), leaderB.balance)
	// prepare was re-issued once after the simulated crash but must stay
	// idempotent: only one prepare/commit record per cluster.
	require.Len(t, leaderA.prepareLog, 1)
	require.Len(t, leaderB.prepareLog, 1)
}

func TestS6ReconcileAfterCommitCrashBothCommitted(t *testing.T) {
	c, leaderA, leaderB := newTestCoordinator(t, 1000, 500)
	c.SetCrashSimulation(config.TagCoordinatorCrashAfterSendCommit)

	status, err := c.RunTransaction(map[string]int64{statemachine.AccountA: -100, statemachine.AccountB: 100}, config.TagNone)
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, status)
	require.Equal(t, int64(900), leaderA.balance)
	require.Equal(t, int64(600), leaderB.balance)
}

func TestBoundaryPrepareToExactlyZeroSucceeds(t *testing.T) {
	c, leaderA, leaderB := newTestCoordinator(t, 100, 500)

	status, err := c.RunTransaction(map[string]int64{statemachine.AccountA: -100, statemachine.AccountB: 100}, config.TagNone)
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, status)
	require.Equal(t, int64(0), leaderA.balance)
	require.Equal(t, int64(600), leaderB.balance)
}

func TestBoundaryPrepareToNegativeOneAborts(t *testing.T) {
	c, leaderA, leaderB := newTestCoordinator(t, 99, 500)

	status, err := c.RunTransaction(map[string]int64{statemachine.AccountA: -100, statemachine.AccountB: 100}, config.TagNone)
	require.NoError(t, err)
	require.Equal(t, StatusAborted, status)
	require.Equal(t, int64(99), leaderA.balance)
	require.Equal(t, int64(500), leaderB.balance)
}

func TestNoLeaderAbortsTransaction(t *testing.T) {
	c, leaderA, _ := newTestCoordinator(t, 1000, 500)
	leaderA.setLeader(false)

	status, err := c.RunTransaction(map[string]int64{statemachine.AccountA: -100, statemachine.AccountB: 100}, config.TagNone)
	require.NoError(t, err)
	require.Equal(t, StatusAborted, status)
}
