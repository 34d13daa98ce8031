package raft

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStorage is an in-memory Storage fake; the durability contract itself
// is exercised against the real bbolt-backed store in internal/raftstore.
type memStorage struct {
	mu       sync.Mutex
	term     int64
	votedFor string
	entries  []LogEntry
}

func (s *memStorage) SaveTermVote(term int64, votedFor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term, s.votedFor = term, votedFor
	return nil
}

func (s *memStorage) LoadTermVote() (int64, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term, s.votedFor, nil
}

func (s *memStorage) ReplaceLog(entries []LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append([]LogEntry{}, entries...)
	return nil
}

func (s *memStorage) LoadLog() ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LogEntry{}, s.entries...), nil
}

func (s *memStorage) Close() error { return nil }

// recordingApplier captures every entry handed to it, in order.
type recordingApplier struct {
	mu      sync.Mutex
	applied []LogEntry
}

func (a *recordingApplier) Apply(entry LogEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, entry)
}

func (a *recordingApplier) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.applied)
}

// directPeer forwards RPCs straight to another in-process Node, so tests
// can exercise the full election/replication protocol without a network.
type directPeer struct {
	target *Node
}

func (p *directPeer) RequestVote(args RequestVoteArgs) (RequestVoteReply, error) {
	return p.target.HandleVote(args), nil
}

func (p *directPeer) AppendEntries(args AppendEntriesArgs) (AppendEntriesReply, error) {
	return p.target.HandleAppend(args), nil
}

func testConfig() Config {
	return Config{
		ElectionTimeoutMin: time.Hour,
		ElectionTimeoutMax: 2 * time.Hour,
		HeartbeatInterval:  time.Hour,
		CrashDuration:      30 * time.Millisecond,
		AppendRetries:      2,
	}
}

// newCluster builds n nodes fully peered to each other with no background
// timers running (election/heartbeat intervals are set far beyond the test
// lifetime); callers drive elections and appends explicitly.
func newCluster(t *testing.T, n int) ([]*Node, []*memStorage, []*recordingApplier) {
	t.Helper()
	nodes := make([]*Node, n)
	storages := make([]*memStorage, n)
	appliers := make([]*recordingApplier, n)
	ids := make([]string, n)
	for i := range ids {
		ids[i] = string(rune('A' + i))
	}

	for i := 0; i < n; i++ {
		storages[i] = &memStorage{}
		appliers[i] = &recordingApplier{}
	}
	for i := 0; i < n; i++ {
		node, err := NewNode(ids[i], nil, storages[i], appliers[i], testConfig(), zerolog.Nop())
		require.NoError(t, err)
		nodes[i] = node
	}
	for i := 0; i < n; i++ {
		peers := make(map[string]Peer)
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			peers[ids[j]] = &directPeer{target: nodes[j]}
		}
		nodes[i].peers = peers
	}
	return nodes, storages, appliers
}

func countLeaders(nodes []*Node) int {
	count := 0
	for _, n := range nodes {
		if n.GetLeaderStatus() {
			count++
		}
	}
	return count
}

func TestDoElectionWinsWithMajority(t *testing.T) {
	nodes, _, _ := newCluster(t, 3)
	won := nodes[0].DoElection()
	assert.True(t, won)
	assert.Equal(t, Leader, nodes[0].State)
	assert.Equal(t, 1, countLeaders(nodes))
}

func TestHandleVoteRejectsStaleTerm(t *testing.T) {
	nodes, _, _ := newCluster(t, 2)
	nodes[0].Term = 5
	reply := nodes[0].HandleVote(RequestVoteArgs{Term: 3, CandidateID: "B"})
	assert.False(t, reply.VoteGranted)
	assert.Equal(t, int64(5), reply.Term)
}

func TestHandleVoteGrantsOncePerTerm(t *testing.T) {
	nodes, _, _ := newCluster(t, 2)
	first := nodes[0].HandleVote(RequestVoteArgs{Term: 1, CandidateID: "B"})
	assert.True(t, first.VoteGranted)

	second := nodes[0].HandleVote(RequestVoteArgs{Term: 1, CandidateID: "A"})
	assert.False(t, second.VoteGranted)
}

func TestAppendCommandReplicatesToMajorityAndApplies(t *testing.T) {
	nodes, _, appliers := newCluster(t, 3)
	require.True(t, nodes[0].DoElection())

	idx, err := nodes[0].AppendCommand(Command{Kind: CmdSetBalance, Payload: []byte(`{"balance":100}`)})
	require.NoError(t, err)
	assert.Equal(t, int64(0), idx)

	// The leader applies once a majority holds the entry; followers learn the
	// new commit index only from the next AppendEntries, so they have not
	// applied it yet.
	assert.Equal(t, 1, appliers[0].count())
	assert.Equal(t, 0, appliers[1].count())
	assert.Equal(t, 0, appliers[2].count())
}

func TestSendAppendCatchesUpLaggingFollowerWithFullSuffix(t *testing.T) {
	nodes, _, appliers := newCluster(t, 3)
	require.True(t, nodes[0].DoElection())

	// Detach node C from replication for one append, simulating a follower
	// that missed an AppendCommand (e.g. during a SimulateCrash window).
	fullPeers := nodes[0].peers
	nodes[0].peers = map[string]Peer{"B": fullPeers["B"]}

	_, err := nodes[0].AppendCommand(Command{Kind: CmdSetBalance, Payload: []byte(`{"balance":100}`)})
	require.NoError(t, err)
	assert.Equal(t, 0, appliers[2].count())

	// Reattach C; the next append must carry both missed entries, not just
	// the newest one, so C catches up in a single round.
	nodes[0].peers = fullPeers

	_, err = nodes[0].AppendCommand(Command{Kind: CmdSetBalance, Payload: []byte(`{"balance":200}`)})
	require.NoError(t, err)

	// That round carried leaderCommit 0, so C has applied the first entry;
	// the second is applied on the following AppendEntries.
	assert.Equal(t, 1, appliers[2].count())
	assert.Equal(t, nodes[0].Entries, nodes[2].Entries)
}

func TestAppendCommandFailsWhenNotLeader(t *testing.T) {
	nodes, _, _ := newCluster(t, 3)
	_, err := nodes[1].AppendCommand(Command{Kind: CmdSetBalance})
	assert.ErrorIs(t, err, ErrNotLeader)
}

func TestHandleAppendRejectsOnPrevLogMismatch(t *testing.T) {
	nodes, _, _ := newCluster(t, 2)
	reply := nodes[1].HandleAppend(AppendEntriesArgs{
		Term:         1,
		LeaderID:     "A",
		PrevLogIndex: 3,
		PrevLogTerm:  1,
	})
	assert.False(t, reply.Success)
}

func TestHandleAppendAcceptsEntriesAndAdvancesCommit(t *testing.T) {
	nodes, _, appliers := newCluster(t, 2)
	entries := []LogEntry{{Index: 0, Term: 1, Command: Command{Kind: CmdSetBalance}}}
	reply := nodes[1].HandleAppend(AppendEntriesArgs{
		Term:         1,
		LeaderID:     "A",
		PrevLogIndex: -1,
		PrevLogTerm:  0,
		Entries:      entries,
		LeaderCommit: 0,
	})
	assert.True(t, reply.Success)
	assert.Equal(t, 1, appliers[1].count())
}

func TestReconcileLogTruncatesConflictingSuffix(t *testing.T) {
	existing := []LogEntry{
		{Index: 0, Term: 1},
		{Index: 1, Term: 1},
		{Index: 2, Term: 1},
	}
	newEntries := []LogEntry{{Index: 1, Term: 2}}
	merged := reconcileLog(existing, 0, newEntries)
	require.Len(t, merged, 2)
	assert.Equal(t, int64(2), merged[1].Term)
}

func TestSimulateCrashRejectsThenRecovers(t *testing.T) {
	nodes, _, _ := newCluster(t, 2)
	nodes[0].SimulateCrash()
	assert.True(t, nodes[0].IsCrashed())

	reply := nodes[0].HandleVote(RequestVoteArgs{Term: 1, CandidateID: "B"})
	assert.False(t, reply.VoteGranted)

	assert.Eventually(t, func() bool {
		return !nodes[0].IsCrashed()
	}, time.Second, 5*time.Millisecond)
}

func TestTriggerLeaderChangeStepsDownLeaderOnly(t *testing.T) {
	nodes, _, _ := newCluster(t, 3)
	require.True(t, nodes[0].DoElection())

	assert.True(t, nodes[0].TriggerLeaderChange())
	assert.Equal(t, Follower, nodes[0].State)
	assert.False(t, nodes[1].TriggerLeaderChange())
}

func TestSnapshotIsReadOnlyCopy(t *testing.T) {
	nodes, _, _ := newCluster(t, 1)
	snap := nodes[0].Snapshot()
	snap.Entries = append(snap.Entries, LogEntry{Index: 99})
	assert.Empty(t, nodes[0].Entries)
}
