// Package raft implements the per-cluster consensus core: leader election,
// log replication, the commit rule, and the two fault-injection hooks
// (SimulateCrash, TriggerLeaderChange) named in spec.md §4.1. It is
// transport- and state-machine-agnostic: callers supply a Storage for
// durability, an Applier to receive committed entries, and a set of Peer
// implementations for talking to the rest of the cluster.
//
// Structurally this follows blastbao-leifdb/internal/node/node.go: a single
// Node struct embedding sync.Mutex, a map of peers, DoElection/SendAppend/
// applyThrough/HandleVote/HandleAppend methods, and a channel used to reset
// the election timer from RPC handlers.
package raft

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/panaschristou/raft2pc-bank/internal/metrics"
)

var (
	// ErrNotLeader indicates a write was attempted against a non-leader node.
	ErrNotLeader = errors.New("not the leader")

	// ErrAppendFailed indicates a log append did not reach a majority of
	// followers within the available retries.
	ErrAppendFailed = errors.New("failed to append log to a majority of nodes")

	// ErrCrashed indicates the node is in a simulated crash window and is
	// not accepting RPCs.
	ErrCrashed = errors.New("node is simulating a crash")
)

// Config bundles the timing parameters a Node needs. Bounds are supplied by
// the caller (internal/config) rather than recomputed as constants.
type Config struct {
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	CrashDuration      time.Duration
	AppendRetries      int
}

// Node is one member of a Raft cluster.
type Node struct {
	sync.Mutex

	ID      string
	peers   map[string]Peer
	storage Storage
	applier Applier
	cfg     Config
	log     zerolog.Logger

	State       Role
	Term        int64
	votedFor    string
	CommitIndex int64
	lastApplied int64
	Entries     []LogEntry

	// nextIndex/matchIndex track, per peer, the next log index to send and
	// the highest index known to be replicated there (reset whenever this
	// node wins an election). Mirrors blastbao-leifdb's ForeignNode.
	nextIndex  map[string]int64
	matchIndex map[string]int64

	allowVote  bool
	crashed    bool
	leaderHint string

	resetCh chan struct{}
	stopCh  chan struct{}
	started bool
}

// NewNode constructs a Node, replaying any persisted term/vote/log from
// storage (spec.md §4.1 persistence contract).
func NewNode(id string, peers map[string]Peer, storage Storage, applier Applier, cfg Config, log zerolog.Logger) (*Node, error) {
	term, votedFor, err := storage.LoadTermVote()
	if err != nil {
		return nil, fmt.Errorf("loading persisted term/vote: %w", err)
	}
	entries, err := storage.LoadLog()
	if err != nil {
		return nil, fmt.Errorf("loading persisted log: %w", err)
	}

	n := &Node{
		ID:          id,
		peers:       peers,
		storage:     storage,
		applier:     applier,
		cfg:         cfg,
		log:         log,
		State:       Follower,
		Term:        term,
		votedFor:    votedFor,
		CommitIndex: -1,
		lastApplied: -1,
		Entries:     entries,
		nextIndex:   make(map[string]int64, len(peers)),
		matchIndex:  make(map[string]int64, len(peers)),
		allowVote:   true,
		resetCh:     make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
	metrics.RaftPeersTotal.Set(float64(len(peers)))
	metrics.RaftTerm.Set(float64(term))
	return n, nil
}

// Start launches the background election timer and heartbeat sender
// (spec.md §5). It must be called once per process lifetime.
func (n *Node) Start() {
	n.Lock()
	if n.started {
		n.Unlock()
		return
	}
	n.started = true
	n.Unlock()

	go n.electionLoop()
	go n.heartbeatLoop()
}

// Stop halts the background goroutines permanently.
func (n *Node) Stop() {
	close(n.stopCh)
}

func (n *Node) randomizedTimeout() time.Duration {
	lo := n.cfg.ElectionTimeoutMin
	hi := n.cfg.ElectionTimeoutMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

// electionLoop owns the election timer: it resets on a valid heartbeat or a
// granted vote (signaled via resetCh) and starts an election on expiry.
func (n *Node) electionLoop() {
	timer := time.NewTimer(n.randomizedTimeout())
	defer timer.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-n.resetCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(n.randomizedTimeout())
		case <-timer.C:
			if !n.IsCrashed() {
				n.DoElection()
			}
			timer.Reset(n.randomizedTimeout())
		}
	}
}

// heartbeatLoop sends (possibly empty) AppendEntries to every follower on
// every tick while this node is Leader.
func (n *Node) heartbeatLoop() {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.Lock()
			isLeader := n.State == Leader
			term := n.Term
			n.Unlock()
			if isLeader && !n.IsCrashed() {
				_ = n.SendAppend(0, term)
			}
		}
	}
}

func (n *Node) resetElectionTimer() {
	select {
	case n.resetCh <- struct{}{}:
	default:
	}
}

// IsCrashed reports whether the node is currently in a simulated crash
// window (spec.md §4.1 SimulateCrash).
func (n *Node) IsCrashed() bool {
	n.Lock()
	defer n.Unlock()
	return n.crashed
}

// SimulateCrash detaches the node from the network for cfg.CrashDuration:
// it stops granting votes, accepting appends, and sending heartbeats, but
// keeps every byte of persistent state. On rejoin it catches up the normal
// way, via AppendEntries from whichever node is leader by then.
func (n *Node) SimulateCrash() {
	n.Lock()
	n.crashed = true
	n.Unlock()
	metrics.RaftIsLeader.Set(0)

	n.log.Info().Dur("duration", n.cfg.CrashDuration).Msg("simulating crash")
	go func() {
		time.Sleep(n.cfg.CrashDuration)
		n.Lock()
		n.crashed = false
		n.State = Follower
		n.Unlock()
		n.resetElectionTimer()
		n.log.Info().Msg("rejoining after simulated crash")
	}()
}

// TriggerLeaderChange steps a Leader down to Follower; it is a no-op on any
// other role. Used by operators to force a failover for testing.
func (n *Node) TriggerLeaderChange() bool {
	n.Lock()
	defer n.Unlock()
	if n.State != Leader {
		return false
	}
	n.State = Follower
	metrics.RaftIsLeader.Set(0)
	go n.resetElectionTimer()
	return true
}

func (n *Node) setTerm(term int64, votedFor string) error {
	n.Term = term
	n.votedFor = votedFor
	metrics.RaftTerm.Set(float64(term))
	return n.storage.SaveTermVote(term, votedFor)
}

func (n *Node) setLog(entries []LogEntry) error {
	if err := n.storage.ReplaceLog(entries); err != nil {
		return err
	}
	n.Entries = entries
	return nil
}

func (n *Node) lastLogIndexTerm() (int64, int64) {
	if len(n.Entries) == 0 {
		return -1, 0
	}
	last := n.Entries[len(n.Entries)-1]
	return last.Index, last.Term
}

// LeaderHint returns the node ID this node last saw act as leader (itself,
// if it is currently leader), or "" if it has never heard from one. Used to
// answer SubmitValue's redirect field (spec.md §6).
func (n *Node) LeaderHint() string {
	n.Lock()
	defer n.Unlock()
	return n.leaderHint
}

// GetLeaderStatus reports whether this node currently believes itself to be
// leader. Reads are served from local state by any node; the coordinator
// is responsible for validating leadership before treating a reply as
// authoritative (spec.md §4.2).
func (n *Node) GetLeaderStatus() bool {
	n.Lock()
	defer n.Unlock()
	return n.State == Leader && !n.crashed
}

// AppendCommand submits a new command for replication. It blocks until the
// entry is committed to a majority or an error occurs. Only the leader may
// call this successfully.
func (n *Node) AppendCommand(cmd Command) (int64, error) {
	n.Lock()
	if n.crashed {
		n.Unlock()
		return 0, ErrCrashed
	}
	if n.State != Leader {
		n.Unlock()
		return 0, ErrNotLeader
	}
	entry := LogEntry{
		Index:   int64(len(n.Entries)),
		Term:    n.Term,
		Command: cmd,
	}
	newEntries := append(append([]LogEntry{}, n.Entries...), entry)
	if err := n.setLog(newEntries); err != nil {
		n.Unlock()
		return 0, fmt.Errorf("persisting log append: %w", err)
	}
	term := n.Term
	n.Unlock()

	if err := n.SendAppend(n.cfg.AppendRetries, term); err != nil {
		return 0, err
	}

	n.Lock()
	committed := n.CommitIndex >= entry.Index
	n.Unlock()
	if !committed {
		return 0, ErrAppendFailed
	}
	return entry.Index, nil
}

// DoElection runs one election attempt: increments the term, votes for
// self, and requests votes from every peer in parallel.
func (n *Node) DoElection() bool {
	n.Lock()
	if n.crashed {
		n.Unlock()
		return false
	}
	if err := n.setTerm(n.Term+1, n.ID); err != nil {
		n.log.Error().Err(err).Msg("failed to persist term bump before election")
	}
	term := n.Term
	lastIdx, lastTerm := n.lastLogIndexTerm()
	n.State = Candidate
	peerIDs := make([]string, 0, len(n.peers))
	for id := range n.peers {
		peerIDs = append(peerIDs, id)
	}
	n.Unlock()

	numNodes := len(peerIDs) + 1
	majority := numNodes/2 + 1

	var mu sync.Mutex
	votes := 1
	maxTermSeen := term

	var wg sync.WaitGroup
	wg.Add(len(peerIDs))
	for _, id := range peerIDs {
		go func(id string) {
			defer wg.Done()
			reply, err := n.peers[id].RequestVote(RequestVoteArgs{
				Term:         term,
				CandidateID:  n.ID,
				LastLogIndex: lastIdx,
				LastLogTerm:  lastTerm,
			})
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if reply.VoteGranted {
				votes++
			} else if reply.Term > maxTermSeen {
				maxTermSeen = reply.Term
			}
		}(id)
	}
	wg.Wait()

	n.Lock()
	defer n.Unlock()
	if n.Term != term || n.State != Candidate {
		// a higher term arrived while the election was in flight
		return false
	}
	if votes < majority {
		n.State = Follower
		metrics.RaftIsLeader.Set(0)
		if maxTermSeen > n.Term {
			_ = n.setTerm(maxTermSeen, "")
		}
		n.log.Info().Int64("term", term).Int("votes", votes).Int("needed", majority).Msg("election failed")
		return false
	}

	n.State = Leader
	n.allowVote = false
	n.leaderHint = n.ID
	metrics.RaftIsLeader.Set(1)
	lastIdx, _ := n.lastLogIndexTerm()
	for id := range n.peers {
		n.nextIndex[id] = lastIdx + 1
		n.matchIndex[id] = -1
	}
	n.log.Info().Int64("term", term).Int("votes", votes).Msg("election succeeded")
	go func() {
		time.Sleep(n.cfg.HeartbeatInterval * 2)
		n.Lock()
		n.allowVote = true
		n.Unlock()
	}()
	return true
}

// candidateLogUpToDate implements the RequestVote up-to-date comparison of
// spec.md §4.1: compare lastLogTerm then lastLogIndex.
func (n *Node) candidateLogUpToDate(cIndex, cTerm int64) bool {
	myIndex, myTerm := n.lastLogIndexTerm()
	if cTerm != myTerm {
		return cTerm > myTerm
	}
	return cIndex >= myIndex
}

// HandleVote responds to RequestVote RPCs (spec.md §4.1).
func (n *Node) HandleVote(req RequestVoteArgs) RequestVoteReply {
	n.Lock()
	defer n.Unlock()

	if n.crashed {
		return RequestVoteReply{Term: n.Term, VoteGranted: false}
	}

	if req.Term > n.Term {
		_ = n.setTerm(req.Term, "")
		n.State = Follower
	}

	grant := false
	switch {
	case req.Term < n.Term:
	case !n.allowVote:
	case n.votedFor != "" && n.votedFor != req.CandidateID:
	case !n.candidateLogUpToDate(req.LastLogIndex, req.LastLogTerm):
	default:
		grant = true
		_ = n.setTerm(req.Term, req.CandidateID)
		n.resetElectionTimer()
	}

	return RequestVoteReply{Term: n.Term, VoteGranted: grant}
}

func (n *Node) checkPrevious(prevIndex, prevTerm int64) bool {
	if prevIndex < 0 {
		return true
	}
	if prevIndex >= int64(len(n.Entries)) {
		return false
	}
	return n.Entries[prevIndex].Term == prevTerm
}

// reconcileLog truncates any conflicting suffix and appends the leader's
// new entries, per the AppendEntries accept rule in spec.md §4.1.
func reconcileLog(existing []LogEntry, prevLogIndex int64, newEntries []LogEntry) []LogEntry {
	result := append([]LogEntry{}, existing...)
	for i, e := range newEntries {
		idx := prevLogIndex + 1 + int64(i)
		if idx < int64(len(result)) {
			if result[idx].Term == e.Term {
				continue
			}
			result = result[:idx]
		}
		result = append(result, newEntries[i:]...)
		break
	}
	return result
}

// HandleAppend responds to AppendEntries RPCs (spec.md §4.1), including
// empty-entries heartbeats.
func (n *Node) HandleAppend(req AppendEntriesArgs) AppendEntriesReply {
	n.Lock()
	defer n.Unlock()

	if n.crashed {
		return AppendEntriesReply{Term: n.Term, Success: false}
	}

	if req.Term < n.Term {
		return AppendEntriesReply{Term: n.Term, Success: false}
	}

	if req.Term > n.Term {
		_ = n.setTerm(req.Term, req.LeaderID)
	}
	wasLeader := n.State == Leader
	n.State = Follower
	if wasLeader {
		metrics.RaftIsLeader.Set(0)
	}
	n.resetElectionTimer()

	n.leaderHint = req.LeaderID

	if !n.checkPrevious(req.PrevLogIndex, req.PrevLogTerm) {
		return AppendEntriesReply{Term: n.Term, Success: false}
	}

	if len(req.Entries) > 0 {
		merged := reconcileLog(n.Entries, req.PrevLogIndex, req.Entries)
		if err := n.setLog(merged); err != nil {
			n.log.Error().Err(err).Msg("failed to persist replicated log")
			return AppendEntriesReply{Term: n.Term, Success: false}
		}
	}

	n.applyThrough(req.LeaderCommit)
	return AppendEntriesReply{Term: n.Term, Success: true}
}

// applyThrough advances CommitIndex to min(target, last log index) and
// applies every newly committed entry to the attached Applier, in order.
// Callers must hold n.Mutex.
func (n *Node) applyThrough(target int64) {
	lastIdx := int64(len(n.Entries) - 1)
	if target > lastIdx {
		target = lastIdx
	}
	if target <= n.CommitIndex {
		return
	}
	n.CommitIndex = target
	metrics.RaftCommitIndex.Set(float64(target))
	for n.lastApplied < n.CommitIndex {
		n.lastApplied++
		n.applier.Apply(n.Entries[n.lastApplied])
	}
}

// requestAppendOne sends AppendEntries to a single peer starting at that
// peer's tracked nextIndex, so it replicates the whole suffix the peer is
// missing rather than assuming it is exactly one entry behind. On rejection
// it decrements nextIndex and retries immediately, mirroring
// blastbao-leifdb's requestAppend/MatchIndex backoff; a rejection with
// nextIndex already at 0 is returned as a failed append. On acceptance it
// advances matchIndex/nextIndex to reflect what the peer now has.
func (n *Node) requestAppendOne(id string, term int64) (bool, error) {
	n.Lock()
	if n.State != Leader || n.Term != term {
		n.Unlock()
		return false, ErrNotLeader
	}
	entries := append([]LogEntry{}, n.Entries...)
	commit := n.CommitIndex
	nextIdx := n.nextIndex[id]
	if nextIdx > int64(len(entries)) {
		nextIdx = int64(len(entries))
	}
	prevLogIndex := nextIdx - 1
	var prevLogTerm int64
	if prevLogIndex >= 0 {
		prevLogTerm = entries[prevLogIndex].Term
	}
	sendFrom := entries[nextIdx:]
	n.Unlock()

	reply, err := n.peers[id].AppendEntries(AppendEntriesArgs{
		Term:         term,
		LeaderID:     n.ID,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      sendFrom,
		LeaderCommit: commit,
	})
	if err != nil {
		return false, err
	}
	if reply.Term > term {
		n.Lock()
		if reply.Term > n.Term {
			_ = n.setTerm(reply.Term, "")
			n.State = Follower
		}
		n.Unlock()
		return false, ErrNotLeader
	}

	n.Lock()
	if n.State != Leader || n.Term != term {
		n.Unlock()
		return false, ErrNotLeader
	}
	if reply.Success {
		n.matchIndex[id] = prevLogIndex + int64(len(sendFrom))
		n.nextIndex[id] = n.matchIndex[id] + 1
		n.Unlock()
		return true, nil
	}
	if n.nextIndex[id] == 0 {
		// nothing earlier to back off to, so this rejection is not a log
		// mismatch (e.g. the peer is in a simulated crash window)
		n.Unlock()
		return false, nil
	}
	n.nextIndex[id]--
	n.Unlock()
	return n.requestAppendOne(id, term)
}

// SendAppend replicates the current log to every peer and, on majority
// success, advances the commit index under the current-term safety rule:
// an entry is committed once replicated to a majority AND at least one
// entry from the leader's current term has also reached a majority
// (spec.md §4.1).
func (n *Node) SendAppend(retriesRemaining int, term int64) error {
	n.Lock()
	if n.State != Leader || n.Term != term {
		n.Unlock()
		return ErrNotLeader
	}
	peerIDs := make([]string, 0, len(n.peers))
	for id := range n.peers {
		peerIDs = append(peerIDs, id)
	}
	n.Unlock()

	numNodes := len(peerIDs) + 1
	majority := numNodes/2 + 1

	var mu sync.Mutex
	acked := 1
	var wg sync.WaitGroup
	wg.Add(len(peerIDs))
	for _, id := range peerIDs {
		go func(id string) {
			defer wg.Done()
			ok, err := n.requestAppendOne(id, term)
			if err == nil && ok {
				mu.Lock()
				acked++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	if acked < majority {
		if retriesRemaining > 0 {
			return n.SendAppend(retriesRemaining-1, term)
		}
		return ErrAppendFailed
	}

	n.Lock()
	defer n.Unlock()
	if n.State != Leader || n.Term != term {
		return ErrNotLeader
	}
	lastIdx := int64(len(n.Entries) - 1)
	if lastIdx >= 0 && n.Entries[lastIdx].Term == n.Term {
		n.applyThrough(lastIdx)
	}
	return nil
}

// Snapshot is a read-only view used by status endpoints and tests.
type Snapshot struct {
	State       Role
	Term        int64
	CommitIndex int64
	LastApplied int64
	Entries     []LogEntry
}

func (n *Node) Snapshot() Snapshot {
	n.Lock()
	defer n.Unlock()
	return Snapshot{
		State:       n.State,
		Term:        n.Term,
		CommitIndex: n.CommitIndex,
		LastApplied: n.lastApplied,
		Entries:     append([]LogEntry{}, n.Entries...),
	}
}
