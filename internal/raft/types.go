package raft

import "encoding/json"

// Role is this node's current position in the Raft state machine. Candidate
// is a virtual role: while an election is outstanding the node still
// behaves like a Follower for the purposes of incoming RPCs (spec.md §4.1).
type Role string

const (
	Follower  Role = "Follower"
	Candidate Role = "Candidate"
	Leader    Role = "Leader"
)

// CommandKind tags the three mutations the cluster state machine can apply
// (spec.md §4.2). The Raft core never interprets the payload itself; it
// only replicates and orders it, then hands committed entries to an
// Applier.
type CommandKind string

const (
	CmdSetBalance    CommandKind = "SET_BALANCE"
	CmdAppendPrepare CommandKind = "APPEND_PREPARE"
	CmdAppendCommit  CommandKind = "APPEND_COMMIT"
	CmdSubmitValue   CommandKind = "SUBMIT_VALUE"
)

// Command is one replicated mutation. Payload is interpreted by whatever
// Applier is attached to the Node (internal/statemachine owns that).
type Command struct {
	Kind    CommandKind     `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// LogEntry is one record in the replicated log. (Index, Term) uniquely
// identifies an entry; entries before the commit index are immutable
// (spec.md §3 invariant 4).
type LogEntry struct {
	Index   int64   `json:"index"`
	Term    int64   `json:"term"`
	Command Command `json:"command"`
}

// Applier is notified of every entry as it crosses the commit index, in
// index order. Implemented by internal/statemachine.Machine.
type Applier interface {
	Apply(entry LogEntry)
}

// Storage persists currentTerm, votedFor, and the log prefix through the
// last index, so that a restarted node never forgets a vote it cast or a
// record it accepted (spec.md §4.1 persistence contract). The commit index
// and any other volatile state may be rebuilt and are not part of this
// interface.
type Storage interface {
	SaveTermVote(term int64, votedFor string) error
	LoadTermVote() (term int64, votedFor string, err error)
	ReplaceLog(entries []LogEntry) error
	LoadLog() ([]LogEntry, error)
	Close() error
}

// Peer is the minimal outbound RPC surface a Node needs against another
// member of its cluster. internal/server implements this over internal/wire.
type Peer interface {
	RequestVote(args RequestVoteArgs) (RequestVoteReply, error)
	AppendEntries(args AppendEntriesArgs) (AppendEntriesReply, error)
}

// RequestVoteArgs mirrors wire.RequestVoteArgs without importing the wire
// package from the consensus core, so internal/raft stays transport-agnostic.
type RequestVoteArgs struct {
	Term         int64
	CandidateID  string
	LastLogIndex int64
	LastLogTerm  int64
}

type RequestVoteReply struct {
	Term        int64
	VoteGranted bool
}

type AppendEntriesArgs struct {
	Term         int64
	LeaderID     string
	PrevLogIndex int64
	PrevLogTerm  int64
	Entries      []LogEntry
	LeaderCommit int64
}

type AppendEntriesReply struct {
	Term    int64
	Success bool
}
