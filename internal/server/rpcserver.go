// Package server binds internal/wire's JSON/TCP transport to a cluster
// node's Raft core and 2PC participant handlers (spec.md §4.5/§6). It also
// implements raft.Peer so the Raft core can call out to other nodes over
// the same transport, completing the round trip started by
// internal/raftserver/rpc.go in the teacher (there: a thin gRPC server
// dispatching into *node.Node; here: a thin JSON server dispatching into
// *raft.Node / *participant.Handler).
package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/panaschristou/raft2pc-bank/internal/config"
	"github.com/panaschristou/raft2pc-bank/internal/participant"
	"github.com/panaschristou/raft2pc-bank/internal/raft"
	"github.com/panaschristou/raft2pc-bank/internal/statemachine"
	"github.com/panaschristou/raft2pc-bank/internal/wire"
)

// NodeServer answers every RPC a cluster node exposes (spec.md §6): Raft
// internals plus the 2PC participant surface plus the read/debug RPCs.
type NodeServer struct {
	NodeID  string
	Handler *participant.Handler
	Machine *statemachine.Machine
	log     zerolog.Logger
}

// NewNodeServer constructs the dispatcher for one cluster node.
func NewNodeServer(nodeID string, h *participant.Handler, m *statemachine.Machine, log zerolog.Logger) *NodeServer {
	return &NodeServer{NodeID: nodeID, Handler: h, Machine: m, log: log}
}

// Handle implements wire.Handler, dispatching on rpc_type to a typed
// request/response pair — the switch spec.md §9 asks for in place of the
// original's if/elif ladder on rpc_type.
func (s *NodeServer) Handle(ctx context.Context, req wire.Envelope) wire.Envelope {
	switch req.RPCType {
	case wire.RPCRequestVote:
		return s.handleRequestVote(req)
	case wire.RPCAppendEntries:
		return s.handleAppendEntries(req)
	case wire.RPCSubmitValue:
		return s.handleSubmitValue(req)
	case wire.RPCGetLeaderStatus:
		return s.handleGetLeaderStatus()
	case wire.RPCGetBalance:
		return s.handleGetBalance()
	case wire.RPCSetBalance:
		return s.handleSetBalance(req)
	case wire.RPCGetLogs:
		return s.handleGetLogs()
	case wire.RPCPrintLog:
		return s.handlePrintLog()
	case wire.RPCTriggerLeaderChange:
		return s.handleTriggerLeaderChange()
	case wire.RPCSimulateCrash:
		return s.handleSimulateCrash()
	case wire.RPC2PCPrepare:
		return s.handlePrepare(req)
	case wire.RPC2PCCommit:
		return s.handleCommit(req)
	case wire.RPC2PCLogPrepare:
		return s.handleLogPrepare()
	case wire.RPC2PCLogCommit:
		return s.handleLogCommit()
	default:
		return errorEnvelope(fmt.Sprintf("unknown rpc_type %q", req.RPCType))
	}
}

func errorEnvelope(msg string) wire.Envelope {
	env, _ := wire.NewEnvelope("", wire.ErrorResponse{Error: msg})
	return env
}

func (s *NodeServer) handleRequestVote(req wire.Envelope) wire.Envelope {
	var args wire.RequestVoteArgs
	if err := req.Decode(&args); err != nil {
		return errorEnvelope("malformed RequestVote args")
	}
	reply := s.Handler.Node.HandleVote(raft.RequestVoteArgs{
		Term:         args.Term,
		CandidateID:  args.CandidateID,
		LastLogIndex: args.LastLogIndex,
		LastLogTerm:  args.LastLogTerm,
	})
	env, _ := wire.NewEnvelope(wire.RPCRequestVote, wire.RequestVoteReply{
		Term:        reply.Term,
		VoteGranted: reply.VoteGranted,
	})
	return env
}

func (s *NodeServer) handleAppendEntries(req wire.Envelope) wire.Envelope {
	var args wire.AppendEntriesArgs
	if err := req.Decode(&args); err != nil {
		return errorEnvelope("malformed AppendEntries args")
	}
	entries := make([]raft.LogEntry, 0, len(args.Entries))
	for _, e := range args.Entries {
		var cmd raft.Command
		if len(e.Command) > 0 {
			if err := json.Unmarshal(e.Command, &cmd); err != nil {
				return errorEnvelope("malformed log entry command")
			}
		}
		entries = append(entries, raft.LogEntry{Index: e.Index, Term: e.Term, Command: cmd})
	}
	reply := s.Handler.Node.HandleAppend(raft.AppendEntriesArgs{
		Term:         args.Term,
		LeaderID:     args.LeaderID,
		PrevLogIndex: args.PrevLogIndex,
		PrevLogTerm:  args.PrevLogTerm,
		Entries:      entries,
		LeaderCommit: args.LeaderCommit,
	})
	env, _ := wire.NewEnvelope(wire.RPCAppendEntries, wire.AppendEntriesReply{Term: reply.Term, Success: reply.Success})
	return env
}

// handleSubmitValue implements SubmitValue (spec.md §6): the leader applies
// the value through Raft, any other node redirects the caller to the last
// leader it saw, mirroring original_source/node_2pc.py's handle_client_submit.
func (s *NodeServer) handleSubmitValue(req wire.Envelope) wire.Envelope {
	var args wire.SubmitValueArgs
	if err := req.Decode(&args); err != nil {
		return errorEnvelope("malformed SubmitValue args")
	}
	if !s.Handler.Node.GetLeaderStatus() {
		env, _ := wire.NewEnvelope(wire.RPCSubmitValue, wire.SubmitValueReply{
			Redirect: true,
			Leader:   s.Handler.Node.LeaderHint(),
		})
		return env
	}
	payload, _ := json.Marshal(args)
	if _, err := s.Handler.Node.AppendCommand(raft.Command{Kind: raft.CmdSubmitValue, Payload: payload}); err != nil {
		return errorEnvelope(err.Error())
	}
	env, _ := wire.NewEnvelope(wire.RPCSubmitValue, wire.SubmitValueReply{Success: true})
	return env
}

func (s *NodeServer) handleGetLeaderStatus() wire.Envelope {
	env, _ := wire.NewEnvelope(wire.RPCGetLeaderStatus, wire.GetLeaderStatusReply{IsLeader: s.Handler.Node.GetLeaderStatus()})
	return env
}

func (s *NodeServer) handleGetBalance() wire.Envelope {
	env, _ := wire.NewEnvelope(wire.RPCGetBalance, wire.GetBalanceReply{
		Status:   "ok",
		NodeName: s.NodeID,
		Balance:  s.Machine.GetBalance(),
	})
	return env
}

func (s *NodeServer) handleSetBalance(req wire.Envelope) wire.Envelope {
	var args wire.SetBalanceArgs
	if err := req.Decode(&args); err != nil {
		return errorEnvelope("malformed SetBalance args")
	}
	if !s.Handler.Node.GetLeaderStatus() {
		return errorEnvelope("not leader")
	}
	payload, _ := json.Marshal(args)
	if _, err := s.Handler.Node.AppendCommand(raft.Command{Kind: raft.CmdSetBalance, Payload: payload}); err != nil {
		return errorEnvelope(err.Error())
	}
	env, _ := wire.NewEnvelope(wire.RPCSetBalance, wire.StatusReply{Status: "ok"})
	return env
}

func (s *NodeServer) handleGetLogs() wire.Envelope {
	prepare, commit := s.Machine.GetLogs()
	var reply wire.GetLogsReply
	reply.AllLogs.PrepareLog = toWireRecords(prepare)
	reply.AllLogs.CommitLog = toWireRecords(commit)
	snap := s.Handler.Node.Snapshot()
	for _, e := range snap.Entries {
		cmdRaw, _ := json.Marshal(e.Command)
		reply.AllLogs.RaftLog = append(reply.AllLogs.RaftLog, wire.LogEntryWire{Index: e.Index, Term: e.Term, Command: cmdRaw})
	}
	env, _ := wire.NewEnvelope(wire.RPCGetLogs, reply)
	return env
}

func toWireRecords(records []statemachine.TransactionRecord) []wire.TransactionRecordWire {
	out := make([]wire.TransactionRecordWire, 0, len(records))
	for _, r := range records {
		out = append(out, wire.TransactionRecordWire{
			TransactionID: r.TransactionID,
			SimulationNum: r.SimulationNum,
			Transactions:  r.Transactions,
		})
	}
	return out
}

func (s *NodeServer) handlePrintLog() wire.Envelope {
	snap := s.Handler.Node.Snapshot()
	s.log.Info().Int("entries", len(snap.Entries)).Int64("commit_index", snap.CommitIndex).Msg("print_log")
	env, _ := wire.NewEnvelope(wire.RPCPrintLog, wire.StatusReply{Status: "ok"})
	return env
}

func (s *NodeServer) handleTriggerLeaderChange() wire.Envelope {
	changed := s.Handler.Node.TriggerLeaderChange()
	status := "Leader stepping down"
	if !changed {
		status = "not leader"
	}
	env, _ := wire.NewEnvelope(wire.RPCTriggerLeaderChange, wire.StatusReply{Status: status})
	return env
}

func (s *NodeServer) handleSimulateCrash() wire.Envelope {
	s.Handler.Node.SimulateCrash()
	env, _ := wire.NewEnvelope(wire.RPCSimulateCrash, wire.StatusReply{Status: "simulating crash"})
	return env
}

func (s *NodeServer) handlePrepare(req wire.Envelope) wire.Envelope {
	var args wire.TwoPCArgs
	if err := req.Decode(&args); err != nil {
		return errorEnvelope("malformed 2pc_prepare args")
	}
	resp := s.Handler.Prepare(participant.PrepareRequest{Transactions: args.Transactions, SimulationTag: args.SimulationNum})
	env, _ := wire.NewEnvelope(wire.RPC2PCPrepare, wire.TwoPCReply{Status: resp.Status, Error: resp.Error})
	return env
}

func (s *NodeServer) handleCommit(req wire.Envelope) wire.Envelope {
	var args wire.TwoPCArgs
	if err := req.Decode(&args); err != nil {
		return errorEnvelope("malformed 2pc_commit args")
	}
	resp := s.Handler.Commit(participant.CommitRequest{Transactions: args.Transactions, SimulationTag: args.SimulationNum})
	env, _ := wire.NewEnvelope(wire.RPC2PCCommit, wire.TwoPCReply{Status: resp.Status, Error: resp.Error})
	return env
}

func (s *NodeServer) handleLogPrepare() wire.Envelope {
	resp := s.Handler.LogPrepare(participant.LogConfirmRequest{})
	env, _ := wire.NewEnvelope(wire.RPC2PCLogPrepare, wire.StatusReply{Status: resp.Status})
	return env
}

func (s *NodeServer) handleLogCommit() wire.Envelope {
	resp := s.Handler.LogCommit(participant.LogConfirmRequest{})
	env, _ := wire.NewEnvelope(wire.RPC2PCLogCommit, wire.StatusReply{Status: resp.Status})
	return env
}

// RaftPeer implements raft.Peer against a single remote node over
// internal/wire, so *raft.Node can call peers without knowing about the
// transport package (keeps internal/raft import-cycle free).
type RaftPeer struct {
	addr     string
	timeouts config.Timeouts
}

// NewRaftPeer constructs a raft.Peer for the given node address.
func NewRaftPeer(addr string, timeouts config.Timeouts) *RaftPeer {
	return &RaftPeer{addr: addr, timeouts: timeouts}
}

func (p *RaftPeer) RequestVote(args raft.RequestVoteArgs) (raft.RequestVoteReply, error) {
	var reply wire.RequestVoteReply
	wireArgs := wire.RequestVoteArgs{
		Term:         args.Term,
		CandidateID:  args.CandidateID,
		LastLogIndex: args.LastLogIndex,
		LastLogTerm:  args.LastLogTerm,
	}
	if err := wire.CallTyped(p.addr, wire.RPCRequestVote, wireArgs, &reply, p.timeouts.RPCDialTimeout, p.timeouts.RPCReadTimeout); err != nil {
		return raft.RequestVoteReply{}, err
	}
	return raft.RequestVoteReply{Term: reply.Term, VoteGranted: reply.VoteGranted}, nil
}

func (p *RaftPeer) AppendEntries(args raft.AppendEntriesArgs) (raft.AppendEntriesReply, error) {
	entries := make([]wire.LogEntryWire, 0, len(args.Entries))
	for _, e := range args.Entries {
		cmdRaw, err := json.Marshal(e.Command)
		if err != nil {
			return raft.AppendEntriesReply{}, fmt.Errorf("encoding log entry command: %w", err)
		}
		entries = append(entries, wire.LogEntryWire{Index: e.Index, Term: e.Term, Command: cmdRaw})
	}
	wireArgs := wire.AppendEntriesArgs{
		Term:         args.Term,
		LeaderID:     args.LeaderID,
		PrevLogIndex: args.PrevLogIndex,
		PrevLogTerm:  args.PrevLogTerm,
		Entries:      entries,
		LeaderCommit: args.LeaderCommit,
	}
	var reply wire.AppendEntriesReply
	if err := wire.CallTyped(p.addr, wire.RPCAppendEntries, wireArgs, &reply, p.timeouts.RPCDialTimeout, p.timeouts.RPCReadTimeout); err != nil {
		return raft.AppendEntriesReply{}, err
	}
	return raft.AppendEntriesReply{Term: reply.Term, Success: reply.Success}, nil
}

var _ raft.Peer = (*RaftPeer)(nil)
