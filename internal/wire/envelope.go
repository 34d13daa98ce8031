// Package wire implements the system's only RPC transport: one
// stream-oriented connection carries exactly one JSON request document and
// receives exactly one JSON response document, then is closed (spec.md
// §4.5/§6). There is no multiplexing and no persistent connection.
//
// Every rpc_type decodes into its own named request/response struct
// instead of an untyped map, per spec.md §9's guidance to replace ad-hoc
// JSON dictionaries with schema-checked message types; unknown fields are
// tolerated only at this transport edge (RawMessage payloads), never past
// the per-rpc Decode call.
package wire

import "encoding/json"

// RPCType names one row of the wire protocol table in spec.md §6.
type RPCType string

const (
	RPCRequestVote        RPCType = "RequestVote"
	RPCAppendEntries      RPCType = "AppendEntries"
	RPCSubmitValue        RPCType = "SubmitValue"
	RPCGetLeaderStatus    RPCType = "GetLeaderStatus"
	RPCGetBalance         RPCType = "GetBalance"
	RPCSetBalance         RPCType = "SetBalance"
	RPCGetLogs            RPCType = "GetLogs"
	RPCPrintLog           RPCType = "PrintLog"
	RPCTriggerLeaderChange RPCType = "TriggerLeaderChange"
	RPCSimulateCrash      RPCType = "SimulateCrash"
	RPC2PCRequest         RPCType = "2pc_request"
	RPC2PCPrepare         RPCType = "2pc_prepare"
	RPC2PCCommit          RPCType = "2pc_commit"
	RPC2PCLogPrepare      RPCType = "2pc_log_prepare"
	RPC2PCLogCommit       RPCType = "2pc_log_commit"
)

// Envelope is the single document exchanged in each direction:
// {"rpc_type": "...", "data": {...}}.
type Envelope struct {
	RPCType RPCType         `json:"rpc_type"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into data and wraps it with the given type.
func NewEnvelope(t RPCType, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{RPCType: t, Data: raw}, nil
}

// Decode unmarshals the envelope's data field into out.
func (e Envelope) Decode(out any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, out)
}

// ErrorResponse is returned for malformed RPCs or unknown rpc_type, and
// never causes the node to crash (spec.md §7).
type ErrorResponse struct {
	Error string `json:"error"`
}

// --- Raft RPC payloads -----------------------------------------------

type RequestVoteArgs struct {
	Term          int64  `json:"term"`
	CandidateID   string `json:"candidateId"`
	LastLogIndex  int64  `json:"lastLogIndex"`
	LastLogTerm   int64  `json:"lastLogTerm"`
}

type RequestVoteReply struct {
	Term        int64  `json:"term"`
	VoteGranted bool   `json:"voteGranted"`
	VoterID     string `json:"voterId,omitempty"`
}

type LogEntryWire struct {
	Index   int64           `json:"index"`
	Term    int64           `json:"term"`
	Command json.RawMessage `json:"command"`
}

type AppendEntriesArgs struct {
	Term         int64          `json:"term"`
	LeaderID     string         `json:"leaderId"`
	PrevLogIndex int64          `json:"prevLogIndex"`
	PrevLogTerm  int64          `json:"prevLogTerm"`
	Entries      []LogEntryWire `json:"entries"`
	LeaderCommit int64          `json:"leaderCommit"`
}

type AppendEntriesReply struct {
	Term    int64 `json:"term"`
	Success bool  `json:"success"`
}

// --- client-facing RPC payloads ---------------------------------------

type SubmitValueArgs struct {
	Value string `json:"value"`
}

type SubmitValueReply struct {
	Success bool   `json:"success"`
	Redirect bool  `json:"redirect,omitempty"`
	Leader  string `json:"leader_name,omitempty"`
}

type GetLeaderStatusReply struct {
	IsLeader bool `json:"is_leader"`
}

type GetBalanceReply struct {
	Status   string `json:"status"`
	NodeName string `json:"node_name"`
	Balance  int64  `json:"balance"`
}

type SetBalanceArgs struct {
	Balance int64 `json:"balance"`
}

type StatusReply struct {
	Status string `json:"status"`
}

type TransactionRecordWire struct {
	TransactionID  int64           `json:"transaction_id"`
	SimulationNum  string          `json:"simulation_num"`
	Transactions   map[string]int64 `json:"transactions"`
}

type GetLogsReply struct {
	AllLogs struct {
		PrepareLog []TransactionRecordWire `json:"prepare_log"`
		CommitLog  []TransactionRecordWire `json:"commit_log"`
		RaftLog    []LogEntryWire          `json:"raft_log"`
	} `json:"all_logs"`
}

// --- 2PC RPC payloads ---------------------------------------------------

type TwoPCArgs struct {
	Transactions  map[string]int64 `json:"transactions"`
	SimulationNum string           `json:"simulation_num,omitempty"`
}

type TwoPCReply struct {
	Status string `json:"status"` // prepared | committed | abort | aborted | error
	Error  string `json:"error,omitempty"`
}
