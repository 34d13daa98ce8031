// Package participant implements the 2PC participant RPCs that run on a
// cluster's Raft leader (spec.md §4.3). It is grounded on
// original_source/node_2pc.py's handle_2pc_prepare/handle_2pc_commit, but
// built by composition rather than the Python class's inheritance: Handler
// embeds *raft.Node and holds *statemachine.Machine in a field instead of
// extending a base RPC node class (spec.md §9 redesign guidance).
package participant

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/panaschristou/raft2pc-bank/internal/config"
	"github.com/panaschristou/raft2pc-bank/internal/metrics"
	"github.com/panaschristou/raft2pc-bank/internal/raft"
	"github.com/panaschristou/raft2pc-bank/internal/statemachine"
)

// Status strings exchanged over the wire (spec.md §6).
const (
	StatusPrepared  = "prepared"
	StatusAbort     = "abort"
	StatusCommitted = "committed"
	StatusError     = "error"
)

var errNotLeader = errors.New("not leader")

// Handler answers 2pc_prepare/2pc_commit/2pc_log_prepare/2pc_log_commit for
// one cluster node. It embeds the Raft core and keeps the state machine in
// the Machine field, so callers that only need Raft RPCs can still reach
// *raft.Node directly through the embedded field.
type Handler struct {
	*raft.Node
	Machine *statemachine.Machine

	log zerolog.Logger
}

// New constructs a participant Handler bound to an already-started Raft
// node and its state machine.
func New(node *raft.Node, machine *statemachine.Machine, log zerolog.Logger) *Handler {
	return &Handler{Node: node, Machine: machine, log: log}
}

// PrepareRequest mirrors wire.TwoPCArgs for the prepare phase.
type PrepareRequest struct {
	Transactions  map[string]int64
	SimulationTag string
}

// PrepareResponse is {status, error}; Error is empty unless Status is "error".
type PrepareResponse struct {
	Status string
	Error  string
}

// Prepare implements 2pc_prepare (spec.md §4.3).
func (h *Handler) Prepare(req PrepareRequest) PrepareResponse {
	resp := h.prepare(req)
	metrics.TwoPCPreparesTotal.WithLabelValues(resp.Status).Inc()
	return resp
}

func (h *Handler) prepare(req PrepareRequest) PrepareResponse {
	if !h.Node.GetLeaderStatus() {
		return PrepareResponse{Status: StatusError, Error: errNotLeader.Error()}
	}

	delta := req.Transactions[h.Machine.AccountKey()]
	if h.Machine.GetBalance()+delta < 0 {
		h.log.Info().Int64("delta", delta).Msg("2pc_prepare: insufficient funds, aborting")
		return PrepareResponse{Status: StatusAbort}
	}

	rec := statemachine.TransactionRecord{
		TransactionID: h.Machine.NextTransactionID(),
		SimulationNum: req.SimulationTag,
		Transactions:  req.Transactions,
	}

	cmd, err := encodePrepareCommand(rec)
	if err != nil {
		return PrepareResponse{Status: StatusError, Error: err.Error()}
	}

	if req.SimulationTag == string(config.TagCrashBeforePrepare) {
		h.log.Warn().Int64("transaction_id", rec.TransactionID).Msg("2pc_prepare: simulating crash before persisting prepare record")
		h.Node.SimulateCrash()
	}

	if _, err := h.Node.AppendCommand(cmd); err != nil {
		h.log.Warn().Err(err).Int64("transaction_id", rec.TransactionID).Msg("2pc_prepare: raft append failed, aborting")
		return PrepareResponse{Status: StatusAbort}
	}

	return PrepareResponse{Status: StatusPrepared}
}

// CommitRequest mirrors wire.TwoPCArgs for the commit phase.
type CommitRequest struct {
	Transactions  map[string]int64
	SimulationTag string
}

// CommitResponse is {status, error}.
type CommitResponse struct {
	Status string
	Error  string
}

// Commit implements 2pc_commit (spec.md §4.3), including the idempotence
// guarantee: re-delivering a commit for an already-committed transactionId
// returns committed without double-applying the delta.
func (h *Handler) Commit(req CommitRequest) CommitResponse {
	resp := h.commit(req)
	metrics.TwoPCCommitsTotal.WithLabelValues(resp.Status).Inc()
	if resp.Status == StatusCommitted {
		metrics.AccountBalance.Set(float64(h.Machine.GetBalance()))
	}
	return resp
}

func (h *Handler) commit(req CommitRequest) CommitResponse {
	if !h.Node.GetLeaderStatus() {
		return CommitResponse{Status: StatusError, Error: errNotLeader.Error()}
	}

	lastPrepare, ok := h.Machine.LastPrepare()
	if !ok {
		return CommitResponse{Status: StatusError, Error: "no prepare record on file"}
	}

	if h.Machine.AlreadyCommitted(lastPrepare.TransactionID) {
		return CommitResponse{Status: StatusCommitted}
	}

	rec := statemachine.TransactionRecord{
		TransactionID: lastPrepare.TransactionID,
		SimulationNum: req.SimulationTag,
		Transactions:  req.Transactions,
	}

	cmd, err := encodeCommitCommand(rec)
	if err != nil {
		return CommitResponse{Status: StatusError, Error: err.Error()}
	}

	if req.SimulationTag == string(config.TagCrashBeforeCommit) {
		h.log.Warn().Int64("transaction_id", rec.TransactionID).Msg("2pc_commit: simulating crash before persisting commit record")
		h.Node.SimulateCrash()
	}

	if _, err := h.Node.AppendCommand(cmd); err != nil {
		h.log.Error().Err(err).Int64("transaction_id", rec.TransactionID).Msg("2pc_commit: raft append failed")
		return CommitResponse{Status: StatusError, Error: err.Error()}
	}

	return CommitResponse{Status: StatusCommitted}
}

// LogConfirmRequest/LogConfirmResponse back 2pc_log_prepare and
// 2pc_log_commit: optional idempotent no-ops once Raft has already made the
// corresponding record durable (see Open Question 1, SPEC_FULL.md §4.4).
type LogConfirmRequest struct {
	TransactionID int64
}

type LogConfirmResponse struct {
	Status string
}

// LogPrepare implements 2pc_log_prepare.
func (h *Handler) LogPrepare(req LogConfirmRequest) LogConfirmResponse {
	if _, ok := h.Machine.LastPrepare(); !ok {
		return LogConfirmResponse{Status: StatusError}
	}
	return LogConfirmResponse{Status: "logged"}
}

// LogCommit implements 2pc_log_commit.
func (h *Handler) LogCommit(req LogConfirmRequest) LogConfirmResponse {
	if _, ok := h.Machine.LastCommit(); !ok {
		return LogConfirmResponse{Status: StatusError}
	}
	return LogConfirmResponse{Status: "logged"}
}

func encodePrepareCommand(rec statemachine.TransactionRecord) (raft.Command, error) {
	return encodeCommand(raft.CmdAppendPrepare, rec)
}

func encodeCommitCommand(rec statemachine.TransactionRecord) (raft.Command, error) {
	return encodeCommand(raft.CmdAppendCommit, rec)
}

func encodeCommand(kind raft.CommandKind, rec statemachine.TransactionRecord) (raft.Command, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return raft.Command{}, fmt.Errorf("encoding %s command: %w", kind, err)
	}
	return raft.Command{Kind: kind, Payload: payload}, nil
}
