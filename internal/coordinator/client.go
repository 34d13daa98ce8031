package coordinator

import (
	"github.com/panaschristou/raft2pc-bank/internal/config"
	"github.com/panaschristou/raft2pc-bank/internal/wire"
)

// WireClient is the production ParticipantClient: every call is one
// TCP connection carrying one JSON envelope each way (internal/wire,
// spec.md §4.5/§6).
type WireClient struct {
	Timeouts config.Timeouts
}

func NewWireClient(timeouts config.Timeouts) *WireClient {
	return &WireClient{Timeouts: timeouts}
}

func (c *WireClient) GetLeaderStatus(addr string) (bool, error) {
	var reply wire.GetLeaderStatusReply
	err := wire.CallTyped(addr, wire.RPCGetLeaderStatus, struct{}{}, &reply, c.Timeouts.RPCDialTimeout, c.Timeouts.RPCReadTimeout)
	if err != nil {
		return false, err
	}
	return reply.IsLeader, nil
}

func (c *WireClient) Prepare(addr string, txs map[string]int64, simTag string) (string, error) {
	var reply wire.TwoPCReply
	args := wire.TwoPCArgs{Transactions: txs, SimulationNum: simTag}
	if err := wire.CallTyped(addr, wire.RPC2PCPrepare, args, &reply, c.Timeouts.RPCDialTimeout, c.Timeouts.RPCReadTimeout); err != nil {
		return "", err
	}
	return reply.Status, nil
}

func (c *WireClient) Commit(addr string, txs map[string]int64, simTag string) (string, error) {
	var reply wire.TwoPCReply
	args := wire.TwoPCArgs{Transactions: txs, SimulationNum: simTag}
	if err := wire.CallTyped(addr, wire.RPC2PCCommit, args, &reply, c.Timeouts.RPCDialTimeout, c.Timeouts.RPCReadTimeout); err != nil {
		return "", err
	}
	return reply.Status, nil
}

func (c *WireClient) LogPrepare(addr string) error {
	var reply wire.StatusReply
	return wire.CallTyped(addr, wire.RPC2PCLogPrepare, struct{}{}, &reply, c.Timeouts.RPCDialTimeout, c.Timeouts.RPCReadTimeout)
}

func (c *WireClient) LogCommit(addr string) error {
	var reply wire.StatusReply
	return wire.CallTyped(addr, wire.RPC2PCLogCommit, struct{}{}, &reply, c.Timeouts.RPCDialTimeout, c.Timeouts.RPCReadTimeout)
}

func (c *WireClient) GetBalance(addr string) (int64, error) {
	var reply wire.GetBalanceReply
	if err := wire.CallTyped(addr, wire.RPCGetBalance, struct{}{}, &reply, c.Timeouts.RPCDialTimeout, c.Timeouts.RPCReadTimeout); err != nil {
		return 0, err
	}
	return reply.Balance, nil
}

func (c *WireClient) LastRecords(addr string) (int64, int64, error) {
	var reply wire.GetLogsReply
	if err := wire.CallTyped(addr, wire.RPCGetLogs, struct{}{}, &reply, c.Timeouts.RPCDialTimeout, c.Timeouts.RPCReadTimeout); err != nil {
		return 0, 0, err
	}
	var lastPrepare, lastCommit int64
	if n := len(reply.AllLogs.PrepareLog); n > 0 {
		lastPrepare = reply.AllLogs.PrepareLog[n-1].TransactionID
	}
	if n := len(reply.AllLogs.CommitLog); n > 0 {
		lastCommit = reply.AllLogs.CommitLog[n-1].TransactionID
	}
	return lastPrepare, lastCommit, nil
}

var _ ParticipantClient = (*WireClient)(nil)
