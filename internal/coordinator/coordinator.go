// Package coordinator drives the two-phase commit protocol across cluster
// A and cluster B (spec.md §4.4). It never touches Raft or the state
// machine directly: every interaction with a participant goes through the
// ParticipantClient interface, so tests can substitute fakes and
// cmd/coordinator can wire in the real JSON/TCP client from client.go.
package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/panaschristou/raft2pc-bank/internal/config"
	"github.com/panaschristou/raft2pc-bank/internal/metrics"
	"github.com/panaschristou/raft2pc-bank/internal/statemachine"
)

// Status strings returned to the CLI client (spec.md §6).
const (
	StatusCommitted = "committed"
	StatusAborted   = "aborted"
)

// ParticipantClient is the coordinator's RPC surface against one cluster
// node. The real implementation (client.go) speaks internal/wire over TCP;
// tests use an in-memory fake.
type ParticipantClient interface {
	GetLeaderStatus(addr string) (bool, error)
	Prepare(addr string, txs map[string]int64, simTag string) (status string, err error)
	Commit(addr string, txs map[string]int64, simTag string) (status string, err error)
	LogPrepare(addr string) error
	LogCommit(addr string) error
	GetBalance(addr string) (int64, error)
	LastRecords(addr string) (lastPrepareID, lastCommitID int64, err error)
}

// Coordinator is the singleton 2PC driver. It processes one transaction at
// a time (Open Question 3, SPEC_FULL.md §9): RunTransaction holds an
// internal mutex for the whole protocol run, so concurrent callers are
// serialized.
type Coordinator struct {
	mu       sync.Mutex
	topology config.Topology
	client   ParticipantClient
	log      zerolog.Logger

	// StrictLogConfirmation enables the optional 2pc_log_prepare round trip
	// after the prepare phase and the 2pc_log_commit round trip after the
	// commit phase (Open Question 1, SPEC_FULL.md §4.5). Default false.
	StrictLogConfirmation bool

	// crashSim, when non-empty, makes RunTransaction sleep for
	// topology.Timeouts.CoordinatorCrash at the named injection point,
	// exercising the S5/S6 recovery scenarios of spec.md §8.
	crashSim config.SimulationTag
}

// New constructs a Coordinator against the given topology and participant
// client.
func New(topology config.Topology, client ParticipantClient, log zerolog.Logger) *Coordinator {
	return &Coordinator{topology: topology, client: client, log: log}
}

// SetCrashSimulation arms a one-shot crash injection for the next
// RunTransaction call (spec.md §8 S5/S6).
func (c *Coordinator) SetCrashSimulation(tag config.SimulationTag) {
	c.crashSim = tag
}

func (c *Coordinator) discoverLeader(cluster config.ClusterID) (string, error) {
	timeout := c.topology.Timeouts.LeaderProbeTimeout
	deadline := time.Now().Add(timeout)
	for _, node := range c.topology.ClusterNodes(cluster) {
		if time.Now().After(deadline) {
			break
		}
		isLeader, err := c.client.GetLeaderStatus(node.Addr())
		if err != nil {
			continue
		}
		if isLeader {
			return node.Addr(), nil
		}
	}
	return "", fmt.Errorf("no leader found for cluster %s", cluster)
}

// retryUntil polls fn every interval until it reports done, an error, or
// window elapses. It is the bounded-retry loop spec.md §4.4 names for both
// phases ("poll every 100ms up to 2s").
func retryUntil(interval, window time.Duration, fn func() (done bool, err error)) error {
	deadline := time.Now().Add(window)
	for {
		done, err := fn()
		if done {
			return err
		}
		if time.Now().After(deadline) {
			if err != nil {
				return err
			}
			return fmt.Errorf("timed out after %s", window)
		}
		time.Sleep(interval)
	}
}

func (c *Coordinator) sleepCrash(point config.SimulationTag) {
	if c.crashSim != point {
		return
	}
	c.log.Warn().Str("simulation_tag", string(point)).Dur("duration", c.topology.Timeouts.CoordinatorCrash).Msg("coordinator simulating crash")
	time.Sleep(c.topology.Timeouts.CoordinatorCrash)
	c.crashSim = config.TagNone
}

// RunTransaction drives the full 2PC protocol for a single transaction
// (spec.md §4.4). txs must have exactly the AccountA/AccountB keys.
func (c *Coordinator) RunTransaction(txs map[string]int64, simTag config.SimulationTag) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, err := c.runTransaction(txs, simTag)
	metrics.CoordinatorTransactionsTotal.WithLabelValues(status).Inc()
	return status, err
}

func (c *Coordinator) runTransaction(txs map[string]int64, simTag config.SimulationTag) (string, error) {
	leaderA, err := c.discoverLeader(config.ClusterA)
	if err != nil {
		c.log.Error().Err(err).Msg("transaction aborted: no leader for cluster A")
		return StatusAborted, nil
	}
	leaderB, err := c.discoverLeader(config.ClusterB)
	if err != nil {
		c.log.Error().Err(err).Msg("transaction aborted: no leader for cluster B")
		return StatusAborted, nil
	}

	interval := c.topology.Timeouts.PhaseRetryInterval
	window := c.topology.Timeouts.PhaseRetryWindow

	prepared, err := c.preparePhase(leaderA, leaderB, txs, string(simTag), interval, window)
	if err != nil || !prepared {
		return StatusAborted, nil
	}

	c.sleepCrash(config.TagCoordinatorCrashAfterSendPrepare)
	if c.crashSim == config.TagCoordinatorCrashAfterSendPrepare {
		// recovery: re-issue prepare, safe because it is idempotent
		prepared, err = c.preparePhase(leaderA, leaderB, txs, string(simTag), interval, window)
		if err != nil || !prepared {
			return StatusAborted, nil
		}
	}

	if c.StrictLogConfirmation {
		_ = c.client.LogPrepare(leaderA)
		_ = c.client.LogPrepare(leaderB)
	}

	committed, err := c.commitPhase(leaderA, leaderB, txs, string(simTag), interval, window)

	commitCrash := c.crashSim == config.TagCoordinatorCrashAfterSendCommit
	c.sleepCrash(config.TagCoordinatorCrashAfterSendCommit)
	if commitCrash {
		return c.reconcileAfterCommitCrash(leaderA, leaderB)
	}

	if c.StrictLogConfirmation && committed {
		_ = c.client.LogCommit(leaderA)
		_ = c.client.LogCommit(leaderB)
	}

	if err != nil || !committed {
		return StatusAborted, nil
	}
	return StatusCommitted, nil
}

func (c *Coordinator) preparePhase(leaderA, leaderB string, txs map[string]int64, simTag string, interval, window time.Duration) (bool, error) {
	okA, err := c.phaseCall(leaderA, interval, window, timedCall(rpcTypePrepare, func() (string, error) {
		return c.client.Prepare(leaderA, txs, simTag)
	}), participantPrepared)
	if err != nil || !okA {
		return false, err
	}
	okB, err := c.phaseCall(leaderB, interval, window, timedCall(rpcTypePrepare, func() (string, error) {
		return c.client.Prepare(leaderB, txs, simTag)
	}), participantPrepared)
	if err != nil || !okB {
		return false, err
	}
	return true, nil
}

func (c *Coordinator) commitPhase(leaderA, leaderB string, txs map[string]int64, simTag string, interval, window time.Duration) (bool, error) {
	okA, errA := c.phaseCall(leaderA, interval, window, timedCall(rpcTypeCommit, func() (string, error) {
		return c.client.Commit(leaderA, txs, simTag)
	}), participantCommitted)
	okB, errB := c.phaseCall(leaderB, interval, window, timedCall(rpcTypeCommit, func() (string, error) {
		return c.client.Commit(leaderB, txs, simTag)
	}), participantCommitted)
	if errA != nil {
		return false, errA
	}
	if errB != nil {
		return false, errB
	}
	return okA && okB, nil
}

const (
	participantPrepared  = "prepared"
	participantCommitted = "committed"

	rpcTypePrepare = "2pc_prepare"
	rpcTypeCommit  = "2pc_commit"
)

// timedCall wraps a participant RPC with an observation of its round-trip
// duration, labeled by rpc_type (spec.md §4.7).
func timedCall(rpcType string, call func() (string, error)) func() (string, error) {
	return func() (string, error) {
		start := time.Now()
		status, err := call()
		metrics.RPCDuration.WithLabelValues(rpcType).Observe(time.Since(start).Seconds())
		return status, err
	}
}

// phaseCall retries a single participant RPC until it reports the wanted
// status, an explicit abort/error, or the retry window elapses.
func (c *Coordinator) phaseCall(addr string, interval, window time.Duration, call func() (string, error), want string) (bool, error) {
	var last string
	err := retryUntil(interval, window, func() (bool, error) {
		status, err := call()
		if err != nil {
			last = ""
			return false, nil // transient transport error, keep retrying
		}
		last = status
		if status == want {
			return true, nil
		}
		if status == "abort" || status == "error" {
			return true, fmt.Errorf("participant %s replied %s", addr, status)
		}
		return false, nil
	})
	if err != nil {
		return false, nil
	}
	return last == want, nil
}

// reconcileAfterCommitCrash implements the S6 recovery rule (spec.md §8):
// after a commit-phase crash, compare each leader's last prepare/commit
// transactionId; committed only if both clusters agree.
func (c *Coordinator) reconcileAfterCommitCrash(leaderA, leaderB string) (string, error) {
	prepA, commitA, err := c.client.LastRecords(leaderA)
	if err != nil {
		return StatusAborted, nil
	}
	prepB, commitB, err := c.client.LastRecords(leaderB)
	if err != nil {
		return StatusAborted, nil
	}
	if prepA == commitA && prepB == commitB && commitA != 0 {
		return StatusCommitted, nil
	}
	return StatusAborted, nil
}

// Bonus computes delta = balanceA / 5 (20%, truncated by integer division)
// from a fresh read of cluster A's leader and applies it to both accounts
// (original_source/client_2pc.py
// calculate_bonus, supplemented per SPEC_FULL.md §4.5).
func (c *Coordinator) Bonus() (string, error) {
	leaderA, err := c.discoverLeader(config.ClusterA)
	if err != nil {
		return StatusAborted, nil
	}
	balanceA, err := c.client.GetBalance(leaderA)
	if err != nil {
		return StatusAborted, nil
	}
	delta := balanceA / 5
	txs := map[string]int64{
		statemachine.AccountA: delta,
		statemachine.AccountB: delta,
	}
	return c.RunTransaction(txs, config.TagNone)
}
