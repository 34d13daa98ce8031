// Package metrics exposes Prometheus collectors for the Raft core and the
// 2PC participant/coordinator, grounded on cuemby-warren/pkg/metrics's
// package-level-vars-plus-init-registration pattern (spec.md §4.7).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RaftIsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bank_raft_is_leader",
		Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
	})

	RaftTerm = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bank_raft_term",
		Help: "Current Raft term observed by this node",
	})

	RaftCommitIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bank_raft_commit_index",
		Help: "Current Raft commit index",
	})

	RaftPeersTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bank_raft_peers_total",
		Help: "Total number of Raft peers in this node's cluster",
	})

	AccountBalance = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bank_account_balance",
		Help: "Current balance of this node's cluster account",
	})

	TwoPCPreparesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bank_2pc_prepares_total",
		Help: "Total number of 2pc_prepare RPCs handled, by outcome",
	}, []string{"status"})

	TwoPCCommitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bank_2pc_commits_total",
		Help: "Total number of 2pc_commit RPCs handled, by outcome",
	}, []string{"status"})

	CoordinatorTransactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bank_coordinator_transactions_total",
		Help: "Total number of transactions driven by the coordinator, by final status",
	}, []string{"status"})

	RPCDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bank_rpc_duration_seconds",
		Help:    "Duration of a single JSON/TCP RPC round trip",
		Buckets: prometheus.DefBuckets,
	}, []string{"rpc_type"})
)

func init() {
	prometheus.MustRegister(
		RaftIsLeader,
		RaftTerm,
		RaftCommitIndex,
		RaftPeersTotal,
		AccountBalance,
		TwoPCPreparesTotal,
		TwoPCCommitsTotal,
		CoordinatorTransactionsTotal,
		RPCDuration,
	)
}

// Handler returns the Prometheus exposition HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
