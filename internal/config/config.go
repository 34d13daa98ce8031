// Package config holds the static topology and tuning knobs that the
// original implementation kept as module-level globals. Everything here is
// constructed once at process startup and threaded through constructors,
// never read from a package-level variable at call time.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ClusterID names one of the two participant clusters, or the coordinator.
type ClusterID string

const (
	ClusterA    ClusterID = "A"
	ClusterB    ClusterID = "B"
	Coordinator ClusterID = "Coordinator"
)

// SimulationTag enumerates the fault-injection points named by spec.md §4.4
// and §8, plus the scenarios the original Python source defines in
// config.py and exercises in node_2pc.py that the distilled spec does not
// spell out in full. Unknown/zero tag means "no injected fault".
type SimulationTag string

const (
	TagNone                               SimulationTag = ""
	TagCrashBeforePrepare                 SimulationTag = "CRASH_BEFORE_PREPARE"
	TagCrashBeforeCommit                  SimulationTag = "CRASH_BEFORE_COMMIT"
	TagCoordinatorCrashBeforeCommit       SimulationTag = "COORDINATOR_CRASH_BEFORE_COMMIT"
	TagCoordinatorDivergentLogs           SimulationTag = "COORDINATOR_DIFFERENT_PREPARE_COMMIT_LOG"
	TagCoordinatorRecoversAfterPrepare    SimulationTag = "COORDINATOR_RECOVERS_AFTER_PREPARE"
	TagCoordinatorCrashAfterSendPrepare   SimulationTag = "COORDINATOR_CRASH_AFTER_SENDING_PREPARE"
	TagCoordinatorCrashAfterSendCommit    SimulationTag = "COORDINATOR_CRASH_AFTER_SENDING_COMMIT"
)

// NodeSpec describes one addressable process in the system.
type NodeSpec struct {
	ID      string    `yaml:"id"`
	Cluster ClusterID `yaml:"cluster"`
	Host    string    `yaml:"host"`
	Port    int       `yaml:"port"`
}

// Addr returns the dialable "host:port" address for this node.
func (n NodeSpec) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// Timeouts bundles every duration the system's timing behavior depends on.
// Bounds are parameters, not recomputed constants (spec.md §4.1).
type Timeouts struct {
	ElectionTimeoutMin time.Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax time.Duration `yaml:"election_timeout_max"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	CrashDuration      time.Duration `yaml:"crash_duration"`
	RPCDialTimeout     time.Duration `yaml:"rpc_dial_timeout"`
	RPCReadTimeout     time.Duration `yaml:"rpc_read_timeout"`
	LeaderProbeTimeout time.Duration `yaml:"leader_probe_timeout"`
	PhaseRetryInterval time.Duration `yaml:"phase_retry_interval"`
	PhaseRetryWindow   time.Duration `yaml:"phase_retry_window"`
	CoordinatorCrash   time.Duration `yaml:"coordinator_crash_duration"`
}

// DefaultTimeouts returns the timing values named in spec.md §4.1/§4.4/§5.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		ElectionTimeoutMin: 1 * time.Second,
		ElectionTimeoutMax: 2 * time.Second,
		HeartbeatInterval:  500 * time.Millisecond,
		CrashDuration:      10 * time.Second,
		RPCDialTimeout:     2 * time.Second,
		RPCReadTimeout:     3 * time.Second,
		LeaderProbeTimeout: 2 * time.Second,
		PhaseRetryInterval: 100 * time.Millisecond,
		PhaseRetryWindow:   2 * time.Second,
		CoordinatorCrash:   10 * time.Second,
	}
}

// Topology is the whole-system configuration: every node's address and
// cluster membership, plus the timing parameters that govern Raft and 2PC.
type Topology struct {
	Nodes                  []NodeSpec `yaml:"nodes"`
	Timeouts               Timeouts   `yaml:"timeouts"`
	DataDir                string     `yaml:"data_dir"`
	StrictLogConfirmation  bool       `yaml:"strict_log_confirmation"`
}

// ClusterNodes returns the node specs belonging to the given cluster, in
// the order they appear in the topology file.
func (t Topology) ClusterNodes(c ClusterID) []NodeSpec {
	var out []NodeSpec
	for _, n := range t.Nodes {
		if n.Cluster == c {
			out = append(out, n)
		}
	}
	return out
}

// Node looks up a single node spec by id.
func (t Topology) Node(id string) (NodeSpec, bool) {
	for _, n := range t.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeSpec{}, false
}

// CoordinatorNode returns the singleton coordinator's spec.
func (t Topology) CoordinatorNode() (NodeSpec, bool) {
	for _, n := range t.Nodes {
		if n.Cluster == Coordinator {
			return n, true
		}
	}
	return NodeSpec{}, false
}

// Default builds the canonical three-cluster topology named in spec.md §6:
// coordinator on 5001, cluster A on {5002, 5004, 5005}, cluster B on
// {5003, 5006, 5007}.
func Default() Topology {
	return Topology{
		Nodes: []NodeSpec{
			{ID: "coordinator", Cluster: Coordinator, Host: "localhost", Port: 5001},
			{ID: "nodeA1", Cluster: ClusterA, Host: "localhost", Port: 5002},
			{ID: "nodeB1", Cluster: ClusterB, Host: "localhost", Port: 5003},
			{ID: "nodeA2", Cluster: ClusterA, Host: "localhost", Port: 5004},
			{ID: "nodeA3", Cluster: ClusterA, Host: "localhost", Port: 5005},
			{ID: "nodeB2", Cluster: ClusterB, Host: "localhost", Port: 5006},
			{ID: "nodeB3", Cluster: ClusterB, Host: "localhost", Port: 5007},
		},
		Timeouts: DefaultTimeouts(),
		DataDir:  "./data",
	}
}

// Load reads a YAML topology file from disk, falling back to field-level
// defaults for anything the file omits.
func Load(path string) (Topology, error) {
	top := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Topology{}, fmt.Errorf("reading topology file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &top); err != nil {
		return Topology{}, fmt.Errorf("parsing topology file %s: %w", path, err)
	}
	if top.Timeouts == (Timeouts{}) {
		top.Timeouts = DefaultTimeouts()
	}
	if top.DataDir == "" {
		top.DataDir = "./data"
	}
	return top, nil
}
