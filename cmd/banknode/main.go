// Command banknode runs a single Raft/2PC participant process: one member
// of either the AccountA or AccountB cluster named in a topology file
// (spec.md §2, §6). It owns one TCP listener for the JSON/RPC surface and
// an optional HTTP sidecar for /status, /balance, /logs, /metrics and
// /swagger/*any.
package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/panaschristou/raft2pc-bank/internal/config"
	"github.com/panaschristou/raft2pc-bank/internal/httpapi"
	"github.com/panaschristou/raft2pc-bank/internal/logging"
	"github.com/panaschristou/raft2pc-bank/internal/participant"
	"github.com/panaschristou/raft2pc-bank/internal/raft"
	"github.com/panaschristou/raft2pc-bank/internal/raftstore"
	"github.com/panaschristou/raft2pc-bank/internal/server"
	"github.com/panaschristou/raft2pc-bank/internal/statemachine"
)

func main() {
	nodeID := flag.String("id", "", "node id, must match an entry in the topology file")
	topologyPath := flag.String("topology", "", "path to the YAML topology file (empty uses the built-in default)")
	logLevel := flag.String("log-level", "info", "zerolog level (debug, info, warn, error)")
	logConsole := flag.Bool("log-console", false, "human-readable console logging instead of JSON")
	httpAddr := flag.String("http-addr", "", "address for the /status /balance /logs /metrics sidecar (empty disables it)")
	flag.Parse()

	logging.Init(*logLevel, *logConsole)

	if *nodeID == "" {
		fmt.Fprintln(os.Stderr, "banknode: -id is required")
		os.Exit(1)
	}

	topology := config.Default()
	if *topologyPath != "" {
		var err error
		topology, err = config.Load(*topologyPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "banknode: loading topology: %v\n", err)
			os.Exit(1)
		}
	}

	self, ok := topology.Node(*nodeID)
	if !ok {
		fmt.Fprintf(os.Stderr, "banknode: node id %q not found in topology\n", *nodeID)
		os.Exit(1)
	}

	log := logging.ForNode(self.ID, string(self.Cluster))

	accountKey := statemachine.AccountA
	if self.Cluster == config.ClusterB {
		accountKey = statemachine.AccountB
	}

	machine, err := statemachine.New(topology.DataDir, self.ID, accountKey, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open state machine storage")
	}

	store, err := raftstore.Open(topology.DataDir, self.ID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open raft storage")
	}

	peers := make(map[string]raft.Peer)
	for _, n := range topology.ClusterNodes(self.Cluster) {
		if n.ID == self.ID {
			continue
		}
		peers[n.ID] = server.NewRaftPeer(n.Addr(), topology.Timeouts)
	}

	raftCfg := raft.Config{
		ElectionTimeoutMin: topology.Timeouts.ElectionTimeoutMin,
		ElectionTimeoutMax: topology.Timeouts.ElectionTimeoutMax,
		HeartbeatInterval:  topology.Timeouts.HeartbeatInterval,
		CrashDuration:      topology.Timeouts.CrashDuration,
		AppendRetries:      3,
	}

	node, err := raft.NewNode(self.ID, peers, store, machine, raftCfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct raft node")
	}
	node.Start()

	handler := participant.New(node, machine, log)
	nodeServer := server.NewNodeServer(self.ID, handler, machine, log)

	lis, err := net.Listen("tcp", self.Addr())
	if err != nil {
		log.Fatal().Err(err).Str("addr", self.Addr()).Msg("failed to bind RPC listener")
	}
	rpcServer := server.NewServer(lis, nodeServer.Handle, log, topology.Timeouts.RPCReadTimeout)
	go rpcServer.Serve()
	log.Info().Str("addr", self.Addr()).Msg("banknode RPC listener up")

	if *httpAddr != "" {
		router := httpapi.NewNodeRouter(self.ID, string(self.Cluster), handler)
		go func() {
			if err := http.ListenAndServe(*httpAddr, router); err != nil {
				log.Error().Err(err).Msg("http sidecar stopped")
			}
		}()
		log.Info().Str("addr", *httpAddr).Msg("banknode HTTP sidecar up")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	node.Stop()
	_ = lis.Close()
	_ = store.Close()
}
