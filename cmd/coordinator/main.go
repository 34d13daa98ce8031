// Command coordinator runs the 2PC coordinator process that drives
// transactions across the AccountA and AccountB clusters (spec.md §2, §6).
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
	"github.com/panaschristou/raft2pc-bank/internal/coordinator"
	"github.com/panaschristou/raft2pc-bank/internal/httpapi"
	"github.com/panaschristou/raft2pc-bank/internal/logging"
	"github.com/panaschristou/raft2pc-bank/internal/server"
)

func main() {
	nodeID := flag.String("id", "coordinator", "coordinator node id, must match an entry in the topology file")
	topologyPath := flag.String("topology", "", "path to the YAML topology file (empty uses the built-in default)")
	logLevel := flag.String("log-level", "info", "zerolog level (debug, info, warn, error)")
	logConsole := flag.Bool("log-console", false, "human-readable console logging instead of JSON")
	httpAddr := flag.String("http-addr", "", "address for the /status /metrics sidecar (empty disables it)")
	flag.Parse()

	logging.Init(*logLevel, *logConsole)
	log := logging.ForCoordinator()

	topology := config.Default()
	if *topologyPath != "" {
		var err error
		topology, err = config.Load(*topologyPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "coordinator: loading topology: %v\n", err)
			os.Exit(1)
		}
	}

	self, ok := topology.Node(*nodeID)
	if !ok {
		self, ok = topology.CoordinatorNode()
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "coordinator: no coordinator node found in topology\n")
		os.Exit(1)
	}

	client := coordinator.NewWireClient(topology.Timeouts)
	coord := coordinator.New(topology, client, log)
	coord.StrictLogConfirmation = topology.StrictLogConfirmation

	coordServer := server.NewCoordinatorServer(coord, log)

	lis, err := net.Listen("tcp", self.Addr())
	if err != nil {
		log.Fatal().Err(err).Str("addr", self.Addr()).Msg("failed to bind RPC listener")
	}
	rpcServer := server.NewServer(lis, coordServer.Handle, log, topology.Timeouts.RPCReadTimeout)
	go rpcServer.Serve()
	log.Info().Str("addr", self.Addr()).Msg("coordinator RPC listener up")

	if *httpAddr != "" {
		router := httpapi.NewCoordinatorRouter()
		go func() {
			if err := http.ListenAndServe(*httpAddr, router); err != nil {
				log.Error().Err(err).Msg("http sidecar stopped")
			}
		}()
		log.Info().Str("addr", *httpAddr).Msg("coordinator HTTP sidecar up")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	_ = lis.Close()
}
