package server

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/panaschristou/raft2pc-bank/internal/config"
	"github.com/panaschristou/raft2pc-bank/internal/coordinator"
	"github.com/panaschristou/raft2pc-bank/internal/wire"
)

// CoordinatorServer answers the coordinator process's single externally
// meaningful RPC, 2pc_request (spec.md §6), plus a best-effort status reply
// for operator tooling.
type CoordinatorServer struct {
	Coordinator *coordinator.Coordinator
	log         zerolog.Logger
}

// NewCoordinatorServer constructs the dispatcher for the coordinator process.
func NewCoordinatorServer(c *coordinator.Coordinator, log zerolog.Logger) *CoordinatorServer {
	return &CoordinatorServer{Coordinator: c, log: log}
}

// Handle implements wire.Handler.
func (s *CoordinatorServer) Handle(ctx context.Context, req wire.Envelope) wire.Envelope {
	switch req.RPCType {
	case wire.RPC2PCRequest:
		return s.handleRequest(req)
	case wire.RPCPrintLog:
		env, _ := wire.NewEnvelope(wire.RPCPrintLog, wire.StatusReply{Status: "ok"})
		return env
	default:
		return errorEnvelope("unsupported rpc_type on coordinator: " + string(req.RPCType))
	}
}

func (s *CoordinatorServer) handleRequest(req wire.Envelope) wire.Envelope {
	var args wire.TwoPCArgs
	if err := req.Decode(&args); err != nil {
		return errorEnvelope("malformed 2pc_request args")
	}

	simTag := config.SimulationTag(args.SimulationNum)
	s.Coordinator.SetCrashSimulation(simTag)

	var status string
	var err error
	if simTag == bonusSentinel {
		status, err = s.Coordinator.Bonus()
	} else {
		status, err = s.Coordinator.RunTransaction(args.Transactions, simTag)
	}
	if err != nil {
		s.log.Error().Err(err).Msg("2pc_request failed")
		return errorEnvelope(err.Error())
	}

	env, _ := wire.NewEnvelope(wire.RPC2PCRequest, wire.TwoPCReply{Status: status})
	return env
}

// bonusSentinel is the simulation_num value bankctl sends for the "bonus"
// CLI command (original_source/client_2pc.py calculate_bonus), letting the
// coordinator route it to Bonus() instead of a literal transaction map.
const bonusSentinel = config.SimulationTag("__bonus__")
