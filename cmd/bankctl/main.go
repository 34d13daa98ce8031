// Command bankctl is the operator CLI for the bank cluster, grounded on
// original_source/client_2pc.py's command surface: transaction submission,
// leader-change and crash-simulation fault injection, balance inspection,
// and log dumping (spec.md §6).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/panaschristou/raft2pc-bank/internal/config"
	"github.com/panaschristou/raft2pc-bank/internal/wire"
)

var (
	topologyPath string
	topology     config.Topology
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bankctl",
	Short: "Operator CLI for the raft2pc-bank cluster",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&topologyPath, "topology", "", "path to the YAML topology file (empty uses the built-in default)")
	cobra.OnInitialize(loadTopology)

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(transactionCmd)
	rootCmd.AddCommand(bonusCmd)
	rootCmd.AddCommand(leaderChangeCmd)
	rootCmd.AddCommand(simulateCrashCmd)
	rootCmd.AddCommand(printLogsCmd)
	rootCmd.AddCommand(getBalancesCmd)
	rootCmd.AddCommand(setBalanceCmd)
	rootCmd.AddCommand(checkStatusCmd)
}

func loadTopology() {
	if topologyPath == "" {
		topology = config.Default()
		return
	}
	t, err := config.Load(topologyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bankctl: loading topology: %v\n", err)
		os.Exit(1)
	}
	topology = t
}

func coordinatorAddr() (string, error) {
	n, ok := topology.CoordinatorNode()
	if !ok {
		return "", fmt.Errorf("no coordinator node in topology")
	}
	return n.Addr(), nil
}

func nodeAddr(id string) (string, error) {
	n, ok := topology.Node(id)
	if !ok {
		return "", fmt.Errorf("unknown node id %q", id)
	}
	return n.Addr(), nil
}

var submitCmd = &cobra.Command{
	Use:   "submit VALUE",
	Short: "Submit a raw value to the Raft cluster, discovering the leader automatically",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value := args[0]
		for _, n := range topology.Nodes {
			if n.Cluster == config.Coordinator {
				continue
			}
			fmt.Printf("Attempting to submit value through node %s\n", n.ID)
			var reply wire.SubmitValueReply
			if err := wire.CallTyped(n.Addr(), wire.RPCSubmitValue, wire.SubmitValueArgs{Value: value}, &reply, topology.Timeouts.RPCDialTimeout, topology.Timeouts.RPCReadTimeout); err != nil {
				fmt.Printf("node %s is unreachable: %v\n", n.ID, err)
				continue
			}
			if reply.Success {
				fmt.Println("Value successfully committed to the cluster.")
				return nil
			}
			if reply.Redirect && reply.Leader != "" {
				addr, err := nodeAddr(reply.Leader)
				if err != nil {
					continue
				}
				fmt.Printf("Redirecting to leader %s\n", reply.Leader)
				var redirected wire.SubmitValueReply
				if err := wire.CallTyped(addr, wire.RPCSubmitValue, wire.SubmitValueArgs{Value: value}, &redirected, topology.Timeouts.RPCDialTimeout, topology.Timeouts.RPCReadTimeout); err == nil && redirected.Success {
					fmt.Println("Value successfully committed to the cluster.")
					return nil
				}
			}
		}
		fmt.Println("Failed to submit value to the cluster - no leader available")
		return nil
	},
}

var transactionCmd = &cobra.Command{
	Use:   "transaction DELTA_A DELTA_B",
	Short: "Submit a two-phase-commit transaction across AccountA and AccountB",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var deltaA, deltaB int64
		if _, err := fmt.Sscanf(args[0], "%d", &deltaA); err != nil {
			return fmt.Errorf("invalid DELTA_A %q: %w", args[0], err)
		}
		if _, err := fmt.Sscanf(args[1], "%d", &deltaB); err != nil {
			return fmt.Errorf("invalid DELTA_B %q: %w", args[1], err)
		}
		simTag, _ := cmd.Flags().GetString("sim")

		addr, err := coordinatorAddr()
		if err != nil {
			return err
		}

		txArgs := wire.TwoPCArgs{
			Transactions:  map[string]int64{"AccountA": deltaA, "AccountB": deltaB},
			SimulationNum: simTag,
		}
		var reply wire.TwoPCReply
		if err := wire.CallTyped(addr, wire.RPC2PCRequest, txArgs, &reply, topology.Timeouts.RPCDialTimeout, topology.Timeouts.RPCReadTimeout); err != nil {
			return fmt.Errorf("2pc_request failed: %w", err)
		}
		if reply.Error != "" {
			fmt.Printf("Failed to process the transaction: %s\n", reply.Error)
			return nil
		}
		switch reply.Status {
		case "committed":
			fmt.Println("Transaction successfully committed.")
		case "aborted":
			fmt.Println("Transaction aborted.")
		default:
			fmt.Printf("Transaction status: %s\n", reply.Status)
		}
		return nil
	},
}

func init() {
	transactionCmd.Flags().String("sim", "", "fault-injection simulation tag (see internal/config.SimulationTag)")
}

var bonusCmd = &cobra.Command{
	Use:   "bonus",
	Short: "Submit the 20%-of-AccountA-balance bonus transaction",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := coordinatorAddr()
		if err != nil {
			return err
		}
		txArgs := wire.TwoPCArgs{SimulationNum: "__bonus__"}
		var reply wire.TwoPCReply
		if err := wire.CallTyped(addr, wire.RPC2PCRequest, txArgs, &reply, topology.Timeouts.RPCDialTimeout, topology.Timeouts.RPCReadTimeout); err != nil {
			return fmt.Errorf("2pc_request failed: %w", err)
		}
		if reply.Error != "" {
			fmt.Printf("Failed to process the bonus transaction: %s\n", reply.Error)
			return nil
		}
		fmt.Printf("Bonus transaction status: %s\n", reply.Status)
		return nil
	},
}

var leaderChangeCmd = &cobra.Command{
	Use:   "leader_change NODE_ID",
	Short: "Ask a node to step down if it is currently its cluster's leader",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := nodeAddr(args[0])
		if err != nil {
			return err
		}
		var reply wire.StatusReply
		if err := wire.CallTyped(addr, wire.RPCTriggerLeaderChange, struct{}{}, &reply, topology.Timeouts.RPCDialTimeout, topology.Timeouts.RPCReadTimeout); err != nil {
			return fmt.Errorf("TriggerLeaderChange failed: %w", err)
		}
		fmt.Printf("%s: %s\n", args[0], reply.Status)
		return nil
	},
}

var simulateCrashCmd = &cobra.Command{
	Use:   "simulate_crash NODE_ID",
	Short: "Detach a node from its cluster's network for the configured crash window",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := nodeAddr(args[0])
		if err != nil {
			return err
		}
		var reply wire.StatusReply
		if err := wire.CallTyped(addr, wire.RPCSimulateCrash, struct{}{}, &reply, topology.Timeouts.RPCDialTimeout, topology.Timeouts.RPCReadTimeout); err != nil {
			return fmt.Errorf("SimulateCrash failed: %w", err)
		}
		fmt.Printf("%s: %s\n", args[0], reply.Status)
		return nil
	},
}

var printLogsCmd = &cobra.Command{
	Use:   "print_logs NODE_ID",
	Short: "Print the prepare/commit/raft logs held by a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := nodeAddr(args[0])
		if err != nil {
			return err
		}
		var reply wire.GetLogsReply
		if err := wire.CallTyped(addr, wire.RPCGetLogs, struct{}{}, &reply, topology.Timeouts.RPCDialTimeout, topology.Timeouts.RPCReadTimeout); err != nil {
			return fmt.Errorf("GetLogs failed: %w", err)
		}
		fmt.Printf("Prepare log (%d entries):\n", len(reply.AllLogs.PrepareLog))
		for _, r := range reply.AllLogs.PrepareLog {
			fmt.Printf("  #%d sim=%q %v\n", r.TransactionID, r.SimulationNum, r.Transactions)
		}
		fmt.Printf("Commit log (%d entries):\n", len(reply.AllLogs.CommitLog))
		for _, r := range reply.AllLogs.CommitLog {
			fmt.Printf("  #%d sim=%q %v\n", r.TransactionID, r.SimulationNum, r.Transactions)
		}
		fmt.Printf("Raft log: %d entries\n", len(reply.AllLogs.RaftLog))
		return nil
	},
}

var getBalancesCmd = &cobra.Command{
	Use:   "get_balances",
	Short: "Fetch the current balance from every participant node",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, n := range topology.Nodes {
			if n.Cluster == config.Coordinator {
				continue
			}
			var reply wire.GetBalanceReply
			if err := wire.CallTyped(n.Addr(), wire.RPCGetBalance, struct{}{}, &reply, topology.Timeouts.RPCDialTimeout, topology.Timeouts.RPCReadTimeout); err != nil {
				fmt.Printf("%s: failed to fetch balance: %v\n", n.ID, err)
				continue
			}
			fmt.Printf("%s (%s): %d\n", n.ID, n.Cluster, reply.Balance)
		}
		return nil
	},
}

var setBalanceCmd = &cobra.Command{
	Use:   "set_balance NODE_ID BALANCE",
	Short: "Force a node's account balance to a literal value (leader only)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := nodeAddr(args[0])
		if err != nil {
			return err
		}
		var balance int64
		if _, err := fmt.Sscanf(args[1], "%d", &balance); err != nil {
			return fmt.Errorf("invalid BALANCE %q: %w", args[1], err)
		}
		var reply wire.StatusReply
		if err := wire.CallTyped(addr, wire.RPCSetBalance, wire.SetBalanceArgs{Balance: balance}, &reply, topology.Timeouts.RPCDialTimeout, topology.Timeouts.RPCReadTimeout); err != nil {
			return fmt.Errorf("SetBalance failed: %w", err)
		}
		fmt.Printf("%s: %s\n", args[0], reply.Status)
		return nil
	},
}

var checkStatusCmd = &cobra.Command{
	Use:   "check_status NODE_ID",
	Short: "Check whether a node currently believes it is the leader of its cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := nodeAddr(args[0])
		if err != nil {
			return err
		}
		var reply wire.GetLeaderStatusReply
		if err := wire.CallTyped(addr, wire.RPCGetLeaderStatus, struct{}{}, &reply, topology.Timeouts.RPCDialTimeout, topology.Timeouts.RPCReadTimeout); err != nil {
			return fmt.Errorf("GetLeaderStatus failed: %w", err)
		}
		fmt.Printf("%s: is_leader=%v\n", args[0], reply.IsLeader)
		return nil
	},
}
