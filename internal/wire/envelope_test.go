package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(RPCGetBalance, GetBalanceReply{Status: "ok", NodeName: "nodeA1", Balance: 42})
	require.NoError(t, err)
	assert.Equal(t, RPCGetBalance, env.RPCType)

	var out GetBalanceReply
	require.NoError(t, env.Decode(&out))
	assert.Equal(t, int64(42), out.Balance)
	assert.Equal(t, "nodeA1", out.NodeName)
}

func TestEnvelopeDecodeEmptyDataIsNoop(t *testing.T) {
	env := Envelope{RPCType: RPCGetLeaderStatus}
	var out GetLeaderStatusReply
	require.NoError(t, env.Decode(&out))
	assert.False(t, out.IsLeader)
}

func TestEnvelopeMarshalsOverTheWireShape(t *testing.T) {
	env, err := NewEnvelope(RPC2PCPrepare, TwoPCArgs{Transactions: map[string]int64{"AccountA": -50}, SimulationNum: "CRASH_BEFORE_COMMIT"})
	require.NoError(t, err)

	var args TwoPCArgs
	require.NoError(t, env.Decode(&args))
	assert.Equal(t, int64(-50), args.Transactions["AccountA"])
	assert.Equal(t, "CRASH_BEFORE_COMMIT", args.SimulationNum)
}
