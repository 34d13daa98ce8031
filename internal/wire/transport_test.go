package wire

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(ctx context.Context, req Envelope) Envelope {
	switch req.RPCType {
	case RPCGetBalance:
		env, _ := NewEnvelope(RPCGetBalance, GetBalanceReply{Status: "ok", NodeName: "nodeA1", Balance: 7})
		return env
	default:
		return errorEnvelope("unsupported")
	}
}

func startTestServer(t *testing.T, h Handler) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := NewServer(lis, h, zerolog.Nop(), time.Second)
	go s.Serve()
	t.Cleanup(func() { _ = lis.Close() })
	return lis.Addr().String()
}

func TestCallRoundTripsOverTCP(t *testing.T) {
	addr := startTestServer(t, echoHandler)

	req, err := NewEnvelope(RPCGetBalance, struct{}{})
	require.NoError(t, err)

	resp, err := Call(addr, req, time.Second, time.Second)
	require.NoError(t, err)

	var reply GetBalanceReply
	require.NoError(t, resp.Decode(&reply))
	assert.Equal(t, int64(7), reply.Balance)
}

func TestCallTypedDecodesIntoReply(t *testing.T) {
	addr := startTestServer(t, echoHandler)

	var reply GetBalanceReply
	err := CallTyped(addr, RPCGetBalance, struct{}{}, &reply, time.Second, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "nodeA1", reply.NodeName)
}

func TestServerRespondsWithErrorOnMalformedRequest(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := NewServer(lis, echoHandler, zerolog.Nop(), time.Second)
	go s.Serve()
	t.Cleanup(func() { _ = lis.Close() })

	conn, err := net.Dial("tcp", lis.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("not json"))
	require.NoError(t, err)

	var resp Envelope
	require.NoError(t, json.NewDecoder(bufio.NewReader(conn)).Decode(&resp))
	var errReply ErrorResponse
	require.NoError(t, resp.Decode(&errReply))
	assert.NotEmpty(t, errReply.Error)
}

func TestCallFailsOnUnreachableAddress(t *testing.T) {
	req, _ := NewEnvelope(RPCGetBalance, struct{}{})
	_, err := Call("127.0.0.1:1", req, 50*time.Millisecond, 50*time.Millisecond)
	assert.Error(t, err)
}
