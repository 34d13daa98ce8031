package wire

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// Handler answers one decoded envelope and returns the envelope to write
// back to the caller. Handlers never panic; malformed input or an unknown
// rpc_type is reported as an ErrorResponse payload, not a crash.
type Handler func(ctx context.Context, req Envelope) Envelope

// Server accepts one connection per RPC call, reads a single JSON document,
// dispatches it to Handler, writes a single JSON document back, and closes
// the connection. This mirrors the teacher's raftserver: a thin listener
// that owns nothing but the socket and delegates to node/participant/
// coordinator state under their own locking.
type Server struct {
	listener net.Listener
	handler  Handler
	log      zerolog.Logger
	readTO   time.Duration
}

// NewServer wraps an existing listener. lis must already be bound (see
// cmd/banknode, cmd/coordinator) so startup failures to bind a port are
// fatal at the call site per spec.md §7.
func NewServer(lis net.Listener, h Handler, log zerolog.Logger, readTimeout time.Duration) *Server {
	return &Server{listener: lis, handler: h, log: log, readTO: readTimeout}
}

// Serve runs the accept loop until the listener is closed. It is meant to
// be run in its own goroutine, mirroring the teacher's accept-loop-per-
// process model (spec.md §5).
func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.log.Debug().Err(err).Msg("listener closed, stopping accept loop")
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	if s.readTO > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.readTO))
	}

	var req Envelope
	dec := json.NewDecoder(bufio.NewReader(conn))
	if err := dec.Decode(&req); err != nil {
		s.log.Debug().Err(err).Msg("malformed RPC, closing connection")
		_ = writeEnvelope(conn, errorEnvelope("malformed request"))
		return
	}

	resp := s.handler(context.Background(), req)
	if err := writeEnvelope(conn, resp); err != nil {
		s.log.Debug().Err(err).Msg("failed to write RPC response")
	}
}

func writeEnvelope(conn net.Conn, e Envelope) error {
	enc := json.NewEncoder(conn)
	return enc.Encode(e)
}

func errorEnvelope(msg string) Envelope {
	env, _ := NewEnvelope("", ErrorResponse{Error: msg})
	return env
}

// Call dials addr, sends one request envelope, reads one response envelope,
// and closes the connection. dialTimeout bounds the connect attempt,
// readTimeout bounds the whole round trip, matching the 2-3s defaults of
// spec.md §4.5.
func Call(addr string, req Envelope, dialTimeout, readTimeout time.Duration) (Envelope, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return Envelope{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if readTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(readTimeout))
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Envelope{}, fmt.Errorf("encode request to %s: %w", addr, err)
	}

	var resp Envelope
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		return Envelope{}, fmt.Errorf("decode response from %s: %w", addr, err)
	}
	return resp, nil
}

// CallTyped is a convenience wrapper around Call for the common case of a
// JSON-marshalable request struct and a JSON-unmarshalable reply struct.
func CallTyped(addr string, rpcType RPCType, args any, reply any, dialTimeout, readTimeout time.Duration) error {
	env, err := NewEnvelope(rpcType, args)
	if err != nil {
		return err
	}
	resp, err := Call(addr, env, dialTimeout, readTimeout)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return resp.Decode(reply)
}
