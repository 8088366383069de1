package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lp-gateway-go/source/protocol"
)

// echoExit runs a fake exit gateway that answers every framed packet
// with a framed response, and returns its address.
func echoExit(t *testing.T, response []byte) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				for {
					if _, err := protocol.ReadFramed(c); err != nil {
						return
					}
					if err := protocol.WriteFramed(c, response); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return listener.Addr().String()
}

func newForwardHandler(t *testing.T, state *HandlerState) *ConnectionHandler {
	t.Helper()
	serverEnd, clientEnd := net.Pipe()
	t.Cleanup(func() {
		serverEnd.Close()
		clientEnd.Close()
	})
	return NewConnectionHandler(serverEnd, state)
}

func TestForwardRoundtrip(t *testing.T) {
	state := newTestState(t)
	handler := newForwardHandler(t, state)
	exit := echoExit(t, []byte("exit response"))

	response, err := handler.forwardPacket(&ForwardPacketData{
		TargetAddress:    exit,
		InnerPacketBytes: []byte("inner packet"),
	})
	require.NoError(t, err)
	require.Equal(t, []byte("exit response"), response)
	require.NotNil(t, handler.forward, "forward channel must persist")

	// A second forward reuses the same stream.
	first := handler.forward.stream
	_, err = handler.forwardPacket(&ForwardPacketData{
		TargetAddress:    exit,
		InnerPacketBytes: []byte("another"),
	})
	require.NoError(t, err)
	require.Same(t, first, handler.forward.stream)
}

func TestForwardTargetMismatch(t *testing.T) {
	state := newTestState(t)
	handler := newForwardHandler(t, state)
	exitA := echoExit(t, []byte("from A"))
	exitB := echoExit(t, []byte("from B"))

	_, err := handler.forwardPacket(&ForwardPacketData{TargetAddress: exitA, InnerPacketBytes: []byte("x")})
	require.NoError(t, err)

	_, err = handler.forwardPacket(&ForwardPacketData{TargetAddress: exitB, InnerPacketBytes: []byte("y")})
	require.ErrorIs(t, err, protocol.ErrForwardTargetMismatch)

	// The original channel survives the rejected request.
	require.NotNil(t, handler.forward)
	require.Equal(t, exitA, handler.forward.target)
	_, err = handler.forwardPacket(&ForwardPacketData{TargetAddress: exitA, InnerPacketBytes: []byte("z")})
	require.NoError(t, err)
}

func TestForwardAtCapacity(t *testing.T) {
	static, err := protocol.GenerateStaticKeypair()
	require.NoError(t, err)

	cfg := Config{}
	cfg.ApplyDefaults()
	state := NewHandlerState(cfg, static)
	require.True(t, state.ForwardSem.TryAcquire(int64(cfg.MaxConcurrentForwards)), "drain the semaphore")

	handler := newForwardHandler(t, state)
	exit := echoExit(t, []byte("unused"))

	_, err = handler.forwardPacket(&ForwardPacketData{TargetAddress: exit, InnerPacketBytes: []byte("x")})
	require.ErrorIs(t, err, protocol.ErrAtCapacity)
	require.Nil(t, handler.forward)
}

func TestForwardTimeoutClearsChannel(t *testing.T) {
	state := newTestState(t)
	state.Config.ForwardIOTimeout = 50 * time.Millisecond
	handler := newForwardHandler(t, state)

	// An exit that accepts but never answers.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
			// Swallow the request, send nothing back.
			protocol.ReadFramed(conn)
			select {}
		}
	}()

	_, err = handler.forwardPacket(&ForwardPacketData{
		TargetAddress:    listener.Addr().String(),
		InnerPacketBytes: []byte("x"),
	})
	require.ErrorIs(t, err, protocol.ErrForwardIoTimeout)
	require.Nil(t, handler.forward, "errored channel must be cleared for reconnect")
}

func TestForwardConnectFailure(t *testing.T) {
	state := newTestState(t)
	state.Config.ForwardConnectTimeout = 200 * time.Millisecond
	handler := newForwardHandler(t, state)

	_, err := handler.forwardPacket(&ForwardPacketData{
		// A closed port on localhost refuses immediately.
		TargetAddress:    "127.0.0.1:1",
		InnerPacketBytes: []byte("x"),
	})
	require.ErrorIs(t, err, protocol.ErrForwardIoError)
	require.Nil(t, handler.forward)
}
