package infinio

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	BaseHandler
	connected chan error
	received  chan Frame
	disconn   chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		connected: make(chan error, 1),
		received:  make(chan Frame, 8),
		disconn:   make(chan struct{}, 1),
	}
}

func (h *recordingHandler) OnConnected(err error) { h.connected <- err }
func (h *recordingHandler) OnReceive(f Frame, err error) {
	if err == nil {
		h.received <- f
	}
}
func (h *recordingHandler) OnDisconnect() {
	select {
	case h.disconn <- struct{}{}:
	default:
	}
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, svc.Shutdown(context.Background()))
	})
	return svc
}

func TestConnection_ConnectListenSendReceive(t *testing.T) {
	svc := newTestService(t)

	ep, err := ParseEndpoint("127.0.0.1:9100")
	require.NoError(t, err)

	serverHandler := newRecordingHandler()
	_, err = svc.Listen(ep, func(remote Endpoint, priv []byte) (ConnectionHandler, bool) {
		return serverHandler, true
	})
	require.NoError(t, err)

	clientHandler := newRecordingHandler()
	var client *Connection
	svc.Processor().TaskQueue().Execute(func() {
		c, err := svc.Connect(ep, clientHandler)
		require.NoError(t, err)
		client = c
	})

	select {
	case err := <-clientHandler.connected:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}
	select {
	case err := <-serverHandler.connected:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server never connected")
	}

	require.Equal(t, ConnConnected, client.State())

	payload := AppendFrame(nil, Frame{MessageID: makeMessageID(7, false), MessageType: 1, Payload: []byte("hello")})
	svc.Processor().TaskQueue().Execute(func() {
		require.NoError(t, client.Send(payload))
	})

	select {
	case f := <-serverHandler.received:
		require.Equal(t, uint32(1), f.MessageType)
		require.Equal(t, []byte("hello"), f.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received frame")
	}
}

func TestConnection_UnreachableWhenNoAcceptor(t *testing.T) {
	svc := newTestService(t)

	ep, err := ParseEndpoint("127.0.0.1:9101")
	require.NoError(t, err)

	clientHandler := newRecordingHandler()
	svc.Processor().TaskQueue().Execute(func() {
		_, err := svc.Connect(ep, clientHandler)
		require.NoError(t, err)
	})

	select {
	case err := <-clientHandler.connected:
		require.Error(t, err)
		require.ErrorIs(t, err, ErrUnreachable)
	case <-time.After(2 * time.Second):
		t.Fatal("client never got a terminal CM event")
	}
}

func TestConnection_RejectedWhenAcceptorDeclines(t *testing.T) {
	svc := newTestService(t)

	ep, err := ParseEndpoint("127.0.0.1:9102")
	require.NoError(t, err)

	_, err = svc.Listen(ep, func(remote Endpoint, priv []byte) (ConnectionHandler, bool) {
		return nil, false
	})
	require.NoError(t, err)

	clientHandler := newRecordingHandler()
	svc.Processor().TaskQueue().Execute(func() {
		_, err := svc.Connect(ep, clientHandler)
		require.NoError(t, err)
	})

	select {
	case err := <-clientHandler.connected:
		require.Error(t, err)
		require.ErrorIs(t, err, ErrConnectionRejected)
	case <-time.After(2 * time.Second):
		t.Fatal("client never got a terminal CM event")
	}
}

func TestConnection_DisconnectCascadesToPeer(t *testing.T) {
	svc := newTestService(t)

	ep, err := ParseEndpoint("127.0.0.1:9103")
	require.NoError(t, err)

	serverHandler := newRecordingHandler()
	_, err = svc.Listen(ep, func(remote Endpoint, priv []byte) (ConnectionHandler, bool) {
		return serverHandler, true
	})
	require.NoError(t, err)

	clientHandler := newRecordingHandler()
	var client *Connection
	svc.Processor().TaskQueue().Execute(func() {
		c, err := svc.Connect(ep, clientHandler)
		require.NoError(t, err)
		client = c
	})

	<-clientHandler.connected
	<-serverHandler.connected

	svc.Processor().TaskQueue().Execute(func() {
		require.NoError(t, client.Disconnect())
	})

	select {
	case <-serverHandler.disconn:
	case <-time.After(2 * time.Second):
		t.Fatal("peer never observed disconnect")
	}
	require.Eventually(t, func() bool { return client.State() == ConnClosed }, 2*time.Second, 10*time.Millisecond)
}

func TestConnection_Subscribe(t *testing.T) {
	svc := newTestService(t)

	ep, err := ParseEndpoint("127.0.0.1:9104")
	require.NoError(t, err)

	serverHandler := newRecordingHandler()
	_, err = svc.Listen(ep, func(remote Endpoint, priv []byte) (ConnectionHandler, bool) {
		return serverHandler, true
	})
	require.NoError(t, err)

	clientHandler := newRecordingHandler()
	var client *Connection
	states := make(chan ConnState, 16)
	svc.Processor().TaskQueue().Execute(func() {
		c, err := svc.Connect(ep, clientHandler)
		require.NoError(t, err)
		client = c
		client.Subscribe(context.Background(), states)
	})

	<-clientHandler.connected

	var sawConnected bool
	timeout := time.After(2 * time.Second)
drain:
	for {
		select {
		case s := <-states:
			if s == ConnConnected {
				sawConnected = true
				break drain
			}
		case <-timeout:
			break drain
		}
	}
	require.True(t, sawConnected)
}

// TestConnection_DisconnectGoesThroughTimewaitExit regression-tests that
// both the local (user-initiated) and remote (peer-cascaded) disconnect
// paths actually transit ConnDisconnecting before ConnClosed via a
// CM-dispatched TIMEWAIT_EXIT event, rather than collapsing the two states
// together synchronously (spec.md §4.4: "Connected --user disconnect or
// DISCONNECTED event--> Disconnecting --TIMEWAIT_EXIT--> Closed").
func TestConnection_DisconnectGoesThroughTimewaitExit(t *testing.T) {
	svc := newTestService(t)

	ep, err := ParseEndpoint("127.0.0.1:9105")
	require.NoError(t, err)

	serverHandler := newRecordingHandler()
	var server *Connection
	acceptedCh := make(chan struct{})
	_, err = svc.Listen(ep, func(remote Endpoint, priv []byte) (ConnectionHandler, bool) {
		return serverHandler, true
	})
	require.NoError(t, err)

	clientHandler := newRecordingHandler()
	var client *Connection
	clientStates := make(chan ConnState, 16)
	svc.Processor().TaskQueue().Execute(func() {
		c, err := svc.Connect(ep, clientHandler)
		require.NoError(t, err)
		client = c
		client.Subscribe(context.Background(), clientStates)
	})

	<-clientHandler.connected
	<-serverHandler.connected

	// find the server-side Connection the acceptor wired up, via the peer
	// link the CM demultiplexer set on the client side.
	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		if client.peer == nil {
			return false
		}
		server = client.peer
		close(acceptedCh)
		return true
	}, time.Second, 5*time.Millisecond)
	<-acceptedCh
	serverStates := make(chan ConnState, 16)
	svc.Processor().TaskQueue().Execute(func() {
		server.Subscribe(context.Background(), serverStates)
	})

	svc.Processor().TaskQueue().Execute(func() {
		require.NoError(t, client.Disconnect())
	})

	require.Eventually(t, func() bool { return client.State() == ConnClosed }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return server.State() == ConnClosed }, 2*time.Second, 10*time.Millisecond)

	var clientSawDisconnecting bool
drainClient:
	for {
		select {
		case s := <-clientStates:
			if s == ConnDisconnecting {
				clientSawDisconnecting = true
			}
		default:
			break drainClient
		}
	}
	require.True(t, clientSawDisconnecting, "client never observed ConnDisconnecting before ConnClosed")

	var serverSawDisconnecting bool
drainServer:
	for {
		select {
		case s := <-serverStates:
			if s == ConnDisconnecting {
				serverSawDisconnecting = true
			}
		default:
			break drainServer
		}
	}
	require.True(t, serverSawDisconnecting, "server never observed a CM-dispatched DISCONNECTED transition before ConnClosed")
}
