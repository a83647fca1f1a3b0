package listener

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/marmos91/rpccore/internal/engine"
	"github.com/marmos91/rpccore/internal/engine/epoll"
	"github.com/marmos91/rpccore/internal/posix/endpoint"
	"github.com/marmos91/rpccore/internal/posix/fdregistry"
	"github.com/marmos91/rpccore/internal/posix/socketops"
	"github.com/marmos91/rpccore/internal/posix/tcpoptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestListener(t *testing.T, onAccept AcceptCallback) (*Listener, *epoll.Poller) {
	t.Helper()
	reg := fdregistry.New()
	ops := socketops.New(reg)
	poller, err := epoll.New()
	require.NoError(t, err)
	go poller.Run()
	t.Cleanup(func() { poller.Close() })

	alloc := engine.NewAllocator(1<<20, nil)
	l := New(Config{
		Ops:      ops,
		Poller:   poller,
		Alloc:    alloc,
		Options:  tcpoptions.Default(),
		OnAccept: onAccept,
	})
	return l, poller
}

func TestBindRejectedAfterStart(t *testing.T) {
	l, _ := newTestListener(t, func(*endpoint.Endpoint) {})

	_, err := l.Bind(&net.TCPAddr{IP: net.IPv6loopback, Port: 0})
	require.NoError(t, err)
	require.NoError(t, l.Start())
	defer l.ShutdownListeningFds()

	_, err = l.Bind(&net.TCPAddr{IP: net.IPv6loopback, Port: 0})
	require.Error(t, err)
}

func TestAcceptDeliversEndpoint(t *testing.T) {
	accepted := make(chan *endpoint.Endpoint, 1)
	l, _ := newTestListener(t, func(ep *endpoint.Endpoint) {
		accepted <- ep
	})

	port, err := l.Bind(&net.TCPAddr{IP: net.IPv6loopback, Port: 0})
	require.NoError(t, err)
	require.NoError(t, l.Start())
	defer l.ShutdownListeningFds()

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("::1", strconv.Itoa(port)), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case ep := <-accepted:
		require.NotNil(t, ep)
	case <-time.After(2 * time.Second):
		t.Fatal("no endpoint delivered")
	}
}

// TestBindWithExpandWildcardAddrsBindsOnePerInterfaceAddress verifies that an
// unspecified bind address with expand_wildcard_addrs set fans out into one
// listening socket per local interface address, rather than the single
// dual-stack socket the non-expanded path prepares.
func TestBindWithExpandWildcardAddrsBindsOnePerInterfaceAddress(t *testing.T) {
	l, _ := newTestListener(t, func(*endpoint.Endpoint) {})
	l.opts.ExpandWildcardAddrs = true

	addrs, err := net.InterfaceAddrs()
	require.NoError(t, err)
	expected := 0
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsUnspecified() {
			continue
		}
		expected++
	}
	if expected == 0 {
		t.Skip("no usable local interface addresses")
	}

	_, err = l.Bind(&net.TCPAddr{IP: net.IPv4zero, Port: 0})
	require.NoError(t, err)
	assert.Len(t, l.sockets, expected)
}

// TestBindSpecificAddrWithExpandWildcardAddrsBindsOneSocket confirms the
// "otherwise" half of the wildcard-expansion behavior: a specific
// (non-wildcard) address always binds exactly one socket, even with
// expand_wildcard_addrs set.
func TestBindSpecificAddrWithExpandWildcardAddrsBindsOneSocket(t *testing.T) {
	l, _ := newTestListener(t, func(*endpoint.Endpoint) {})
	l.opts.ExpandWildcardAddrs = true

	_, err := l.Bind(&net.TCPAddr{IP: net.IPv6loopback, Port: 0})
	require.NoError(t, err)
	assert.Len(t, l.sockets, 1)
}

// TestHandleExternalConnectionDeliversPendingDataOnFirstRead verifies that
// bytes already drained off the wire by the caller before handoff reach the
// new endpoint's first Read rather than being silently discarded.
func TestHandleExternalConnectionDeliversPendingDataOnFirstRead(t *testing.T) {
	accepted := make(chan *endpoint.Endpoint, 1)
	l, _ := newTestListener(t, func(ep *endpoint.Endpoint) { accepted <- ep })

	_, err := l.Bind(&net.TCPAddr{IP: net.IPv6loopback, Port: 0})
	require.NoError(t, err)
	listenerFd := l.sockets[0].handle.Fd()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	pending := []byte("prelude-bytes")
	l.HandleExternalConnection(listenerFd, fds[0], pending)

	var ep *endpoint.Endpoint
	select {
	case ep = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("no endpoint delivered")
	}

	var got endpoint.ReadCompletion
	synced := ep.Read(func(c endpoint.ReadCompletion) { got = c }, endpoint.ReadArgs{})
	require.True(t, synced)
	require.NoError(t, got.Err)
	assert.Equal(t, pending, got.Data)
}
