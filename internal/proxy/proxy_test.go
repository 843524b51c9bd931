package proxy

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/b0cal/miel/internal/model"
)

// tcpPair returns two connected *net.TCPConn.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var server net.Conn
	accepted := make(chan struct{})
	go func() {
		server, _ = ln.Accept()
		close(accepted)
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	<-accepted
	require.NotNil(t, server)
	return client, server
}

func TestProxyEchoesBothDirectionsAndRecords(t *testing.T) {
	// clientFacing/clientDial stand in for the accepted client socket;
	// containerFacing/containerDial stand in for the preconnected
	// container socket. Run() proxies between clientFacing and
	// containerFacing; the test drives traffic via the *Dial ends.
	clientDial, clientFacing := tcpPair(t)
	containerDial, containerFacing := tcpPair(t)

	done := make(chan struct{})
	var result *Result
	var runErr error
	go func() {
		result, runErr = Run(clientFacing, containerFacing, nil)
		close(done)
	}()

	// Container echoes whatever it receives.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := containerDial.Read(buf)
			if n > 0 {
				containerDial.Write(buf[:n])
			}
			if err != nil {
				containerDial.Close()
				return
			}
		}
	}()

	req := []byte("GET / HTTP/1.1\r\n")
	_, err := clientDial.Write(req)
	require.NoError(t, err)

	reply := make([]byte, len(req))
	_, err = io.ReadFull(clientDial, reply)
	require.NoError(t, err)
	require.Equal(t, req, reply)

	require.NoError(t, clientDial.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("proxy did not terminate after client hangup")
	}
	require.NoError(t, runErr)
	require.Contains(t, string(result.ClientToContainer), "GET /")
	require.Contains(t, string(result.ContainerToClient), "GET /")
	require.NotEmpty(t, result.Timestamps)
}

func TestForwardHalfCloseOnEOF(t *testing.T) {
	a, b := tcpPair(t)
	c, d := tcpPair(t)

	done := make(chan error, 1)
	go func() {
		_, err := Run(b, c, nil)
		done <- err
	}()

	msg := []byte("hello container\n")
	_, err := a.Write(msg)
	require.NoError(t, err)

	buf := make([]byte, len(msg))
	_, err = io.ReadFull(d, buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf)

	// a hangs up; b should observe EOF and half-close c's write side so
	// d observes EOF in turn.
	require.NoError(t, a.Close())

	one := make([]byte, 1)
	n, err := d.Read(one)
	require.Equal(t, 0, n)
	require.ErrorIs(t, err, io.EOF)

	require.NoError(t, d.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("proxy did not terminate after both sides closed")
	}
}

func TestDirectionConstants(t *testing.T) {
	require.Equal(t, model.Direction("client_to_container"), model.ClientToContainer)
	require.Equal(t, model.Direction("container_to_client"), model.ContainerToClient)
}
