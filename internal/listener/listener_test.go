package listener

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/b0cal/miel/internal/model"
)

func TestFilterDefaultAllowsAll(t *testing.T) {
	f := NewConnFilter(model.IPFilter{}, model.PortFilter{})
	require.True(t, f.Allow("10.0.0.5:1234", 22))
}

func TestFilterBlockedRangeRejects(t *testing.T) {
	f := NewConnFilter(model.IPFilter{BlockedRanges: []string{"10.0.0.0/8"}}, model.PortFilter{})
	require.False(t, f.Allow("10.1.2.3:1234", 22))
	require.True(t, f.Allow("192.168.1.1:1234", 22))
}

func TestFilterWhitelistModeRequiresMatch(t *testing.T) {
	f := NewConnFilter(model.IPFilter{WhitelistMode: true, AllowedRanges: []string{"192.168.0.0/16"}}, model.PortFilter{})
	require.True(t, f.Allow("192.168.1.1:1", 22))
	require.False(t, f.Allow("10.0.0.1:1", 22))
}

func TestFilterPortWhitelist(t *testing.T) {
	f := NewConnFilter(model.IPFilter{}, model.PortFilter{WhitelistMode: true, AllowedPorts: []int{22}})
	require.True(t, f.Allow("1.2.3.4:1", 22))
	require.False(t, f.Allow("1.2.3.4:1", 80))
}

func TestMatchServiceByHeaderPattern(t *testing.T) {
	services := []model.ServiceConfig{
		{Name: "ssh", Port: 22, HeaderPatterns: []string{"SSH-"}},
		{Name: "http", Port: 80, HeaderPatterns: []string{"GET", "POST"}},
	}
	require.Equal(t, "http", matchService([]byte("GET / HTTP/1.1"), 80, services))
	require.Equal(t, "ssh", matchService([]byte("SSH-2.0-OpenSSH"), 22, services))
}

func TestMatchServiceFallsBackToAcceptPort(t *testing.T) {
	services := []model.ServiceConfig{
		{Name: "http", Port: 8081, HeaderPatterns: []string{"GET"}},
	}
	require.Equal(t, "http", matchService([]byte("garbage"), 8081, services))
}

func TestBindAllReleasesOnPartialFailure(t *testing.T) {
	// Occupy a port first so the second bind in the list fails.
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()
	occupiedPort := occupied.Addr().(*net.TCPAddr).Port

	l := New("127.0.0.1", NewConnFilter(model.IPFilter{}, model.PortFilter{}), nil)
	err = l.Bind([]model.ServiceConfig{
		{Name: "a", Port: 0, Enabled: true},
		{Name: "b", Port: occupiedPort, Enabled: true},
	})
	require.Error(t, err)

	l.mu.Lock()
	count := len(l.listeners)
	l.mu.Unlock()
	require.Equal(t, 0, count)
}

func TestAcceptLoopEnqueuesSessionRequest(t *testing.T) {
	l := New("127.0.0.1", NewConnFilter(model.IPFilter{}, model.PortFilter{}), nil)
	require.NoError(t, l.Bind([]model.ServiceConfig{
		{Name: "http", Port: 0, Enabled: true, HeaderPatterns: []string{"GET"}},
	}))

	l.mu.Lock()
	ln := l.listeners["http"]
	l.mu.Unlock()
	addr := ln.Addr().String()

	go l.Run()
	defer l.Shutdown()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	select {
	case req := <-l.Requests():
		require.Equal(t, "http", req.ServiceName)
	case <-time.After(2 * time.Second):
		t.Fatal("no session request enqueued")
	}
}
