package recorder

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/b0cal/miel/internal/persistence/fsstore"
)

// tcpPair returns two connected *net.TCPConn, mirroring the proxy
// package's own test helper.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-accepted
	return client, server
}

func newTestStore(t *testing.T) *fsstore.Store {
	t.Helper()
	s, err := fsstore.Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestCaptureActivityLogAggregatesStdin(t *testing.T) {
	store := newTestStore(t)
	id := uuid.New()
	rec := New(id, store)

	logPath := filepath.Join(t.TempDir(), "activity.log")
	content := "[2026-01-02 03:04:05 UTC] [SSH] [STDIN] ls\n" +
		"[2026-01-02 03:04:06 UTC] [SSH] [STDIN] pwd\n" +
		"[2026-01-02 03:04:07 UTC] [SSH] [STDIN] exit\n"
	require.NoError(t, os.WriteFile(logPath, []byte(content), 0o644))

	require.NoError(t, rec.CaptureActivityLog(logPath))

	artifacts, err := rec.Finalize(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ls\npwd\nexit\n", string(artifacts.StdioStdin))
	require.Empty(t, artifacts.StdioStdout)
	require.Len(t, artifacts.StdioTimestamps, 3)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	id := uuid.New()
	rec := New(id, store)

	first, err := rec.Finalize(context.Background())
	require.NoError(t, err)

	second, err := rec.Finalize(context.Background())
	require.NoError(t, err)
	require.Equal(t, first, second)

	got, err := store.GetCaptureArtifacts(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, first.TotalBytes, got.TotalBytes)
}

func TestStartTCPProxyMirrorsChunksIntoInteractionLog(t *testing.T) {
	store := newTestStore(t)
	id := uuid.New()
	rec := New(id, store)

	clientDial, clientFacing := tcpPair(t)
	containerDial, containerFacing := tcpPair(t)
	defer containerDial.Close()

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

	done := make(chan error, 1)
	go func() {
		done <- rec.StartTCPProxy(context.Background(), clientFacing, containerFacing)
	}()

	msg := []byte("hello")
	_, err := clientDial.Write(msg)
	require.NoError(t, err)
	reply := make([]byte, len(msg))
	_, err = clientDial.Read(reply)
	require.NoError(t, err)
	require.Equal(t, msg, reply)

	require.NoError(t, clientDial.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("proxy did not terminate")
	}

	got, err := store.GetSessionData(context.Background(), id)
	require.NoError(t, err)
	require.Contains(t, string(got), "hello")
}

func TestTotalBytesIsSumOfFiveBuffers(t *testing.T) {
	store := newTestStore(t)
	id := uuid.New()
	rec := New(id, store)
	rec.tcpC2S = []byte("abc")
	rec.tcpS2C = []byte("de")
	rec.stdin = []byte("f")
	rec.stdout = []byte("gh")
	rec.stderr = []byte("i")

	artifacts, err := rec.Finalize(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 9, artifacts.TotalBytes)
}
