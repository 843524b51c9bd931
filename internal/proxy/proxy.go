// Package proxy implements the full-duplex recording proxy: two
// concurrent forwarding loops between a client and container TCP stream,
// each appending to its own byte buffer and a shared timestamp series,
// with half-close propagation on EOF.
package proxy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/b0cal/miel/internal/model"
)

const bufSize = 16 * 1024

// ErrTCPStream is returned when either forwarding loop hits a non-EOF I/O
// error.
var ErrTCPStream = errors.New("proxy: tcp stream error")

// halfCloser is implemented by *net.TCPConn and similar connection types
// that support shutting down only the write half.
type halfCloser interface {
	CloseWrite() error
}

// Result is the per-direction capture produced by Run.
type Result struct {
	ClientToContainer []byte
	ContainerToClient []byte
	Timestamps        []model.TCPTimestamp
}

// Run forwards bytes bidirectionally between client and container until
// both directions have reached EOF (or errored), recording every chunk.
// On EOF from either side it half-closes the write side of the opposite
// connection, so a peer that sends EOF but keeps reading still drains
// the other direction. onChunk, if non-nil, is invoked synchronously
// from whichever forwarding goroutine produced the chunk, with a copy of
// its bytes. The recorder uses this to mirror proxied bytes into the
// interaction log as they're observed rather than only at finalize.
// Callers must keep onChunk itself non-blocking so it never stalls the
// hot forwarding loop.
func Run(client, container net.Conn, onChunk func([]byte)) (*Result, error) {
	var mu sync.Mutex
	res := &Result{}

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- forward(client, container, model.ClientToContainer, &mu, &res.ClientToContainer, &res.Timestamps, onChunk)
	}()
	go func() {
		defer wg.Done()
		errs <- forward(container, client, model.ContainerToClient, &mu, &res.ContainerToClient, &res.Timestamps, onChunk)
	}()

	wg.Wait()
	close(errs)

	var firstErr error
	for err := range errs {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return res, firstErr
}

// forward copies from src to dst, appending every chunk to buf and a
// timestamp to timestamps (both guarded by mu; one writer per
// direction's buffer, but the timestamp series is shared across
// directions, so cross-direction ordering is reconciled by timestamp
// only).
func forward(src, dst net.Conn, dir model.Direction, mu *sync.Mutex, buf *[]byte, timestamps *[]model.TCPTimestamp, onChunk func([]byte)) error {
	b := make([]byte, bufSize)
	for {
		n, err := src.Read(b)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, b[:n])

			if _, werr := dst.Write(chunk); werr != nil {
				halfCloseWrite(dst)
				return fmt.Errorf("%w: write %s: %v", ErrTCPStream, dir, werr)
			}

			mu.Lock()
			*buf = append(*buf, chunk...)
			*timestamps = append(*timestamps, model.TCPTimestamp{Time: time.Now().UTC(), Direction: dir, Bytes: n})
			mu.Unlock()

			if onChunk != nil {
				onChunk(chunk)
			}
		}
		if err != nil {
			if err == io.EOF {
				halfCloseWrite(dst)
				return nil
			}
			halfCloseWrite(dst)
			return fmt.Errorf("%w: read %s: %v", ErrTCPStream, dir, err)
		}
	}
}

// halfCloseWrite shuts down dst's write half so its peer observes EOF,
// without tearing down dst's read half (the opposite direction's loop
// may still be forwarding). Falls back to a full Close if dst doesn't
// support CloseWrite.
func halfCloseWrite(dst net.Conn) {
	if hc, ok := dst.(halfCloser); ok {
		_ = hc.CloseWrite()
		return
	}
	_ = dst.Close()
}
