// Package recorder owns per-session capture state and the persistence
// handle: it drives the recording proxy, parses the activity log into
// stdio buffers, and finalizes everything into one CaptureArtifacts
// record.
package recorder

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/b0cal/miel/internal/activitylog"
	"github.com/b0cal/miel/internal/model"
	"github.com/b0cal/miel/internal/persistence"
	"github.com/b0cal/miel/internal/proxy"
)

// Recorder owns one session's capture state. It is appended to by the
// two proxy forwarding loops and the activity-log parser, and finalized
// by the session manager. Do not share a Recorder across sessions.
type Recorder struct {
	sessionID uuid.UUID
	store     persistence.Store
	startTime time.Time

	mu              sync.Mutex
	tcpC2S          []byte
	tcpS2C          []byte
	stdin           []byte
	stdout          []byte
	stderr          []byte
	tcpTimestamps   []model.TCPTimestamp
	stdioTimestamps []model.StdioTimestamp

	finalized    bool
	lastArtifact *model.CaptureArtifacts
}

// New creates a Recorder bound to store for sessionID.
func New(sessionID uuid.UUID, store persistence.Store) *Recorder {
	return &Recorder{
		sessionID: sessionID,
		store:     store,
		startTime: time.Now().UTC(),
	}
}

// interactionQueueCapacity bounds the channel feeding the background
// interaction writer so a slow persistence backend can never stall the
// proxy's hot forwarding loop. A full queue drops the chunk from the
// interaction log only; the chunk is still captured in-memory and persisted in
// full at Finalize. Later chunks are still appended after a dropped one, so
// the interaction log holds the forwarded chunks in order with any dropped
// ones missing, and its length never exceeds the bytes transferred.
const interactionQueueCapacity = 256

// StartTCPProxy runs the full-duplex recording proxy between client and
// container, merging its captured buffers and timestamps into the
// recorder's own state. Every forwarded chunk is also mirrored, best
// effort and off the hot path, into the session's interaction log via
// persistence.Store.SaveInteraction, so the log is populated in order
// even for a session that never reaches Finalize; chunks dropped on a
// full queue are absent from it. Blocks until the proxy terminates.
func (r *Recorder) StartTCPProxy(ctx context.Context, client, container net.Conn) error {
	chunks := make(chan []byte, interactionQueueCapacity)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for chunk := range chunks {
			_ = r.store.SaveInteraction(ctx, r.sessionID, chunk)
		}
	}()

	result, err := proxy.Run(client, container, func(chunk []byte) {
		select {
		case chunks <- chunk:
		default:
		}
	})
	close(chunks)
	<-writerDone

	r.mu.Lock()
	if result != nil {
		r.tcpC2S = append(r.tcpC2S, result.ClientToContainer...)
		r.tcpS2C = append(r.tcpS2C, result.ContainerToClient...)
		r.tcpTimestamps = append(r.tcpTimestamps, result.Timestamps...)
	}
	r.mu.Unlock()

	return err
}

// CaptureActivityLog runs the activity-log parser against the file at
// path, appending matched lines into the recorder's stdio buffers and
// timestamps. Safe to call zero or more times.
func (r *Recorder) CaptureActivityLog(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	lines, err := activitylog.Parse(f)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range lines {
		content := []byte(l.Content + "\n")
		switch l.Stream {
		case model.Stdin:
			r.stdin = append(r.stdin, content...)
		case model.Stdout:
			r.stdout = append(r.stdout, content...)
		case model.Stderr:
			r.stderr = append(r.stderr, content...)
		}
		r.stdioTimestamps = append(r.stdioTimestamps, model.StdioTimestamp{
			Time: l.Time, Stream: l.Stream, Bytes: len(content),
		})
	}
	return nil
}

// Finalize snapshots the recorder's buffers, computes total_bytes and
// duration, persists the resulting CaptureArtifacts, and returns them.
// Idempotent: a second call returns the same artifacts and re-persists
// them (the backend performs the upsert).
func (r *Recorder) Finalize(ctx context.Context) (*model.CaptureArtifacts, error) {
	r.mu.Lock()
	if r.finalized {
		artifacts := r.lastArtifact
		r.mu.Unlock()
		if err := r.store.SaveCaptureArtifacts(ctx, artifacts); err != nil {
			return nil, err
		}
		return artifacts, nil
	}

	artifacts := &model.CaptureArtifacts{
		SessionID:            r.sessionID,
		TCPClientToContainer: append([]byte(nil), r.tcpC2S...),
		TCPContainerToClient: append([]byte(nil), r.tcpS2C...),
		StdioStdin:           append([]byte(nil), r.stdin...),
		StdioStdout:          append([]byte(nil), r.stdout...),
		StdioStderr:          append([]byte(nil), r.stderr...),
		TCPTimestamps:        append([]model.TCPTimestamp(nil), r.tcpTimestamps...),
		StdioTimestamps:      append([]model.StdioTimestamp(nil), r.stdioTimestamps...),
		Duration:             time.Since(r.startTime),
	}
	artifacts.TotalBytes = uint64(len(artifacts.TCPClientToContainer) +
		len(artifacts.TCPContainerToClient) +
		len(artifacts.StdioStdin) +
		len(artifacts.StdioStdout) +
		len(artifacts.StdioStderr))

	r.finalized = true
	r.lastArtifact = artifacts
	r.mu.Unlock()

	if err := r.store.SaveCaptureArtifacts(ctx, artifacts); err != nil {
		return nil, err
	}
	return artifacts, nil
}
