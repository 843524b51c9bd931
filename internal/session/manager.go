// Package session implements the session manager: admitting connection
// requests, owning active sessions and their resources, and driving
// finalization.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/b0cal/miel/internal/logging"
	"github.com/b0cal/miel/internal/metrics"
	"github.com/b0cal/miel/internal/model"
	"github.com/b0cal/miel/internal/persistence"
	"github.com/b0cal/miel/internal/recorder"
	"github.com/b0cal/miel/internal/sandbox"
)

// ErrSessionLimitReached is returned when admitting a new session would
// exceed max_sessions.
var ErrSessionLimitReached = errors.New("session: limit reached")

// active holds everything one live session owns: its record, its
// container, and its recorder.
type active struct {
	session   *model.Session
	container *model.ContainerHandle
	recorder  *recorder.Recorder
}

// Manager owns the active-session registry and drives each session from
// admission through finalization.
type Manager struct {
	store          persistence.Store
	sandboxMgr     *sandbox.Manager
	maxSessions    int
	sessionTimeout time.Duration
	log            *logging.Logger
	metrics        *metrics.Metrics

	mu       sync.Mutex
	active   map[uuid.UUID]*active
	reserved int // admission slots held while a container is still being created
}

// WithMetrics attaches a Metrics sink the Manager updates as sessions are
// admitted, rejected, and finalized. Optional; nil (the default)
// disables metrics emission.
func (m *Manager) WithMetrics(mm *metrics.Metrics) *Manager {
	m.metrics = mm
	return m
}

// New constructs a Session Manager.
func New(store persistence.Store, sandboxMgr *sandbox.Manager, maxSessions int, sessionTimeout time.Duration, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{
		store:          store,
		sandboxMgr:     sandboxMgr,
		maxSessions:    maxSessions,
		sessionTimeout: sessionTimeout,
		log:            log,
		active:         make(map[uuid.UUID]*active),
	}
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Request is the minimal shape the Session Manager needs from a
// listener.SessionRequest, kept as a local type to avoid an import cycle
// between internal/listener and internal/session.
type Request struct {
	Conn        net.Conn
	ServiceName string
	ClientAddr  string
	Timestamp   time.Time
}

// HandleSession admits one connection: reconnect merge, admission
// against max_sessions, container creation, session persistence, and the
// proxy+capture pipeline. It blocks until the proxy for this connection
// terminates, then calls EndSession.
func (m *Manager) HandleSession(ctx context.Context, req Request, svc model.ServiceConfig) error {
	if reused, ok := m.findReconnect(req.ClientAddr); ok {
		// Merge onto the existing session's container socket. The
		// session itself stays owned by its primary connection; only
		// that one drives finalization.
		return reused.recorder.StartTCPProxy(ctx, req.Conn, reused.container.Conn)
	}

	m.mu.Lock()
	if len(m.active)+m.reserved >= m.maxSessions {
		m.mu.Unlock()
		_ = req.Conn.Close()
		if m.metrics != nil {
			m.metrics.SessionsRejected.Inc()
		}
		return ErrSessionLimitReached
	}
	m.reserved++
	m.mu.Unlock()

	container, err := m.sandboxMgr.Create(ctx, svc)
	if err != nil {
		m.mu.Lock()
		m.reserved--
		m.mu.Unlock()
		_ = req.Conn.Close()
		return fmt.Errorf("session: create container: %w", err)
	}

	sess := &model.Session{
		ID:          uuid.New(),
		ServiceName: svc.Name,
		ClientAddr:  req.ClientAddr,
		StartTime:   req.Timestamp,
		ContainerID: container.ID,
		Status:      model.SessionActive,
	}
	rec := recorder.New(sess.ID, m.store)

	a := &active{session: sess, container: container, recorder: rec}
	m.mu.Lock()
	m.reserved--
	m.active[sess.ID] = a
	activeCount := len(m.active)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SessionsAdmitted.WithLabelValues(svc.Name).Inc()
		m.metrics.SessionsActive.Set(float64(activeCount))
	}

	if err := m.store.SaveSession(ctx, sess); err != nil {
		m.log.Sugar().Errorw("session: save_session failed", "id", sess.ID, "err", err)
	}

	return m.runProxy(ctx, a, req.Conn)
}

// findReconnect checks whether an active session's client address
// matches; if so the request is treated as a reconnect and proxied onto
// that session's existing container socket. Address matching is
// approximate under NAT rebinding, which is acceptable here.
func (m *Manager) findReconnect(clientAddr string) (*active, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.active {
		if a.session.ClientAddr == clientAddr {
			return a, true
		}
	}
	return nil, false
}

// runProxy runs the recording proxy for this connection against a's
// container socket, then captures the activity log if present, then ends
// the session. Only the primary connection runs it: the reconnect path in
// HandleSession calls StartTCPProxy directly, sharing a's recorder, which
// serializes buffer appends internally.
func (m *Manager) runProxy(ctx context.Context, a *active, clientConn net.Conn) error {
	proxyErr := a.recorder.StartTCPProxy(ctx, clientConn, a.container.Conn)

	if a.container.LogPath != "" {
		if err := a.recorder.CaptureActivityLog(a.container.LogPath); err != nil {
			m.log.Sugar().Warnw("session: capture_activity_log failed", "id", a.session.ID, "err", err)
		}
	}

	return m.EndSession(ctx, a.session.ID, proxyErr)
}

// EndSession removes the session from the active map, stamps
// end_time/status, finalizes the recorder, updates bytes_transferred,
// persists, and cleans up the container. All error paths set status =
// Error but still attempt container cleanup; storage failures must never
// leak a container.
func (m *Manager) EndSession(ctx context.Context, id uuid.UUID, proxyErr error) error {
	m.mu.Lock()
	a, ok := m.active[id]
	if ok {
		delete(m.active, id)
	}
	remaining := len(m.active)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if m.metrics != nil {
		m.metrics.SessionsActive.Set(float64(remaining))
	}

	now := time.Now().UTC()
	a.session.EndTime = &now
	a.session.Status = model.SessionCompleted
	if proxyErr != nil {
		a.session.Status = model.SessionError
	}

	var finalErr error
	artifacts, err := a.recorder.Finalize(ctx)
	if err != nil {
		a.session.Status = model.SessionError
		finalErr = fmt.Errorf("session: finalize: %w", err)
		m.log.Sugar().Errorw("session: finalize failed", "id", id, "err", err)
	} else {
		a.session.BytesTransferred = artifacts.TotalBytes
		if m.metrics != nil {
			m.metrics.SessionDuration.Observe(artifacts.Duration.Seconds())
			m.metrics.ProxyBytesTotal.WithLabelValues("client_to_container").Add(float64(len(artifacts.TCPClientToContainer)))
			m.metrics.ProxyBytesTotal.WithLabelValues("container_to_client").Add(float64(len(artifacts.TCPContainerToClient)))
		}
	}

	if err := m.store.SaveSession(ctx, a.session); err != nil {
		m.log.Sugar().Errorw("session: save_session (end) failed", "id", id, "err", err)
		if finalErr == nil {
			finalErr = fmt.Errorf("session: persist end state: %w", err)
		}
	}

	if err := m.sandboxMgr.Cleanup(ctx, a.container); err != nil {
		m.log.Sugar().Warnw("session: container cleanup failed", "id", id, "err", err)
	}

	return finalErr
}

// CleanupExpired ends any active session whose end_time is set and older
// than session_timeout. Called periodically by the Controller. Sessions
// are normally removed
// from the active map by EndSession already; this sweep exists for
// sessions whose end_time was set (e.g. by a prior partial failure) but
// that were never fully ended.
func (m *Manager) CleanupExpired(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.sessionTimeout)

	m.mu.Lock()
	var expired []uuid.UUID
	for id, a := range m.active {
		if a.session.EndTime != nil && a.session.EndTime.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		_ = m.EndSession(ctx, id, nil)
	}
}

// ShutdownAll ends every active session, never propagating individual
// errors upward.
func (m *Manager) ShutdownAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]uuid.UUID, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.EndSession(ctx, id, nil)
	}
}
