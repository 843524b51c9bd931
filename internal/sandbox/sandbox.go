// Package sandbox manages ephemeral per-session containers: creation,
// readiness, registry bookkeeping, and teardown. The concrete runtime is
// abstracted behind Provider; one implementation (Docker) is supported.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/b0cal/miel/internal/metrics"
	"github.com/b0cal/miel/internal/model"
)

// Per-container lifecycle errors.
var (
	ErrRuntimeNotAvailable    = errors.New("sandbox: runtime not available")
	ErrInsufficientPrivileges = errors.New("sandbox: insufficient privileges")
	ErrConnectionFailed       = errors.New("sandbox: container readiness connection failed")
	ErrAlreadyExists          = errors.New("sandbox: container already exists")
)

// State is the per-container lifecycle state: Creating, Running,
// Terminating, Gone. Creating goes straight to Gone when setup or
// readiness fails.
type State string

const (
	StateCreating    State = "creating"
	StateRunning     State = "running"
	StateTerminating State = "terminating"
	StateGone        State = "gone"
)

// Provider is the container-runtime abstraction the Manager drives.
type Provider interface {
	// CheckAvailable verifies the runtime binary/daemon is reachable and
	// the process has sufficient privileges to launch containers.
	CheckAvailable(ctx context.Context) error

	// CreateContainer materializes rootfs, launches the service, and
	// waits for readiness, returning a bound ContainerHandle.
	CreateContainer(ctx context.Context, svc model.ServiceConfig, id string) (*model.ContainerHandle, error)

	// Cleanup tears down a container: best-effort kill, rootfs removal.
	// Idempotent; never panics on a partially-constructed handle.
	Cleanup(ctx context.Context, handle *model.ContainerHandle) error
}

// Stats is a read-only snapshot of lifecycle counters.
type Stats struct {
	ActiveCount  int
	TotalCreated int
	FailedCount  int
}

// entry tracks one live container's state alongside its handle.
type entry struct {
	handle *model.ContainerHandle
	state  State
}

// Manager owns the registry of live containers and dispatches to a
// Provider for the actual runtime work.
type Manager struct {
	provider Provider
	metrics  *metrics.Metrics

	mu           sync.Mutex
	active       map[string]*entry
	totalCreated int
	failedCount  int
}

// WithMetrics attaches a Metrics sink the Manager updates as containers
// are created and cleaned up. Optional; nil (the default) disables
// metrics emission.
func (m *Manager) WithMetrics(mm *metrics.Metrics) *Manager {
	m.metrics = mm
	return m
}

// New verifies the provider's runtime is available before returning a
// ready Manager; it fails with ErrRuntimeNotAvailable or
// ErrInsufficientPrivileges otherwise.
func New(ctx context.Context, provider Provider) (*Manager, error) {
	if err := provider.CheckAvailable(ctx); err != nil {
		return nil, err
	}
	return &Manager{
		provider: provider,
		active:   make(map[string]*entry),
	}, nil
}

// Create generates a container id (miel-<service>-<uuid>), asks the
// provider to build and launch it, and registers it as Running on
// success or records a failure on error.
func (m *Manager) Create(ctx context.Context, svc model.ServiceConfig) (*model.ContainerHandle, error) {
	id := fmt.Sprintf("miel-%s-%s", svc.Name, uuid.New().String())

	m.mu.Lock()
	m.active[id] = &entry{state: StateCreating}
	m.mu.Unlock()

	handle, err := m.provider.CreateContainer(ctx, svc, id)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		delete(m.active, id) // Creating -> Gone
		m.failedCount++
		if m.metrics != nil {
			m.metrics.ContainersFailed.Inc()
		}
		return nil, fmt.Errorf("sandbox: create %s: %w", id, err)
	}
	m.active[id] = &entry{handle: handle, state: StateRunning}
	m.totalCreated++
	if m.metrics != nil {
		m.metrics.ContainersCreated.Inc()
		m.metrics.ContainersActive.Set(float64(len(m.active)))
	}
	return handle, nil
}

// Cleanup terminates the runtime process for handle, removes its rootfs,
// and releases the registry entry. Errors are logged by the caller and
// counted but never abort cleanup of other containers; callers should
// treat Cleanup as best-effort.
func (m *Manager) Cleanup(ctx context.Context, handle *model.ContainerHandle) error {
	if handle == nil {
		return nil
	}

	m.mu.Lock()
	if e, ok := m.active[handle.ID]; ok {
		e.state = StateTerminating
	}
	m.mu.Unlock()

	err := m.provider.Cleanup(ctx, handle)

	m.mu.Lock()
	delete(m.active, handle.ID) // Terminating -> Gone
	if err != nil {
		m.failedCount++
	}
	if m.metrics != nil {
		if err != nil {
			m.metrics.ContainersFailed.Inc()
		}
		m.metrics.ContainersActive.Set(float64(len(m.active)))
	}
	m.mu.Unlock()

	return err
}

// CleanupAll invokes Cleanup on every registered handle, continuing on
// individual errors, returning the count of failures.
func (m *Manager) CleanupAll(ctx context.Context) int {
	m.mu.Lock()
	handles := make([]*model.ContainerHandle, 0, len(m.active))
	for _, e := range m.active {
		if e.handle != nil {
			handles = append(handles, e.handle)
		}
	}
	m.mu.Unlock()

	failures := 0
	for _, h := range handles {
		if err := m.Cleanup(ctx, h); err != nil {
			failures++
		}
	}
	return failures
}

// Stats recomputes ActiveCount from the live registry on every call,
// alongside the monotonic TotalCreated/FailedCount counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		ActiveCount:  len(m.active),
		TotalCreated: m.totalCreated,
		FailedCount:  m.failedCount,
	}
}

// ActiveContainerIDs returns a metadata-only snapshot of live container
// ids. Handles themselves are never copied out; they own live sockets
// and processes and stay with their sessions.
func (m *Manager) ActiveContainerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

// DialBackoff is the readiness loop's retry schedule (500ms +
// 200ms*attempt, capped at 3s), shared by Provider implementations.
func DialBackoff(attempt int) time.Duration {
	d := 500*time.Millisecond + time.Duration(attempt)*200*time.Millisecond
	if d > 3*time.Second {
		d = 3 * time.Second
	}
	return d
}

const MaxReadinessAttempts = 30
