package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/b0cal/miel/internal/model"
)

type fakeProvider struct {
	mu          sync.Mutex
	available   error
	createErr   error
	cleanupErr  error
	createCalls int
}

func (f *fakeProvider) CheckAvailable(ctx context.Context) error { return f.available }

func (f *fakeProvider) CreateContainer(ctx context.Context, svc model.ServiceConfig, id string) (*model.ContainerHandle, error) {
	f.mu.Lock()
	f.createCalls++
	f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &model.ContainerHandle{ID: id, ServiceName: svc.Name}, nil
}

func (f *fakeProvider) Cleanup(ctx context.Context, handle *model.ContainerHandle) error {
	return f.cleanupErr
}

func TestNewFailsWhenRuntimeUnavailable(t *testing.T) {
	_, err := New(context.Background(), &fakeProvider{available: ErrRuntimeNotAvailable})
	require.ErrorIs(t, err, ErrRuntimeNotAvailable)
}

func TestCreateTracksStatsAndIDFormat(t *testing.T) {
	fp := &fakeProvider{}
	m, err := New(context.Background(), fp)
	require.NoError(t, err)

	h, err := m.Create(context.Background(), model.ServiceConfig{Name: "ssh"})
	require.NoError(t, err)
	require.Contains(t, h.ID, "miel-ssh-")

	stats := m.Stats()
	require.Equal(t, 1, stats.ActiveCount)
	require.Equal(t, 1, stats.TotalCreated)
	require.Equal(t, 0, stats.FailedCount)
}

func TestCreateFailureDoesNotLeakRegistryEntry(t *testing.T) {
	fp := &fakeProvider{createErr: errors.New("boom")}
	m, err := New(context.Background(), fp)
	require.NoError(t, err)

	_, err = m.Create(context.Background(), model.ServiceConfig{Name: "http"})
	require.Error(t, err)

	stats := m.Stats()
	require.Equal(t, 0, stats.ActiveCount)
	require.Equal(t, 0, stats.TotalCreated)
	require.Equal(t, 1, stats.FailedCount)
}

func TestCleanupAllContinuesOnIndividualErrors(t *testing.T) {
	fp := &fakeProvider{cleanupErr: errors.New("kill failed")}
	m, err := New(context.Background(), fp)
	require.NoError(t, err)

	h1, err := m.Create(context.Background(), model.ServiceConfig{Name: "ssh"})
	require.NoError(t, err)
	h2, err := m.Create(context.Background(), model.ServiceConfig{Name: "http"})
	require.NoError(t, err)
	_ = h1
	_ = h2

	failures := m.CleanupAll(context.Background())
	require.Equal(t, 2, failures)
	require.Equal(t, 0, m.Stats().ActiveCount)
}

func TestActiveContainerIDsIsMetadataOnly(t *testing.T) {
	fp := &fakeProvider{}
	m, err := New(context.Background(), fp)
	require.NoError(t, err)

	h, err := m.Create(context.Background(), model.ServiceConfig{Name: "ssh"})
	require.NoError(t, err)

	ids := m.ActiveContainerIDs()
	require.Equal(t, []string{h.ID}, ids)
}

func TestDialBackoffCapsAt3Seconds(t *testing.T) {
	require.Less(t, DialBackoff(0), DialBackoff(29))
	require.Equal(t, DialBackoff(100), DialBackoff(50))
}
