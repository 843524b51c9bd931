package sql

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/b0cal/miel/internal/model"
	"github.com/b0cal/miel/internal/persistence"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &model.Session{
		ID:          uuid.New(),
		ServiceName: "ssh",
		ClientAddr:  "10.0.0.1:5555",
		StartTime:   time.Now().UTC().Truncate(time.Second),
		Status:      model.SessionActive,
	}
	require.NoError(t, s.SaveSession(ctx, sess))

	got, err := s.GetSessions(ctx, model.SessionFilter{ServiceName: "ssh"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, sess.ID, got[0].ID)
	require.Equal(t, sess.ClientAddr, got[0].ClientAddr)

	// Upsert: mutate and save again, still one row.
	now := time.Now().UTC().Truncate(time.Second)
	sess.EndTime = &now
	sess.Status = model.SessionCompleted
	require.NoError(t, s.SaveSession(ctx, sess))

	got, err = s.GetSessions(ctx, model.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, model.SessionCompleted, got[0].Status)
	require.NotNil(t, got[0].EndTime)
}

func TestInteractionOrderPreserved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.New()
	require.NoError(t, s.SaveSession(ctx, &model.Session{
		ID: id, ServiceName: "ssh", ClientAddr: "10.0.0.1:1", StartTime: time.Now().UTC(), Status: model.SessionActive,
	}))

	chunks := [][]byte{[]byte("ls\n"), []byte("pwd\n"), []byte("exit\n")}
	for _, c := range chunks {
		require.NoError(t, s.SaveInteraction(ctx, id, c))
	}

	data, err := s.GetSessionData(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "ls\npwd\nexit\n", string(data))
}

func TestCaptureArtifactsUpsertAndNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.New()

	_, err := s.GetCaptureArtifacts(ctx, id)
	require.ErrorIs(t, err, persistence.ErrNotFound)

	require.NoError(t, s.SaveSession(ctx, &model.Session{
		ID: id, ServiceName: "http", ClientAddr: "10.0.0.1:2", StartTime: time.Now().UTC(), Status: model.SessionActive,
	}))

	a := &model.CaptureArtifacts{
		SessionID:            id,
		TCPClientToContainer: []byte("GET / HTTP/1.1\r\n"),
		TCPContainerToClient: []byte("HTTP/1.1 200 OK\r\n"),
		TotalBytes:           33,
		Duration:             2 * time.Second,
	}
	require.NoError(t, s.SaveCaptureArtifacts(ctx, a))
	require.NoError(t, s.SaveCaptureArtifacts(ctx, a)) // idempotent upsert

	got, err := s.GetCaptureArtifacts(ctx, id)
	require.NoError(t, err)
	require.Equal(t, a.TotalBytes, got.TotalBytes)
	require.Equal(t, a.TCPClientToContainer, got.TCPClientToContainer)
}

func TestCleanupOldSessionsCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	id := uuid.New()
	require.NoError(t, s.SaveSession(ctx, &model.Session{
		ID: id, ServiceName: "http", ClientAddr: "1.2.3.4:1", StartTime: old, Status: model.SessionCompleted,
	}))
	require.NoError(t, s.SaveInteraction(ctx, id, []byte("x")))
	require.NoError(t, s.SaveCaptureArtifacts(ctx, &model.CaptureArtifacts{SessionID: id}))

	keepID := uuid.New()
	require.NoError(t, s.SaveSession(ctx, &model.Session{
		ID: keepID, ServiceName: "http", ClientAddr: "1.2.3.4:2", StartTime: time.Now(), Status: model.SessionActive,
	}))

	cutoff := time.Now().Add(-1 * time.Hour)
	n, err := s.CleanupOldSessions(ctx, cutoff)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	remaining, err := s.GetSessions(ctx, model.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, keepID, remaining[0].ID)

	_, err = s.GetCaptureArtifacts(ctx, id)
	require.ErrorIs(t, err, persistence.ErrNotFound)
}
