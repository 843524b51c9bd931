package fsstore

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
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestSaveAndGetSessionRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &model.Session{
		ID:          uuid.New(),
		ServiceName: "http",
		ClientAddr:  "10.0.0.2:4444",
		StartTime:   time.Now().UTC().Truncate(time.Second),
		Status:      model.SessionActive,
	}
	require.NoError(t, s.SaveSession(ctx, sess))

	got, err := s.GetSessions(ctx, model.SessionFilter{ServiceName: "http"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, sess.ID, got[0].ID)
}

func TestInteractionAppendOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, s.SaveInteraction(ctx, id, []byte("a")))
	require.NoError(t, s.SaveInteraction(ctx, id, []byte("b")))
	require.NoError(t, s.SaveInteraction(ctx, id, []byte("c")))

	data, err := s.GetSessionData(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "abc", string(data))
}

func TestCaptureArtifactsRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.New()

	_, err := s.GetCaptureArtifacts(ctx, id)
	require.ErrorIs(t, err, persistence.ErrNotFound)

	a := &model.CaptureArtifacts{
		SessionID:            id,
		TCPClientToContainer: []byte("GET /"),
		TCPContainerToClient: []byte("HTTP/1.1 200 OK"),
		StdioStdin:           []byte("ls\n"),
		TCPTimestamps:        []model.TCPTimestamp{{Time: time.Now(), Direction: model.ClientToContainer, Bytes: 5}},
		TotalBytes:           20,
		Duration:             3 * time.Second,
	}
	require.NoError(t, s.SaveCaptureArtifacts(ctx, a))

	got, err := s.GetCaptureArtifacts(ctx, id)
	require.NoError(t, err)
	require.Equal(t, a.TCPClientToContainer, got.TCPClientToContainer)
	require.Equal(t, a.TotalBytes, got.TotalBytes)
	require.Len(t, got.TCPTimestamps, 1)
}

func TestCleanupOldSessionsRemovesArtifactsAndInteractions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	oldID := uuid.New()
	require.NoError(t, s.SaveSession(ctx, &model.Session{
		ID: oldID, ServiceName: "ssh", ClientAddr: "1.1.1.1:1", StartTime: time.Now().Add(-72 * time.Hour), Status: model.SessionCompleted,
	}))
	require.NoError(t, s.SaveInteraction(ctx, oldID, []byte("x")))
	require.NoError(t, s.SaveCaptureArtifacts(ctx, &model.CaptureArtifacts{SessionID: oldID}))

	keepID := uuid.New()
	require.NoError(t, s.SaveSession(ctx, &model.Session{
		ID: keepID, ServiceName: "ssh", ClientAddr: "1.1.1.1:2", StartTime: time.Now(), Status: model.SessionActive,
	}))

	n, err := s.CleanupOldSessions(ctx, time.Now().Add(-1*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	remaining, err := s.GetSessions(ctx, model.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, keepID, remaining[0].ID)

	_, err = s.GetCaptureArtifacts(ctx, oldID)
	require.ErrorIs(t, err, persistence.ErrNotFound)
}
