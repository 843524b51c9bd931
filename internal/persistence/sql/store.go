package sql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/b0cal/miel/internal/model"
	"github.com/b0cal/miel/internal/persistence"
)

// Store is the relational persistence backend. It wraps *gorm.DB and
// dispatches on the DSN scheme ("sqlite://" or "postgres://") rather
// than a separate driver field, since the config carries one DSN string.
type Store struct {
	db       *gorm.DB
	isSQLite bool
}

// Open connects to the relational backend named by dsn. dsn is either
// "sqlite:///path/to/file.db" (or "sqlite://:memory:") or a standard
// postgres connection URL.
func Open(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error
	isSQLite := strings.HasPrefix(dsn, "sqlite://")

	slowLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	gormConfig := &gorm.Config{Logger: slowLogger}

	inMemory := false
	if isSQLite {
		path := strings.TrimPrefix(dsn, "sqlite://")
		inMemory = path == ":memory:"
		if !inMemory {
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("sql: create database directory %s: %w", dir, err)
				}
			}
		}
		// Pragmas go in the DSN so every pooled connection gets them,
		// not just the one Exec happens to run on.
		path += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		db, err = gorm.Open(sqlite.Open(path), gormConfig)
	} else {
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("sql: connect: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sql: underlying sql.DB: %w", err)
	}
	switch {
	case inMemory:
		// Each pooled connection to :memory: would open its own
		// database; pin the pool to a single connection.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	case isSQLite:
		sqlDB.SetMaxOpenConns(4)
		sqlDB.SetMaxIdleConns(4)
	default:
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
	}

	s := &Store{db: db, isSQLite: isSQLite}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	return s.db.AutoMigrate(allModels()...)
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func timePtrToStr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Format(time.RFC3339)
	return &v
}

func strToTimePtr(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func toRow(s *model.Session) (*sessionRow, error) {
	row := &sessionRow{
		ID:               s.ID.String(),
		ServiceName:      s.ServiceName,
		ClientAddr:       s.ClientAddr,
		StartTime:        s.StartTime.UTC().Format(time.RFC3339),
		EndTime:          timePtrToStr(s.EndTime),
		BytesTransferred: s.BytesTransferred,
		Status:           string(s.Status),
	}
	if s.ContainerID != "" {
		cid := s.ContainerID
		row.ContainerID = &cid
	}
	return row, nil
}

func fromRow(row *sessionRow) (*model.Session, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return nil, fmt.Errorf("sql: bad session id %q: %w", row.ID, err)
	}
	start, err := time.Parse(time.RFC3339, row.StartTime)
	if err != nil {
		return nil, fmt.Errorf("sql: bad start_time %q: %w", row.StartTime, err)
	}
	end, err := strToTimePtr(row.EndTime)
	if err != nil {
		return nil, fmt.Errorf("sql: bad end_time: %w", err)
	}
	var containerID string
	if row.ContainerID != nil {
		containerID = *row.ContainerID
	}
	return &model.Session{
		ID:               id,
		ServiceName:      row.ServiceName,
		ClientAddr:       row.ClientAddr,
		StartTime:        start,
		EndTime:          end,
		ContainerID:      containerID,
		BytesTransferred: row.BytesTransferred,
		Status:           model.SessionStatus(row.Status),
	}, nil
}

// SaveSession upserts a session by id.
func (s *Store) SaveSession(ctx context.Context, sess *model.Session) error {
	row, err := toRow(sess)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(row).Error
}

// GetSessions returns sessions matching filter.
func (s *Store) GetSessions(ctx context.Context, filter model.SessionFilter) ([]model.Session, error) {
	q := s.db.WithContext(ctx).Model(&sessionRow{})
	if filter.ServiceName != "" {
		q = q.Where("service_name = ?", filter.ServiceName)
	}
	if filter.ClientAddrPfx != "" {
		q = q.Where("client_addr LIKE ?", filter.ClientAddrPfx+"%")
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	coalesce := "COALESCE(end_time, start_time)"
	if filter.StartDate != nil {
		q = q.Where(coalesce+" >= ?", filter.StartDate.UTC().Format(time.RFC3339))
	}
	if filter.EndDate != nil {
		q = q.Where(coalesce+" <= ?", filter.EndDate.UTC().Format(time.RFC3339))
	}

	var rows []sessionRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sql: get sessions: %w", err)
	}
	out := make([]model.Session, 0, len(rows))
	for i := range rows {
		m, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}

// SaveInteraction appends bytes to the session's interaction log.
func (s *Store) SaveInteraction(ctx context.Context, id uuid.UUID, data []byte) error {
	row := &interactionRow{SessionID: id.String(), Data: data}
	return s.db.WithContext(ctx).Create(row).Error
}

// GetSessionData returns the concatenation of all interaction chunks for
// id, in insertion order (autoincrement id order).
func (s *Store) GetSessionData(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var rows []interactionRow
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", id.String()).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sql: get session data: %w", err)
	}
	var out []byte
	for _, r := range rows {
		out = append(out, r.Data...)
	}
	return out, nil
}

// CleanupOldSessions deletes every session (and dependents, via FK
// cascade) whose COALESCE(end_time, start_time) < cutoff.
func (s *Store) CleanupOldSessions(ctx context.Context, cutoff time.Time) (int, error) {
	cutoffStr := cutoff.UTC().Format(time.RFC3339)
	result := s.db.WithContext(ctx).
		Where("COALESCE(end_time, start_time) < ?", cutoffStr).
		Delete(&sessionRow{})
	if result.Error != nil {
		return 0, fmt.Errorf("sql: cleanup old sessions: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

// SaveCaptureArtifacts upserts artifacts by session_id.
func (s *Store) SaveCaptureArtifacts(ctx context.Context, a *model.CaptureArtifacts) error {
	blob := toArtifactJSON(a)
	data, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("sql: marshal artifacts: %w", err)
	}
	row := &artifactRow{SessionID: a.SessionID.String(), JSON: string(data)}
	return s.db.WithContext(ctx).Save(row).Error
}

// GetCaptureArtifacts retrieves artifacts for id.
func (s *Store) GetCaptureArtifacts(ctx context.Context, id uuid.UUID) (*model.CaptureArtifacts, error) {
	var row artifactRow
	err := s.db.WithContext(ctx).First(&row, "session_id = ?", id.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", persistence.ErrReadFailed, err)
	}
	var blob artifactJSON
	if err := json.Unmarshal([]byte(row.JSON), &blob); err != nil {
		return nil, fmt.Errorf("%w: unmarshal artifacts: %v", persistence.ErrReadFailed, err)
	}
	return fromArtifactJSON(&blob), nil
}

func toArtifactJSON(a *model.CaptureArtifacts) *artifactJSON {
	tcpTs := make([]tcpTimestampJSON, len(a.TCPTimestamps))
	for i, t := range a.TCPTimestamps {
		tcpTs[i] = tcpTimestampJSON{Time: t.Time, Direction: string(t.Direction), Bytes: t.Bytes}
	}
	stdioTs := make([]stdioTimestampJSON, len(a.StdioTimestamps))
	for i, t := range a.StdioTimestamps {
		stdioTs[i] = stdioTimestampJSON{Time: t.Time, Stream: string(t.Stream), Bytes: t.Bytes}
	}
	return &artifactJSON{
		SessionID:            a.SessionID,
		TCPClientToContainer: a.TCPClientToContainer,
		TCPContainerToClient: a.TCPContainerToClient,
		StdioStdin:           a.StdioStdin,
		StdioStdout:          a.StdioStdout,
		StdioStderr:          a.StdioStderr,
		TCPTimestamps:        tcpTs,
		StdioTimestamps:      stdioTs,
		TotalBytes:           a.TotalBytes,
		DurationNanos:        a.Duration.Nanoseconds(),
	}
}

func fromArtifactJSON(b *artifactJSON) *model.CaptureArtifacts {
	tcpTs := make([]model.TCPTimestamp, len(b.TCPTimestamps))
	for i, t := range b.TCPTimestamps {
		tcpTs[i] = model.TCPTimestamp{Time: t.Time, Direction: model.Direction(t.Direction), Bytes: t.Bytes}
	}
	stdioTs := make([]model.StdioTimestamp, len(b.StdioTimestamps))
	for i, t := range b.StdioTimestamps {
		stdioTs[i] = model.StdioTimestamp{Time: t.Time, Stream: model.StdioStream(t.Stream), Bytes: t.Bytes}
	}
	return &model.CaptureArtifacts{
		SessionID:            b.SessionID,
		TCPClientToContainer: b.TCPClientToContainer,
		TCPContainerToClient: b.TCPContainerToClient,
		StdioStdin:           b.StdioStdin,
		StdioStdout:          b.StdioStdout,
		StdioStderr:          b.StdioStderr,
		TCPTimestamps:        tcpTs,
		StdioTimestamps:      stdioTs,
		TotalBytes:           b.TotalBytes,
		Duration:             time.Duration(b.DurationNanos),
	}
}

var _ persistence.Store = (*Store)(nil)
