// Package sql implements the relational persistence backend on top of
// GORM, with a dual sqlite/postgres connector.
package sql

import (
	"time"

	"github.com/google/uuid"
)

// sessionRow is the sessions table: id TEXT PK, service_name,
// client_addr, start_time/end_time RFC3339 strings, container_id
// nullable, bytes_transferred, status. Timestamps are stored as RFC3339
// strings for portability between sqlite and postgres.
type sessionRow struct {
	ID               string  `gorm:"column:id;primaryKey"`
	ServiceName      string  `gorm:"column:service_name;index"`
	ClientAddr       string  `gorm:"column:client_addr"`
	StartTime        string  `gorm:"column:start_time"`
	EndTime          *string `gorm:"column:end_time"`
	ContainerID      *string `gorm:"column:container_id"`
	BytesTransferred uint64  `gorm:"column:bytes_transferred"`
	Status           string  `gorm:"column:status"`

	Interactions []interactionRow `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
	Artifacts    *artifactRow     `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
}

func (sessionRow) TableName() string { return "sessions" }

// interactionRow is one append-only chunk of a session's interaction log.
type interactionRow struct {
	ID        uint   `gorm:"column:id;primaryKey;autoIncrement"`
	SessionID string `gorm:"column:session_id;index"`
	Data      []byte `gorm:"column:data"`
	CreatedAt time.Time
}

func (interactionRow) TableName() string { return "interactions" }

// artifactRow stores one session's CaptureArtifacts as a JSON blob,
// keyed by session id.
type artifactRow struct {
	SessionID string `gorm:"column:session_id;primaryKey"`
	JSON      string `gorm:"column:json"`
}

func (artifactRow) TableName() string { return "artifacts" }

// allModels is the AutoMigrate registry.
func allModels() []interface{} {
	return []interface{}{
		&sessionRow{},
		&interactionRow{},
		&artifactRow{},
	}
}

// artifactJSON is the on-disk JSON shape of a CaptureArtifacts row. It
// mirrors model.CaptureArtifacts with snake_case keys; the session id
// serializes as its string form, Duration is carried as integer
// nanoseconds, and directions/streams as plain strings.
type artifactJSON struct {
	SessionID            uuid.UUID             `json:"session_id"`
	TCPClientToContainer []byte                `json:"tcp_client_to_container"`
	TCPContainerToClient []byte                `json:"tcp_container_to_client"`
	StdioStdin           []byte                `json:"stdio_stdin"`
	StdioStdout          []byte                `json:"stdio_stdout"`
	StdioStderr          []byte                `json:"stdio_stderr"`
	TCPTimestamps        []tcpTimestampJSON    `json:"tcp_timestamps"`
	StdioTimestamps      []stdioTimestampJSON  `json:"stdio_timestamps"`
	TotalBytes           uint64                `json:"total_bytes"`
	DurationNanos        int64                 `json:"duration_nanos"`
}

type tcpTimestampJSON struct {
	Time      time.Time `json:"time"`
	Direction string    `json:"direction"`
	Bytes     int       `json:"bytes"`
}

type stdioTimestampJSON struct {
	Time   time.Time `json:"time"`
	Stream string    `json:"stream"`
	Bytes  int       `json:"bytes"`
}
