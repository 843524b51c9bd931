// Package model defines the data types shared across the honeypot core:
// service configuration, session records, container handles, and capture
// artifacts. These types are persistence-backend agnostic; internal/persistence
// maps them onto SQL rows or flat files.
package model

import (
	"net"
	"time"

	"github.com/google/uuid"
)

// Transport is the wire transport a ServiceConfig listens on.
type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportUDP Transport = "udp"
)

// ServiceConfig is the static, file-configured description of one honeypot
// service: where it listens, what container image backs it, and how the
// Listener recognizes a client speaking its protocol.
type ServiceConfig struct {
	Name           string    `yaml:"name" json:"name"`
	Port           int       `yaml:"port" json:"port"`
	Transport      Transport `yaml:"transport" json:"transport"`
	ContainerImage string    `yaml:"container_image" json:"container_image"`
	Enabled        bool      `yaml:"enabled" json:"enabled"`
	HeaderPatterns []string  `yaml:"header_patterns" json:"header_patterns"`
	BannerResponse string    `yaml:"banner_response,omitempty" json:"banner_response,omitempty"`
}

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
)

// Session is the mutable record of one accepted client connection and the
// honeypot service instance handling it. One Session owns exactly one
// ContainerHandle while Active.
type Session struct {
	ID               uuid.UUID
	ServiceName      string
	ClientAddr       string // "IP:port", as observed at accept time
	StartTime        time.Time
	EndTime          *time.Time
	ContainerID      string
	BytesTransferred uint64
	Status           SessionStatus
}

// ContainerHandle is the exclusively-owned runtime state of one sandbox
// container: its live process, any log file, and its preconnected TCP
// socket. It must never be duplicated or shared between sessions; see
// sandbox.State for the state machine it moves through.
type ContainerHandle struct {
	ID          string
	ServiceName string
	Port        int // internal (in-container) service port
	HostPort    int // ephemeral host port bound on 127.0.0.1
	CreatedAt   time.Time

	// Process is the live container/runtime process. Owned exclusively by
	// this handle; Cleanup consumes it.
	Process ContainerProcess

	// LogPath is the activity log file bind-mounted into the container, if
	// the service emits one. Empty if not applicable.
	LogPath string

	// Conn is the TCP socket already connected to the service inside the
	// container, established by the readiness loop. Owned exclusively by
	// this handle.
	Conn net.Conn
}

// ContainerProcess is the narrow view of a running container process that
// the Sandbox Manager needs: the ability to stop it. Concrete
// implementations wrap a runtime-specific handle (e.g. a Docker container
// ID plus client).
type ContainerProcess interface {
	// Kill best-effort terminates the process. Idempotent.
	Kill() error
}

// Direction identifies which side originated a TCP chunk.
type Direction string

const (
	ClientToContainer Direction = "client_to_container"
	ContainerToClient Direction = "container_to_client"
)

// StdioStream identifies which in-container stream a parsed activity-log
// line belongs to.
type StdioStream string

const (
	Stdin  StdioStream = "stdin"
	Stdout StdioStream = "stdout"
	Stderr StdioStream = "stderr"
)

// TCPTimestamp records one proxied chunk: when it was observed, which
// direction it travelled, and how many bytes it carried.
type TCPTimestamp struct {
	Time      time.Time
	Direction Direction
	Bytes     int
}

// StdioTimestamp records one parsed activity-log line the same way.
type StdioTimestamp struct {
	Time   time.Time
	Stream StdioStream
	Bytes  int
}

// CaptureArtifacts is the write-once aggregate of everything observed
// during one session: the raw byte streams and their per-chunk timestamp
// series, persisted at finalize.
type CaptureArtifacts struct {
	SessionID uuid.UUID

	TCPClientToContainer []byte
	TCPContainerToClient []byte
	StdioStdin           []byte
	StdioStdout          []byte
	StdioStderr          []byte

	TCPTimestamps   []TCPTimestamp
	StdioTimestamps []StdioTimestamp

	TotalBytes uint64
	Duration   time.Duration
}

// SessionFilter narrows a Persistence.GetSessions query.
type SessionFilter struct {
	ServiceName   string
	StartDate     *time.Time
	EndDate       *time.Time
	ClientAddrPfx string // prefix match against the stored "IP:port" string
	Status        SessionStatus
}

// IPFilter configures IP-range allow/block filtering for the Listener.
type IPFilter struct {
	WhitelistMode bool     `yaml:"whitelist_mode" json:"whitelist_mode"`
	AllowedRanges []string `yaml:"allowed_ranges" json:"allowed_ranges"`
	BlockedRanges []string `yaml:"blocked_ranges" json:"blocked_ranges"`
}

// PortFilter configures port allow/block filtering for the Listener.
type PortFilter struct {
	WhitelistMode bool  `yaml:"whitelist_mode" json:"whitelist_mode"`
	AllowedPorts  []int `yaml:"allowed_ports" json:"allowed_ports"`
	BlockedPorts  []int `yaml:"blocked_ports" json:"blocked_ports"`
}
