// Package config loads and validates the miel configuration file named on
// the command line, applying environment-variable overrides on top of it.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/b0cal/miel/internal/model"
)

// PersistenceBackend selects which Persistence implementation the
// Controller wires up.
type PersistenceBackend string

const (
	BackendSQL        PersistenceBackend = "sql"
	BackendFilesystem PersistenceBackend = "filesystem"
)

// PersistenceConfig selects and parameterizes the persistence backend.
type PersistenceConfig struct {
	Backend        PersistenceBackend `yaml:"backend"`
	DSN            string             `yaml:"dsn"`
	FilesystemRoot string             `yaml:"filesystem_root"`
}

// Config is the full, validated configuration for one miel process.
type Config struct {
	BindAddress        string              `yaml:"bind_address"`
	StoragePath        string              `yaml:"storage_path"`
	WebUIEnabled       bool                `yaml:"web_ui_enabled"`
	WebUIPort          int                 `yaml:"web_ui_port"`
	MaxSessions        int                 `yaml:"max_sessions"`
	SessionTimeoutSecs int                 `yaml:"session_timeout_secs"`
	Persistence        PersistenceConfig   `yaml:"persistence"`
	IPFilter           model.IPFilter      `yaml:"ip_filter"`
	PortFilter         model.PortFilter    `yaml:"port_filter"`
	Services           []model.ServiceConfig `yaml:"services"`
}

// Default returns the baseline configuration applied before the YAML file
// and environment overrides are layered on top.
func Default() *Config {
	return &Config{
		BindAddress:        "0.0.0.0",
		StoragePath:        "/var/lib/miel",
		WebUIEnabled:       false,
		WebUIPort:          8080,
		MaxSessions:        64,
		SessionTimeoutSecs: 172800,
		Persistence: PersistenceConfig{
			Backend:        BackendSQL,
			DSN:            "sqlite:///var/lib/miel/miel.db",
			FilesystemRoot: "/var/lib/miel/store",
		},
	}
}

// Load reads the YAML config file at path, applies it over Default(),
// applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	clean := filepath.Clean(path)
	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", clean, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", clean, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v, ok := os.LookupEnv("BIND_ADDRESS"); ok {
		c.BindAddress = v
	}
	if v, ok := os.LookupEnv("STORAGE_PATH"); ok {
		c.StoragePath = v
	}
	if v, ok := os.LookupEnv("WEB_UI_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.WebUIEnabled = b
		}
	}
	if v, ok := os.LookupEnv("WEB_UI_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.WebUIPort = n
		}
	}
	if v, ok := os.LookupEnv("MAX_SESSIONS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxSessions = n
		}
	}
	if v, ok := os.LookupEnv("SESSION_TIMEOUT_SECS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.SessionTimeoutSecs = n
		}
	}
	if v, ok := os.LookupEnv("MIEL_PERSISTENCE_BACKEND"); ok {
		c.Persistence.Backend = PersistenceBackend(v)
	}
	if v, ok := os.LookupEnv("MIEL_PERSISTENCE_DSN"); ok {
		c.Persistence.DSN = v
	}
}

// Validate checks structural validity of the loaded configuration. It does
// not check filesystem existence beyond a non-empty storage path; the
// Controller surfaces I/O failures at the point of use.
func (c *Config) Validate() error {
	if c.StoragePath == "" {
		return fmt.Errorf("storage_path must not be empty")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be positive, got %d", c.MaxSessions)
	}
	if c.SessionTimeoutSecs <= 0 {
		return fmt.Errorf("session_timeout_secs must be positive, got %d", c.SessionTimeoutSecs)
	}
	if c.WebUIEnabled {
		if err := validatePort(c.WebUIPort); err != nil {
			return fmt.Errorf("web_ui_port: %w", err)
		}
	}
	if c.Persistence.Backend != BackendSQL && c.Persistence.Backend != BackendFilesystem {
		return fmt.Errorf("persistence.backend must be %q or %q, got %q", BackendSQL, BackendFilesystem, c.Persistence.Backend)
	}

	seenPorts := map[int]string{}
	anyEnabled := false
	for i := range c.Services {
		svc := &c.Services[i]
		if svc.Name == "" {
			return fmt.Errorf("services[%d]: name must not be empty", i)
		}
		if err := validatePort(svc.Port); err != nil {
			return fmt.Errorf("services[%d] (%s): %w", i, svc.Name, err)
		}
		if svc.Transport == "" {
			svc.Transport = model.TransportTCP
		}
		if svc.Transport != model.TransportTCP && svc.Transport != model.TransportUDP {
			return fmt.Errorf("services[%d] (%s): invalid transport %q", i, svc.Name, svc.Transport)
		}
		if other, dup := seenPorts[svc.Port]; dup && svc.Enabled {
			return fmt.Errorf("services[%d] (%s): port %d already used by %q", i, svc.Name, svc.Port, other)
		}
		if svc.Enabled {
			seenPorts[svc.Port] = svc.Name
			anyEnabled = true
		}
	}
	if !anyEnabled {
		return fmt.Errorf("at least one enabled service is required")
	}

	for _, r := range c.IPFilter.AllowedRanges {
		if err := validateIPRange(r); err != nil {
			return fmt.Errorf("ip_filter.allowed_ranges: %w", err)
		}
	}
	for _, r := range c.IPFilter.BlockedRanges {
		if err := validateIPRange(r); err != nil {
			return fmt.Errorf("ip_filter.blocked_ranges: %w", err)
		}
	}
	for _, p := range c.PortFilter.AllowedPorts {
		if err := validatePort(p); err != nil {
			return fmt.Errorf("port_filter.allowed_ports: %w", err)
		}
	}
	for _, p := range c.PortFilter.BlockedPorts {
		if err := validatePort(p); err != nil {
			return fmt.Errorf("port_filter.blocked_ports: %w", err)
		}
	}
	return nil
}

func validatePort(p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("port %d out of range [1,65535]", p)
	}
	return nil
}

func validateIPRange(r string) error {
	r = strings.TrimSpace(r)
	if strings.Contains(r, "/") {
		if _, _, err := net.ParseCIDR(r); err != nil {
			return fmt.Errorf("invalid CIDR %q: %w", r, err)
		}
		return nil
	}
	if net.ParseIP(r) == nil {
		return fmt.Errorf("invalid IP %q", r)
	}
	return nil
}
