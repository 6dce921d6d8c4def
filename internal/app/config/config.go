// Package config loads the orchestrator's settings from YAML and
// environment overrides. The rest of the app reads configuration
// through the Settings struct and never touches the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings holds all orchestrator configuration
type Settings struct {
	// Home is the base directory for local state (VERIDEX_HOME)
	Home string `yaml:"home"`

	// DatabasePath overrides the default <home>/veridex.db location
	DatabasePath string `yaml:"database_path"`

	// JournalPath overrides the default <home>/journal.ndjson location
	JournalPath string `yaml:"journal_path"`

	// StageBackend selects the stage gateway set: mock or http
	StageBackend string `yaml:"stage_backend"`

	// Collaborators maps stage names to their service base URLs for the
	// http backend
	Collaborators map[string]string `yaml:"collaborators"`

	// LeaseTTLSec is the run lease time-to-live in seconds
	LeaseTTLSec int `yaml:"lease_ttl_sec"`

	Storage   StorageSettings   `yaml:"storage"`
	Telemetry TelemetrySettings `yaml:"telemetry"`

	// LogLevel controls CLI stderr logging: debug, info, warn, error
	LogLevel string `yaml:"log_level"`
}

// StorageSettings selects and configures the artifact store
type StorageSettings struct {
	// Backend: local, s3, or mock
	Backend string `yaml:"backend"`

	// BaseDir holds artifacts for the local backend; defaults to
	// <home>/artifacts' parent directory
	BaseDir string `yaml:"base_dir"`

	S3 S3Settings `yaml:"s3"`
}

// S3Settings configures the s3 storage backend
type S3Settings struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// TelemetrySettings configures the OTLP exporters. An empty endpoint
// disables export.
type TelemetrySettings struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// Default returns the settings used when no file or overrides exist
func Default() *Settings {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".veridex")
	return &Settings{
		Home:         base,
		StageBackend: "mock",
		LeaseTTLSec:  int((10 * time.Minute).Seconds()),
		Storage: StorageSettings{
			Backend: "local",
		},
		LogLevel: "info",
	}
}

// Load reads settings from the YAML file at path, falling back to
// defaults when the file does not exist, then applies environment
// overrides.
func Load(path string) (*Settings, error) {
	s := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, s); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// defaults apply
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	s.applyEnv()

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) applyEnv() {
	if v := os.Getenv("VERIDEX_HOME"); v != "" {
		s.Home = v
	}
	if v := os.Getenv("VERIDEX_DB_PATH"); v != "" {
		s.DatabasePath = v
	}
	if v := os.Getenv("VERIDEX_JOURNAL_PATH"); v != "" {
		s.JournalPath = v
	}
	if v := os.Getenv("VERIDEX_STAGE_BACKEND"); v != "" {
		s.StageBackend = v
	}
	if v := os.Getenv("VERIDEX_LEASE_TTL_SEC"); v != "" {
		if ttl, err := strconv.Atoi(v); err == nil && ttl > 0 {
			s.LeaseTTLSec = ttl
		}
	}
	if v := os.Getenv("VERIDEX_STORAGE_BACKEND"); v != "" {
		s.Storage.Backend = v
	}
	if v := os.Getenv("VERIDEX_S3_BUCKET"); v != "" {
		s.Storage.S3.Bucket = v
	}
	if v := os.Getenv("VERIDEX_S3_PREFIX"); v != "" {
		s.Storage.S3.Prefix = v
	}
	if v := os.Getenv("VERIDEX_S3_REGION"); v != "" {
		s.Storage.S3.Region = v
	}
	if v := os.Getenv("VERIDEX_OTEL_ENDPOINT"); v != "" {
		s.Telemetry.Endpoint = v
	}
	if v := os.Getenv("VERIDEX_LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}
}

func (s *Settings) validate() error {
	switch s.StageBackend {
	case "", "mock", "http":
	default:
		return fmt.Errorf("invalid stage_backend: %s", s.StageBackend)
	}
	switch s.Storage.Backend {
	case "", "local", "s3", "mock":
	default:
		return fmt.Errorf("invalid storage.backend: %s", s.Storage.Backend)
	}
	if s.Storage.Backend == "s3" && s.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
	}
	return nil
}

// ResolvedDatabasePath returns the configured database path or the
// default under Home
func (s *Settings) ResolvedDatabasePath() string {
	if s.DatabasePath != "" {
		return s.DatabasePath
	}
	return filepath.Join(s.Home, "veridex.db")
}

// ResolvedJournalPath returns the configured journal path or the
// default under Home
func (s *Settings) ResolvedJournalPath() string {
	if s.JournalPath != "" {
		return s.JournalPath
	}
	return filepath.Join(s.Home, "journal.ndjson")
}

// LeaseTTL returns the lease time-to-live as a Duration
func (s *Settings) LeaseTTL() time.Duration {
	return time.Duration(s.LeaseTTLSec) * time.Second
}
