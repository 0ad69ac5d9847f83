// Package config provides configuration loading for chittydna.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (CHITTYDNA_SERVER_PORT, ...)
//  2. YAML config file (~/.config/chittydna/config.yaml by default)
//  3. Hardcoded defaults
package config

import (
	"fmt"
	"time"

	"github.com/chittyos/chittydna/internal/logging"
)

// Config holds the complete chittydna configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Storage       StorageConfig       `koanf:"storage"`
	Pipeline      PipelineConfig      `koanf:"pipeline"`
	Vault         VaultConfig         `koanf:"vault"`
	Remote        RemoteConfig        `koanf:"remote"`
	Logging       logging.Config      `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StorageConfig holds local storage configuration.
type StorageConfig struct {
	// DataDir is the root for all persisted state. Empty means
	// ~/.local/share/chittydna, resolved at wiring time.
	DataDir string `koanf:"data_dir"`
}

// PipelineConfig holds learning pipeline configuration.
type PipelineConfig struct {
	// Window is how many recent events each analysis phase reads.
	Window int `koanf:"window"`

	// ReflectEvery triggers reflection every N events.
	ReflectEvery int `koanf:"reflect_every"`

	// SynthesizeEvery triggers goal synthesis every N events.
	SynthesizeEvery int `koanf:"synthesize_every"`

	// ProposeEvery triggers workflow proposal every N events.
	ProposeEvery int `koanf:"propose_every"`

	// MinProposalConfidence filters proposals below this confidence.
	MinProposalConfidence float64 `koanf:"min_proposal_confidence"`

	// QueueSize bounds the deferred phase-task queue.
	QueueSize int `koanf:"queue_size"`
}

// VaultConfig holds encrypted vault configuration.
type VaultConfig struct {
	// SnapshotCap bounds the snapshot ring. Oldest entries are evicted
	// first when the cap is exceeded.
	SnapshotCap int `koanf:"snapshot_cap"`
}

// RemoteConfig holds remote collaborator configuration.
type RemoteConfig struct {
	// BaseURL of the pattern registry / event chronicle services.
	// Empty disables remote sync entirely (local-only operation).
	BaseURL string `koanf:"base_url"`

	// Timeout applies per remote call.
	Timeout time.Duration `koanf:"timeout"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
}

// Default returns the built-in defaults. The pipeline cadence numbers
// are the learning loop's contract: reflection every 10 events,
// synthesis every 25, proposal every 50.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9614,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: "",
		},
		Pipeline: PipelineConfig{
			Window:                100,
			ReflectEvery:          10,
			SynthesizeEvery:       25,
			ProposeEvery:          50,
			MinProposalConfidence: 0.75,
			QueueSize:             64,
		},
		Vault: VaultConfig{
			SnapshotCap: 30,
		},
		Remote: RemoteConfig{
			BaseURL: "",
			Timeout: 10 * time.Second,
		},
		Logging:       *logging.NewDefaultConfig(),
		Observability: ObservabilityConfig{EnableTelemetry: true, ServiceName: "chittydna"},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server shutdown_timeout must be > 0")
	}
	if c.Pipeline.Window < 1 {
		return fmt.Errorf("pipeline window must be >= 1, got %d", c.Pipeline.Window)
	}
	if c.Pipeline.ReflectEvery < 1 || c.Pipeline.SynthesizeEvery < 1 || c.Pipeline.ProposeEvery < 1 {
		return fmt.Errorf("pipeline phase cadences must be >= 1")
	}
	if c.Pipeline.MinProposalConfidence < 0 || c.Pipeline.MinProposalConfidence > 1 {
		return fmt.Errorf("min_proposal_confidence must be in [0,1], got %v", c.Pipeline.MinProposalConfidence)
	}
	if c.Pipeline.QueueSize < 1 {
		return fmt.Errorf("pipeline queue_size must be >= 1, got %d", c.Pipeline.QueueSize)
	}
	if c.Vault.SnapshotCap < 1 {
		return fmt.Errorf("vault snapshot_cap must be >= 1, got %d", c.Vault.SnapshotCap)
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("remote timeout must be > 0")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Observability.ServiceName == "" {
		return fmt.Errorf("observability service_name cannot be empty")
	}
	return nil
}
