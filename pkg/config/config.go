// Package config loads the YAML configuration file every subcommand of
// this module reads its runtime settings from, covering every key named in
// the external-interfaces section plus the backend selectors and
// orchestrator policy flags this rewrite adds.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TLSConfig describes how TLS credentials reach the client: either
// file-backed on disk, or via a PKCS#11 token.
type TLSConfig struct {
	Server     string `yaml:"server"`
	CASource   string `yaml:"ca_source"`
	CertSource string `yaml:"cert_source"`
	PkeySource string `yaml:"pkey_source"`
	CA         string `yaml:"ca,omitempty"`
	Cert       string `yaml:"cert,omitempty"`
	Pkey       string `yaml:"pkey,omitempty"`
}

// FileBacked reports whether all three TLS sources are "file", the
// precondition for building the OSTree credentials archive.
func (t TLSConfig) FileBacked() bool {
	return t.CASource == "file" && t.CertSource == "file" && t.PkeySource == "file"
}

// PacmanConfig selects and configures the primary's package manager.
type PacmanConfig struct {
	Type         string `yaml:"type"`
	Sysroot      string `yaml:"sysroot,omitempty"`
	OstreeServer string `yaml:"ostree_server,omitempty"`
}

// StorageConfig selects and configures the MetadataStore backend.
type StorageConfig struct {
	Type string `yaml:"type"`
	Path string `yaml:"path"`
}

// TelemetryConfig controls best-effort telemetry reporting.
type TelemetryConfig struct {
	ReportNetwork bool `yaml:"report_network"`
}

// DiscoveryConfig controls secondary discovery.
type DiscoveryConfig struct {
	IPUptane string `yaml:"ipuptane,omitempty"`
}

// SecondaryDef describes one statically configured secondary ECU.
type SecondaryDef struct {
	Serial string `yaml:"serial"`
	HwID   string `yaml:"hw_id"`
	Kind   string `yaml:"kind"`
	Addr   string `yaml:"addr,omitempty"`
}

// OrchestratorConfig carries the policy flags the Open Question
// resolutions made explicit.
type OrchestratorConfig struct {
	ContinueOnMetadataFailure bool `yaml:"continue_on_metadata_failure"`
}

// Config is the root configuration document.
type Config struct {
	DirectorServer string             `yaml:"director_server"`
	RepoServer     string             `yaml:"repo_server"`
	TLS            TLSConfig          `yaml:"tls"`
	PollingSec     int                `yaml:"polling_sec"`
	Pacman         PacmanConfig       `yaml:"pacman"`
	Storage        StorageConfig      `yaml:"storage"`
	Telemetry      TelemetryConfig    `yaml:"telemetry"`
	Discovery      DiscoveryConfig    `yaml:"discovery"`
	Secondaries    []SecondaryDef     `yaml:"secondaries,omitempty"`
	Orchestrator   OrchestratorConfig `yaml:"orchestrator"`
}

// PollingInterval converts PollingSec to a time.Duration.
func (c *Config) PollingInterval() time.Duration {
	return time.Duration(c.PollingSec) * time.Second
}

// Load reads and parses a YAML configuration file, applying this module's
// defaults (polling_sec=300, pacman.type=none, storage.type=filesystem,
// orchestrator.continue_on_metadata_failure=true) for any key the document
// omits.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	// Defaults that must survive an explicit "false" in the document have
	// to be set before Unmarshal so YAML can override them.
	cfg.Orchestrator.ContinueOnMetadataFailure = true
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.PollingSec <= 0 {
		cfg.PollingSec = 300
	}
	if cfg.Pacman.Type == "" {
		cfg.Pacman.Type = "none"
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "filesystem"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configured enum-like fields are one of the values
// this module understands.
func (c *Config) Validate() error {
	switch c.Pacman.Type {
	case "none", "ostree", "binary":
	default:
		return fmt.Errorf("pacman.type %q is not one of none, ostree, binary", c.Pacman.Type)
	}
	switch c.Storage.Type {
	case "filesystem", "sqlite":
	default:
		return fmt.Errorf("storage.type %q is not one of filesystem, sqlite", c.Storage.Type)
	}
	return nil
}
