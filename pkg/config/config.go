// Package config loads and validates the application configuration from YAML
// with environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fleetmend/fleetmend/pkg/telemetry"
)

// Config is the root application configuration.
type Config struct {
	// Provider configures the VPS control-plane client.
	Provider ProviderConfig `yaml:"provider" validate:"required"`

	// Engine configures the provisioning state machine.
	Engine EngineConfig `yaml:"engine"`

	// Store configures the SQLite database.
	Store StoreConfig `yaml:"store"`

	// Queue configures the job queue.
	Queue QueueConfig `yaml:"queue"`

	// Playbooks configures the configuration-management library.
	Playbooks PlaybooksConfig `yaml:"playbooks" validate:"required"`

	// Notify configures operator notifications.
	Notify NotifyConfig `yaml:"notify"`

	// Secrets configures the source-credential service.
	Secrets SecretsConfig `yaml:"secrets"`

	// Discovery configures the provider reconcile loop.
	Discovery LoopConfig `yaml:"discovery"`

	// Monitor configures the reachability monitor loop.
	Monitor LoopConfig `yaml:"monitor"`

	// Telemetry configures logging, tracing, and metrics.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// ProviderConfig holds control-plane client settings.
type ProviderConfig struct {
	// BaseURL is the control-plane API endpoint.
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// APIToken authenticates against the control plane. Overridable via
	// FLEETMEND_PROVIDER_TOKEN.
	APIToken string `yaml:"api_token"`

	// PollInterval is the task polling interval.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// EngineConfig holds provisioning engine settings.
type EngineConfig struct {
	MaxRetries        int    `yaml:"max_retries" validate:"omitempty,min=1"`
	DefaultOSTemplate string `yaml:"default_os_template"`

	// SSHUser is the management identity's username.
	SSHUser string `yaml:"ssh_user"`

	// SSHPrivateKeyPath is the management identity's private key.
	SSHPrivateKeyPath string `yaml:"ssh_private_key_path"`

	// SSHPublicKey is injected into reinstalled hosts.
	SSHPublicKey string `yaml:"ssh_public_key"`

	ReinstallTimeout     time.Duration `yaml:"reinstall_timeout"`
	PasswordResetTimeout time.Duration `yaml:"password_reset_timeout"`
	BootGrace            time.Duration `yaml:"boot_grace"`
	AccessCheckTimeout   time.Duration `yaml:"access_check_timeout"`
	AccessPhaseTimeout   time.Duration `yaml:"access_phase_timeout"`
	SoftwarePhaseTimeout time.Duration `yaml:"software_phase_timeout"`
	DeployTimeout        time.Duration `yaml:"deploy_timeout"`
}

// StoreConfig holds database settings.
type StoreConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path"`
}

// QueueConfig holds job-queue settings.
type QueueConfig struct {
	// Workers is the number of concurrent queue consumers.
	Workers int `yaml:"workers" validate:"omitempty,min=1"`

	// LeaseDuration is how long a claimed job stays invisible.
	LeaseDuration time.Duration `yaml:"lease_duration"`

	// ResultTTL is how long result slots are retained.
	ResultTTL time.Duration `yaml:"result_ttl"`
}

// PlaybooksConfig holds playbook library settings.
type PlaybooksConfig struct {
	// Dir contains the playbook YAML definitions.
	Dir string `yaml:"dir" validate:"required"`

	// PayloadDir contains files referenced by copy steps.
	// Defaults to <dir>/payloads.
	PayloadDir string `yaml:"payload_dir"`

	// WatchForChanges reloads definitions when files change.
	WatchForChanges bool `yaml:"watch_for_changes"`
}

// NotifyConfig holds operator notification settings.
type NotifyConfig struct {
	// WebhookURL receives notification payloads; empty disables delivery.
	WebhookURL string `yaml:"webhook_url" validate:"omitempty,url"`
}

// SecretsConfig holds source-credential service settings.
type SecretsConfig struct {
	// BaseURL is the credential service endpoint; empty falls back to
	// StaticToken.
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// APIToken authenticates against the credential service. Overridable via
	// FLEETMEND_SECRETS_TOKEN.
	APIToken string `yaml:"api_token"`

	// StaticToken is a fixed source token for development setups.
	StaticToken string `yaml:"static_token"`
}

// LoopConfig holds settings for a periodic background loop.
type LoopConfig struct {
	// Enabled turns the loop on.
	Enabled bool `yaml:"enabled"`

	// Interval between runs.
	Interval time.Duration `yaml:"interval"`
}

// Default returns a configuration with all optional settings at their
// defaults. Required settings stay empty and fail validation until set.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			PollInterval: 10 * time.Second,
		},
		Engine: EngineConfig{
			MaxRetries:           3,
			DefaultOSTemplate:    "debian-12",
			SSHUser:              "root",
			ReinstallTimeout:     15 * time.Minute,
			PasswordResetTimeout: 5 * time.Minute,
			BootGrace:            60 * time.Second,
			AccessCheckTimeout:   10 * time.Second,
			AccessPhaseTimeout:   10 * time.Minute,
			SoftwarePhaseTimeout: 20 * time.Minute,
			DeployTimeout:        15 * time.Minute,
		},
		Store: StoreConfig{
			Path: "fleetmend.db",
		},
		Queue: QueueConfig{
			Workers:       2,
			LeaseDuration: 45 * time.Minute,
			ResultTTL:     time.Hour,
		},
		Discovery: LoopConfig{
			Enabled:  true,
			Interval: 5 * time.Minute,
		},
		Monitor: LoopConfig{
			Enabled:  true,
			Interval: 2 * time.Minute,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads the configuration file at path, applies defaults and environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides pulls secrets from the environment so they never have to
// live in the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FLEETMEND_PROVIDER_TOKEN"); v != "" {
		c.Provider.APIToken = v
	}
	if v := os.Getenv("FLEETMEND_SECRETS_TOKEN"); v != "" {
		c.Secrets.APIToken = v
	}
	if v := os.Getenv("FLEETMEND_WEBHOOK_URL"); v != "" {
		c.Notify.WebhookURL = v
	}
}

// Validate checks the configuration for structural and semantic errors.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Provider.APIToken == "" {
		return fmt.Errorf("invalid configuration: provider API token is required (set provider.api_token or FLEETMEND_PROVIDER_TOKEN)")
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	return nil
}
