package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

const minimalConfig = `
provider:
  base_url: https://api.provider.example
  api_token: tok
playbooks:
  dir: /etc/fleetmend/playbooks
`

func TestLoadMinimalConfig(t *testing.T) {
	path := writeConfigFile(t, minimalConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Provider.BaseURL != "https://api.provider.example" {
		t.Errorf("unexpected base URL: %s", cfg.Provider.BaseURL)
	}

	// Defaults survive the merge.
	if cfg.Engine.MaxRetries != 3 {
		t.Errorf("expected default max retries 3, got %d", cfg.Engine.MaxRetries)
	}
	if cfg.Engine.BootGrace != 60*time.Second {
		t.Errorf("expected default boot grace 60s, got %v", cfg.Engine.BootGrace)
	}
	if cfg.Queue.LeaseDuration != 45*time.Minute {
		t.Errorf("expected default lease 45m, got %v", cfg.Queue.LeaseDuration)
	}
	if cfg.Queue.ResultTTL != time.Hour {
		t.Errorf("expected default result TTL 1h, got %v", cfg.Queue.ResultTTL)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, minimalConfig+`
engine:
  max_retries: 5
  default_os_template: ubuntu-24.04
queue:
  workers: 8
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Engine.MaxRetries != 5 {
		t.Errorf("expected max retries 5, got %d", cfg.Engine.MaxRetries)
	}
	if cfg.Engine.DefaultOSTemplate != "ubuntu-24.04" {
		t.Errorf("unexpected OS template: %s", cfg.Engine.DefaultOSTemplate)
	}
	if cfg.Queue.Workers != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.Queue.Workers)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfigFile(t, `
provider:
  base_url: https://api.provider.example
playbooks:
  dir: /etc/fleetmend/playbooks
`)

	t.Setenv("FLEETMEND_PROVIDER_TOKEN", "env-token")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Provider.APIToken != "env-token" {
		t.Errorf("expected env token override, got %s", cfg.Provider.APIToken)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "missing provider token",
			content: `
provider:
  base_url: https://api.provider.example
playbooks:
  dir: /etc/fleetmend/playbooks
`,
		},
		{
			name: "missing playbook dir",
			content: `
provider:
  base_url: https://api.provider.example
  api_token: tok
`,
		},
		{
			name: "malformed base url",
			content: `
provider:
  base_url: "not a url"
  api_token: tok
playbooks:
  dir: /etc/fleetmend/playbooks
`,
		},
		{
			name: "zero workers",
			content: minimalConfig + `
queue:
  workers: -1
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfigFile(t, tt.content)
			if _, err := Load(path); err == nil {
				t.Error("expected load to fail")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}
