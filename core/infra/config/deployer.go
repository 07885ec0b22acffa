package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// HostConfig describes one source-control host's API surface and the OAuth
// token endpoint used to refresh delegated credentials for it.
type HostConfig struct {
	APIBase         string `yaml:"api_base"`
	TokenURL        string `yaml:"token_url"`
	ClientID        string `yaml:"client_id"`
	ClientSecretEnv string `yaml:"client_secret_env"`
}

// ClientSecret resolves the client secret from the configured environment
// variable. Secrets never live in the YAML file itself.
func (h HostConfig) ClientSecret() string {
	if h.ClientSecretEnv == "" {
		return ""
	}
	return os.Getenv(h.ClientSecretEnv)
}

// HostingConfig describes the static-hosting backend API surface.
type HostingConfig struct {
	APIBase         string `yaml:"api_base"`
	TokenURL        string `yaml:"token_url"`
	ClientID        string `yaml:"client_id"`
	ClientSecretEnv string `yaml:"client_secret_env"`
	SiteDomain      string `yaml:"site_domain"`
}

func (h HostingConfig) ClientSecret() string {
	if h.ClientSecretEnv == "" {
		return ""
	}
	return os.Getenv(h.ClientSecretEnv)
}

// PhaseTimeouts bounds the pipeline phases. Zero means the run timeout is the
// only bound for that phase.
type PhaseTimeouts struct {
	RunSeconds    int64 `yaml:"run_seconds"`
	BuildSeconds  int64 `yaml:"build_seconds"`
	UploadSeconds int64 `yaml:"upload_seconds"`
}

// DeployerConfig is the YAML configuration for the deploy pipeline.
type DeployerConfig struct {
	ScratchDir        string        `yaml:"scratch_dir"`
	HashCachePath     string        `yaml:"hash_cache_path"`
	UploadConcurrency int           `yaml:"upload_concurrency"`
	Timeouts          PhaseTimeouts `yaml:"timeouts"`
	GitHub            HostConfig    `yaml:"github"`
	GitLab            HostConfig    `yaml:"gitlab"`
	Hosting           HostingConfig `yaml:"hosting"`
}

// LoadDeployer reads the deployer YAML file; missing file yields defaults so a
// bare environment still runs against the public provider endpoints.
func LoadDeployer(path string) (*DeployerConfig, error) {
	cfg := defaultDeployer()
	if path == "" {
		return cfg, nil
	}
	// #nosec G304 -- config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read deployer config %s: %w", path, err)
	}
	parsed, err := ParseDeployer(data)
	if err != nil {
		return nil, fmt.Errorf("load deployer config %s: %w", path, err)
	}
	return parsed, nil
}

// ParseDeployer parses deployer config data from YAML bytes, filling defaults.
func ParseDeployer(data []byte) (*DeployerConfig, error) {
	cfg := defaultDeployer()
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse deployer config: %w", err)
	}
	def := defaultDeployer()
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = def.ScratchDir
	}
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = def.UploadConcurrency
	}
	if cfg.Timeouts.RunSeconds <= 0 {
		cfg.Timeouts.RunSeconds = def.Timeouts.RunSeconds
	}
	if cfg.GitHub.APIBase == "" {
		cfg.GitHub.APIBase = def.GitHub.APIBase
	}
	if cfg.GitLab.APIBase == "" {
		cfg.GitLab.APIBase = def.GitLab.APIBase
	}
	if cfg.Hosting.SiteDomain == "" {
		cfg.Hosting.SiteDomain = def.Hosting.SiteDomain
	}
	return cfg, nil
}

func defaultDeployer() *DeployerConfig {
	return &DeployerConfig{
		ScratchDir:        filepath.Join(os.TempDir(), "siteship"),
		UploadConcurrency: 16,
		Timeouts: PhaseTimeouts{
			RunSeconds:    1800,
			BuildSeconds:  900,
			UploadSeconds: 600,
		},
		GitHub: HostConfig{APIBase: "https://api.github.com"},
		GitLab: HostConfig{APIBase: "https://gitlab.com/api/v4"},
		Hosting: HostingConfig{
			SiteDomain: "web.app",
		},
	}
}
