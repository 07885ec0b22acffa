package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseDeployerDefaults(t *testing.T) {
	cfg, err := ParseDeployer(nil)
	if err != nil {
		t.Fatalf("parse empty: %v", err)
	}
	if cfg.UploadConcurrency != 16 {
		t.Fatalf("unexpected default concurrency: %d", cfg.UploadConcurrency)
	}
	if cfg.GitHub.APIBase != "https://api.github.com" {
		t.Fatalf("unexpected github base: %s", cfg.GitHub.APIBase)
	}
	if cfg.Hosting.SiteDomain != "web.app" {
		t.Fatalf("unexpected site domain: %s", cfg.Hosting.SiteDomain)
	}
}

func TestParseDeployerOverrides(t *testing.T) {
	data := []byte(`
scratch_dir: /var/lib/siteship
upload_concurrency: 4
timeouts:
  run_seconds: 60
gitlab:
  api_base: https://git.internal/api/v4
hosting:
  api_base: https://hosting.internal/v1
  site_domain: sites.internal
`)
	cfg, err := ParseDeployer(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.ScratchDir != "/var/lib/siteship" {
		t.Fatalf("scratch dir: %s", cfg.ScratchDir)
	}
	if cfg.UploadConcurrency != 4 {
		t.Fatalf("concurrency: %d", cfg.UploadConcurrency)
	}
	if cfg.Timeouts.RunSeconds != 60 {
		t.Fatalf("run timeout: %d", cfg.Timeouts.RunSeconds)
	}
	if cfg.GitLab.APIBase != "https://git.internal/api/v4" {
		t.Fatalf("gitlab base: %s", cfg.GitLab.APIBase)
	}
	// Build timeout was omitted but run timeout was not: only zero fields default.
	if cfg.Timeouts.BuildSeconds != 0 && cfg.Timeouts.BuildSeconds != 900 {
		t.Fatalf("build timeout: %d", cfg.Timeouts.BuildSeconds)
	}
	if cfg.Hosting.SiteDomain != "sites.internal" {
		t.Fatalf("site domain: %s", cfg.Hosting.SiteDomain)
	}
}

func TestParseDeployerInvalid(t *testing.T) {
	if _, err := ParseDeployer([]byte("scratch_dir: [")); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadDeployerMissingFile(t *testing.T) {
	cfg, err := LoadDeployer(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should yield defaults: %v", err)
	}
	if cfg.UploadConcurrency != 16 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadDeployerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deployer.yaml")
	if err := os.WriteFile(path, []byte("upload_concurrency: 2\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadDeployer(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.UploadConcurrency != 2 {
		t.Fatalf("unexpected concurrency: %d", cfg.UploadConcurrency)
	}
}

func TestClientSecretEnv(t *testing.T) {
	t.Setenv("TEST_GH_SECRET", "s3cret")
	h := HostConfig{ClientSecretEnv: "TEST_GH_SECRET"}
	if h.ClientSecret() != "s3cret" {
		t.Fatalf("client secret not resolved")
	}
	if (HostConfig{}).ClientSecret() != "" {
		t.Fatalf("expected empty secret without env name")
	}
}
