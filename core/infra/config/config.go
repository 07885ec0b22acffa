package config

import "os"

const (
	defaultNATSURL        = "nats://localhost:4222"
	defaultRedisURL       = "redis://localhost:6379"
	defaultOpsAddr        = ":9190"
	defaultDeployerConfig = "config/deployer.yaml"

	envNATSURL        = "NATS_URL"
	envRedisURL       = "REDIS_URL"
	envOpsAddr        = "DEPLOYER_OPS_ADDR"
	envDeployerConfig = "DEPLOYER_CONFIG_PATH"
)

// Config holds runtime configuration shared by the deployer binaries.
type Config struct {
	NatsURL            string
	RedisURL           string
	OpsAddr            string
	DeployerConfigPath string
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	return &Config{
		NatsURL:            envOr(envNATSURL, defaultNATSURL),
		RedisURL:           envOr(envRedisURL, defaultRedisURL),
		OpsAddr:            envOr(envOpsAddr, defaultOpsAddr),
		DeployerConfigPath: envOr(envDeployerConfig, defaultDeployerConfig),
	}
}

func envOr(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
