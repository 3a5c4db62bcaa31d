// Package config loads supervisor boot configuration from the environment,
// following the variables the core recognises per the external interfaces
// contract.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all boot-time configuration for the supervisor core.
type Config struct {
	StateDir  string `mapstructure:"stateDir"`
	LogDir    string `mapstructure:"logDir"`
	MaxAgents int    `mapstructure:"maxAgents"`

	// SessionBackend selects the Session Manager implementation: "pty"
	// (default, §4.1) or "docker" (§REDESIGN FLAGS container isolation).
	SessionBackend string `mapstructure:"sessionBackend"`

	// NATSURL, when set, relays Message Bus broadcasts onto an external NATS
	// subject space (empty disables it; the core remains single-node by
	// default per §1/§2).
	NATSURL           string `mapstructure:"natsUrl"`
	NATSSubjectPrefix string `mapstructure:"natsSubjectPrefix"`

	Health  HealthConfig  `mapstructure:"health"`
	Message MessageConfig `mapstructure:"message"`
	Logging LoggingConfig `mapstructure:"logging"`
	Docker  DockerConfig  `mapstructure:"docker"`
}

// DockerConfig mirrors session.DockerConfig but keeps the config package
// independent of the session package's types. Only consulted when
// SessionBackend is "docker".
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
	Image      string `mapstructure:"image"`
}

// HealthConfig carries the default Health Monitor registration parameters
// (§4.3) sourced from the environment.
type HealthConfig struct {
	IntervalMS  int `mapstructure:"intervalMs"`
	TimeoutMS   int `mapstructure:"timeoutMs"`
	MaxFailures int `mapstructure:"maxFailures"`
}

// MessageConfig carries Message Bus tuning knobs (§4.4, §5).
type MessageConfig struct {
	RetryMax       int `mapstructure:"retryMax"`
	QueueSoftLimit int `mapstructure:"queueSoftLimit"`
}

// LoggingConfig mirrors logging.Config but keeps the config package
// independent of the logging package's types.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

func (h HealthConfig) Interval() time.Duration { return time.Duration(h.IntervalMS) * time.Millisecond }
func (h HealthConfig) Timeout() time.Duration  { return time.Duration(h.TimeoutMS) * time.Millisecond }

// Load reads configuration from environment variables (STATE_DIR, LOG_DIR,
// MAX_AGENTS, SESSION_BACKEND, DOCKER_HOST, DOCKER_API_VERSION, DOCKER_IMAGE,
// HEALTH_INTERVAL_MS, HEALTH_TIMEOUT_MS, HEALTH_MAX_FAILURES,
// MESSAGE_RETRY_MAX, MESSAGE_QUEUE_SOFT_LIMIT, NATS_URL,
// NATS_SUBJECT_PREFIX, LOG_LEVEL, LOG_FORMAT, LOG_OUTPUT_PATH), falling back
// to the defaults named throughout §4.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()

	v.SetDefault("stateDir", "/var/lib/agentsupervisor/state")
	v.SetDefault("logDir", "/var/log/agentsupervisor")
	v.SetDefault("maxAgents", 64)
	v.SetDefault("sessionBackend", "pty")
	v.SetDefault("docker.host", "")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.image", "")
	v.SetDefault("health.intervalMs", 30000)
	v.SetDefault("health.timeoutMs", 10000)
	v.SetDefault("health.maxFailures", 3)
	v.SetDefault("message.retryMax", 3)
	v.SetDefault("message.queueSoftLimit", 1000)
	v.SetDefault("natsUrl", "")
	v.SetDefault("natsSubjectPrefix", "agentsupervisor")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.outputPath", "stdout")

	bind := map[string]string{
		"stateDir":               "STATE_DIR",
		"logDir":                 "LOG_DIR",
		"maxAgents":              "MAX_AGENTS",
		"sessionBackend":         "SESSION_BACKEND",
		"docker.host":            "DOCKER_HOST",
		"docker.apiVersion":      "DOCKER_API_VERSION",
		"docker.image":           "DOCKER_IMAGE",
		"health.intervalMs":      "HEALTH_INTERVAL_MS",
		"health.timeoutMs":       "HEALTH_TIMEOUT_MS",
		"health.maxFailures":     "HEALTH_MAX_FAILURES",
		"message.retryMax":       "MESSAGE_RETRY_MAX",
		"message.queueSoftLimit": "MESSAGE_QUEUE_SOFT_LIMIT",
		"natsUrl":                "NATS_URL",
		"natsSubjectPrefix":      "NATS_SUBJECT_PREFIX",
		"logging.level":          "LOG_LEVEL",
		"logging.format":         "LOG_FORMAT",
		"logging.outputPath":     "LOG_OUTPUT_PATH",
	}
	for key, env := range bind {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.MaxAgents <= 0 {
		return nil, fmt.Errorf("MAX_AGENTS must be positive, got %d", cfg.MaxAgents)
	}
	return cfg, nil
}
