package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// AgentConfig is the on-device configuration for the fleet agent.
type AgentConfig struct {
	Server  AgentServerConfig  `yaml:"server"`
	Checkin CheckinConfig      `yaml:"checkin"`
	Local   LocalServiceConfig `yaml:"local"`
	Logging LoggingConfig      `yaml:"logging"`
}

type AgentServerConfig struct {
	URL             string `yaml:"url"`
	AgentID         string `yaml:"agent_id"`
	Fingerprint     string `yaml:"fingerprint"`
	RequestTimeout  int    `yaml:"request_timeout_s"`
	RetryInitialMs  int    `yaml:"retry_initial_ms"`
	RetryMaxMs      int    `yaml:"retry_max_ms"`
	RetryMaxRetries int    `yaml:"retry_max_retries"`
}

type CheckinConfig struct {
	Interval int `yaml:"interval_s"`
	Jitter   int `yaml:"jitter_s"`
}

// LocalServiceConfig describes the web UI the agent fronts: relayed requests
// are executed against it and shell commands run on its host.
type LocalServiceConfig struct {
	BaseURL        string `yaml:"base_url"`
	InsecureTLS    bool   `yaml:"insecure_tls"`
	CommandTimeout int    `yaml:"command_timeout_s"`
}

func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Server: AgentServerConfig{
			RequestTimeout:  30,
			RetryInitialMs:  500,
			RetryMaxMs:      5000,
			RetryMaxRetries: 3,
		},
		Checkin: CheckinConfig{
			Interval: 30,
			Jitter:   5,
		},
		Local: LocalServiceConfig{
			BaseURL:        "https://127.0.0.1:443",
			InsecureTLS:    true,
			CommandTimeout: 120,
		},
		Logging: LoggingConfig{
			Level:         "info",
			HumanReadable: true,
		},
	}
}

// LoadAgent reads the agent config with env var overrides.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	if url := os.Getenv("FLEET_AGENT_SERVER"); url != "" {
		cfg.Server.URL = url
	}
	if id := os.Getenv("FLEET_AGENT_ID"); id != "" {
		cfg.Server.AgentID = id
	}
	if fp := os.Getenv("FLEET_AGENT_FINGERPRINT"); fp != "" {
		cfg.Server.Fingerprint = fp
	}
	if raw := os.Getenv("FLEET_AGENT_INTERVAL_S"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			cfg.Checkin.Interval = parsed
		}
	}
	if level := os.Getenv("FLEET_AGENT_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	return cfg, nil
}

func (c *AgentConfig) Validate() error {
	if c.Server.URL == "" {
		return ErrMissingServerURL
	}
	if c.Server.AgentID == "" || c.Server.Fingerprint == "" {
		return ErrMissingAgentIdentity
	}
	if c.Checkin.Interval < 5 {
		c.Checkin.Interval = 30
	}
	if c.Local.CommandTimeout <= 0 {
		c.Local.CommandTimeout = 120
	}
	return nil
}

var (
	ErrMissingServerURL     = &Error{"server url is required"}
	ErrMissingAgentIdentity = &Error{"agent id and fingerprint are required"}
)
