package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type ControllerConfig struct {
	Server  ServerConfig  `yaml:"server"`
	Queue   QueueConfig   `yaml:"queue"`
	Tunnel  TunnelConfig  `yaml:"tunnel"`
	Agents  AgentsConfig  `yaml:"agents"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

type ServerConfig struct {
	Listen         string `yaml:"listen"`
	DBPath         string `yaml:"db_path"`
	AdminToken     string `yaml:"admin_token"`
	AdminTokenFile string `yaml:"admin_token_file"`
	FingerprintKey string `yaml:"fingerprint_key"`
}

type QueueConfig struct {
	PollLimit     int `yaml:"poll_limit"`
	BatchLimit    int `yaml:"batch_limit"`
	SweepInterval int `yaml:"sweep_interval_s"`
	PurgeInterval int `yaml:"purge_interval_s"`
}

type TunnelConfig struct {
	PortRangeStart  int      `yaml:"port_range_start"`
	PortRangeEnd    int      `yaml:"port_range_end"`
	KeyDir          string   `yaml:"key_dir"`
	SSHUser         string   `yaml:"ssh_user"`
	SSHPort         int      `yaml:"ssh_port"`
	SessionTTL      int      `yaml:"session_ttl_s"`
	IdleTimeout     int      `yaml:"idle_timeout_s"`
	ProbeTimeout    int      `yaml:"probe_timeout_s"`
	VerifyTimeout   int      `yaml:"verify_timeout_s"`
	MonitorInterval int      `yaml:"monitor_interval_s"`
	LockFile        string   `yaml:"lock_file"`
	ProxyDir        string   `yaml:"proxy_dir"`
	ProxyCertFile   string   `yaml:"proxy_cert_file"`
	ProxyKeyFile    string   `yaml:"proxy_key_file"`
	ProxyReloadCmd  []string `yaml:"proxy_reload_cmd"`
}

type AgentsConfig struct {
	OfflineAfter     int `yaml:"offline_after_s"`
	CheckinRateLimit int `yaml:"checkin_rate_limit_per_min"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	JSON          bool   `yaml:"json"`
	HumanReadable bool   `yaml:"human_readable"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *ControllerConfig {
	return &ControllerConfig{
		Server: ServerConfig{
			Listen: ":8443",
			DBPath: "/var/lib/opnfleet/controller.db",
		},
		Queue: QueueConfig{
			PollLimit:     5,
			BatchLimit:    10,
			SweepInterval: 300,
			PurgeInterval: 3600,
		},
		Tunnel: TunnelConfig{
			PortRangeStart:  8100,
			PortRangeEnd:    8198,
			KeyDir:          "/var/lib/opnfleet/keys",
			SSHUser:         "root",
			SSHPort:         22,
			SessionTTL:      14400,
			IdleTimeout:     1800,
			ProbeTimeout:    5,
			VerifyTimeout:   8,
			MonitorInterval: 60,
			LockFile:        "/var/run/opnfleet/tunnel-monitor.lock",
			ProxyDir:        "/etc/nginx/opnfleet.d",
			ProxyCertFile:   "/etc/opnfleet/proxy.crt",
			ProxyKeyFile:    "/etc/opnfleet/proxy.key",
			ProxyReloadCmd:  []string{"nginx", "-s", "reload"},
		},
		Agents: AgentsConfig{
			OfflineAfter:     600,
			CheckinRateLimit: 60,
		},
		Logging: LoggingConfig{
			Level:         "info",
			JSON:          false,
			HumanReadable: true,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

// Load reads config from file with env var overrides
func Load(path string) (*ControllerConfig, error) {
	cfg := DefaultConfig()

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

	if listen := os.Getenv("FLEET_LISTEN"); listen != "" {
		cfg.Server.Listen = listen
	}
	if dbPath := os.Getenv("FLEET_DB_PATH"); dbPath != "" {
		cfg.Server.DBPath = dbPath
	}
	if token := os.Getenv("FLEET_ADMIN_TOKEN"); token != "" {
		cfg.Server.AdminToken = token
	}
	if key := os.Getenv("FLEET_FINGERPRINT_KEY"); key != "" {
		cfg.Server.FingerprintKey = key
	}
	if level := os.Getenv("FLEET_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	if cfg.Server.AdminToken == "" && cfg.Server.AdminTokenFile != "" {
		data, err := os.ReadFile(cfg.Server.AdminTokenFile)
		if err != nil {
			return nil, err
		}
		cfg.Server.AdminToken = strings.TrimSpace(string(data))
	}

	return cfg, nil
}

func (c *ControllerConfig) Validate() error {
	if c.Server.Listen == "" {
		return ErrMissingListen
	}
	if c.Server.AdminToken == "" {
		return ErrMissingAdminToken
	}
	if c.Tunnel.PortRangeStart <= 0 || c.Tunnel.PortRangeEnd < c.Tunnel.PortRangeStart {
		return ErrInvalidPortRange
	}
	if c.Queue.PollLimit <= 0 {
		c.Queue.PollLimit = 5
	}
	if c.Queue.BatchLimit <= 0 {
		c.Queue.BatchLimit = 10
	}
	if c.Queue.SweepInterval < 10 {
		c.Queue.SweepInterval = 300
	}
	if c.Queue.PurgeInterval < 60 {
		c.Queue.PurgeInterval = 3600
	}
	// External probes stay single-digit seconds so one unreachable agent
	// cannot stall a sweep.
	if c.Tunnel.ProbeTimeout <= 0 || c.Tunnel.ProbeTimeout > 9 {
		c.Tunnel.ProbeTimeout = 5
	}
	if c.Tunnel.MonitorInterval < 10 {
		c.Tunnel.MonitorInterval = 60
	}
	if c.Agents.OfflineAfter < 120 {
		c.Agents.OfflineAfter = 600
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

var (
	ErrMissingListen     = &Error{"listen address is required"}
	ErrMissingAdminToken = &Error{"admin token is required"}
	ErrInvalidPortRange  = &Error{"tunnel port range is invalid"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
