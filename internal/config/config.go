package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Limits are the resource bounds applied to every sandbox environment.
type Limits struct {
	CPULimit    float64 `yaml:"cpu_limit"`
	Memory      string  `yaml:"memory"`
	PidsLimit   int     `yaml:"pids_limit"`
	NetworkMode string  `yaml:"network_mode"`
}

// MemoryBytes parses Memory ("512m", "1g") into bytes.
func (l Limits) MemoryBytes() (int64, error) {
	if l.Memory == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(l.Memory)
	if err != nil {
		return 0, fmt.Errorf("parse memory limit %q: %w", l.Memory, err)
	}
	return n, nil
}

type Timeouts struct {
	Interactive time.Duration `yaml:"interactive"`
	Generate    time.Duration `yaml:"generate"`
	// Bootstrap bounds each bootstrap step; Create bounds the whole create
	// request, all steps and default files included.
	Bootstrap time.Duration `yaml:"bootstrap"`
	Create    time.Duration `yaml:"create"`
}

type RelayConfig struct {
	MaxTerminals   int           `yaml:"max_terminals"`
	WelcomeDelay   time.Duration `yaml:"welcome_delay"`
	FileProbeDelay time.Duration `yaml:"file_probe_delay"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	Shell          string        `yaml:"shell"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Listen            string        `yaml:"listen"`
	Driver            string        `yaml:"driver"` // "docker" or "local"
	Image             string        `yaml:"image"`
	DataDir           string        `yaml:"data_dir"`
	DBPath            string        `yaml:"db_path"`
	MaxSessions       int           `yaml:"max_sessions"`
	SessionTTLSeconds int           `yaml:"session_ttl_seconds"`
	ReaperInterval    time.Duration `yaml:"reaper_interval"`
	Limits            Limits        `yaml:"limits"`
	Timeouts          Timeouts      `yaml:"timeouts"`
	Relay             RelayConfig   `yaml:"relay"`
	Log               LogConfig     `yaml:"log"`
}

// createWriteMargin leaves room after the create deadline for tearing down a
// half-built environment and writing the response.
const createWriteMargin = time.Minute

// HTTPWriteTimeout is the server write timeout. It outlasts the create
// deadline so a create either answers or has already been torn down.
func (c *Config) HTTPWriteTimeout() time.Duration {
	return c.Timeouts.Create + createWriteMargin
}

// SessionTTL returns the fixed session lifetime.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

func Default() *Config {
	return &Config{
		Listen:            "127.0.0.1:8080",
		Driver:            "docker",
		Image:             "laravel-spectrum-sandbox:universal",
		DataDir:           "./docbox-data",
		DBPath:            ":memory:",
		MaxSessions:       10,
		SessionTTLSeconds: 3600,
		ReaperInterval:    30 * time.Second,
		Limits: Limits{
			CPULimit:    0.5,
			Memory:      "512m",
			PidsLimit:   256,
			NetworkMode: "none",
		},
		Timeouts: Timeouts{
			Interactive: 5 * time.Second,
			Generate:    30 * time.Second,
			Bootstrap:   120 * time.Second,
			Create:      6 * time.Minute,
		},
		Relay: RelayConfig{
			MaxTerminals:   10,
			WelcomeDelay:   100 * time.Millisecond,
			FileProbeDelay: time.Second,
			Shell:          "bash",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func Load(yamlPath string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Driver != "docker" && c.Driver != "local" {
		return fmt.Errorf("driver must be \"docker\" or \"local\", got %q", c.Driver)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be positive")
	}
	if c.SessionTTLSeconds <= 0 {
		return fmt.Errorf("session_ttl_seconds must be positive")
	}
	if c.ReaperInterval <= 0 {
		return fmt.Errorf("reaper_interval must be positive")
	}
	if c.Timeouts.Interactive <= 0 || c.Timeouts.Generate <= 0 || c.Timeouts.Bootstrap <= 0 || c.Timeouts.Create <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.Timeouts.Create < c.Timeouts.Bootstrap {
		return fmt.Errorf("timeouts.create (%s) must not be shorter than timeouts.bootstrap (%s)", c.Timeouts.Create, c.Timeouts.Bootstrap)
	}
	if _, err := c.Limits.MemoryBytes(); err != nil {
		return err
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DOCBOX_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("DOCBOX_DRIVER"); v != "" {
		cfg.Driver = v
	}
	if v := os.Getenv("DOCBOX_IMAGE"); v != "" {
		cfg.Image = v
	}
	if v := os.Getenv("DOCBOX_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DOCBOX_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("DOCBOX_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSessions = n
		}
	}
	if v := os.Getenv("DOCBOX_SESSION_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SessionTTLSeconds = n
		}
	}
	if v := os.Getenv("DOCBOX_REAPER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ReaperInterval = d
		}
	}
	if v := os.Getenv("DOCBOX_CPU_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Limits.CPULimit = f
		}
	}
	if v := os.Getenv("DOCBOX_MEMORY"); v != "" {
		cfg.Limits.Memory = v
	}
	if v := os.Getenv("DOCBOX_PIDS_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.PidsLimit = n
		}
	}
	if v := os.Getenv("DOCBOX_NETWORK_MODE"); v != "" {
		cfg.Limits.NetworkMode = v
	}
	if v := os.Getenv("DOCBOX_INTERACTIVE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeouts.Interactive = d
		}
	}
	if v := os.Getenv("DOCBOX_GENERATE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeouts.Generate = d
		}
	}
	if v := os.Getenv("DOCBOX_BOOTSTRAP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeouts.Bootstrap = d
		}
	}
	if v := os.Getenv("DOCBOX_CREATE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeouts.Create = d
		}
	}
	if v := os.Getenv("DOCBOX_ALLOWED_ORIGINS"); v != "" {
		cfg.Relay.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("DOCBOX_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DOCBOX_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}
