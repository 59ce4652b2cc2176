package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Duration accepts "15s" style values from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config drives the daemon. Every field can also be set through a
// MAILBEACON_* environment variable, which wins over the file.
type Config struct {
	ListenAddr    string `yaml:"listen_addr"`
	ServerURL     string `yaml:"server_url"`
	MaildirRoot   string `yaml:"maildir_root"`
	StateDSN      string `yaml:"state_dsn"`
	SpoolPath     string `yaml:"spool_path"`
	SpoolCapacity int    `yaml:"spool_capacity"`

	PollInterval Duration `yaml:"poll_interval"`
	WarmUpDelay  Duration `yaml:"warmup_delay"`
}

func defaultConfig() Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".mailbeacon")
	return Config{
		ListenAddr:    "127.0.0.1:8077",
		ServerURL:     "",
		MaildirRoot:   filepath.Join(home, "Mail"),
		StateDSN:      "file://" + filepath.Join(base, "state.json"),
		SpoolPath:     filepath.Join(base, "spool.json"),
		SpoolCapacity: 256,
		PollInterval:  Duration(15 * time.Second),
		WarmUpDelay:   Duration(2 * time.Second),
	}
}

// Load reads the first config file found in the usual places, then applies
// environment overrides. A missing file is not an error; the defaults stand.
func Load() (*Config, error) {
	configPaths := []string{
		"/etc/mailbeacon/mailbeacon.yaml",
		"./config/mailbeacon.yaml",
		"./mailbeacon.yaml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		configPaths = append([]string{filepath.Join(home, ".mailbeacon", "mailbeacon.yaml")}, configPaths...)
	}

	cfg := defaultConfig()
	for _, path := range configPaths {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		break
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile reads exactly the named file plus environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.ListenAddr = envOrDefault("MAILBEACON_LISTEN_ADDR", cfg.ListenAddr)
	cfg.ServerURL = envOrDefault("MAILBEACON_SERVER_URL", cfg.ServerURL)
	cfg.MaildirRoot = envOrDefault("MAILBEACON_MAILDIR_ROOT", cfg.MaildirRoot)
	cfg.StateDSN = envOrDefault("MAILBEACON_STATE_DSN", cfg.StateDSN)
	cfg.SpoolPath = envOrDefault("MAILBEACON_SPOOL_PATH", cfg.SpoolPath)
	cfg.SpoolCapacity = intEnv("MAILBEACON_SPOOL_CAPACITY", cfg.SpoolCapacity)
	cfg.PollInterval = durationEnv("MAILBEACON_POLL_INTERVAL", cfg.PollInterval)
	cfg.WarmUpDelay = durationEnv("MAILBEACON_WARMUP_DELAY", cfg.WarmUpDelay)
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.MaildirRoot == "" {
		return fmt.Errorf("maildir_root is required")
	}
	if c.StateDSN == "" {
		return fmt.Errorf("state_dsn is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func durationEnv(key string, fallback Duration) Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return Duration(d)
}
