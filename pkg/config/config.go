package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
	} `yaml:"server"`
	Backend struct {
		// BaseURL is the business backend REST API root.
		BaseURL string `yaml:"base_url"`
		// WSURL is the realtime endpoint; empty disables the subscriber.
		WSURL string `yaml:"ws_url"`
		// Room is the admin room joined after connect.
		Room string `yaml:"room"`
		// Token is the bearer token; prefer the env override in production.
		Token string `yaml:"token"`
		// RPS/Burst pace outbound REST calls. Zero disables pacing.
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"backend"`
	Sync struct {
		// QueueCapacity bounds the inbound event queue.
		QueueCapacity int `yaml:"queue_capacity"`
		// DedupeWindowMS is the participant-proximity window for duplicate
		// submission suppression (ms).
		DedupeWindowMS int64 `yaml:"dedupe_window_ms"`
		// ResyncCron re-seeds the record set from REST; empty disables.
		ResyncCron string `yaml:"resync_cron"`
	} `yaml:"sync"`
	Journal struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"journal"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text|json
	} `yaml:"logging"`
}

// Addr returns host:port for the local admin HTTP surface.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "127.0.0.1"
	}
	p := c.Server.Port
	if p == 0 {
		p = 7171
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

// QueueCap returns the configured queue capacity with a sane default.
func (c *Config) QueueCap() int {
	if c.Sync.QueueCapacity > 0 {
		return c.Sync.QueueCapacity
	}
	return 4096
}

// DedupeWindowNS returns the duplicate-submission window in nanoseconds.
func (c *Config) DedupeWindowNS() int64 {
	if c.Sync.DedupeWindowMS > 0 {
		return c.Sync.DedupeWindowMS * 1e6
	}
	return 5000 * 1e6
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseCommandFlags defines and parses command-line flags and returns their
// values along with a map indicating which flags were explicitly set.
func ParseCommandFlags() (addr string, backendURL string, cfgPath string, setFlags map[string]bool) {
	addrPtr := flag.String("addr", "127.0.0.1:7171", "local admin HTTP listen address")
	backendPtr := flag.String("backend", "", "backend REST base URL")
	cfgPtr := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()
	setFlags = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return *addrPtr, *backendPtr, *cfgPtr, setFlags
}

// LoadEnvOverrides applies LINGODESK_* environment overrides onto cfg and
// reports whether any env vars were used.
func LoadEnvOverrides(cfg *Config) bool {
	envUsed := false
	if v := os.Getenv("LINGODESK_ADDR"); v != "" {
		envUsed = true
		host, port, ok := strings.Cut(v, ":")
		if ok {
			cfg.Server.Address = host
			if pi, err := strconv.Atoi(port); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = v
		}
	}
	if v := os.Getenv("LINGODESK_BACKEND_URL"); v != "" {
		envUsed = true
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("LINGODESK_BACKEND_WS_URL"); v != "" {
		envUsed = true
		cfg.Backend.WSURL = v
	}
	if v := os.Getenv("LINGODESK_BACKEND_ROOM"); v != "" {
		envUsed = true
		cfg.Backend.Room = v
	}
	if v := os.Getenv("LINGODESK_BACKEND_TOKEN"); v != "" {
		envUsed = true
		cfg.Backend.Token = v
	}
	if v := os.Getenv("LINGODESK_BACKEND_RPS"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			envUsed = true
			cfg.Backend.RPS = f
		}
	}
	if v := os.Getenv("LINGODESK_BACKEND_BURST"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Backend.Burst = n
		}
	}
	if v := os.Getenv("LINGODESK_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Sync.QueueCapacity = n
		}
	}
	if v := os.Getenv("LINGODESK_RESYNC_CRON"); v != "" {
		envUsed = true
		cfg.Sync.ResyncCron = v
	}
	if v := os.Getenv("LINGODESK_JOURNAL_PATH"); v != "" {
		envUsed = true
		cfg.Journal.Enabled = true
		cfg.Journal.Path = v
	}
	if v := os.Getenv("LINGODESK_LOG_LEVEL"); v != "" {
		envUsed = true
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LINGODESK_LOG_FORMAT"); v != "" {
		envUsed = true
		cfg.Logging.Format = v
	}
	return envUsed
}

// LoadEffective loads config from the given path and applies environment
// overrides. A missing file is not fatal; env and flags may fully specify
// the runtime config.
func LoadEffective(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err != nil {
		cfg = &Config{}
	}
	envUsed := LoadEnvOverrides(cfg)
	return cfg, envUsed, nil
}

// ResolveConfigPath decides the config file path using the flag-provided
// value and LINGODESK_CONFIG when the flag was not set.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("LINGODESK_CONFIG"); p != "" {
		return p
	}
	return flagPath
}
