package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	DefaultConfigDir  = ".scanorch"
	DefaultConfigFile = "config.json"
	DefaultWorkDir    = ".scanorch/work"
	DefaultDBFile     = ".scanorch/scanorch.db"
)

// Load reads the config file (creating it with defaults if absent) and returns
// a populated Config. The configPath flag may override the default location.
func Load(configPath string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix("scanorch")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(filepath.Join(home, DefaultConfigDir))
	}

	setDefaults(v, home)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file exists but is malformed.
			if !isNotExist(err) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
		// No config yet; defaults apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	expandPaths(&cfg, home)
	normalize(&cfg)
	return &cfg, nil
}

// Save writes the config to disk as JSON.
func Save(cfg *Config, configPath string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("cannot determine home directory: %w", err)
	}

	if configPath == "" {
		configPath = filepath.Join(home, DefaultConfigDir, DefaultConfigFile)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("serialising config: %w", err)
	}

	return os.WriteFile(configPath, data, 0o600)
}

// ConfigPath returns the effective config file path.
func ConfigPath(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DefaultConfigDir, DefaultConfigFile), nil
}

// EnsureDir creates ~/.scanorch and ~/.scanorch/work if they don't exist.
func EnsureDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	dirs := []string{
		filepath.Join(home, DefaultConfigDir),
		filepath.Join(home, DefaultWorkDir),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}
	return nil
}

// setDefaults populates viper with sensible out-of-the-box values.
func setDefaults(v *viper.Viper, home string) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", filepath.Join(home, DefaultDBFile))
	v.SetDefault("database.dsn", "")

	v.SetDefault("worker.workers", 2)
	v.SetDefault("worker.poll_interval_sec", 5)
	v.SetDefault("worker.target_parallelism", 2)
	v.SetDefault("worker.heartbeat_sec", 30)

	v.SetDefault("resilience.bad_request.max_retries", 3)
	v.SetDefault("resilience.bad_request.wait_millis", 2000)
	v.SetDefault("resilience.server_error.max_retries", 3)
	v.SetDefault("resilience.server_error.wait_millis", 5000)
	v.SetDefault("resilience.network_error.max_retries", 5)
	v.SetDefault("resilience.network_error.wait_millis", 10000)
	v.SetDefault("resilience.fallthrough_sec", 0)

	v.SetDefault("checkmarx.poll_interval_millis", 60000)
	v.SetDefault("checkmarx.timeout_minutes", 7200)
	v.SetDefault("checkmarx.client_id", "resource_owner_client")
	v.SetDefault("checkmarx.scope", "sast_rest_api")
	v.SetDefault("checkmarx.engine_configuration", "Multi-language Scan")
	v.SetDefault("checkmarx.proxy_type", "http")
	v.SetDefault("checkmarx.requests_per_second", 0)

	v.SetDefault("payloads.store", "database")
	v.SetDefault("payloads.inline_limit", 1<<20)
	v.SetDefault("payloads.minio.bucket", "scanorch-results")

	v.SetDefault("sources.work_dir", filepath.Join(home, DefaultWorkDir))

	v.SetDefault("server.port", 6090)

	v.SetDefault("resume.schedule", "@every 1m")
	v.SetDefault("resume.stale_after_sec", 300)
}

// normalize clamps values that would stall the worker pool or the resumer.
func normalize(cfg *Config) {
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	cfg.Payloads.Store = strings.ToLower(strings.TrimSpace(cfg.Payloads.Store))

	cfg.Worker.Workers = atLeast(cfg.Worker.Workers, 1)
	cfg.Worker.PollIntervalSec = atLeast(cfg.Worker.PollIntervalSec, 1)
	cfg.Worker.TargetParallelism = atLeast(cfg.Worker.TargetParallelism, 1)
	cfg.Worker.HeartbeatSec = atLeast(cfg.Worker.HeartbeatSec, 1)

	// A job whose heartbeat is merely late must not be requeued while its
	// worker is still alive.
	cfg.Resume.StaleAfterSec = atLeast(cfg.Resume.StaleAfterSec, 3*cfg.Worker.HeartbeatSec)
	if cfg.Resume.Schedule == "" {
		cfg.Resume.Schedule = "@every 1m"
	}
	if cfg.Payloads.InlineLimit < 0 {
		cfg.Payloads.InlineLimit = 0
	}
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 6090
	}
}

func atLeast(v, min int) int {
	if v < min {
		return min
	}
	return v
}

// expandPaths resolves ~ in configured paths.
func expandPaths(cfg *Config, home string) {
	cfg.Database.Path = expandHome(cfg.Database.Path, home)
	cfg.Sources.WorkDir = expandHome(cfg.Sources.WorkDir, home)
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func isNotExist(err error) bool {
	return os.IsNotExist(err) || strings.Contains(err.Error(), "no such file")
}
