package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rowjay/hostbak/internal/cryptoutil"
	"github.com/rowjay/hostbak/internal/dump"
	"github.com/rowjay/hostbak/internal/guard"
)

const envPrefix = "HOSTBAK"

// Load reads configuration from a file (optionally encrypted), env vars,
// and defaults, then validates it.
func Load(path string) (*Config, error) {
	vp := viper.New()
	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	setDefaults(vp)

	resolved, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}
	if resolved != "" {
		if err := readConfigFile(vp, resolved); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := vp.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	expandEnv(&cfg)
	applyPostLoadDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readConfigFile(vp *viper.Viper, path string) error {
	if !isEncryptedPath(path) {
		vp.SetConfigFile(path)
		if err := vp.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	key := os.Getenv(envPrefix + "_CONFIG_KEY")
	if key == "" {
		return errors.New("config file is encrypted but HOSTBAK_CONFIG_KEY is not set")
	}
	parsed, err := cryptoutil.ParseKey(key)
	if err != nil {
		return fmt.Errorf("parse config key: %w", err)
	}
	plain, err := cryptoutil.DecryptConfig(data, parsed)
	if err != nil {
		return fmt.Errorf("decrypt config: %w", err)
	}
	vp.SetConfigType("yaml")
	if err := vp.ReadConfig(bytes.NewReader(plain)); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func resolveConfigPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	if envPath := os.Getenv(envPrefix + "_CONFIG"); envPath != "" {
		return envPath, nil
	}
	candidates := []string{
		"hostbak.yaml",
		"hostbak.yml",
		"/etc/hostbak/hostbak.yaml",
		"/etc/hostbak/hostbak.yaml.enc",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", nil
}

func isEncryptedPath(path string) bool {
	return strings.HasSuffix(path, ".enc") || strings.HasSuffix(path, ".encrypted")
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("global.log_level", "info")
	vp.SetDefault("global.log_format", "json")
	vp.SetDefault("global.log_keep_days", 30)
	vp.SetDefault("global.lock_file", "/run/hostbak.lock")
	vp.SetDefault("global.secrets_file", "/etc/hostbak/secrets")
	vp.SetDefault("paths.backup_roots", []string{"/"})
	vp.SetDefault("paths.staging_dir", "/var/backups/hostbak/staging")
	vp.SetDefault("paths.metrics_dir", "/var/backups/hostbak/metrics")
	vp.SetDefault("borg.binary", "borg")
	vp.SetDefault("borg.compression", "zstd,3")
	vp.SetDefault("borg.keep_daily", 14)
	vp.SetDefault("health.min_free_bytes", uint64(5)<<30)
	vp.SetDefault("health.max_load_ratio", 2.0)
	vp.SetDefault("services.stop_timeout", "60s")
	vp.SetDefault("services.poll_interval", "2s")
	vp.SetDefault("services.max_iterations", 10)
}

func applyPostLoadDefaults(cfg *Config) {
	if cfg.Global.Hostname == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Global.Hostname = host
		}
	}
	if cfg.Services.StopTimeout == 0 {
		cfg.Services.StopTimeout = 60 * time.Second
	}
	if cfg.Services.PollInterval == 0 {
		cfg.Services.PollInterval = 2 * time.Second
	}
	if cfg.Services.MaxIterations == 0 {
		cfg.Services.MaxIterations = 10
	}
	if cfg.Global.LogDir == "" {
		cfg.Global.LogDir = "/var/log/hostbak"
	}
}

func expandEnv(cfg *Config) {
	cfg.Offsite.AccessKey = os.ExpandEnv(cfg.Offsite.AccessKey)
	cfg.Offsite.SecretKey = os.ExpandEnv(cfg.Offsite.SecretKey)
	for i := range cfg.Notifications.Webhooks {
		cfg.Notifications.Webhooks[i].URL = os.ExpandEnv(cfg.Notifications.Webhooks[i].URL)
	}
	for i := range cfg.Notifications.Mattermost {
		cfg.Notifications.Mattermost[i].URL = os.ExpandEnv(cfg.Notifications.Mattermost[i].URL)
	}
}

// Validate rejects configurations that would fail mid-run. Paths that end
// up in archive or exclusion logic must be absolute; a relative path there
// silently changes meaning with the working directory.
func (c *Config) Validate() error {
	if c.Borg.Repo == "" {
		return errors.New("borg.repo is required")
	}
	if err := guard.ValidatePath(c.Borg.Repo, true); err != nil {
		return fmt.Errorf("borg.repo: %w", err)
	}
	if len(c.Paths.BackupRoots) == 0 {
		return errors.New("paths.backup_roots must name at least one path")
	}
	for _, root := range c.Paths.BackupRoots {
		if err := guard.ValidatePath(root, true); err != nil {
			return fmt.Errorf("backup root %s: %w", root, err)
		}
	}
	for _, p := range []struct{ name, val string }{
		{"paths.staging_dir", c.Paths.StagingDir},
		{"paths.metrics_dir", c.Paths.MetricsDir},
		{"global.lock_file", c.Global.LockFile},
		{"global.secrets_file", c.Global.SecretsFile},
		{"global.log_dir", c.Global.LogDir},
	} {
		if err := guard.ValidatePath(p.val, true); err != nil {
			return fmt.Errorf("%s: %w", p.name, err)
		}
	}
	for _, exclude := range c.Paths.Excludes {
		if !strings.HasPrefix(exclude, "/") {
			return fmt.Errorf("exclude %q must be absolute", exclude)
		}
	}
	seen := map[string]bool{}
	for _, db := range c.Databases {
		if db.Container == "" {
			return errors.New("database entry without container name")
		}
		if seen[db.Container] {
			return fmt.Errorf("database %s listed twice", db.Container)
		}
		seen[db.Container] = true
		if _, err := dump.ParseEngine(db.Engine); err != nil {
			return fmt.Errorf("database %s: %w", db.Container, err)
		}
	}
	if c.Services.ComposeFile != "" {
		if err := guard.ValidatePath(c.Services.ComposeFile, true); err != nil {
			return fmt.Errorf("services.compose_file: %w", err)
		}
	}
	if c.Offsite.Enabled {
		if c.Offsite.Endpoint == "" || c.Offsite.Bucket == "" {
			return errors.New("offsite.endpoint and offsite.bucket are required when offsite is enabled")
		}
	}
	return nil
}

// DumpTargets converts database entries into dump targets. Credentials are
// attached later by the orchestrator once the secrets file is loaded.
func (c *Config) DumpTargets() ([]dump.Target, error) {
	targets := make([]dump.Target, 0, len(c.Databases))
	for _, db := range c.Databases {
		engine, err := dump.ParseEngine(db.Engine)
		if err != nil {
			return nil, err
		}
		username := db.Username
		if username == "" {
			username = "root"
			if engine == dump.EnginePostgres {
				username = "postgres"
			}
		}
		targets = append(targets, dump.Target{Container: db.Container, Engine: engine, Username: username})
	}
	return targets, nil
}
