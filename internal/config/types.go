package config

import "time"

// Config is the root configuration schema.
type Config struct {
	Global        GlobalConfig        `mapstructure:"global"`
	Paths         PathsConfig         `mapstructure:"paths"`
	Borg          BorgConfig          `mapstructure:"borg"`
	Health        HealthConfig        `mapstructure:"health"`
	Services      ServicesConfig      `mapstructure:"services"`
	Databases     []DatabaseConfig    `mapstructure:"databases"`
	Sqlite        SqliteConfig        `mapstructure:"sqlite"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Offsite       OffsiteConfig       `mapstructure:"offsite"`
}

type GlobalConfig struct {
	LogLevel         string `mapstructure:"log_level"`
	LogFormat        string `mapstructure:"log_format"` // json or console
	LogDir           string `mapstructure:"log_dir"`
	LogKeepDays      int    `mapstructure:"log_keep_days"`
	Hostname         string `mapstructure:"hostname"` // defaults to os.Hostname
	LockFile         string `mapstructure:"lock_file"`
	SecretsFile      string `mapstructure:"secrets_file"`
	ConfigPassphrase string `mapstructure:"config_passphrase"` // optional; may come from env
}

type PathsConfig struct {
	BackupRoots []string `mapstructure:"backup_roots"`
	StagingDir  string   `mapstructure:"staging_dir"`
	MetricsDir  string   `mapstructure:"metrics_dir"`
	Excludes    []string `mapstructure:"excludes"` // appended to the built-in set
}

type BorgConfig struct {
	Binary      string `mapstructure:"binary"`
	Repo        string `mapstructure:"repo"`
	Compression string `mapstructure:"compression"`
	KeepDaily   int    `mapstructure:"keep_daily"`
}

type HealthConfig struct {
	MinFreeBytes uint64  `mapstructure:"min_free_bytes"`
	MaxLoadRatio float64 `mapstructure:"max_load_ratio"`
}

type ServicesConfig struct {
	ComposeFile   string        `mapstructure:"compose_file"`
	Stop          []string      `mapstructure:"stop"` // services stopped for the filesystem pass
	StopTimeout   time.Duration `mapstructure:"stop_timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	MaxIterations int           `mapstructure:"max_iterations"` // dependency closure depth bound
}

// DatabaseConfig names one containerized database to dump before the
// filesystem pass. Credentials come from the secrets file, never from here.
type DatabaseConfig struct {
	Container string `mapstructure:"container"` // compose service name
	Engine    string `mapstructure:"engine"`    // mysql, mariadb, postgres, influxdb
	Username  string `mapstructure:"username"`
}

type SqliteConfig struct {
	SkipDirs []string `mapstructure:"skip_dirs"`
}

type NotificationsConfig struct {
	Webhooks   []WebhookConfig    `mapstructure:"webhooks"`
	Mattermost []MattermostConfig `mapstructure:"mattermost"`
}

type WebhookConfig struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

type MattermostConfig struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

type OffsiteConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Endpoint  string        `mapstructure:"endpoint"`
	Region    string        `mapstructure:"region"`
	Bucket    string        `mapstructure:"bucket"`
	Prefix    string        `mapstructure:"prefix"`
	AccessKey string        `mapstructure:"access_key"`
	SecretKey string        `mapstructure:"secret_key"`
	UseSSL    bool          `mapstructure:"use_ssl"`
	PathStyle bool          `mapstructure:"force_path_style"`
	Insecure  bool          `mapstructure:"insecure_skip_verify"`
	Retries   int           `mapstructure:"retries"`
	Backoff   time.Duration `mapstructure:"retry_backoff"`
}
