package config

// Config is the root configuration structure for scanorch.
// Serialised to ~/.scanorch/config.json.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"   json:"database"`
	Worker     WorkerConfig     `mapstructure:"worker"     json:"worker"`
	Resilience ResilienceConfig `mapstructure:"resilience" json:"resilience"`
	Checkmarx  CheckmarxConfig  `mapstructure:"checkmarx"  json:"checkmarx"`
	Payloads   PayloadsConfig   `mapstructure:"payloads"   json:"payloads"`
	Sources    SourcesConfig    `mapstructure:"sources"    json:"sources"`
	Server     ServerConfig     `mapstructure:"server"     json:"server"`
	Resume     ResumeConfig     `mapstructure:"resume"     json:"resume"`
}

// DatabaseConfig controls the storage backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default), "mysql" or "postgres".
	Driver string `mapstructure:"driver" json:"driver"`
	// Path is the SQLite file path (expanded at runtime).
	Path string `mapstructure:"path"   json:"path"`
	// DSN is the data source name used by the mysql and postgres drivers.
	DSN string `mapstructure:"dsn"    json:"dsn"`
}

// WorkerConfig controls how queued jobs are processed.
type WorkerConfig struct {
	// Workers is the number of jobs processed concurrently.
	Workers int `mapstructure:"workers"           json:"workers"`
	// PollIntervalSec is how often idle workers look for queued jobs.
	PollIntervalSec int `mapstructure:"poll_interval_sec" json:"poll_interval_sec"`
	// TargetParallelism bounds the network-target fan-out of one executor.
	TargetParallelism int `mapstructure:"target_parallelism" json:"target_parallelism"`
	// HeartbeatSec is how often a running job records it is alive and
	// checks for a cancel request.
	HeartbeatSec int `mapstructure:"heartbeat_sec" json:"heartbeat_sec"`
}

// RetryPolicy is a {max retries, wait} pair used by the resilience consultants.
type RetryPolicy struct {
	MaxRetries int `mapstructure:"max_retries" json:"max_retries"`
	WaitMillis int `mapstructure:"wait_millis" json:"wait_millis"`
}

// ResilienceConfig holds one retry policy per failure class.
type ResilienceConfig struct {
	BadRequest   RetryPolicy `mapstructure:"bad_request"   json:"bad_request"`
	ServerError  RetryPolicy `mapstructure:"server_error"  json:"server_error"`
	NetworkError RetryPolicy `mapstructure:"network_error" json:"network_error"`
	// FallthroughSec opens a window in which a repeated failure is rethrown
	// without calling the product again. 0 disables it.
	FallthroughSec int `mapstructure:"fallthrough_sec" json:"fallthrough_sec"`
}

// CheckmarxConfig holds installation-wide defaults for the checkmarx adapter.
// Per-project credentials live in the executor configuration.
type CheckmarxConfig struct {
	PollIntervalMillis int    `mapstructure:"poll_interval_millis" json:"poll_interval_millis"`
	TimeoutMinutes     int    `mapstructure:"timeout_minutes"      json:"timeout_minutes"`
	ClientID           string `mapstructure:"client_id"            json:"client_id"`
	ClientSecret       string `mapstructure:"client_secret"        json:"client_secret"`
	Scope              string `mapstructure:"scope"                json:"scope"`
	TeamID             string `mapstructure:"team_id"              json:"team_id"`
	PresetID           int64  `mapstructure:"preset_id"            json:"preset_id"`
	EngineConfig       string `mapstructure:"engine_configuration" json:"engine_configuration"`
	TrustAll           bool   `mapstructure:"trust_all_certificates" json:"trust_all_certificates"`
	ProxyHost          string `mapstructure:"proxy_host"           json:"proxy_host"`
	ProxyPort          int    `mapstructure:"proxy_port"           json:"proxy_port"`
	// ProxyType is "http" (default) or "socks5".
	ProxyType string `mapstructure:"proxy_type" json:"proxy_type"`
	// RequestsPerSecond throttles calls to one product instance. 0 disables it.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" json:"requests_per_second"`
}

// PayloadsConfig controls where raw product result payloads are kept.
type PayloadsConfig struct {
	// Store is "database" (default) or "minio".
	Store string `mapstructure:"store" json:"store"`
	// InlineLimit is the payload size in bytes above which payloads go to
	// object storage when Store is "minio".
	InlineLimit int         `mapstructure:"inline_limit" json:"inline_limit"`
	MinIO       MinIOConfig `mapstructure:"minio"        json:"minio"`
}

// MinIOConfig configures the S3-compatible payload bucket.
type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"   json:"endpoint"`
	AccessKey string `mapstructure:"access_key" json:"access_key"`
	SecretKey string `mapstructure:"secret_key" json:"secret_key"`
	Bucket    string `mapstructure:"bucket"     json:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"    json:"use_ssl"`
}

// SourcesConfig controls where code scan sources are read from.
type SourcesConfig struct {
	// WorkDir is where git sources are cloned before they are zipped.
	WorkDir string `mapstructure:"work_dir" json:"work_dir"`
	// GitToken authenticates clones of private repositories.
	GitToken string `mapstructure:"git_token" json:"git_token"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	// Port is the localhost HTTP port the API listens on (default: 6090).
	Port int `mapstructure:"port" json:"port"`
	// AllowedOrigins enables CORS for browser clients of the API.
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins"`
}

// ResumeConfig controls how interrupted jobs are picked up again.
type ResumeConfig struct {
	// Schedule is a robfig/cron expression (default "@every 1m").
	Schedule string `mapstructure:"schedule"       json:"schedule"`
	// StaleAfterSec is how long a RUNNING job may go without a heartbeat
	// before it is considered orphaned.
	StaleAfterSec int `mapstructure:"stale_after_sec" json:"stale_after_sec"`
}
