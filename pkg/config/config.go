package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "TRIALCTL"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultStagingDir is where VM disk folders are created.
	DefaultStagingDir = "./staging"

	// DefaultSQLitePath is the default registry database file.
	DefaultSQLitePath = "./trials.db"

	// DefaultShell is the interpreter used to run operation scripts.
	DefaultShell = "pwsh"

	// DefaultSSHPort is the port used when executor.ssh.port is unset.
	DefaultSSHPort = 22

	// DefaultExecutorTimeout bounds a single external operation.
	DefaultExecutorTimeout = 30 * time.Minute

	// DefaultMaxConcurrent is the number of operations run at once.
	DefaultMaxConcurrent = 1

	// DefaultMinFreeSpace is the free space required in the staging dir.
	DefaultMinFreeSpace = "20GB"

	// DefaultAPIListen is the default operator API listen address.
	DefaultAPIListen = "127.0.0.1:9470"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Executor drivers.
const (
	ExecutorLocal = "local"
	ExecutorSSH   = "ssh"
)

// Remote login shells the SSH driver can quote for.
const (
	RemoteShellPwsh = "pwsh"
	RemoteShellSh   = "sh"
)

// Config is the root configuration for trialctl.
type Config struct {
	Global    GlobalConfig    `yaml:"global" mapstructure:"global"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Directory DirectoryConfig `yaml:"directory" mapstructure:"directory"`
	Executor  ExecutorConfig  `yaml:"executor" mapstructure:"executor"`
	Preflight PreflightConfig `yaml:"preflight" mapstructure:"preflight"`
	API       APIConfig       `yaml:"api" mapstructure:"api"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel   string `yaml:"log_level" mapstructure:"log_level"`
	StagingDir string `yaml:"staging_dir" mapstructure:"staging_dir"`
}

// DatabaseConfig contains registry connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// DirectoryConfig selects where client asset descriptors are read from.
// Only one backend (S3 or local) may be enabled at a time. AssetRoot is
// prefixed to every template and backup reference a descriptor names,
// e.g. a UNC share such as \\fileserver\trials.
type DirectoryConfig struct {
	AssetRoot string               `yaml:"asset_root" mapstructure:"asset_root"`
	Local     DirectoryLocalConfig `yaml:"local,omitempty" mapstructure:"local"`
	S3        DirectoryS3Config    `yaml:"s3,omitempty" mapstructure:"s3"`
}

// DirectoryLocalConfig reads descriptors from a directory (or mounted share).
type DirectoryLocalConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// DirectoryS3Config reads descriptors from an S3-compatible bucket.
type DirectoryS3Config struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// ExecutorConfig controls how external operations are run.
type ExecutorConfig struct {
	Driver             string            `yaml:"driver" mapstructure:"driver"`
	Shell              string            `yaml:"shell" mapstructure:"shell"`
	ShellArgs          []string          `yaml:"shell_args,omitempty" mapstructure:"shell_args"`
	ScriptsDir         string            `yaml:"scripts_dir" mapstructure:"scripts_dir"`
	Operations         map[string]string `yaml:"operations,omitempty" mapstructure:"operations"`
	Timeout            time.Duration     `yaml:"timeout" mapstructure:"timeout"`
	MaxConcurrent      int               `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	RateLimitPerMinute int               `yaml:"rate_limit_per_minute,omitempty" mapstructure:"rate_limit_per_minute"`
	SSH                SSHConfig         `yaml:"ssh,omitempty" mapstructure:"ssh"`
}

// SSHConfig holds settings for running operations on a remote host.
// RemoteShell is the login shell of the SSH account and decides how
// arguments are quoted. The host key is checked against KnownHosts unless
// InsecureIgnoreHostKey is set.
type SSHConfig struct {
	Host                  string        `yaml:"host" mapstructure:"host"`
	Port                  int           `yaml:"port,omitempty" mapstructure:"port"`
	User                  string        `yaml:"user" mapstructure:"user"`
	PrivateKeyPath        string        `yaml:"private_key_path" mapstructure:"private_key_path"`
	KnownHosts            string        `yaml:"known_hosts,omitempty" mapstructure:"known_hosts"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key,omitempty" mapstructure:"insecure_ignore_host_key"`
	RemoteShell           string        `yaml:"remote_shell,omitempty" mapstructure:"remote_shell"`
	DialTimeout           time.Duration `yaml:"dial_timeout,omitempty" mapstructure:"dial_timeout"`
}

// PreflightConfig controls the host checks run before accepting commands.
type PreflightConfig struct {
	Skip         bool   `yaml:"skip" mapstructure:"skip"`
	MinFreeSpace string `yaml:"min_free_space" mapstructure:"min_free_space"`
}

// DefaultShellArgs are passed to the shell before the script path.
var DefaultShellArgs = []string{
	"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-File",
}

// defaultOperations maps operation names to scripts relative to ScriptsDir.
var defaultOperations = map[string]string{
	"vm-import":            "Hyper-V/Import.ps1",
	"vm-power-off":         "Hyper-V/TurnOff.ps1",
	"db-restore":           "SQL/Restore.ps1",
	"db-drop":              "SQL/Drop.ps1",
	"check-virtualization": "Checks/Virtualization.ps1",
	"check-sql":            "Checks/SQL.ps1",
}

// Load reads and merges one or more configuration files. Later files
// override earlier ones and TRIALCTL_* environment variables override both.
func Load(paths ...string) (*Config, error) {
	v := newViper()

	for i, path := range paths {
		v.SetConfigFile(path)

		read := v.MergeInConfig
		if i == 0 {
			read = v.ReadInConfig
		}

		if err := read(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// newViper returns a viper instance with defaults registered for every key
// that may be overridden from the environment.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("global.log_level", DefaultLogLevel)
	v.SetDefault("global.staging_dir", DefaultStagingDir)
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("database.postgres.host", "")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "")
	v.SetDefault("database.postgres.ssl_mode", "disable")
	v.SetDefault("directory.asset_root", "")
	v.SetDefault("directory.local.enabled", false)
	v.SetDefault("directory.local.path", "")
	v.SetDefault("directory.s3.enabled", false)
	v.SetDefault("directory.s3.endpoint_url", "")
	v.SetDefault("directory.s3.region", "")
	v.SetDefault("directory.s3.bucket", "")
	v.SetDefault("directory.s3.prefix", "")
	v.SetDefault("directory.s3.access_key_id", "")
	v.SetDefault("directory.s3.secret_access_key", "")
	v.SetDefault("directory.s3.force_path_style", false)
	v.SetDefault("executor.driver", ExecutorLocal)
	v.SetDefault("executor.shell", DefaultShell)
	v.SetDefault("executor.scripts_dir", ".")
	v.SetDefault("executor.timeout", DefaultExecutorTimeout)
	v.SetDefault("executor.max_concurrent", DefaultMaxConcurrent)
	v.SetDefault("executor.rate_limit_per_minute", 0)
	v.SetDefault("executor.ssh.host", "")
	v.SetDefault("executor.ssh.port", DefaultSSHPort)
	v.SetDefault("executor.ssh.user", "")
	v.SetDefault("executor.ssh.private_key_path", "")
	v.SetDefault("executor.ssh.known_hosts", "")
	v.SetDefault("executor.ssh.insecure_ignore_host_key", false)
	v.SetDefault("executor.ssh.remote_shell", RemoteShellPwsh)
	v.SetDefault("preflight.skip", false)
	v.SetDefault("preflight.min_free_space", DefaultMinFreeSpace)
	v.SetDefault("api.listen", DefaultAPIListen)
	v.SetDefault("api.rate_limit.enabled", false)
	v.SetDefault("api.rate_limit.requests_per_minute", 60)

	return v
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Global.StagingDir == "" {
		c.Global.StagingDir = DefaultStagingDir
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}

	if c.Database.Driver == DriverSQLite && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Executor.Driver == "" {
		c.Executor.Driver = ExecutorLocal
	}

	if c.Executor.Shell == "" {
		c.Executor.Shell = DefaultShell
	}

	if c.Executor.ShellArgs == nil {
		c.Executor.ShellArgs = append([]string(nil), DefaultShellArgs...)
	}

	if c.Executor.SSH.Port == 0 {
		c.Executor.SSH.Port = DefaultSSHPort
	}

	if c.Executor.SSH.RemoteShell == "" {
		c.Executor.SSH.RemoteShell = RemoteShellPwsh
	}

	if c.Executor.Timeout == 0 {
		c.Executor.Timeout = DefaultExecutorTimeout
	}

	if c.Executor.MaxConcurrent <= 0 {
		c.Executor.MaxConcurrent = DefaultMaxConcurrent
	}

	if c.Executor.Operations == nil {
		c.Executor.Operations = make(map[string]string, len(defaultOperations))
	}

	for op, script := range defaultOperations {
		if _, ok := c.Executor.Operations[op]; !ok {
			c.Executor.Operations[op] = script
		}
	}

	if c.Preflight.MinFreeSpace == "" {
		c.Preflight.MinFreeSpace = DefaultMinFreeSpace
	}

	if c.API.Listen == "" {
		c.API.Listen = DefaultAPIListen
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Global.StagingDir) == "" {
		return fmt.Errorf("global.staging_dir is required")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Database.SQLite.Path) == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case DriverPostgres:
		if c.Database.Postgres.Host == "" || c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres host and database are required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	if err := c.validateDirectory(); err != nil {
		return err
	}

	if err := c.validateExecutor(); err != nil {
		return err
	}

	if _, err := c.MinFreeSpaceBytes(); err != nil {
		return err
	}

	return nil
}

func (c *Config) validateDirectory() error {
	local, s3 := c.Directory.Local.Enabled, c.Directory.S3.Enabled

	switch {
	case local && s3:
		return fmt.Errorf("directory: only one of local or s3 may be enabled")
	case !local && !s3:
		return fmt.Errorf("directory: one of local or s3 must be enabled")
	case local && strings.TrimSpace(c.Directory.Local.Path) == "":
		return fmt.Errorf("directory.local.path is required")
	case s3 && c.Directory.S3.Bucket == "":
		return fmt.Errorf("directory.s3.bucket is required")
	}

	return nil
}

func (c *Config) validateExecutor() error {
	switch c.Executor.Driver {
	case ExecutorLocal:
	case ExecutorSSH:
		if c.Executor.SSH.Host == "" {
			return fmt.Errorf("executor.ssh.host is required")
		}

		if c.Executor.SSH.User == "" {
			return fmt.Errorf("executor.ssh.user is required")
		}

		if c.Executor.SSH.PrivateKeyPath == "" {
			return fmt.Errorf("executor.ssh.private_key_path is required")
		}

		if c.Executor.SSH.KnownHosts == "" && !c.Executor.SSH.InsecureIgnoreHostKey {
			return fmt.Errorf("executor.ssh.known_hosts is required unless insecure_ignore_host_key is set")
		}

		switch c.Executor.SSH.RemoteShell {
		case RemoteShellPwsh, RemoteShellSh:
		default:
			return fmt.Errorf("unsupported executor.ssh.remote_shell: %q", c.Executor.SSH.RemoteShell)
		}
	default:
		return fmt.Errorf("unsupported executor driver: %q", c.Executor.Driver)
	}

	if strings.TrimSpace(c.Executor.Shell) == "" {
		return fmt.Errorf("executor.shell is required")
	}

	for op, script := range c.Executor.Operations {
		if strings.TrimSpace(script) == "" {
			return fmt.Errorf("executor.operations: script for %q is empty", op)
		}
	}

	return nil
}

// MinFreeSpaceBytes parses the preflight free space threshold.
func (c *Config) MinFreeSpaceBytes() (int64, error) {
	if c.Preflight.MinFreeSpace == "" {
		return 0, nil
	}

	n, err := units.FromHumanSize(c.Preflight.MinFreeSpace)
	if err != nil {
		return 0, fmt.Errorf("invalid preflight.min_free_space %q: %w", c.Preflight.MinFreeSpace, err)
	}

	return n, nil
}
