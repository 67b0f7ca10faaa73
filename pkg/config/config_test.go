package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseConfig = `
global:
  log_level: info
  staging_dir: /srv/trials/staging
database:
  driver: sqlite
  sqlite:
    path: /srv/trials/trials.db
directory:
  asset_root: \\fileserver\trials
  local:
    enabled: true
    path: /mnt/trials/clients
executor:
  driver: local
  scripts_dir: /opt/trialctl/scripts
  timeout: 10m
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, baseConfig)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, "/srv/trials/staging", cfg.Global.StagingDir)
				assert.Equal(t, `\\fileserver\trials`, cfg.Directory.AssetRoot)
				assert.Equal(t, 10*time.Minute, cfg.Executor.Timeout)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"TRIALCTL_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "nested override - database.sqlite.path",
			envVars: map[string]string{
				"TRIALCTL_DATABASE_SQLITE_PATH": "/tmp/other.db",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/tmp/other.db", cfg.Database.SQLite.Path)
			},
		},
		{
			name: "boolean override - preflight.skip",
			envVars: map[string]string{
				"TRIALCTL_PREFLIGHT_SKIP": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Preflight.Skip)
			},
		},
		{
			name: "integer override - executor.max_concurrent",
			envVars: map[string]string{
				"TRIALCTL_EXECUTOR_MAX_CONCURRENT": "4",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 4, cfg.Executor.MaxConcurrent)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	configPath := writeConfig(t, `
directory:
  local:
    enabled: true
    path: /mnt/clients
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultStagingDir, cfg.Global.StagingDir)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, DefaultSQLitePath, cfg.Database.SQLite.Path)
	assert.Equal(t, ExecutorLocal, cfg.Executor.Driver)
	assert.Equal(t, DefaultShell, cfg.Executor.Shell)
	assert.Equal(t, DefaultShellArgs, cfg.Executor.ShellArgs)
	assert.Equal(t, DefaultSSHPort, cfg.Executor.SSH.Port)
	assert.Equal(t, RemoteShellPwsh, cfg.Executor.SSH.RemoteShell)
	assert.False(t, cfg.Executor.SSH.InsecureIgnoreHostKey)
	assert.Equal(t, DefaultExecutorTimeout, cfg.Executor.Timeout)
	assert.Equal(t, DefaultMaxConcurrent, cfg.Executor.MaxConcurrent)
	assert.Equal(t, "Hyper-V/Import.ps1", cfg.Executor.Operations["vm-import"])
	assert.Equal(t, "SQL/Drop.ps1", cfg.Executor.Operations["db-drop"])
	assert.Equal(t, DefaultAPIListen, cfg.API.Listen)
	require.NoError(t, cfg.Validate())
}

func TestLoad_LaterFilesOverride(t *testing.T) {
	first := writeConfig(t, baseConfig)
	second := writeConfig(t, `
global:
  log_level: warn
executor:
  operations:
    vm-import: Custom/Import.ps1
`)

	cfg, err := Load(first, second)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Global.LogLevel)
	assert.Equal(t, "/srv/trials/staging", cfg.Global.StagingDir)
	assert.Equal(t, "Custom/Import.ps1", cfg.Executor.Operations["vm-import"])
	assert.Equal(t, "SQL/Restore.ps1", cfg.Executor.Operations["db-restore"])
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{
			Directory: DirectoryConfig{
				Local: DirectoryLocalConfig{Enabled: true, Path: "/mnt/clients"},
			},
		}
		cfg.applyDefaults()

		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(_ *Config) {},
		},
		{
			name:    "unknown database driver",
			mutate:  func(cfg *Config) { cfg.Database.Driver = "mysql" },
			wantErr: "unsupported database driver",
		},
		{
			name: "postgres without host",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = DriverPostgres
			},
			wantErr: "database.postgres host and database are required",
		},
		{
			name: "both directory backends",
			mutate: func(cfg *Config) {
				cfg.Directory.S3 = DirectoryS3Config{Enabled: true, Bucket: "b"}
			},
			wantErr: "only one of local or s3",
		},
		{
			name:    "no directory backend",
			mutate:  func(cfg *Config) { cfg.Directory.Local.Enabled = false },
			wantErr: "one of local or s3 must be enabled",
		},
		{
			name: "s3 without bucket",
			mutate: func(cfg *Config) {
				cfg.Directory.Local.Enabled = false
				cfg.Directory.S3.Enabled = true
			},
			wantErr: "directory.s3.bucket is required",
		},
		{
			name:    "ssh without host",
			mutate:  func(cfg *Config) { cfg.Executor.Driver = ExecutorSSH },
			wantErr: "executor.ssh.host is required",
		},
		{
			name: "ssh without known hosts",
			mutate: func(cfg *Config) {
				cfg.Executor.Driver = ExecutorSSH
				cfg.Executor.SSH = sshConfig()
				cfg.Executor.SSH.KnownHosts = ""
			},
			wantErr: "executor.ssh.known_hosts is required",
		},
		{
			name: "ssh with known hosts",
			mutate: func(cfg *Config) {
				cfg.Executor.Driver = ExecutorSSH
				cfg.Executor.SSH = sshConfig()
			},
		},
		{
			name: "ssh ignoring host key explicitly",
			mutate: func(cfg *Config) {
				cfg.Executor.Driver = ExecutorSSH
				cfg.Executor.SSH = sshConfig()
				cfg.Executor.SSH.KnownHosts = ""
				cfg.Executor.SSH.InsecureIgnoreHostKey = true
			},
		},
		{
			name: "ssh with unknown remote shell",
			mutate: func(cfg *Config) {
				cfg.Executor.Driver = ExecutorSSH
				cfg.Executor.SSH = sshConfig()
				cfg.Executor.SSH.RemoteShell = "cmd"
			},
			wantErr: "unsupported executor.ssh.remote_shell",
		},
		{
			name:    "unknown executor",
			mutate:  func(cfg *Config) { cfg.Executor.Driver = "winrm" },
			wantErr: "unsupported executor driver",
		},
		{
			name:    "empty operation script",
			mutate:  func(cfg *Config) { cfg.Executor.Operations["db-drop"] = " " },
			wantErr: `script for "db-drop" is empty`,
		},
		{
			name:    "bad free space",
			mutate:  func(cfg *Config) { cfg.Preflight.MinFreeSpace = "lots" },
			wantErr: "invalid preflight.min_free_space",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func sshConfig() SSHConfig {
	return SSHConfig{
		Host:           "hyperv01",
		Port:           DefaultSSHPort,
		User:           "trials",
		PrivateKeyPath: "/etc/trialctl/id_ed25519",
		KnownHosts:     "/etc/trialctl/known_hosts",
		RemoteShell:    RemoteShellPwsh,
	}
}

func TestMinFreeSpaceBytes(t *testing.T) {
	cfg := &Config{Preflight: PreflightConfig{MinFreeSpace: "1GB"}}

	n, err := cfg.MinFreeSpaceBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(1000*1000*1000), n)
}
