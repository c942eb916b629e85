package config

import (
	"time"
)

type AppConfig struct {
	Mountpoint     string        `yaml:"mountpoint" env:"HUGEFS_MOUNTPOINT"`
	AllowOther     bool          `yaml:"allow_other" env-default:"false"`
	SealOnRelease  *bool         `yaml:"seal_on_release"`
	MaxSymlinkHops int           `yaml:"max_symlink_hops" env-default:"40"`
	RootUID        uint32        `yaml:"root_uid" env-default:"0"`
	RootGID        uint32        `yaml:"root_gid" env-default:"0"`
	DefaultTimeout time.Duration `yaml:"default_timeout" env-default:"30s"`
	EntryTimeout   time.Duration `yaml:"entry_timeout" env-default:"1s"`
}

// SealsOnRelease defaults to true when the key is absent.
func (c AppConfig) SealsOnRelease() bool {
	if c.SealOnRelease == nil {
		return true
	}
	return *c.SealOnRelease
}

type GCConfig struct {
	Interval time.Duration `yaml:"interval" env-default:"10m"`
	DryRun   bool          `yaml:"dry_run"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address" env-default:"127.0.0.1:9470"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"HUGEFS_LOG_LEVEL" env-default:"info"`
	Pretty bool   `yaml:"pretty"`
}
