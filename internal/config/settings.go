package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Settings control how the installer runs, as opposed to what it installs.
type Settings struct {
	LogLevel    zerolog.Level
	LogFile     string
	MountRoot   string
	Timeout     time.Duration
	LongTimeout time.Duration
	MetricsFile string
	LockFile    string
	ByIDDir     string
	CacheFile   string
	JournalFile string
	// ExportOnFailure exports the pool after a failed run so the disk can
	// be reused or imported elsewhere.
	ExportOnFailure bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "/var/log/zfs-installer.log")
	v.SetDefault("mount_root", "/mnt")
	v.SetDefault("timeouts.default", "10m")
	v.SetDefault("timeouts.long", "2h")
	v.SetDefault("metrics_file", "")
	v.SetDefault("lock_file", "/run/zfs-installer.lock")
	v.SetDefault("by_id_dir", "/dev/disk/by-id")
	v.SetDefault("cache_file", "/etc/zfs/zpool.cache")
	v.SetDefault("journal_file", "/var/log/zfs-installer.journal.json")
	v.SetDefault("export_on_failure", true)
}

// LoadSettings reads an optional settings file and ZFSINSTALL_* environment
// overrides. An empty path skips the file.
func LoadSettings(v *viper.Viper, path string) (Settings, error) {
	setDefaults(v)
	v.SetEnvPrefix("ZFSINSTALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) {
				return Settings{}, fmt.Errorf("read settings: %w", err)
			}
		}
	}

	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(v.GetString("log_level")); err == nil && l != zerolog.NoLevel {
		level = l
	}
	s := Settings{
		LogLevel:    level,
		LogFile:     v.GetString("log_file"),
		MountRoot:   v.GetString("mount_root"),
		Timeout:     v.GetDuration("timeouts.default"),
		LongTimeout: v.GetDuration("timeouts.long"),
		MetricsFile: v.GetString("metrics_file"),
		LockFile:    v.GetString("lock_file"),
		ByIDDir:     v.GetString("by_id_dir"),
		CacheFile:   v.GetString("cache_file"),
		JournalFile: v.GetString("journal_file"),

		ExportOnFailure: v.GetBool("export_on_failure"),
	}
	if s.MountRoot == "" {
		s.MountRoot = "/mnt"
	}
	if s.Timeout <= 0 || s.LongTimeout <= 0 {
		return Settings{}, &ValidationError{Field: "timeouts", Msg: "must be positive durations"}
	}
	return s, nil
}
