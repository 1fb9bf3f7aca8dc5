package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings mirrors Settings.yaml under the data root.
type Settings struct {
	DataRoot       string          `mapstructure:"data_root" yaml:"data_root"`
	TemplateArch   string          `mapstructure:"template_arch" yaml:"template_arch"`
	Runner         string          `mapstructure:"runner" yaml:"runner"`
	DiscoveryDelay time.Duration   `mapstructure:"discovery_delay" yaml:"discovery_delay"`
	StopTimeout    time.Duration   `mapstructure:"stop_timeout" yaml:"stop_timeout"`
	ScanDepth      int             `mapstructure:"scan_depth" yaml:"scan_depth"`
	Workers        int             `mapstructure:"workers" yaml:"workers"`
	Log            LogSettings     `mapstructure:"log" yaml:"log"`
	Metrics        MetricsSettings `mapstructure:"metrics" yaml:"metrics"`
	History        HistorySettings `mapstructure:"history" yaml:"history"`
}

type LogSettings struct {
	Level      string `mapstructure:"level"`
	Color      bool   `mapstructure:"color"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type MetricsSettings struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type HistorySettings struct {
	Enabled bool `mapstructure:"enabled"`
}

const (
	ArchWin64 = "win64"
	ArchWin32 = "win32"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_root", "")
	v.SetDefault("template_arch", ArchWin64)
	v.SetDefault("runner", "")
	v.SetDefault("discovery_delay", 2*time.Second)
	v.SetDefault("stop_timeout", 3*time.Second)
	v.SetDefault("scan_depth", 10)
	v.SetDefault("workers", 4)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.color", true)
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.compress", false)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9477")
	v.SetDefault("history.enabled", true)
}

// Defaults returns the settings used when no Settings.yaml exists.
func Defaults() Settings {
	v := viper.New()
	setDefaults(v)
	var s Settings
	_ = v.Unmarshal(&s)
	return s
}

// Load reads Settings.yaml at path. A missing file yields Defaults.
// WINECHARM_* environment variables override file values
// (e.g. WINECHARM_TEMPLATE_ARCH, WINECHARM_LOG_LEVEL).
func Load(path string) (Settings, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("winecharm")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) && !errors.Is(err, os.ErrNotExist) {
			return Settings{}, fmt.Errorf("read settings %s: %w", path, err)
		}
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode settings %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks value ranges.
func (s Settings) Validate() error {
	switch s.TemplateArch {
	case ArchWin32, ArchWin64:
	default:
		return fmt.Errorf("template_arch %q: must be %s or %s", s.TemplateArch, ArchWin32, ArchWin64)
	}
	if s.DiscoveryDelay < 0 || s.StopTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if s.ScanDepth < 1 {
		return fmt.Errorf("scan_depth must be >= 1, got %d", s.ScanDepth)
	}
	if s.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", s.Workers)
	}
	return nil
}

// Save writes s to path as YAML.
func Save(path string, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	v := viper.New()
	v.Set("data_root", s.DataRoot)
	v.Set("template_arch", s.TemplateArch)
	v.Set("runner", s.Runner)
	v.Set("discovery_delay", s.DiscoveryDelay.String())
	v.Set("stop_timeout", s.StopTimeout.String())
	v.Set("scan_depth", s.ScanDepth)
	v.Set("workers", s.Workers)
	v.Set("log.level", s.Log.Level)
	v.Set("log.color", s.Log.Color)
	v.Set("log.max_size_mb", s.Log.MaxSizeMB)
	v.Set("log.max_backups", s.Log.MaxBackups)
	v.Set("log.max_age_days", s.Log.MaxAgeDays)
	v.Set("log.compress", s.Log.Compress)
	v.Set("metrics.enabled", s.Metrics.Enabled)
	v.Set("metrics.listen", s.Metrics.Listen)
	v.Set("history.enabled", s.History.Enabled)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	v.SetConfigType("yaml")
	return v.WriteConfigAs(path)
}
