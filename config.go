package cbsync

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings is the full runtime configuration, loaded from a config file,
// CBSYNC_* environment variables, or flags bound by the caller.
type Settings struct {
	// Upstream catalog (Kapowarr) endpoint and credentials.
	KapowarrURL    string `mapstructure:"kapowarr_url"`
	KapowarrAPIKey string `mapstructure:"kapowarr_api_key"`

	// Metadata provider (ComicVine) endpoint and credentials.
	ComicVineURL    string `mapstructure:"comicvine_url"`
	ComicVineAPIKey string `mapstructure:"comicvine_api_key"`

	// Folder translation between the catalog's namespace and the local
	// library mount.
	KapowarrParentFolder string `mapstructure:"kapowarr_parent_folder"`
	LocalParentFolder    string `mapstructure:"local_parent_folder"`

	// Storage.
	DatabasePath string `mapstructure:"database_path"`
	ScratchDir   string `mapstructure:"scratch_dir"`

	// Cache staleness.
	CacheMaxAge time.Duration `mapstructure:"cache_max_age"`

	// Scheduler.
	RefreshInterval  time.Duration `mapstructure:"refresh_interval"`
	ProcessInterval  time.Duration `mapstructure:"process_interval"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	ScratchRetention time.Duration `mapstructure:"scratch_retention"`
	AutoProcess      bool          `mapstructure:"auto_process"`

	// Upstream courtesy pacing.
	ProbeDelay time.Duration `mapstructure:"probe_delay"`
	FetchDelay time.Duration `mapstructure:"fetch_delay"`

	// Volume id ceiling used when the upstream stats endpoint fails and
	// no count was ever cached.
	FallbackScanLimit int `mapstructure:"fallback_scan_limit"`

	// Logging.
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// LoadSettings reads configuration via viper. configFile may be empty, in
// which case only defaults and CBSYNC_* environment variables apply.
func LoadSettings(configFile string) (*Settings, error) {
	v := viper.New()

	// Keys without a meaningful default still need registering or
	// AutomaticEnv will not surface them through Unmarshal.
	v.SetDefault("kapowarr_url", "")
	v.SetDefault("kapowarr_api_key", "")
	v.SetDefault("comicvine_api_key", "")
	v.SetDefault("comicvine_url", "https://comicvine.gamespot.com/api")
	v.SetDefault("kapowarr_parent_folder", "/comics-1")
	v.SetDefault("local_parent_folder", "comics")
	v.SetDefault("database_path", "cbsync.db")
	v.SetDefault("scratch_dir", "")
	v.SetDefault("cache_max_age", "24h")
	v.SetDefault("refresh_interval", "1h")
	v.SetDefault("process_interval", "2h")
	v.SetDefault("cleanup_interval", "30m")
	v.SetDefault("max_concurrent", 5)
	v.SetDefault("scratch_retention", "24h")
	v.SetDefault("auto_process", false)
	v.SetDefault("probe_delay", "100ms")
	v.SetDefault("fetch_delay", "1s")
	v.SetDefault("fallback_scan_limit", 100)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")

	v.SetEnvPrefix("CBSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &s, nil
}

// CatalogConfigured reports whether the upstream catalog can be reached.
func (s *Settings) CatalogConfigured() bool {
	return s.KapowarrURL != "" && s.KapowarrAPIKey != ""
}

// MetadataConfigured reports whether the metadata provider can be reached.
func (s *Settings) MetadataConfigured() bool {
	return s.ComicVineAPIKey != ""
}

// Validate rejects configurations the daemon cannot run with. Individual
// subsystems degrade when their credentials are missing, so only
// structurally invalid values fail here.
func (s *Settings) Validate() error {
	if s.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", s.MaxConcurrent)
	}
	if s.CacheMaxAge <= 0 {
		return fmt.Errorf("cache_max_age must be positive, got %s", s.CacheMaxAge)
	}
	if s.FallbackScanLimit < 1 {
		return fmt.Errorf("fallback_scan_limit must be at least 1, got %d", s.FallbackScanLimit)
	}
	return nil
}

// Translator builds the catalog-to-local path translator from the two
// configured parent folders.
func (s *Settings) Translator() PathTranslator {
	return NewPathTranslator(s.KapowarrParentFolder, s.LocalParentFolder)
}
