package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Settings captures the process-wide runtime settings for laminard.
type Settings struct {
	Home        string `mapstructure:"home"`
	ArchiveURL  string `mapstructure:"archive_url"`
	Title       string `mapstructure:"title"`
	BindRPC     string `mapstructure:"bind_rpc"`
	BindHTTP    string `mapstructure:"bind_http"`
	KeepRundirs int    `mapstructure:"keep_rundirs"`
	LogLevel    string `mapstructure:"log_level"`
}

var settingsKeys = []string{"home", "archive_url", "title", "bind_rpc", "bind_http", "keep_rundirs", "log_level"}

// Load reads laminard settings from LAMINAR_* environment variables,
// falling back to the documented defaults.
func Load() (Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("LAMINAR")
	v.AutomaticEnv()

	v.SetDefault("home", "/var/lib/laminar")
	v.SetDefault("archive_url", "/archive")
	v.SetDefault("title", "Laminar")
	v.SetDefault("bind_rpc", "unix-abstract:laminar")
	v.SetDefault("bind_http", "*:8080")
	v.SetDefault("keep_rundirs", 0)
	v.SetDefault("log_level", "info")

	// Keys read only through Unmarshal are not picked up by AutomaticEnv,
	// so bind each one explicitly.
	for _, key := range settingsKeys {
		if err := v.BindEnv(key); err != nil {
			return Settings{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("unmarshal settings: %w", err)
	}
	if s.KeepRundirs < 0 {
		s.KeepRundirs = 0
	}
	return s, nil
}
