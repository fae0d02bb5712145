// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kkyr/fig"
)

const (
	configEnv = "LASTFIX"
	appName   = "lastfix"
)

// Config represents the application's configuration structure.
type Config struct {
	LogLevel slog.Level `fig:"loglevel" default:"0"`

	Selection struct {
		// In meters. 0 selects the default
		MinDistance int `fig:"min_distance" default:"100"`
		// Fixes older than MaxAge are not considered fresh
		MaxAge time.Duration `fig:"max_age" default:"15m"`
	} `fig:"selection"`

	Intervals struct {
		Output       time.Duration `fig:"output" default:"30s"`
		SingleUpdate time.Duration `fig:"single_update" default:"30s"`
	} `fig:"intervals"`

	GeoLocation struct {
		File                   string `fig:"file"`
		NMEAFile               string `fig:"nmea_file"`
		GPSDHost               string `fig:"gpsd_host" default:"localhost"`
		GPSDPort               string `fig:"gpsd_port" default:"2947"`
		DisableGeolocationFile bool   `fig:"disable_geolocation_file"`
		DisableGPSD            bool   `fig:"disable_gpsd"`
		DisableGeoIP           bool   `fig:"disable_geoip"`
		DisableGeoAPI          bool   `fig:"disable_geoapi"`
		DisableICHNAEA         bool   `fig:"disable_ichnaea"`
	} `fig:"geolocation"`
}

func NewFromFile(path, file string) (*Config, error) {
	conf := new(Config)
	_, err := os.Stat(filepath.Join(path, file))
	if err != nil {
		return conf, fmt.Errorf("failed to read Config: %w", err)
	}
	if err = fig.Load(conf, fig.Dirs(path), fig.File(file), fig.UseEnv(configEnv)); err != nil {
		return conf, fmt.Errorf("failed to load Config: %w", err)
	}

	return conf, conf.Validate()
}

func New() (*Config, error) {
	conf := new(Config)
	if err := fig.Load(conf, fig.AllowNoFile(), fig.UseEnv(configEnv)); err != nil {
		return conf, fmt.Errorf("failed to load Config: %w", err)
	}

	return conf, conf.Validate()
}

// Find looks for a config file in the user config directory and loads it. Without a config
// file the defaults and environment are used.
func Find() (*Config, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return New()
	}
	dir = filepath.Join(dir, appName)
	for _, file := range []string{"config.toml", "config.yaml", "config.yml", "config.json"} {
		if _, err = os.Stat(filepath.Join(dir, file)); err == nil {
			return NewFromFile(dir, file)
		}
	}
	return New()
}

// MinTime returns the time before which a fix is no longer considered fresh.
func (c *Config) MinTime(now time.Time) time.Time {
	return now.Add(-c.Selection.MaxAge)
}

// Validate checks the config for invalid values. Zero values loaded from a file or the environment
// are replaced by their defaults before Validate runs, so only negative intervals fail there.
func (c *Config) Validate() error {
	if c.Selection.MinDistance < 0 {
		return fmt.Errorf("invalid minimum distance: %d", c.Selection.MinDistance)
	}
	if c.Selection.MaxAge < 0 {
		return fmt.Errorf("invalid maximum age: %s", c.Selection.MaxAge)
	}
	if c.Intervals.Output <= 0 {
		return fmt.Errorf("invalid output interval: %s", c.Intervals.Output)
	}
	if c.Intervals.SingleUpdate <= 0 {
		return fmt.Errorf("invalid single update timeout: %s", c.Intervals.SingleUpdate)
	}
	if c.GeoLocation.GPSDPort == "" {
		return fmt.Errorf("invalid gpsd port: %q", c.GeoLocation.GPSDPort)
	}
	if c.GeoLocation.File == "" {
		home, _ := os.UserHomeDir()
		c.GeoLocation.File = filepath.Join(home, ".config", appName, "geolocation")
	}

	return nil
}
