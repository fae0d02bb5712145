// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package service

import (
	"errors"
	"fmt"

	"github.com/wneessen/lastfix/internal/geobus"
	"github.com/wneessen/lastfix/internal/geobus/provider/geoapi"
	"github.com/wneessen/lastfix/internal/geobus/provider/geoip"
	"github.com/wneessen/lastfix/internal/geobus/provider/geolocation_file"
	"github.com/wneessen/lastfix/internal/geobus/provider/gpsd"
	"github.com/wneessen/lastfix/internal/geobus/provider/ichnaea"
	"github.com/wneessen/lastfix/internal/geobus/provider/nmea"
	"github.com/wneessen/lastfix/internal/http"
	"github.com/wneessen/lastfix/internal/logger"
)

var ErrNoProviders = errors.New("no geolocation providers enabled")

// selectGeobusProviders creates all enabled providers, fine providers first.
func (s *Service) selectGeobusProviders() ([]geobus.Provider, error) {
	httpClient := http.New(s.logger)
	var provider []geobus.Provider

	if !s.config.GeoLocation.DisableGeolocationFile {
		provider = append(provider, geolocation_file.NewGeolocationFileProvider(s.config.GeoLocation.File))
	}

	if s.config.GeoLocation.NMEAFile != "" {
		provider = append(provider, nmea.NewGeolocationNMEAProvider(s.config.GeoLocation.NMEAFile))
	}

	if !s.config.GeoLocation.DisableGPSD {
		provider = append(provider, gpsd.NewGeolocationGPSDProvider(s.config.GeoLocation.GPSDHost,
			s.config.GeoLocation.GPSDPort))
	}

	if !s.config.GeoLocation.DisableGeoIP {
		gip, err := geoip.NewGeolocationGeoIPProvider(httpClient)
		if err != nil {
			return nil, fmt.Errorf("failed to create GeoIP provider: %w", err)
		}
		provider = append(provider, gip)
	}

	if !s.config.GeoLocation.DisableGeoAPI {
		gap, err := geoapi.NewGeolocationGeoAPIProvider(httpClient)
		if err != nil {
			return nil, fmt.Errorf("failed to create GeoAPI provider: %w", err)
		}
		provider = append(provider, gap)
	}

	if !s.config.GeoLocation.DisableICHNAEA {
		mls, err := ichnaea.NewGeolocationICHNAEAProvider(httpClient)
		if err != nil {
			s.logger.Error("failed to create ICHNAEA provider", logger.Err(err))
		} else {
			provider = append(provider, mls)
		}
	}
	if len(provider) == 0 {
		return nil, ErrNoProviders
	}

	return provider, nil
}
