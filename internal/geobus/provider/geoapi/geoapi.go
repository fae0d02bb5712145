// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package geoapi

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/wneessen/lastfix/internal/geobus"
	"github.com/wneessen/lastfix/internal/http"
)

const (
	apiEndpoint   = "https://geoapi.info/api/geo"
	lookupTimeout = time.Second * 5
	name          = "geoapi"
)

var ErrNoHTTPClient = errors.New("HTTP client is required")

// GeolocationGeoAPIProvider looks up the location of the public IP address of the host with the
// geoapi.info service.
type GeolocationGeoAPIProvider struct {
	name     string
	endpoint string
	http     *http.Client
	period   time.Duration
	ttl      time.Duration
	locateFn func(ctx context.Context) (geobus.Coordinate, error)
}

type APIResult struct {
	IP       string `json:"ip"`
	Location struct {
		CountryCode string `json:"country,omitempty"`
		Country     string `json:"countryName,omitempty"`
		Region      string `json:"region,omitempty"`
		City        string `json:"city,omitempty"`
		ZipCode     string `json:"postalCode,omitempty"`
		TimeZone    string `json:"timezone"`
		Coordinates struct {
			Latitude  string `json:"latitude"`
			Longitude string `json:"longitude"`
		} `json:"coordinates"`
	} `json:"location"`
}

func NewGeolocationGeoAPIProvider(client *http.Client) (*GeolocationGeoAPIProvider, error) {
	if client == nil {
		return nil, ErrNoHTTPClient
	}
	provider := &GeolocationGeoAPIProvider{
		name:     name,
		endpoint: apiEndpoint,
		http:     client,
		period:   time.Minute * 10,
		ttl:      time.Hour * 2,
	}
	provider.locateFn = provider.locate
	return provider, nil
}

func (p *GeolocationGeoAPIProvider) Name() string {
	return p.name
}

// Class returns the accuracy class of the provider. IP based lookups are coarse.
func (p *GeolocationGeoAPIProvider) Class() geobus.AccuracyClass {
	return geobus.ClassCoarse
}

// Locate performs a single lookup.
func (p *GeolocationGeoAPIProvider) Locate(ctx context.Context, key string) (geobus.Result, error) {
	coord, err := p.locateFn(ctx)
	if err != nil {
		return geobus.Result{}, err
	}
	return p.createResult(key, coord), nil
}

// LookupStream periodically looks up the location and emits it when it changed, until the
// context ends.
func (p *GeolocationGeoAPIProvider) LookupStream(ctx context.Context, key string) <-chan geobus.Result {
	out := make(chan geobus.Result)
	go func() {
		defer close(out)
		state := geobus.GeolocationState{}
		firstRun := true

		for {
			if !firstRun {
				select {
				case <-ctx.Done():
					return
				case <-time.After(p.period):
				}
			}
			firstRun = false

			coord, err := p.locateFn(ctx)
			if err != nil || !state.HasChanged(coord) {
				continue
			}
			state.Update(coord)

			select {
			case <-ctx.Done():
				return
			case out <- p.createResult(key, coord):
			}
		}
	}()
	return out
}

// createResult composes and returns a Result using provided geolocation data and metadata.
func (p *GeolocationGeoAPIProvider) createResult(key string, coord geobus.Coordinate) geobus.Result {
	return geobus.Result{
		Key:            key,
		Lat:            coord.Lat,
		Lon:            coord.Lon,
		AccuracyMeters: coord.Acc,
		Source:         p.name,
		At:             time.Now(),
		TTL:            p.ttl,
	}
}

func (p *GeolocationGeoAPIProvider) locate(ctx context.Context) (geobus.Coordinate, error) {
	result := new(APIResult)
	if _, err := p.http.GetWithTimeout(ctx, p.endpoint, result, nil, nil, lookupTimeout); err != nil {
		return geobus.Coordinate{}, fmt.Errorf("failed to get geolocation data from API: %w", err)
	}

	lat, err := strconv.ParseFloat(result.Location.Coordinates.Latitude, 64)
	if err != nil {
		return geobus.Coordinate{}, fmt.Errorf("failed to parse latitude from API response: %w", err)
	}
	lon, err := strconv.ParseFloat(result.Location.Coordinates.Longitude, 64)
	if err != nil {
		return geobus.Coordinate{}, fmt.Errorf("failed to parse longitude from API response: %w", err)
	}

	coord := geobus.Coordinate{
		Lat: geobus.Truncate(lat, geobus.TruncPrecision),
		Lon: geobus.Truncate(lon, geobus.TruncPrecision),
		Acc: accuracyOf(result),
	}
	if !coord.Valid() {
		return geobus.Coordinate{}, fmt.Errorf("API returned invalid coordinates %f,%f", coord.Lat, coord.Lon)
	}
	return coord, nil
}

// accuracyOf estimates the accuracy of an API result by the most specific field it carries.
func accuracyOf(result *APIResult) float64 {
	switch {
	case result.Location.ZipCode != "":
		return geobus.AccuracyZip
	case result.Location.City != "":
		return geobus.AccuracyCity
	case result.Location.Region != "":
		return geobus.AccuracyRegion
	case result.Location.CountryCode != "":
		return geobus.AccuracyCountry
	default:
		return geobus.AccuracyUnknown
	}
}
