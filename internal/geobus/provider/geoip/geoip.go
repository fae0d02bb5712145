// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package geoip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wneessen/lastfix/internal/geobus"
	"github.com/wneessen/lastfix/internal/http"
)

const (
	name          = "geoip"
	APIEndpoint   = "https://reallyfreegeoip.org/json/"
	LookupTimeout = time.Second * 5
)

var ErrNoHTTPClient = errors.New("HTTP client is required")

// GeolocationGeoIPProvider looks up the location of the public IP address of the host.
type GeolocationGeoIPProvider struct {
	name     string
	endpoint string
	http     *http.Client
	period   time.Duration
	ttl      time.Duration
}

// APIResult is the response of the GeoIP API.
type APIResult struct {
	IP          string  `json:"ip"`
	CountryCode string  `json:"country_code"`
	Country     string  `json:"country_name"`
	RegionCode  string  `json:"region_code,omitempty"`
	Region      string  `json:"region_name,omitempty"`
	City        string  `json:"city,omitempty"`
	ZipCode     string  `json:"zip_code,omitempty"`
	TimeZone    string  `json:"time_zone"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	MetroCode   int     `json:"metro_code"`
}

func NewGeolocationGeoIPProvider(client *http.Client) (*GeolocationGeoIPProvider, error) {
	if client == nil {
		return nil, ErrNoHTTPClient
	}
	return &GeolocationGeoIPProvider{
		name:     name,
		endpoint: APIEndpoint,
		http:     client,
		period:   30 * time.Minute,
		ttl:      60 * time.Minute,
	}, nil
}

func (p *GeolocationGeoIPProvider) Name() string {
	return p.name
}

// Class returns the accuracy class of the provider. IP based lookups are coarse.
func (p *GeolocationGeoIPProvider) Class() geobus.AccuracyClass {
	return geobus.ClassCoarse
}

// Locate performs a single GeoIP lookup.
func (p *GeolocationGeoIPProvider) Locate(ctx context.Context, key string) (geobus.Result, error) {
	coord, err := p.locate(ctx)
	if err != nil {
		return geobus.Result{}, err
	}
	return p.createResult(key, coord), nil
}

// LookupStream periodically looks up the GeoIP location, emitting updates when data changes
// or context ends.
func (p *GeolocationGeoIPProvider) LookupStream(ctx context.Context, key string) <-chan geobus.Result {
	out := make(chan geobus.Result)
	go func() {
		defer close(out)
		state := geobus.GeolocationState{}

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			coord, err := p.locate(ctx)
			if err == nil && state.HasChanged(coord) {
				state.Update(coord)
				select {
				case <-ctx.Done():
					return
				case out <- p.createResult(key, coord):
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(p.period):
			}
		}
	}()
	return out
}

// createResult composes and returns a Result using provided geolocation data and metadata.
func (p *GeolocationGeoIPProvider) createResult(key string, coord geobus.Coordinate) geobus.Result {
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

func (p *GeolocationGeoIPProvider) locate(ctx context.Context) (geobus.Coordinate, error) {
	result := new(APIResult)
	if _, err := p.http.GetWithTimeout(ctx, p.endpoint, result, nil, nil, LookupTimeout); err != nil {
		return geobus.Coordinate{}, fmt.Errorf("failed to get geolocation data from API: %w", err)
	}

	coord := geobus.Coordinate{
		Lat: geobus.Truncate(result.Latitude, geobus.TruncPrecision),
		Lon: geobus.Truncate(result.Longitude, geobus.TruncPrecision),
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
	case result.ZipCode != "":
		return geobus.AccuracyZip
	case result.City != "":
		return geobus.AccuracyCity
	case result.RegionCode != "":
		return geobus.AccuracyRegion
	case result.CountryCode != "":
		return geobus.AccuracyCountry
	default:
		return geobus.AccuracyUnknown
	}
}
