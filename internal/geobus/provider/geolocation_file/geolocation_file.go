// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package geolocation_file

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wneessen/lastfix/internal/geobus"
)

const (
	name = "geolocation_file"
)

var ErrNoCoordinates = fmt.Errorf("no valid coordinates found in geolocation file")

// GeolocationFileProvider reads geolocation data from a file and emits updates via a stream.
// The file contains a single "lat,lon" line with an optional accuracy in meters as third value.
// Lines starting with # are ignored. The modification time of the file is used as timestamp
// of the location.
type GeolocationFileProvider struct {
	name     string
	path     string
	period   time.Duration
	ttl      time.Duration
	locateFn func() (geobus.Coordinate, time.Time, error)
}

// NewGeolocationFileProvider initializes a GeolocationFileProvider with a file path and default update
// interval and TTL settings.
func NewGeolocationFileProvider(path string) *GeolocationFileProvider {
	provider := &GeolocationFileProvider{
		name:   name,
		path:   path,
		period: time.Minute * 2,
		ttl:    time.Hour * 1,
	}
	provider.locateFn = provider.readFile
	return provider
}

// Name returns the name of the GeolocationFileProvider instance.
func (p *GeolocationFileProvider) Name() string {
	return p.name
}

// Class returns the accuracy class of the provider. A user maintained location file is considered fine.
func (p *GeolocationFileProvider) Class() geobus.AccuracyClass {
	return geobus.ClassFine
}

// Locate reads the geolocation file once.
func (p *GeolocationFileProvider) Locate(_ context.Context, key string) (geobus.Result, error) {
	coord, modTime, err := p.locateFn()
	if err != nil {
		return geobus.Result{}, err
	}
	return p.createResult(key, coord, modTime), nil
}

// LookupStream continuously streams geolocation results from a file, emitting updates when the
// coordinates changed or the file was modified, until the context ends.
func (p *GeolocationFileProvider) LookupStream(ctx context.Context, key string) <-chan geobus.Result {
	out := make(chan geobus.Result)
	go func() {
		defer close(out)
		state := geobus.GeolocationState{}
		var lastMod time.Time
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

			coord, modTime, err := p.locateFn()
			if err != nil {
				continue
			}

			// Only emit if values changed, the file was touched or it's the first read
			if state.HasChanged(coord) || modTime.After(lastMod) {
				state.Update(coord)
				lastMod = modTime
				r := p.createResult(key, coord, modTime)

				select {
				case <-ctx.Done():
					return
				case out <- r:
				}
			}
		}
	}()
	return out
}

// createResult composes and returns a Result using provided geolocation data and metadata.
func (p *GeolocationFileProvider) createResult(key string, coord geobus.Coordinate, at time.Time) geobus.Result {
	return geobus.Result{
		Key:            key,
		Lat:            coord.Lat,
		Lon:            coord.Lon,
		AccuracyMeters: coord.Acc,
		Source:         p.name,
		At:             at,
		TTL:            p.ttl,
	}
}

// readFile reads geolocation data from the file at the configured path.
// Returns the coordinate and the modification time of the file, or an error if the file cannot be
// read or parsed correctly.
func (p *GeolocationFileProvider) readFile() (geobus.Coordinate, time.Time, error) {
	var coord geobus.Coordinate
	info, err := os.Stat(p.path)
	if err != nil {
		return coord, time.Time{}, fmt.Errorf("failed to stat geolocation file %q: %w", p.path, err)
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return coord, time.Time{}, fmt.Errorf("failed to read geolocation file %q: %w", p.path, err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if parsed, ok := parseLine(line); ok {
			return parsed, info.ModTime(), nil
		}
	}
	return coord, time.Time{}, ErrNoCoordinates
}

// parseLine parses a "lat,lon[,acc]" line. Coordinates outside the WGS84 ranges and non-positive
// accuracies are rejected.
func parseLine(line string) (geobus.Coordinate, bool) {
	coord := geobus.Coordinate{Acc: geobus.AccuracyZip}
	values := strings.Split(line, ",")
	if len(values) != 2 && len(values) != 3 {
		return coord, false
	}

	var err error
	if coord.Lat, err = strconv.ParseFloat(strings.TrimSpace(values[0]), 64); err != nil {
		return coord, false
	}
	if coord.Lon, err = strconv.ParseFloat(strings.TrimSpace(values[1]), 64); err != nil {
		return coord, false
	}
	if len(values) == 3 {
		if coord.Acc, err = strconv.ParseFloat(strings.TrimSpace(values[2]), 64); err != nil || coord.Acc <= 0 {
			return coord, false
		}
	}
	return coord, coord.Valid()
}
