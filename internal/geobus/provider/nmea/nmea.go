// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package nmea

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/adrianmo/go-nmea"

	"github.com/wneessen/lastfix/internal/geobus"
)

const (
	name = "nmea"

	// uere is the user equivalent range error in meters used to turn HDOP into meters.
	uere = 5.0

	// fallbackAccuracy is used for GGA sentences without a usable HDOP.
	fallbackAccuracy = 50.0
)

// ErrNoFix is returned if the NMEA log contains no GGA sentence with a valid fix.
var ErrNoFix = errors.New("no GGA sentence with a valid fix found in NMEA log")

// fix is the last usable position read from the log.
type fix struct {
	coord geobus.Coordinate
	alt   float64
	at    time.Time
}

// GeolocationNMEAProvider reads a log of NMEA 0183 sentences, as written by a GNSS receiver or a
// logging daemon, and reports the position of the last GGA sentence with a valid fix. The
// modification time of the log is used as timestamp of the position.
type GeolocationNMEAProvider struct {
	name     string
	path     string
	period   time.Duration
	ttl      time.Duration
	locateFn func() (fix, error)
}

// NewGeolocationNMEAProvider returns a provider reading the NMEA log at path.
func NewGeolocationNMEAProvider(path string) *GeolocationNMEAProvider {
	provider := &GeolocationNMEAProvider{
		name:   name,
		path:   path,
		period: time.Second * 30,
		ttl:    time.Minute * 5,
	}
	provider.locateFn = provider.readLog
	return provider
}

// Name returns the name of the provider.
func (p *GeolocationNMEAProvider) Name() string {
	return p.name
}

// Class returns the accuracy class of the provider.
func (p *GeolocationNMEAProvider) Class() geobus.AccuracyClass {
	return geobus.ClassFine
}

// Locate reads the NMEA log once.
func (p *GeolocationNMEAProvider) Locate(_ context.Context, key string) (geobus.Result, error) {
	f, err := p.locateFn()
	if err != nil {
		return geobus.Result{}, err
	}
	return p.createResult(key, f), nil
}

// LookupStream polls the NMEA log and emits the last fix whenever the position changed or the
// log was written to, until the context ends.
func (p *GeolocationNMEAProvider) LookupStream(ctx context.Context, key string) <-chan geobus.Result {
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

			f, err := p.locateFn()
			if err != nil {
				continue
			}
			if !state.HasChanged(f.coord) && !f.at.After(lastMod) {
				continue
			}
			state.Update(f.coord)
			lastMod = f.at

			select {
			case <-ctx.Done():
				return
			case out <- p.createResult(key, f):
			}
		}
	}()
	return out
}

// createResult composes and returns a Result using provided fix data and metadata.
func (p *GeolocationNMEAProvider) createResult(key string, f fix) geobus.Result {
	return geobus.Result{
		Key:            key,
		Lat:            f.coord.Lat,
		Lon:            f.coord.Lon,
		Alt:            f.alt,
		AccuracyMeters: f.coord.Acc,
		Source:         p.name,
		At:             f.at,
		TTL:            p.ttl,
	}
}

// readLog scans the NMEA log and returns the last GGA sentence carrying a valid fix. Sentences
// that fail to parse, including those with a bad checksum, are skipped.
func (p *GeolocationNMEAProvider) readLog() (fix, error) {
	file, err := os.Open(p.path)
	if err != nil {
		return fix{}, fmt.Errorf("failed to open NMEA log %q: %w", p.path, err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return fix{}, fmt.Errorf("failed to stat NMEA log %q: %w", p.path, err)
	}

	var last fix
	found := false
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "$") {
			continue
		}
		sentence, err := nmea.Parse(line)
		if err != nil {
			continue
		}
		gga, ok := sentence.(nmea.GGA)
		if !ok {
			continue
		}
		if f, ok := fixFromGGA(gga); ok {
			last, found = f, true
		}
	}
	if err = scanner.Err(); err != nil {
		return fix{}, fmt.Errorf("failed to scan NMEA log %q: %w", p.path, err)
	}
	if !found {
		return fix{}, ErrNoFix
	}

	last.at = info.ModTime()
	return last, nil
}

// fixFromGGA converts a GGA sentence into a fix. Sentences with an invalid fix quality or
// coordinates are rejected.
func fixFromGGA(gga nmea.GGA) (fix, bool) {
	if gga.FixQuality == "" || gga.FixQuality == nmea.Invalid {
		return fix{}, false
	}

	acc := gga.HDOP * uere
	if acc <= 0 {
		acc = fallbackAccuracy
	}
	coord := geobus.Coordinate{Lat: gga.Latitude, Lon: gga.Longitude, Acc: acc}
	if !coord.Valid() {
		return fix{}, false
	}
	return fix{coord: coord, alt: gga.Altitude}, true
}
