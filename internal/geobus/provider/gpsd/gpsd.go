// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package gpsd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/stratoberry/go-gpsd"

	"github.com/wneessen/lastfix/internal/geobus"
	"github.com/wneessen/lastfix/internal/gpspoll"
)

const (
	name = "gpsd"

	// fallbackAccuracy is used for TPV reports that carry no error estimates.
	fallbackAccuracy = 50.0
)

// ErrNoFix is returned if gpsd answered but has no 2D fix.
var ErrNoFix = errors.New("gpsd has no 2D fix")

// GeolocationGPSDProvider streams TPV reports from a gpsd daemon and polls it for single updates.
type GeolocationGPSDProvider struct {
	name     string
	addr     string
	period   time.Duration
	ttl      time.Duration
	locateFn func(ctx context.Context) (gpspoll.Fix, error)
}

// NewGeolocationGPSDProvider returns a provider for the gpsd daemon listening on host and port.
func NewGeolocationGPSDProvider(host, port string) *GeolocationGPSDProvider {
	provider := &GeolocationGPSDProvider{
		name:   name,
		addr:   net.JoinHostPort(host, port),
		period: time.Second * 30,
		ttl:    time.Minute * 2,
	}
	client := gpspoll.New(host, port)
	provider.locateFn = client.Poll
	return provider
}

// Name returns the name of the provider.
func (p *GeolocationGPSDProvider) Name() string {
	return p.name
}

// Class returns the accuracy class of the provider.
func (p *GeolocationGPSDProvider) Class() geobus.AccuracyClass {
	return geobus.ClassFine
}

// Locate polls gpsd once for the current fix.
func (p *GeolocationGPSDProvider) Locate(ctx context.Context, key string) (geobus.Result, error) {
	fix, err := p.locateFn(ctx)
	if err != nil {
		return geobus.Result{}, fmt.Errorf("failed to poll gpsd at %q: %w", p.addr, err)
	}
	if !fix.Has2DFix() {
		return geobus.Result{}, ErrNoFix
	}

	at := fix.Time
	if at.IsZero() {
		at = time.Now()
	}
	coord := geobus.Coordinate{Lat: fix.Lat, Lon: fix.Lon, Acc: fix.Acc}
	return p.createResult(key, coord, fix.Alt, at), nil
}

// LookupStream connects to gpsd and emits every TPV report with at least a 2D fix whose
// position differs from the last one. Lost connections are re-established after the
// provider period.
func (p *GeolocationGPSDProvider) LookupStream(ctx context.Context, key string) <-chan geobus.Result {
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

			session, err := gpsd.Dial(p.addr)
			if err != nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(p.period):
					continue
				}
			}

			session.AddFilter("TPV", func(r interface{}) {
				tpv, ok := r.(*gpsd.TPVReport)
				if !ok {
					return
				}
				res, ok := p.resultFromTPV(key, tpv)
				if !ok {
					return
				}
				coord := res.Coordinate()
				if !state.HasChanged(coord) {
					return
				}
				state.Update(coord)

				select {
				case <-ctx.Done():
				case out <- res:
				}
			})

			// Watch returns a channel that is closed when the connection ends.
			done := session.Watch()
			select {
			case <-ctx.Done():
				return
			case <-done:
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

// resultFromTPV converts a TPV report into a Result. Reports without a 2D fix are rejected.
func (p *GeolocationGPSDProvider) resultFromTPV(key string, tpv *gpsd.TPVReport) (geobus.Result, bool) {
	if tpv == nil || tpv.Mode < gpsd.Mode2D {
		return geobus.Result{}, false
	}

	acc := fallbackAccuracy
	if tpv.Epx > 0 && tpv.Epy > 0 {
		acc = math.Hypot(tpv.Epx, tpv.Epy)
	}
	coord := geobus.Coordinate{
		Lat: geobus.Truncate(tpv.Lat, geobus.TruncPrecision),
		Lon: geobus.Truncate(tpv.Lon, geobus.TruncPrecision),
		Acc: acc,
	}
	if !coord.Valid() {
		return geobus.Result{}, false
	}

	at := tpv.Time
	if at.IsZero() {
		at = time.Now()
	}
	return p.createResult(key, coord, tpv.Alt, at), true
}

// createResult composes and returns a Result using provided geolocation data and metadata.
func (p *GeolocationGPSDProvider) createResult(key string, coord geobus.Coordinate, alt float64, at time.Time) geobus.Result {
	return geobus.Result{
		Key:            key,
		Lat:            coord.Lat,
		Lon:            coord.Lon,
		Alt:            alt,
		AccuracyMeters: coord.Acc,
		Source:         p.name,
		At:             at,
		TTL:            p.ttl,
	}
}
