// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package lastfix finds the most accurate and timely previously detected location of all
// available providers. If no cached location is timely and accurate enough, a single fresh
// location update is requested and handed to the registered Listener once it arrives.
//
// Freshness follows the fresh-first policy: a reading counts as timely if its timestamp is
// after minTime. Among timely readings the most accurate one wins. If no reading is timely,
// the newest reading is returned instead.
package lastfix

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/wneessen/lastfix/internal/geobus"
	"github.com/wneessen/lastfix/internal/logger"
)

// Locator provides access to the location providers of the host system.
type Locator interface {
	// Providers lists the names of all known providers.
	Providers() []string
	// LastKnown returns the cached reading of a provider without blocking.
	LastKnown(provider string) (geobus.Result, bool)
	// BestProvider returns the provider that best matches the criteria.
	BestProvider(criteria geobus.Criteria, enabledOnly bool) (string, bool)
	// RequestSingleUpdate asynchronously requests one reading from the provider. fn is called at most
	// once with ok set to false if no reading could be obtained. The returned function cancels the
	// request and must be safe to call multiple times.
	RequestSingleUpdate(provider string, fn func(r geobus.Result, ok bool)) (cancel func())
}

// Listener receives the result of a single location update.
type Listener interface {
	OnLocationChanged(geobus.Result)
}

// ListenerFunc adapts an ordinary function to the Listener interface.
type ListenerFunc func(geobus.Result)

// OnLocationChanged calls f(r).
func (f ListenerFunc) OnLocationChanged(r geobus.Result) {
	f(r)
}

// Finder looks up the best last known location and arms a single update if needed.
type Finder struct {
	locator  Locator
	logger   *logger.Logger
	criteria geobus.Criteria

	mu       sync.Mutex
	listener Listener
	pending  *singleUpdate
}

// New returns a Finder for the given Locator. Single updates are requested with coarse accuracy
// to get the fastest possible result.
func New(locator Locator, log *logger.Logger) (*Finder, error) {
	if locator == nil {
		return nil, errors.New("locator is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	return &Finder{
		locator:  locator,
		logger:   log,
		criteria: geobus.Criteria{Accuracy: geobus.ClassCoarse},
	}, nil
}

// LastBestLocation returns the most accurate and timely previously detected location. If the
// result is older than minTime or its accuracy is wider than minDistance meters, a single location
// update is requested and delivered to the Listener set via SetChangedLocationListener. The call
// never waits for that update. ok is false if no provider has a cached reading.
func (f *Finder) LastBestLocation(minDistance int, minTime time.Time) (best geobus.Result, ok bool) {
	minDistance = max(minDistance, 0)
	bestAccuracy := math.Inf(1)
	var bestTime time.Time

	for _, provider := range f.locator.Providers() {
		r, found := f.locator.LastKnown(provider)
		if !found {
			continue
		}
		switch {
		case r.At.After(minTime) && r.AccuracyMeters < bestAccuracy:
			best, ok = r, true
			bestAccuracy = r.AccuracyMeters
			bestTime = r.At
		case r.At.Before(minTime) && math.IsInf(bestAccuracy, 1) && r.At.After(bestTime):
			best, ok = r, true
			bestTime = r.At
		}
	}

	if bestTime.Before(minTime) || bestAccuracy > float64(minDistance) {
		f.requestUpdate()
	}
	return best, ok
}

// SetChangedLocationListener replaces the Listener that receives single location updates. A nil
// Listener disables single updates.
func (f *Finder) SetChangedLocationListener(l Listener) {
	f.mu.Lock()
	f.listener = l
	f.mu.Unlock()
}

// Cancel unregisters a pending single update. It is a no-op if nothing is pending.
func (f *Finder) Cancel() {
	f.mu.Lock()
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()

	if pending != nil && pending.cancel() {
		f.logger.Debug("single location update cancelled", slog.String("provider", pending.provider))
	}
}

// Pending reports whether a single update is currently armed.
func (f *Finder) Pending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending != nil && f.pending.armed()
}

// requestUpdate arms a single update with the best matching provider. An already pending update
// is replaced.
func (f *Finder) requestUpdate() {
	if f.currentListener() == nil {
		f.logger.Debug("no location listener registered, skipping single location update")
		return
	}
	provider, ok := f.locator.BestProvider(f.criteria, true)
	if !ok {
		f.logger.Debug("no enabled provider matches the criteria, skipping single location update",
			slog.String("accuracy", f.criteria.Accuracy.String()))
		return
	}

	update := newSingleUpdate(f, provider)
	f.mu.Lock()
	prev := f.pending
	f.pending = update
	f.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}

	f.logger.Debug("requesting single location update", slog.String("provider", provider))
	update.attach(f.locator.RequestSingleUpdate(provider, update.onLocationChanged))
}

func (f *Finder) currentListener() Listener {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listener
}

// release clears the pending slot if it still holds the given update.
func (f *Finder) release(update *singleUpdate) {
	f.mu.Lock()
	if f.pending == update {
		f.pending = nil
	}
	f.mu.Unlock()
}
