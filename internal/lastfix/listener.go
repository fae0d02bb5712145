// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package lastfix

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/wneessen/lastfix/internal/geobus"
)

const (
	stateArmed int32 = iota
	stateFired
	stateUnregistered
)

// singleUpdate listens for exactly one location update before unregistering itself. The update
// is forwarded to the Listener of the Finder that is registered at delivery time.
type singleUpdate struct {
	finder   *Finder
	provider string
	state    atomic.Int32

	mu           sync.Mutex
	unregisterFn func()
}

func newSingleUpdate(finder *Finder, provider string) *singleUpdate {
	return &singleUpdate{finder: finder, provider: provider}
}

// onLocationChanged is the callback handed to the Locator. Only the first call is processed.
func (u *singleUpdate) onLocationChanged(r geobus.Result, ok bool) {
	if !u.state.CompareAndSwap(stateArmed, stateFired) {
		return
	}
	defer func() {
		u.unregister()
		u.state.Store(stateUnregistered)
		u.finder.release(u)
	}()

	if !ok {
		u.finder.logger.Debug("single location update returned no location", slog.String("provider", u.provider))
		return
	}
	u.finder.logger.Debug("single location update received", slog.String("provider", u.provider),
		slog.Float64("lat", r.Lat), slog.Float64("lon", r.Lon), slog.Float64("accuracy", r.AccuracyMeters))
	if l := u.finder.currentListener(); l != nil {
		l.OnLocationChanged(r)
	}
}

// attach stores the function that removes the registration from the Locator. If the update
// already fired or was cancelled, the registration is removed right away.
func (u *singleUpdate) attach(unregister func()) {
	if unregister == nil {
		return
	}
	u.mu.Lock()
	if u.state.Load() == stateArmed {
		u.unregisterFn = unregister
		u.mu.Unlock()
		return
	}
	u.mu.Unlock()
	unregister()
}

// cancel unregisters an armed update. It reports whether the update was still armed.
func (u *singleUpdate) cancel() bool {
	if !u.state.CompareAndSwap(stateArmed, stateUnregistered) {
		return false
	}
	u.unregister()
	return true
}

func (u *singleUpdate) armed() bool {
	return u.state.Load() == stateArmed
}

func (u *singleUpdate) unregister() {
	u.mu.Lock()
	fn := u.unregisterFn
	u.unregisterFn = nil
	u.mu.Unlock()
	if fn != nil {
		fn()
	}
}
