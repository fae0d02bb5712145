// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package locator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wneessen/lastfix/internal/geobus"
	"github.com/wneessen/lastfix/internal/logger"
)

// DefaultTimeout is the default time a single update may take before it is given up.
const DefaultTimeout = time.Second * 30

var ErrUnknownProvider = errors.New("unknown geolocation provider")

// Manager gives access to a set of geolocation providers. It keeps the last known result of
// every provider in a GeoBus and performs single lookups on request.
type Manager struct {
	bus       *geobus.GeoBus
	logger    *logger.Logger
	timeout   time.Duration
	providers []geobus.Provider

	ctx  context.Context
	stop context.CancelFunc

	mu       sync.RWMutex
	disabled map[string]bool
}

// New returns a Manager for the given providers. Provider names must be unique. A timeout
// of zero or less selects DefaultTimeout.
func New(bus *geobus.GeoBus, providers []geobus.Provider, log *logger.Logger, timeout time.Duration) (*Manager, error) {
	if bus == nil {
		return nil, errors.New("geobus is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	seen := make(map[string]struct{}, len(providers))
	for _, p := range providers {
		if p == nil {
			return nil, errors.New("provider must not be nil")
		}
		if _, ok := seen[p.Name()]; ok {
			return nil, fmt.Errorf("duplicate geolocation provider: %s", p.Name())
		}
		seen[p.Name()] = struct{}{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		bus:       bus,
		logger:    log,
		timeout:   timeout,
		providers: providers,
		ctx:       ctx,
		stop:      stop,
		disabled:  make(map[string]bool),
	}, nil
}

// Run keeps the last known results of all providers up to date until the context is cancelled.
// A provider whose stream fails is disabled until it delivers a result again. Once Run returns,
// the Manager is closed.
func (m *Manager) Run(ctx context.Context) {
	defer m.Close()
	orchestrator := m.bus.NewOrchestrator(m.providers)
	orchestrator.ReportHealth = m.setHealthy
	orchestrator.Track(ctx)
}

// Close stops all in-flight single updates. They and all single updates requested afterward are
// answered without a location.
func (m *Manager) Close() {
	m.stop()
}

// Providers returns the names of all providers in registration order.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for _, p := range m.providers {
		names = append(names, p.Name())
	}
	return names
}

// LastKnown returns the last known result of the named provider, no matter how old it is.
func (m *Manager) LastKnown(name string) (geobus.Result, bool) {
	return m.bus.Last(name)
}

// SetEnabled enables or disables the named provider. Unknown names are ignored.
func (m *Manager) SetEnabled(name string, enabled bool) {
	if _, ok := m.provider(name); !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if enabled {
		delete(m.disabled, name)
		return
	}
	m.disabled[name] = true
}

// setHealthy enables or disables the named provider and logs state transitions.
func (m *Manager) setHealthy(name string, healthy bool) {
	if m.Enabled(name) == healthy {
		return
	}
	m.SetEnabled(name, healthy)
	if healthy {
		m.logger.Info("geolocation provider recovered", slog.String("provider", name))
		return
	}
	m.logger.Warn("geolocation provider failed, disabling it", slog.String("provider", name))
}

// Enabled reports whether the named provider is known and enabled.
func (m *Manager) Enabled(name string) bool {
	if _, ok := m.provider(name); !ok {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.disabled[name]
}

// BestProvider returns the name of the provider that best meets the criteria. Providers of exactly
// the requested class are preferred over providers that merely satisfy it. Ties are resolved by
// registration order. An unset accuracy class is treated as coarse.
func (m *Manager) BestProvider(criteria geobus.Criteria, enabledOnly bool) (string, bool) {
	want := criteria.Accuracy
	if want == 0 {
		want = geobus.ClassCoarse
	}

	var fallback string
	for _, p := range m.providers {
		if enabledOnly && !m.Enabled(p.Name()) {
			continue
		}
		class := p.Class()
		if !class.Satisfies(want) {
			continue
		}
		if class == want {
			return p.Name(), true
		}
		if fallback == "" {
			fallback = p.Name()
		}
	}
	return fallback, fallback != ""
}

// RequestSingleUpdate looks up the named provider once in the background. A successful result is
// stored as the provider's last known result and handed to fn. If the lookup fails, times out or
// the Manager is closed, fn is called with ok set to false. A failed lookup disables the provider,
// a successful one enables it again. Once the returned cancel function was called, fn is not
// called anymore by the Manager.
func (m *Manager) RequestSingleUpdate(name string, fn func(r geobus.Result, ok bool)) func() {
	ctx, cancel := context.WithTimeout(m.ctx, m.timeout)
	var cancelled atomic.Bool
	go func() {
		defer cancel()
		r, err := m.locate(ctx, name)
		if cancelled.Load() {
			m.logger.Debug("single location update was cancelled", slog.String("provider", name))
			return
		}
		if m.ctx.Err() != nil {
			m.logger.Debug("locator closed before single location update completed", slog.String("provider", name))
			fn(geobus.Result{}, false)
			return
		}
		if err != nil {
			m.logger.Error("single location update failed", slog.String("provider", name), logger.Err(err))
			m.setHealthy(name, false)
			fn(geobus.Result{}, false)
			return
		}
		m.bus.Publish(r)
		m.setHealthy(name, true)
		fn(r, true)
	}()
	return func() {
		cancelled.Store(true)
		cancel()
	}
}

// locate performs a single lookup with the named provider and recovers from provider panics.
func (m *Manager) locate(ctx context.Context, name string) (r geobus.Result, err error) {
	provider, ok := m.provider(name)
	if !ok {
		return r, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("geolocation provider %s panicked: %v", name, rec)
		}
	}()

	r, err = provider.Locate(ctx, name)
	if err != nil {
		return r, fmt.Errorf("failed to locate with provider %s: %w", name, err)
	}
	r.Key = name
	if r.Source == "" {
		r.Source = name
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	return r, nil
}

func (m *Manager) provider(name string) (geobus.Provider, bool) {
	for _, p := range m.providers {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}
