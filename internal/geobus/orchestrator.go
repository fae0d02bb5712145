// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package geobus

import (
	"context"
	"log/slog"
	"sync"
)

// Orchestrator keeps the last known results of multiple providers up to date by tracking
// their lookup streams and publishing to a GeoBus.
type Orchestrator struct {
	Bus       *GeoBus
	Providers []Provider

	// ReportHealth, if set, is called with healthy set to true for every result a provider
	// streams and with false when a provider fails to return a stream or its stream ends.
	ReportHealth func(key string, healthy bool)
}

// Track starts tracking all providers concurrently. Every provider publishes under its own name.
// Track blocks until the context is cancelled and all provider goroutines returned.
func (o *Orchestrator) Track(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range o.Providers {
		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()
			o.trackProvider(ctx, p, p.Name())
		}(p)
	}
	<-ctx.Done()
	wg.Wait()
}

// trackProvider continuously tracks a Provider for geolocation data, publishing results to
// the GeoBus and implementing backoff.
func (o *Orchestrator) trackProvider(ctx context.Context, p Provider, key string) {
	backoff := initialBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		lookupChan := o.safeLookup(ctx, p, key)
		if lookupChan == nil {
			o.Bus.logger.Debug("geolocation provider did not return a stream", slog.String("provider", key))
			o.reportHealth(key, false)
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

	stream:
		for {
			select {
			case <-ctx.Done():
				return
			case r, ok := <-lookupChan:
				if !ok {
					if ctx.Err() == nil {
						o.reportHealth(key, false)
					}
					if !sleepOrDone(ctx, backoff) {
						return
					}
					backoff = nextBackoff(backoff)
					break stream
				}
				o.Bus.Publish(r)
				o.reportHealth(key, true)
				backoff = initialBackoff
			}
		}
	}
}

// safeLookup safely invokes the LookupStream method on a Provider and recovers from potential panics.
// Returns a read-only channel of Result or nil if the operation fails.
func (o *Orchestrator) safeLookup(ctx context.Context, provider Provider, key string) (ch <-chan Result) {
	defer func() { _ = recover() }()
	return provider.LookupStream(ctx, key)
}

func (o *Orchestrator) reportHealth(key string, healthy bool) {
	if o.ReportHealth != nil {
		o.ReportHealth(key, healthy)
	}
}
