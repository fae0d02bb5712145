// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package geobus

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/wneessen/lastfix/internal/logger"
)

const (
	accuracyEpsilon = 1e-6
	initialBackoff  = time.Second
	maxBackoff      = 30 * time.Second
)

const (
	AccuracyCountry = 300000
	AccuracyRegion  = 100000
	AccuracyCity    = 15000
	AccuracyZip     = 3000
	AccuracyUnknown = 1000000
	TruncPrecision  = 4
)

// AccuracyClass describes the kind of accuracy a Provider is able to deliver.
type AccuracyClass int

const (
	ClassFine AccuracyClass = iota + 1
	ClassCoarse
)

// String satisfies the fmt.Stringer interface.
func (c AccuracyClass) String() string {
	switch c {
	case ClassFine:
		return "fine"
	case ClassCoarse:
		return "coarse"
	default:
		return "unknown"
	}
}

// Satisfies reports whether a provider of class c meets the requested class. A coarse request is
// satisfied by any provider, a fine request only by fine providers.
func (c AccuracyClass) Satisfies(want AccuracyClass) bool {
	if c != ClassFine && c != ClassCoarse {
		return false
	}
	return want == ClassCoarse || c == want
}

// Criteria is the capability query used to pick a provider for a single update.
type Criteria struct {
	Accuracy AccuracyClass
}

// Provider defines an interface for geolocation service providers.
// It supports retrieving streamed results for a given key as well as a single lookup.
type Provider interface {
	Name() string
	Class() AccuracyClass
	LookupStream(ctx context.Context, key string) <-chan Result
	Locate(ctx context.Context, key string) (Result, error)
}

// GeoBus keeps the last known geolocation result of every provider and broadcasts
// significant updates to its subscribers.
type GeoBus struct {
	mu         sync.RWMutex
	logger     *logger.Logger
	last       map[string]Result
	globalSubs map[chan Result]struct{}
}

// Result represents a geolocation result with associated metadata.
type Result struct {
	Key            string
	Lat, Lon       float64
	Alt            float64
	AccuracyMeters float64
	Source         string
	At             time.Time
	TTL            time.Duration
}

// BetterThan compares two Result objects to determine if the current instance is better than the provided one.
// Returns true if the current Result is not older and more accurate than the other.
func (r Result) BetterThan(prev Result) bool {
	if prev.Key == "" {
		return true
	}
	if r.At.Before(prev.At) {
		return false
	}
	return r.AccuracyMeters < prev.AccuracyMeters-accuracyEpsilon
}

// IsExpired checks if the Result has exceeded its time-to-live (TTL) based on the current time and the timestamp.
func (r Result) IsExpired() bool {
	return r.TTL > 0 && time.Since(r.At) > r.TTL
}

// Coordinate returns the position and accuracy of the Result as Coordinate.
func (r Result) Coordinate() Coordinate {
	return Coordinate{Lat: r.Lat, Lon: r.Lon, Acc: r.AccuracyMeters}
}

// New initializes and returns a new instance of GeoBus.
func New(logger *logger.Logger) (*GeoBus, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &GeoBus{
		logger:     logger,
		last:       make(map[string]Result),
		globalSubs: make(map[chan Result]struct{}),
	}, nil
}

func (b *GeoBus) NewOrchestrator(provider []Provider) *Orchestrator {
	return &Orchestrator{
		Bus:       b,
		Providers: provider,
	}
}

// SubscribeAll returns a channel that receives every broadcast result, pre-filled with the
// non-expired last known results, and a function to unsubscribe.
func (b *GeoBus) SubscribeAll(buffer int) (<-chan Result, func()) {
	ch := make(chan Result, buffer)
	b.mu.Lock()
	b.globalSubs[ch] = struct{}{}
	for _, v := range b.last {
		if v.IsExpired() {
			continue
		}
		select {
		case ch <- v:
		default:
		}
	}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.globalSubs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Publish stores r as the last known result for its key. Results without a key or accuracy and
// results older than the stored one are dropped. Subscribers are only notified if the result is
// new, better or the position changed significantly.
func (b *GeoBus) Publish(r Result) {
	if r.Key == "" || r.AccuracyMeters <= 0 {
		return
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	prev, have := b.last[r.Key]
	if have && r.At.Before(prev.At) {
		b.logger.Debug("dropping out of order geolocation result", slog.String("key", r.Key),
			slog.Time("at", r.At), slog.Time("last", prev.At))
		return
	}
	b.last[r.Key] = r

	if !have || prev.IsExpired() || r.BetterThan(prev) || r.Coordinate().PosHasSignificantChange(prev.Coordinate()) {
		b.broadcastResult(r)
	}
}

func (b *GeoBus) broadcastResult(r Result) {
	for ch := range b.globalSubs {
		select {
		case ch <- r:
		default:
		}
	}
}

// Last returns the last known result stored for key, regardless of its TTL.
func (b *GeoBus) Last(key string) (Result, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.last[key]
	return r, ok
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d *= 2; d > maxBackoff {
		return maxBackoff
	}
	return d
}

func Truncate(x float64, precision int) float64 {
	p := math.Pow(10, float64(precision))
	return math.Trunc(x*p) / p
}
