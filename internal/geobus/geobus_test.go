// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package geobus

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/wneessen/lastfix/internal/logger"
)

func TestGeolocationState_HasChanged(t *testing.T) {
	t.Run("empty state always returns true", func(t *testing.T) {
		state := GeolocationState{}
		if !state.HasChanged(Coordinate{Lat: 1, Lon: 1, Acc: AccuracyZip}) {
			t.Error("expected state to have changed")
		}
	})
	t.Run("same coordinate return false", func(t *testing.T) {
		state := GeolocationState{}
		state.Update(Coordinate{Lat: 1, Lon: 1, Acc: AccuracyZip})
		if state.HasChanged(Coordinate{Lat: 1, Lon: 1, Acc: AccuracyZip}) {
			t.Error("expected state to not have changed")
		}
	})
	t.Run("different coordinate return true", func(t *testing.T) {
		tests := []struct {
			name    string
			lat     float64
			lon     float64
			acc     float64
			changed bool
		}{
			{"lat changes", 2, 1, AccuracyZip, true},
			{"lon changes", 1, 2, AccuracyZip, true},
			// an accuracy change is not considered a significant positional change
			{"acc changes", 1, 1, AccuracyCity, false},
			{"acc improves", 1, 1, 10, true},
		}

		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				state := GeolocationState{}
				state.Update(Coordinate{Lat: 1, Lon: 1, Acc: AccuracyZip})
				if state.HasChanged(Coordinate{Lat: tc.lat, Lon: tc.lon, Acc: tc.acc}) != tc.changed {
					t.Error("expected state change to be", tc.changed, "but it wasn't")
				}
			})
		}
	})
}

func TestCoordinate_DistanceTo(t *testing.T) {
	a := Coordinate{Lat: 0, Lon: 0}
	b := Coordinate{Lat: 0, Lon: 1}
	want := 2 * math.Pi * EarthRadius / 360
	if got := a.DistanceTo(b); math.Abs(got-want) > 1 {
		t.Errorf("expected distance to be %f, got %f", want, got)
	}
	if got := a.DistanceTo(a); got != 0 {
		t.Errorf("expected distance to self to be 0, got %f", got)
	}
}

func TestCoordinate_Valid(t *testing.T) {
	tests := []struct {
		name  string
		coord Coordinate
		valid bool
	}{
		{"origin", Coordinate{}, true},
		{"bounds", Coordinate{Lat: 90, Lon: -180}, true},
		{"latitude out of range", Coordinate{Lat: 90.1}, false},
		{"longitude out of range", Coordinate{Lon: 180.1}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.coord.Valid() != tc.valid {
				t.Errorf("expected validity to be %t", tc.valid)
			}
		})
	}
}

func TestAccuracyClass_Satisfies(t *testing.T) {
	tests := []struct {
		name  string
		class AccuracyClass
		want  AccuracyClass
		ok    bool
	}{
		{"fine satisfies coarse", ClassFine, ClassCoarse, true},
		{"coarse satisfies coarse", ClassCoarse, ClassCoarse, true},
		{"fine satisfies fine", ClassFine, ClassFine, true},
		{"coarse does not satisfy fine", ClassCoarse, ClassFine, false},
		{"unknown class satisfies nothing", AccuracyClass(0), ClassCoarse, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.class.Satisfies(tc.want) != tc.ok {
				t.Errorf("expected %s satisfying %s to be %t", tc.class, tc.want, tc.ok)
			}
		})
	}
}

func TestResult_BetterThan(t *testing.T) {
	now := time.Now()
	prev := Result{Key: "test", AccuracyMeters: 100, At: now}
	t.Run("anything is better than an empty result", func(t *testing.T) {
		if !(Result{AccuracyMeters: 1000, At: now}).BetterThan(Result{}) {
			t.Error("expected result to be better")
		}
	})
	t.Run("older results are never better", func(t *testing.T) {
		r := Result{Key: "test", AccuracyMeters: 1, At: now.Add(-time.Second)}
		if r.BetterThan(prev) {
			t.Error("expected older result to not be better")
		}
	})
	t.Run("more accurate results are better", func(t *testing.T) {
		r := Result{Key: "test", AccuracyMeters: 50, At: now}
		if !r.BetterThan(prev) {
			t.Error("expected more accurate result to be better")
		}
	})
	t.Run("equally accurate results are not better", func(t *testing.T) {
		r := Result{Key: "test", AccuracyMeters: 100, At: now.Add(time.Second)}
		if r.BetterThan(prev) {
			t.Error("expected equally accurate result to not be better")
		}
	})
}

func TestNew(t *testing.T) {
	t.Run("new geobus succeeds", func(t *testing.T) {
		bus, err := New(testLogger())
		if err != nil {
			t.Fatalf("failed to create geobus: %s", err)
		}
		if bus == nil {
			t.Fatal("expected geobus to be non-nil")
		}
	})
	t.Run("nil logger fails", func(t *testing.T) {
		if _, err := New(nil); err == nil {
			t.Fatal("expected geobus creation to fail")
		}
	})
}

func TestGeoBus_Publish(t *testing.T) {
	now := time.Now()
	t.Run("published results become the last known result", func(t *testing.T) {
		bus := testBus(t)
		bus.Publish(Result{Key: "gps", Lat: 1, Lon: 2, AccuracyMeters: 10, At: now})
		r, ok := bus.Last("gps")
		if !ok {
			t.Fatal("expected last known result")
		}
		if r.Lat != 1 || r.Lon != 2 {
			t.Errorf("expected coordinate 1,2, got %f,%f", r.Lat, r.Lon)
		}
		if _, ok = bus.Last("network"); ok {
			t.Error("expected no result for unknown key")
		}
	})
	t.Run("newer results replace older ones", func(t *testing.T) {
		bus := testBus(t)
		bus.Publish(Result{Key: "gps", Lat: 1, Lon: 2, AccuracyMeters: 10, At: now})
		bus.Publish(Result{Key: "gps", Lat: 1, Lon: 2, AccuracyMeters: 500, At: now.Add(time.Minute)})
		r, _ := bus.Last("gps")
		if r.AccuracyMeters != 500 {
			t.Errorf("expected the newer result to be stored, got accuracy %f", r.AccuracyMeters)
		}
	})
	t.Run("out of order results are dropped", func(t *testing.T) {
		bus := testBus(t)
		bus.Publish(Result{Key: "gps", Lat: 1, Lon: 2, AccuracyMeters: 10, At: now})
		bus.Publish(Result{Key: "gps", Lat: 5, Lon: 5, AccuracyMeters: 5, At: now.Add(-time.Minute)})
		r, _ := bus.Last("gps")
		if r.Lat != 1 {
			t.Errorf("expected out of order result to be dropped, got lat %f", r.Lat)
		}
	})
	t.Run("invalid results are dropped", func(t *testing.T) {
		bus := testBus(t)
		bus.Publish(Result{Key: "gps", Lat: 1, Lon: 2})
		bus.Publish(Result{Lat: 1, Lon: 2, AccuracyMeters: 10})
		if _, ok := bus.Last("gps"); ok {
			t.Error("expected result without accuracy to be dropped")
		}
		if _, ok := bus.Last(""); ok {
			t.Error("expected result without key to be dropped")
		}
	})
	t.Run("missing timestamps are filled in", func(t *testing.T) {
		bus := testBus(t)
		bus.Publish(Result{Key: "gps", Lat: 1, Lon: 2, AccuracyMeters: 10})
		r, _ := bus.Last("gps")
		if r.At.IsZero() {
			t.Error("expected timestamp to be set")
		}
	})
}

func TestGeoBus_SubscribeAll(t *testing.T) {
	t.Run("subscribers receive significant updates only", func(t *testing.T) {
		bus := testBus(t)
		sub, unsub := bus.SubscribeAll(4)
		defer unsub()

		now := time.Now()
		bus.Publish(Result{Key: "gps", Lat: 1, Lon: 1, AccuracyMeters: 10, At: now})
		bus.Publish(Result{Key: "gps", Lat: 1, Lon: 1, AccuracyMeters: 10, At: now.Add(time.Second)})
		bus.Publish(Result{Key: "gps", Lat: 2, Lon: 1, AccuracyMeters: 10, At: now.Add(time.Minute)})

		if got := len(sub); got != 2 {
			t.Fatalf("expected 2 broadcasts, got %d", got)
		}
	})
	t.Run("subscribers are pre-filled with last known results", func(t *testing.T) {
		bus := testBus(t)
		bus.Publish(Result{Key: "gps", Lat: 1, Lon: 1, AccuracyMeters: 10})
		sub, unsub := bus.SubscribeAll(4)
		defer unsub()
		if got := len(sub); got != 1 {
			t.Fatalf("expected 1 result, got %d", got)
		}
	})
	t.Run("unsubscribe closes the channel and is idempotent", func(t *testing.T) {
		bus := testBus(t)
		sub, unsub := bus.SubscribeAll(1)
		unsub()
		unsub()
		if _, ok := <-sub; ok {
			t.Error("expected channel to be closed")
		}
	})
}

type streamProvider struct {
	name    string
	results []Result
}

func (p *streamProvider) Name() string         { return p.name }
func (p *streamProvider) Class() AccuracyClass { return ClassFine }
func (p *streamProvider) Locate(context.Context, string) (Result, error) {
	return Result{}, nil
}

func (p *streamProvider) LookupStream(ctx context.Context, key string) <-chan Result {
	out := make(chan Result)
	go func() {
		defer close(out)
		for _, r := range p.results {
			r.Key = key
			select {
			case <-ctx.Done():
				return
			case out <- r:
			}
		}
		<-ctx.Done()
	}()
	return out
}

type panicProvider struct{ streamProvider }

func (p *panicProvider) LookupStream(context.Context, string) <-chan Result {
	panic("intentionally panicking")
}

func TestOrchestrator_Track(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		bus := testBus(t)
		ctx, cancel := context.WithCancel(t.Context())

		gps := &streamProvider{name: "gps", results: []Result{{Lat: 1, Lon: 2, AccuracyMeters: 10}}}
		network := &streamProvider{name: "network", results: []Result{{Lat: 3, Lon: 4, AccuracyMeters: 2000}}}
		broken := &panicProvider{streamProvider{name: "broken"}}
		orchestrator := bus.NewOrchestrator([]Provider{gps, network, broken})

		done := make(chan struct{})
		go func() {
			orchestrator.Track(ctx)
			close(done)
		}()
		synctest.Wait()

		if r, ok := bus.Last("gps"); !ok || r.Lat != 1 {
			t.Errorf("expected gps result to be published, got %+v", r)
		}
		if r, ok := bus.Last("network"); !ok || r.Lat != 3 {
			t.Errorf("expected network result to be published, got %+v", r)
		}
		if _, ok := bus.Last("broken"); ok {
			t.Error("expected no result for panicking provider")
		}

		cancel()
		<-done
	})
}

type endingProvider struct{ streamProvider }

func (p *endingProvider) LookupStream(context.Context, string) <-chan Result {
	out := make(chan Result)
	close(out)
	return out
}

func TestOrchestrator_ReportHealth(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		bus := testBus(t)
		ctx, cancel := context.WithCancel(t.Context())

		gps := &streamProvider{name: "gps", results: []Result{{Lat: 1, Lon: 2, AccuracyMeters: 10}}}
		broken := &panicProvider{streamProvider{name: "broken"}}
		ended := &endingProvider{streamProvider{name: "ended"}}
		orchestrator := bus.NewOrchestrator([]Provider{gps, broken, ended})

		var mu sync.Mutex
		health := make(map[string]bool)
		orchestrator.ReportHealth = func(key string, healthy bool) {
			mu.Lock()
			health[key] = healthy
			mu.Unlock()
		}

		done := make(chan struct{})
		go func() {
			orchestrator.Track(ctx)
			close(done)
		}()
		synctest.Wait()

		mu.Lock()
		want := map[string]bool{"gps": true, "broken": false, "ended": false}
		for key, healthy := range want {
			got, ok := health[key]
			if !ok {
				t.Errorf("expected health of %s to be reported", key)
				continue
			}
			if got != healthy {
				t.Errorf("expected health of %s to be %t, got %t", key, healthy, got)
			}
		}
		mu.Unlock()

		cancel()
		<-done
	})
}

func TestTruncate(t *testing.T) {
	if got := Truncate(51.123456789, TruncPrecision); got != 51.1234 {
		t.Errorf("expected 51.1234, got %f", got)
	}
}

func testBus(t *testing.T) *GeoBus {
	t.Helper()
	bus, err := New(testLogger())
	if err != nil {
		t.Fatalf("failed to create geobus: %s", err)
	}
	return bus
}

func testLogger() *logger.Logger {
	return logger.NewLogger(slog.LevelDebug, io.Discard)
}
