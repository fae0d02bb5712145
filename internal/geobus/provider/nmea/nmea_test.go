// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package nmea

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/synctest"
	"time"

	"github.com/adrianmo/go-nmea"

	"github.com/wneessen/lastfix/internal/geobus"
)

const (
	testFile = "../../../../testdata/nmea.log"
	testLat  = 48.117333
	testLon  = 11.5167
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-4
}

func TestNewGeolocationNMEAProvider(t *testing.T) {
	provider := NewGeolocationNMEAProvider(testFile)
	if provider == nil {
		t.Fatal("expected provider to be non-nil")
	}
	if !strings.EqualFold(provider.Name(), name) {
		t.Errorf("expected provider name to be %s, got %s", name, provider.Name())
	}
	if provider.Class() != geobus.ClassFine {
		t.Errorf("expected provider class to be fine, got %s", provider.Class())
	}
}

func TestGeolocationNMEAProvider_readLog(t *testing.T) {
	t.Run("last GGA with a valid fix wins", func(t *testing.T) {
		provider := NewGeolocationNMEAProvider(testFile)
		f, err := provider.readLog()
		if err != nil {
			t.Fatalf("failed to read NMEA log: %s", err)
		}
		if !almostEqual(f.coord.Lat, testLat) {
			t.Errorf("expected latitude to be %f, got %f", testLat, f.coord.Lat)
		}
		if !almostEqual(f.coord.Lon, testLon) {
			t.Errorf("expected longitude to be %f, got %f", testLon, f.coord.Lon)
		}
		if !almostEqual(f.coord.Acc, 6) {
			t.Errorf("expected accuracy to be %f, got %f", 6.0, f.coord.Acc)
		}
		if !almostEqual(f.alt, 545.6) {
			t.Errorf("expected altitude to be %f, got %f", 545.6, f.alt)
		}
		if f.at.IsZero() {
			t.Error("expected timestamp to be set")
		}
	})
	t.Run("missing HDOP falls back to default accuracy", func(t *testing.T) {
		provider := NewGeolocationNMEAProvider("../../../../testdata/nmea_nohdop.log")
		f, err := provider.readLog()
		if err != nil {
			t.Fatalf("failed to read NMEA log: %s", err)
		}
		if f.coord.Acc != fallbackAccuracy {
			t.Errorf("expected accuracy to be %f, got %f", fallbackAccuracy, f.coord.Acc)
		}
		if f.coord.Lat != 51.5 || f.coord.Lon != -0.25 {
			t.Errorf("expected coordinate 51.5,-0.25, got %f,%f", f.coord.Lat, f.coord.Lon)
		}
	})
	t.Run("log without fix fails", func(t *testing.T) {
		provider := NewGeolocationNMEAProvider("../../../../testdata/nmea_nofix.log")
		_, err := provider.readLog()
		if !errors.Is(err, ErrNoFix) {
			t.Errorf("expected error to be %s, got %s", ErrNoFix, err)
		}
	})
	t.Run("modification time of the log is used", func(t *testing.T) {
		data, err := os.ReadFile(testFile)
		if err != nil {
			t.Fatalf("failed to read test log: %s", err)
		}
		path := filepath.Join(t.TempDir(), "nmea.log")
		if err = os.WriteFile(path, data, 0o600); err != nil {
			t.Fatalf("failed to write NMEA log: %s", err)
		}
		want := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
		if err = os.Chtimes(path, want, want); err != nil {
			t.Fatalf("failed to change file times: %s", err)
		}
		f, err := NewGeolocationNMEAProvider(path).readLog()
		if err != nil {
			t.Fatalf("failed to read NMEA log: %s", err)
		}
		if !f.at.Equal(want) {
			t.Errorf("expected timestamp to be %s, got %s", want, f.at)
		}
	})
	t.Run("non-existent log fails", func(t *testing.T) {
		provider := NewGeolocationNMEAProvider("non-existent.log")
		if _, err := provider.readLog(); err == nil {
			t.Error("expected error, but didn't get one")
		}
	})
}

func TestFixFromGGA(t *testing.T) {
	tests := []struct {
		name string
		gga  nmea.GGA
		ok   bool
	}{
		{"gps fix", nmea.GGA{FixQuality: nmea.GPS, Latitude: 1, Longitude: 2, HDOP: 1}, true},
		{"dgps fix", nmea.GGA{FixQuality: nmea.DGPS, Latitude: 1, Longitude: 2, HDOP: 1}, true},
		{"invalid fix", nmea.GGA{FixQuality: nmea.Invalid, Latitude: 1, Longitude: 2, HDOP: 1}, false},
		{"empty fix quality", nmea.GGA{Latitude: 1, Longitude: 2, HDOP: 1}, false},
		{"invalid coordinates", nmea.GGA{FixQuality: nmea.GPS, Latitude: 100, Longitude: 2, HDOP: 1}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f, ok := fixFromGGA(tc.gga)
			if ok != tc.ok {
				t.Fatalf("expected ok to be %t, got %t", tc.ok, ok)
			}
			if ok && f.coord.Acc != tc.gga.HDOP*uere {
				t.Errorf("expected accuracy to be %f, got %f", tc.gga.HDOP*uere, f.coord.Acc)
			}
		})
	}
}

func TestGeolocationNMEAProvider_Locate(t *testing.T) {
	t.Run("locate succeeds", func(t *testing.T) {
		provider := NewGeolocationNMEAProvider(testFile)
		result, err := provider.Locate(t.Context(), "test")
		if err != nil {
			t.Fatalf("failed to locate: %s", err)
		}
		if result.Key != "test" {
			t.Errorf("expected key to be %s, got %s", "test", result.Key)
		}
		if result.Source != provider.Name() {
			t.Errorf("expected source to be %s, got %s", provider.Name(), result.Source)
		}
		if result.TTL != provider.ttl {
			t.Errorf("expected TTL to be %d, got %d", provider.ttl, result.TTL)
		}
	})
	t.Run("locate fails", func(t *testing.T) {
		provider := NewGeolocationNMEAProvider(testFile)
		provider.locateFn = func() (fix, error) {
			return fix{}, ErrNoFix
		}
		if _, err := provider.Locate(t.Context(), "test"); !errors.Is(err, ErrNoFix) {
			t.Errorf("expected error to be %s, got %s", ErrNoFix, err)
		}
	})
}

func TestGeolocationNMEAProvider_LookupStream(t *testing.T) {
	t.Run("lookup stream recovers from failing reads", func(t *testing.T) {
		runCount := 0
		synctest.Test(t, func(t *testing.T) {
			ctx, cancel := context.WithCancel(t.Context())
			defer cancel()

			at := time.Now()
			provider := NewGeolocationNMEAProvider(testFile)
			provider.period = time.Millisecond * 10
			provider.locateFn = func() (fix, error) {
				if runCount == 0 {
					runCount++
					return fix{}, errors.New("intentionally failing")
				}
				return fix{coord: geobus.Coordinate{Lat: 1, Lon: 2, Acc: 5}, at: at}, nil
			}

			out := provider.LookupStream(ctx, "test")
			result := <-out
			cancel()
			synctest.Wait()

			if result.Lat != 1 || result.Lon != 2 {
				t.Errorf("expected coordinate 1,2, got %f,%f", result.Lat, result.Lon)
			}
			if result.AccuracyMeters != 5 {
				t.Errorf("expected accuracy to be %f, got %f", 5.0, result.AccuracyMeters)
			}
		})
	})
	t.Run("unchanged log is emitted once", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			ctx, cancel := context.WithCancel(t.Context())
			defer cancel()

			at := time.Now()
			provider := NewGeolocationNMEAProvider(testFile)
			provider.period = time.Millisecond * 10
			provider.locateFn = func() (fix, error) {
				return fix{coord: geobus.Coordinate{Lat: 1, Lon: 2, Acc: 5}, at: at}, nil
			}

			out := provider.LookupStream(ctx, "test")
			<-out
			time.Sleep(time.Millisecond * 100)
			select {
			case r := <-out:
				t.Errorf("expected no further result, got %+v", r)
			default:
			}
			cancel()
			synctest.Wait()
		})
	})
}
