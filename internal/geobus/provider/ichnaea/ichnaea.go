// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package ichnaea

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mdlayher/wifi"

	"github.com/wneessen/lastfix/internal/geobus"
	"github.com/wneessen/lastfix/internal/http"
)

const (
	apiEndpoint   = "https://api.beacondb.net/v1/geolocate"
	lookupTimeout = time.Second * 5
	wifiScanTime  = time.Minute * 2
	name          = "ichnaea"
)

var ErrNoHTTPClient = errors.New("HTTP client is required")

// scanner lists wireless interfaces and the access points they see. It is satisfied
// by *wifi.Client.
type scanner interface {
	Interfaces() ([]*wifi.Interface, error)
	AccessPoints(ifi *wifi.Interface) ([]*wifi.BSS, error)
}

// GeolocationICHNAEAProvider resolves the location of the host by submitting the visible WiFi
// access points to an Ichnaea compatible geolocation API.
type GeolocationICHNAEAProvider struct {
	name     string
	endpoint string
	http     *http.Client
	wlan     scanner
	period   time.Duration
	ttl      time.Duration
	locateFn func(ctx context.Context) (geobus.Coordinate, error)

	apLock sync.RWMutex
	aps    []WirelessNetwork
}

type APIResult struct {
	Location struct {
		Latitude  float64 `json:"lat"`
		Longitude float64 `json:"lng"`
	} `json:"location"`
	Accuracy float64 `json:"accuracy"`
}

type WirelessNetwork struct {
	LastSeen       int64  `json:"age"`
	MACAddress     string `json:"macAddress"`
	SignalStrength int32  `json:"signalStrength"`
}

// NewGeolocationICHNAEAProvider returns a provider that scans WiFi networks through nl80211.
func NewGeolocationICHNAEAProvider(client *http.Client) (*GeolocationICHNAEAProvider, error) {
	if client == nil {
		return nil, ErrNoHTTPClient
	}
	wlan, err := wifi.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create wifi client: %w", err)
	}
	return newProvider(client, wlan), nil
}

func newProvider(client *http.Client, wlan scanner) *GeolocationICHNAEAProvider {
	provider := &GeolocationICHNAEAProvider{
		name:     name,
		endpoint: apiEndpoint,
		http:     client,
		wlan:     wlan,
		period:   time.Minute * 5,
		ttl:      time.Hour * 1,
	}
	provider.locateFn = provider.locate
	return provider
}

func (p *GeolocationICHNAEAProvider) Name() string {
	return p.name
}

// Class returns the accuracy class of the provider. WiFi based lookups are coarse.
func (p *GeolocationICHNAEAProvider) Class() geobus.AccuracyClass {
	return geobus.ClassCoarse
}

// Locate scans the visible access points once and resolves them to a location.
func (p *GeolocationICHNAEAProvider) Locate(ctx context.Context, key string) (geobus.Result, error) {
	// A failed scan leaves the previous list in place, the API then falls back to the IP address.
	_ = p.refreshAccessPoints()
	coord, err := p.locateFn(ctx)
	if err != nil {
		return geobus.Result{}, err
	}
	return p.createResult(key, coord), nil
}

// LookupStream periodically resolves the visible access points to a location, emitting updates
// when the location changed, until the context ends.
func (p *GeolocationICHNAEAProvider) LookupStream(ctx context.Context, key string) <-chan geobus.Result {
	out := make(chan geobus.Result)
	go p.monitorWifiAccessPoints(ctx)
	go func() {
		defer close(out)
		state := geobus.GeolocationState{}
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

			coord, err := p.locateFn(ctx)
			if err != nil {
				continue
			}

			if state.HasChanged(coord) {
				state.Update(coord)
				r := p.createResult(key, coord)

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
func (p *GeolocationICHNAEAProvider) createResult(key string, coord geobus.Coordinate) geobus.Result {
	return geobus.Result{
		Key:            key,
		Lat:            coord.Lat,
		Lon:            coord.Lon,
		AccuracyMeters: coord.Acc,
		Source:         p.name,
		At:             time.Now(),
		TTL:            p.ttl,
	}
}

func (p *GeolocationICHNAEAProvider) monitorWifiAccessPoints(ctx context.Context) {
	firstRun := true
	for {
		if !firstRun {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wifiScanTime):
			}
		}
		firstRun = false
		_ = p.refreshAccessPoints()
	}
}

func (p *GeolocationICHNAEAProvider) refreshAccessPoints() error {
	list, err := p.wifiAccessPoints()
	if err != nil {
		return err
	}
	p.apLock.Lock()
	p.aps = list
	p.apLock.Unlock()
	return nil
}

func (p *GeolocationICHNAEAProvider) accessPoints() []WirelessNetwork {
	p.apLock.RLock()
	defer p.apLock.RUnlock()
	return p.aps
}

// wifiAccessPoints lists the access points seen by all station interfaces. Hidden networks and
// networks that opted out of mapping with the _nomap suffix are left out.
func (p *GeolocationICHNAEAProvider) wifiAccessPoints() ([]WirelessNetwork, error) {
	var list []WirelessNetwork

	ifaces, err := p.wlan.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Type != wifi.InterfaceTypeStation {
			continue
		}
		aps, err := p.wlan.AccessPoints(iface)
		if err != nil {
			continue
		}
		for _, ap := range aps {
			if ap.SSID == "" || ap.SSID[0] == '\x00' || strings.HasSuffix(ap.SSID, "_nomap") {
				continue
			}
			list = append(list, WirelessNetwork{
				SignalStrength: ap.Signal / 100,
				MACAddress:     ap.BSSID.String(),
				LastSeen:       ap.LastSeen.Milliseconds(),
			})
		}
	}

	return list, nil
}

func (p *GeolocationICHNAEAProvider) locate(ctx context.Context) (geobus.Coordinate, error) {
	type request struct {
		ConsiderIP   bool              `json:"considerIp"`
		Accesspoints []WirelessNetwork `json:"wifiAccessPoints,omitempty"`
	}
	req := request{
		ConsiderIP:   true,
		Accesspoints: p.accessPoints(),
	}
	bodyBuffer := bytes.NewBuffer(nil)
	if err := json.NewEncoder(bodyBuffer).Encode(req); err != nil {
		return geobus.Coordinate{}, fmt.Errorf("failed to encode wifi list to JSON: %w", err)
	}

	result := new(APIResult)
	if _, err := p.http.PostWithTimeout(ctx, p.endpoint, result, bodyBuffer,
		map[string]string{"Content-Type": "application/json"}, lookupTimeout); err != nil {
		return geobus.Coordinate{}, fmt.Errorf("failed to get geolocation data from API: %w", err)
	}

	coord := geobus.Coordinate{
		Lat: geobus.Truncate(result.Location.Latitude, geobus.TruncPrecision),
		Lon: geobus.Truncate(result.Location.Longitude, geobus.TruncPrecision),
		Acc: geobus.Truncate(result.Accuracy, geobus.TruncPrecision),
	}
	if !coord.Valid() || coord.Acc <= 0 {
		return geobus.Coordinate{}, fmt.Errorf("API returned an invalid location %f,%f (accuracy %f)",
			coord.Lat, coord.Lon, coord.Acc)
	}
	return coord, nil
}
