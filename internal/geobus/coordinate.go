// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package geobus

import (
	"math"
)

const (
	EarthRadius       = 6371000.0 // meters
	DistanceThreshold = 2500.0    // 2.5km
	AccuracyThreshold = 50.0
)

// Coordinate represents a geographic coordinate with its accuracy in meters.
type Coordinate struct {
	Lat float64
	Lon float64
	Acc float64
}

// PosHasSignificantChange checks if the geographic position differs significantly from
// another based on the distance threshold.
func (c Coordinate) PosHasSignificantChange(other Coordinate) bool {
	// Higher accuracy always trumps the distance threshold.
	if c.Acc < other.Acc && math.Abs(c.Acc-other.Acc) > AccuracyThreshold {
		return true
	}
	return c.DistanceTo(other) > DistanceThreshold
}

// DistanceTo returns the great-circle distance in meters between c and other using the
// Haversine formula.
func (c Coordinate) DistanceTo(other Coordinate) float64 {
	dLat := (c.Lat - other.Lat) * math.Pi / 180
	dLon := (c.Lon - other.Lon) * math.Pi / 180
	lat1 := c.Lat * math.Pi / 180
	lat2 := other.Lat * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadius * math.Asin(math.Sqrt(h))
}

// Valid checks if the coordinate is within the WGS84 latitude and longitude ranges.
func (c Coordinate) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}
