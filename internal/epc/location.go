package epc

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// GeoPoint is the normalized coordinate form stored in every index
type GeoPoint struct {
	Lat float64 `json:"lat" bson:"lat"`
	Lon float64 `json:"lon" bson:"lon"`
}

// Valid reports whether the point is within WGS84 bounds
func (p GeoPoint) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// LocationKind tells which shape a source location arrived in
type LocationKind int

const (
	LocationAbsent LocationKind = iota
	LocationStructured
	LocationString
)

// RawLocation is a source location before normalization: an object with
// lat/lon, a "lat,lon" string, or nothing.
type RawLocation struct {
	Kind LocationKind
	Lat  Number
	Lon  Number
	Text string
}

// UnmarshalJSON never fails; unrecognized shapes are recorded as absent.
func (l *RawLocation) UnmarshalJSON(data []byte) error {
	*l = RawLocation{}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case '{':
		var obj struct {
			Lat Number `json:"lat"`
			Lon Number `json:"lon"`
			Lng Number `json:"lng"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil
		}
		lon := obj.Lon
		if !lon.Valid {
			lon = obj.Lng
		}
		*l = RawLocation{Kind: LocationStructured, Lat: obj.Lat, Lon: lon}
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		if strings.TrimSpace(s) != "" {
			*l = RawLocation{Kind: LocationString, Text: s}
		}
	}
	return nil
}

// Normalize resolves the location to a point. Malformed input yields nil.
func (l RawLocation) Normalize() *GeoPoint {
	var point GeoPoint

	switch l.Kind {
	case LocationStructured:
		if !l.Lat.Valid || !l.Lon.Valid {
			return nil
		}
		point = GeoPoint{Lat: l.Lat.Value, Lon: l.Lon.Value}
	case LocationString:
		parts := strings.Split(l.Text, ",")
		if len(parts) != 2 {
			return nil
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			return nil
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil
		}
		point = GeoPoint{Lat: lat, Lon: lon}
	default:
		return nil
	}

	if !point.Valid() {
		return nil
	}
	return &point
}

// PointLocation wraps an already structured coordinate pair
func PointLocation(lat, lon float64) RawLocation {
	return RawLocation{Kind: LocationStructured, Lat: NewNumber(lat), Lon: NewNumber(lon)}
}
