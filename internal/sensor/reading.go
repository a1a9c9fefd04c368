// Package sensor models the device-frame readings the pipeline captures and
// the single-producer/single-consumer buffer they flow through before a
// batch is cut. See spec §3 and §4.1/§4.2.
package sensor

import (
	"encoding/json"
	"math"
)

// Kind discriminates the sensor reading's variant. The JSON encoding emits
// exactly the fields meaningful for that variant, matching the wire format
// of spec §3.
type Kind string

const (
	KindAccel    Kind = "accel"
	KindGyro     Kind = "gyro"
	KindLocation Kind = "location"
)

// Reading is a tagged union over accel/gyro/location samples. Only the
// fields relevant to Kind are populated; the rest are left at their zero
// value and omitted from JSON.
type Reading struct {
	TimestampMS int64 `json:"timestamp"`
	Kind        Kind  `json:"kind"`

	// accel / gyro
	X *float64 `json:"x,omitempty"`
	Y *float64 `json:"y,omitempty"`
	Z *float64 `json:"z,omitempty"`

	// location
	Lat      *float64 `json:"lat,omitempty"`
	Lng      *float64 `json:"lng,omitempty"`
	Accuracy *float64 `json:"accuracy,omitempty"`
	Altitude *float64 `json:"altitude,omitempty"`
	Speed    *float64 `json:"speed,omitempty"`
	Heading  *float64 `json:"heading,omitempty"`
}

// NewMotion builds an accel or gyro reading.
func NewMotion(kind Kind, timestampMS int64, x, y, z float64) Reading {
	return Reading{
		TimestampMS: timestampMS,
		Kind:        kind,
		X:           ptr(x),
		Y:           ptr(y),
		Z:           ptr(z),
	}
}

// LocationFix carries the raw values a GPS subscription delivers; Speed may
// be negative or non-finite when the OS source reports "unknown" (spec §9
// open question 3).
type LocationFix struct {
	Lat, Lng          float64
	Accuracy, Altitude *float64
	Speed, Heading    *float64
}

// NewLocation builds a location reading, normalizing any negative or
// non-finite speed to absent so downstream code never special-cases it
// again (spec §9 open question 3).
func NewLocation(timestampMS int64, fix LocationFix) Reading {
	r := Reading{
		TimestampMS: timestampMS,
		Kind:        KindLocation,
		Lat:         ptr(fix.Lat),
		Lng:         ptr(fix.Lng),
		Accuracy:    fix.Accuracy,
		Altitude:    fix.Altitude,
		Heading:     fix.Heading,
	}
	if fix.Speed != nil && !math.IsNaN(*fix.Speed) && !math.IsInf(*fix.Speed, 0) && *fix.Speed >= 0 {
		r.Speed = fix.Speed
	}
	return r
}

func ptr[T any](v T) *T { return &v }

// MarshalBatchReadings encodes a reading sequence the way the queue persists
// it and the transport client embeds it as an opaque nested JSON string
// (spec §4.4).
func MarshalBatchReadings(readings []Reading) (string, error) {
	b, err := json.Marshal(readings)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// UnmarshalBatchReadings is the inverse of MarshalBatchReadings, used by
// round-trip tests and legacy-payload inspection.
func UnmarshalBatchReadings(payload string) ([]Reading, error) {
	var readings []Reading
	if err := json.Unmarshal([]byte(payload), &readings); err != nil {
		return nil, err
	}
	return readings, nil
}
