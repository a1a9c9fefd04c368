// Package batch builds the transport/persistence unit spec §3 defines: an
// ordered sequence of sensor readings under one globally unique batch_id.
package batch

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"

	"sensor-streamer/internal/sensor"
)

// Batch is the unit of transport and persistence (spec §3).
type Batch struct {
	BatchID   string
	DeviceID  string
	DriverID  *string
	VehicleID *string
	Readings  []sensor.Reading
}

// NewID generates a batch_id in the <device_id>_<time36>_<rand_hex> format
// spec §3 requires; collision probability is negligible given the random
// suffix.
func NewID(deviceID string, nowMS int64) string {
	return deviceID + "_" + strconv.FormatInt(nowMS, 36) + "_" + randomHex(4)
}

// FinalID tags a shutdown-time batch with a "final_" segment so it's
// distinguishable in diagnostics (spec §4.5 shutdown step 2).
func FinalID(deviceID string, nowMS int64) string {
	return deviceID + "_final_" + strconv.FormatInt(nowMS, 36) + "_" + randomHex(4)
}

// BackgroundID tags a batch produced by the background location task with a
// "bg_" segment (spec §4.8 step 2).
func BackgroundID(deviceID string, nowMS int64) string {
	return deviceID + "_bg_" + strconv.FormatInt(nowMS, 36) + "_" + randomHex(4)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is effectively unrecoverable on any real
		// platform; fall back to a fixed marker rather than panic so a
		// batch is still produced (uniqueness degrades, not data loss).
		return "00000000"
	}
	return hex.EncodeToString(buf)
}

// New builds a batch with a freshly generated batch_id.
func New(deviceID string, driverID, vehicleID *string, nowMS int64, readings []sensor.Reading) Batch {
	return Batch{
		BatchID:   NewID(deviceID, nowMS),
		DeviceID:  deviceID,
		DriverID:  driverID,
		VehicleID: vehicleID,
		Readings:  readings,
	}
}
