package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"sensor-streamer/internal/batch"
)

// Line is one row of the wire protocol (spec §4.4): batch metadata plus the
// opaque, already-JSON-encoded readings payload the queue persisted.
type Line struct {
	BatchID   string  `json:"batch_id"`
	DeviceID  string  `json:"device_id"`
	DriverID  *string `json:"driver_id"`
	VehicleID *string `json:"vehicle_id"`
	Readings  string  `json:"readings"`

	readingCount int
}

// NewLine builds a wire Line from a batch and its already-marshaled
// readings payload (the same payload persisted to the queue row).
func NewLine(b batch.Batch, readingsJSON string) Line {
	return Line{
		BatchID:      b.BatchID,
		DeviceID:     b.DeviceID,
		DriverID:     b.DriverID,
		VehicleID:    b.VehicleID,
		Readings:     readingsJSON,
		readingCount: len(b.Readings),
	}
}

// LineFromRow rebuilds a wire Line from a persisted queue payload, used by
// the drain loop, where only batch_id and the raw payload column survive.
func LineFromRow(batchID, payload string) (Line, error) {
	var decoded struct {
		DeviceID  string  `json:"device_id"`
		DriverID  *string `json:"driver_id"`
		VehicleID *string `json:"vehicle_id"`
		Readings  string  `json:"readings"`
	}
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return Line{}, err
	}
	return Line{
		BatchID:   batchID,
		DeviceID:  decoded.DeviceID,
		DriverID:  decoded.DriverID,
		VehicleID: decoded.VehicleID,
		Readings:  decoded.Readings,
	}, nil
}

// EncodeRowPayload produces the string stored in the queue row's payload
// column, the same shape a wire Line decodes back from (spec §4.4: "the
// readings field ... matching the queue row's payload").
func EncodeRowPayload(b batch.Batch, readingsJSON string) (string, error) {
	row := struct {
		DeviceID  string  `json:"device_id"`
		DriverID  *string `json:"driver_id"`
		VehicleID *string `json:"vehicle_id"`
		Readings  string  `json:"readings"`
	}{
		DeviceID:  b.DeviceID,
		DriverID:  b.DriverID,
		VehicleID: b.VehicleID,
		Readings:  readingsJSON,
	}
	buf, err := json.Marshal(row)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// encodeNDJSON renders a group of lines as newline-delimited JSON, one
// object per line (spec §4.4).
func encodeNDJSON(group []Line) ([]byte, error) {
	var buf bytes.Buffer
	for _, l := range group {
		enc, err := json.Marshal(l)
		if err != nil {
			return nil, err
		}
		buf.Write(enc)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// isLegacyPayload reports whether payload fails to parse as JSON, meaning it
// predates the JSON row format and holds a raw "VALUES (...)" SQL fragment
// instead (spec §6: legacy compatibility).
func isLegacyPayload(payload string) bool {
	return !json.Valid([]byte(payload))
}

// legacyInsertQuery builds the read-only migration path query string: the
// stored payload is injected verbatim as a VALUES clause (spec §6).
func legacyInsertQuery(base, payload string) string {
	payload = strings.TrimSpace(payload)
	return fmt.Sprintf("%s?query=%s", base, legacyQueryEscaped(payload))
}

func legacyQueryEscaped(payload string) string {
	// The legacy column already carries a fully-formed VALUES(...) SQL
	// fragment; only the query-string reserved characters need escaping,
	// not the whole fragment re-encoded as a single opaque token.
	q := "INSERT INTO rouptimize.sensor_queue VALUES " + payload
	return url.QueryEscape(q)
}
