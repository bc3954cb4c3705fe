// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package trip holds the trip log record captured by drivers. Both the device
// engine and the server decode the same JSON shape.
package trip

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxCommentLength bounds the free-text comment on a trip log, in characters.
const MaxCommentLength = 2000

// TripLog is a single trip entry recorded by a driver.
type TripLog struct {
	VehicleID     string     `json:"vehicle_id"`
	DriverID      string     `json:"driver_id,omitempty"`
	OdometerStart int64      `json:"odometer_start"`
	OdometerEnd   *int64     `json:"odometer_end,omitempty"`
	StartedAt     time.Time  `json:"started_at,omitzero"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Purpose       string     `json:"purpose,omitempty"`
	Comment       string     `json:"comment,omitempty"`
}

// ValidationError lists the fields of a trip log that failed validation.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid trip log: " + strings.Join(parts, "; ")
}

// Validate checks the trip log and returns a *ValidationError when any field is invalid.
func (t TripLog) Validate() error {
	fields := make(map[string]string)

	if strings.TrimSpace(t.VehicleID) == "" {
		fields["vehicle_id"] = "required"
	}
	if t.OdometerStart < 0 {
		fields["odometer_start"] = "must not be negative"
	}
	if t.OdometerEnd != nil && *t.OdometerEnd < t.OdometerStart {
		fields["odometer_end"] = "must not be less than odometer_start"
	}
	if t.EndedAt != nil {
		if t.StartedAt.IsZero() {
			fields["started_at"] = "required when ended_at is set"
		} else if t.EndedAt.Before(t.StartedAt) {
			fields["ended_at"] = "must not be before started_at"
		}
	}
	if utf8.RuneCountInString(t.Comment) > MaxCommentLength {
		fields["comment"] = fmt.Sprintf("must be at most %d characters", MaxCommentLength)
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// Decode parses a serialized trip log and validates it.
func Decode(payload []byte) (TripLog, error) {
	var t TripLog
	if err := json.Unmarshal(payload, &t); err != nil {
		return TripLog{}, &ValidationError{Fields: map[string]string{"payload": "malformed JSON"}}
	}
	if err := t.Validate(); err != nil {
		return TripLog{}, err
	}
	return t, nil
}

// Distance returns the driven distance, or zero when the trip is still open.
func (t TripLog) Distance() int64 {
	if t.OdometerEnd == nil {
		return 0
	}
	return *t.OdometerEnd - t.OdometerStart
}
