// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fleetsrv

import (
	"encoding/json"
	"time"

	"github.com/mbyo2/vehicle-log-sys-sub001/trip"
)

// IdempotencyKeyHeader carries the device-generated local ID of a trip.
const IdempotencyKeyHeader = "Idempotency-Key"

// CreateTripRequest is the body of POST /v1/trips.
type CreateTripRequest struct {
	LocalID string          `json:"local_id"`
	Payload json.RawMessage `json:"payload"`
}

// CreateTripResponse acknowledges durable acceptance of a trip.
type CreateTripResponse struct {
	LocalID    string    `json:"local_id"`
	ServerID   int64     `json:"server_id"`
	Duplicate  bool      `json:"duplicate"`
	ReceivedAt time.Time `json:"received_at"`
}

// TripRecord is a stored trip as returned by GET /v1/trips.
type TripRecord struct {
	ServerID   int64        `json:"server_id"`
	LocalID    string       `json:"local_id"`
	DeviceID   string       `json:"device_id"`
	Trip       trip.TripLog `json:"trip"`
	ReceivedAt time.Time    `json:"received_at"`
}

// ListTripsResponse is the body of GET /v1/trips.
type ListTripsResponse struct {
	Trips []TripRecord `json:"trips"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}
