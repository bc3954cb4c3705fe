// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fleetsrv

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/mbyo2/vehicle-log-sys-sub001/internal/auth"
	"github.com/mbyo2/vehicle-log-sys-sub001/trip"
)

const maxTripBodyBytes = 1 << 20

// ClientAuthenticator extracts both user and device identity from HTTP requests
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
}

// TripStore is what the handlers need from the trip service.
type TripStore interface {
	InsertTrip(ctx context.Context, userID, deviceID, localID string, payload json.RawMessage) (InsertResult, error)
	ListTrips(ctx context.Context, userID string, limit int) ([]TripRecord, error)
}

// HTTPTripHandlers provides HTTP handlers for the trip API
type HTTPTripHandlers struct {
	service       TripStore
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPTripHandlers creates a new instance of trip handlers
func NewHTTPTripHandlers(service TripStore, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPTripHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTripHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// identity prefers what the auth middleware put in the context.
func (h *HTTPTripHandlers) identity(r *http.Request) (userID, deviceID string, err error) {
	userID, okUser := auth.GetUserID(r.Context())
	deviceID, okDevice := auth.GetDeviceID(r.Context())
	if okUser && okDevice {
		return userID, deviceID, nil
	}
	if h.authenticator == nil {
		return "", "", errors.New("no authenticated identity")
	}
	if userID, err = h.authenticator.GetUserID(r); err != nil {
		return "", "", err
	}
	if deviceID, err = h.authenticator.GetDeviceID(r); err != nil {
		return "", "", err
	}
	return userID, deviceID, nil
}

// HandleCreateTrip stores one trip. 201 for a new trip, 200 for a
// redelivered local ID, 422 when the trip is invalid.
func (h *HTTPTripHandlers) HandleCreateTrip(w http.ResponseWriter, r *http.Request) {
	userID, deviceID, err := h.identity(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	var req CreateTripRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTripBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse trip request")
		return
	}

	key := r.Header.Get(IdempotencyKeyHeader)
	switch {
	case req.LocalID == "" && key == "":
		writeError(w, http.StatusBadRequest, "invalid_request", "local_id is required")
		return
	case req.LocalID == "":
		req.LocalID = key
	case key != "" && key != req.LocalID:
		writeError(w, http.StatusBadRequest, "invalid_request", "Idempotency-Key does not match local_id")
		return
	}

	res, err := h.service.InsertTrip(r.Context(), userID, deviceID, req.LocalID, req.Payload)
	if err != nil {
		var verr *trip.ValidationError
		switch {
		case errors.As(err, &verr):
			h.logger.Info("Trip rejected", "local_id", req.LocalID, "user_id", userID, "error", err)
			writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
				Error:   "rejected",
				Message: "Trip log failed validation",
				Fields:  verr.Fields,
			})
		case errors.Is(err, ErrServiceClosed):
			writeError(w, http.StatusServiceUnavailable, "unavailable", "Service is shutting down")
		default:
			h.logger.Error("Failed to insert trip", "error", err, "local_id", req.LocalID, "device_id", deviceID)
			writeError(w, http.StatusInternalServerError, "insert_failed", "Failed to store trip")
		}
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, CreateTripResponse{
		LocalID:    req.LocalID,
		ServerID:   res.ServerID,
		Duplicate:  res.Duplicate,
		ReceivedAt: res.ReceivedAt,
	})
}

// HandleListTrips returns the caller's recent trips (?limit=N).
func (h *HTTPTripHandlers) HandleListTrips(w http.ResponseWriter, r *http.Request) {
	userID, _, err := h.identity(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be an integer")
			return
		}
	}

	trips, err := h.service.ListTrips(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("Failed to list trips", "error", err, "user_id", userID)
		writeError(w, http.StatusInternalServerError, "list_failed", "Failed to list trips")
		return
	}
	writeJSON(w, http.StatusOK, ListTripsResponse{Trips: trips})
}

// HandleHealth reports liveness; devices use it as a reachability probe.
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError writes a standardized error response
func writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSON(w, statusCode, ErrorResponse{Error: errorCode, Message: message})
}
