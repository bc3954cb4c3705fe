// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package fleetsrv is the server side of trip synchronization: an idempotent
// trip store over Postgres and its HTTP API.
package fleetsrv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mbyo2/vehicle-log-sys-sub001/trip"
)

const defaultListLimit = 100

// ErrServiceClosed is returned by every operation after Close.
var ErrServiceClosed = errors.New("trip service has been closed")

// InsertResult describes the stored row for an inserted local ID.
type InsertResult struct {
	ServerID   int64     `json:"server_id"`
	Duplicate  bool      `json:"duplicate"`
	ReceivedAt time.Time `json:"received_at"`
}

// TripService stores trip logs pushed by devices
type TripService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the trip service
type ServiceConfig struct {
	MaxInsertRetries int           // retries on serialization/deadlock failures
	RetryBaseDelay   time.Duration // delay grows by this much per retry
	AckCache         AckCache      // optional fast path for redelivered local IDs
	MaxListLimit     int

	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
}

// DefaultServiceConfig returns the defaults used when NewTripService gets nil.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		MaxInsertRetries: 3,
		RetryBaseDelay:   50 * time.Millisecond,
		MaxListLimit:     1000,
	}
}

// NewTripService creates the service and makes sure the schema exists.
func NewTripService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*TripService, error) {
	if config == nil {
		config = DefaultServiceConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	service := &TripService{
		pool:   pool,
		logger: logger,
		config: config,
	}

	if err := service.initializeSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize trip service: %w", err)
	}
	logger.Debug("Trip schema initialized successfully")
	return service, nil
}

// Close marks the service closed. The pool belongs to the caller.
func (s *TripService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *TripService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrServiceClosed
	}
	return nil
}

// InsertTrip stores a trip under its device-generated local ID. Inserting a
// local ID that already exists returns the original row with Duplicate set.
// Invalid payloads return a *trip.ValidationError.
func (s *TripService) InsertTrip(ctx context.Context, userID, deviceID, localID string, payload json.RawMessage) (InsertResult, error) {
	if err := s.checkClosed(); err != nil {
		return InsertResult{}, err
	}

	id, err := uuid.Parse(localID)
	if err != nil {
		return InsertResult{}, &trip.ValidationError{Fields: map[string]string{"local_id": "must be a UUID"}}
	}
	t, err := trip.Decode(payload)
	if err != nil {
		return InsertResult{}, err
	}

	totalStart := s.stageStart()
	if cache := s.config.AckCache; cache != nil {
		cacheStart := s.stageStart()
		cached, ok, err := cache.Get(ctx, userID, localID)
		s.observeStage(ctx, StageAckCache, cacheStart, 0, ok, err != nil)
		if err != nil {
			s.logger.Warn("Ack cache lookup failed", "error", err, "local_id", localID)
		} else if ok {
			cached.Duplicate = true
			s.logger.Debug("Duplicate trip served from ack cache", "local_id", localID, "server_id", cached.ServerID)
			s.observeStage(ctx, StageTotal, totalStart, 0, true, false)
			return cached, nil
		}
	}

	var res InsertResult
	for attempt := 0; ; attempt++ {
		insertStart := s.stageStart()
		res, err = s.insertOnce(ctx, userID, deviceID, id, t, payload)
		s.observeStage(ctx, StageInsert, insertStart, attempt+1, res.Duplicate, err != nil)
		if err == nil {
			break
		}
		if !isRetryablePGTxError(err) || attempt >= s.config.MaxInsertRetries {
			s.observeStage(ctx, StageTotal, totalStart, attempt+1, false, true)
			return InsertResult{}, err
		}
		s.logger.Warn("Retrying trip insert", "attempt", attempt+1, "error", err, "local_id", localID)
		if err := sleepWithContext(ctx, retryDelay(attempt+1, s.config.RetryBaseDelay, time.Second)); err != nil {
			return InsertResult{}, err
		}
	}

	if res.Duplicate {
		s.logger.Debug("Duplicate trip ignored", "local_id", localID, "server_id", res.ServerID)
	}
	if cache := s.config.AckCache; cache != nil {
		if err := cache.Put(ctx, userID, localID, res); err != nil {
			s.logger.Warn("Ack cache store failed", "error", err, "local_id", localID)
		}
	}
	s.observeStage(ctx, StageTotal, totalStart, 0, res.Duplicate, false)
	return res, nil
}

func (s *TripService) insertOnce(ctx context.Context, userID, deviceID string, localID uuid.UUID, t trip.TripLog, payload json.RawMessage) (InsertResult, error) {
	var res InsertResult
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var startedAt *time.Time
		if !t.StartedAt.IsZero() {
			startedAt = &t.StartedAt
		}

		err := tx.QueryRow(ctx, `
			INSERT INTO fleet.trip_logs
				(local_id, user_id, device_id, vehicle_id, driver_id, odometer_start, odometer_end,
				 started_at, ended_at, purpose, comment, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (local_id) DO NOTHING
			RETURNING server_id, received_at`,
			localID, userID, deviceID, t.VehicleID, t.DriverID, t.OdometerStart, t.OdometerEnd,
			startedAt, t.EndedAt, t.Purpose, t.Comment, []byte(payload),
		).Scan(&res.ServerID, &res.ReceivedAt)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("insert trip: %w", err)
		}

		// conflict: the local ID is already stored
		var owner string
		err = tx.QueryRow(ctx,
			`SELECT server_id, received_at, user_id FROM fleet.trip_logs WHERE local_id = $1`, localID,
		).Scan(&res.ServerID, &res.ReceivedAt, &owner)
		if err != nil {
			return fmt.Errorf("load existing trip: %w", err)
		}
		if owner != userID {
			return &trip.ValidationError{Fields: map[string]string{"local_id": "already used"}}
		}
		res.Duplicate = true
		return nil
	})
	return res, err
}

// ListTrips returns the user's most recently received trips.
func (s *TripService) ListTrips(ctx context.Context, userID string, limit int) ([]TripRecord, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	limit = listLimit(limit, s.config.MaxListLimit)

	rows, err := s.pool.Query(ctx, `
		SELECT server_id, local_id::text, device_id, payload, received_at
		FROM fleet.trip_logs
		WHERE user_id = $1
		ORDER BY received_at DESC, server_id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list trips: %w", err)
	}
	defer rows.Close()

	out := []TripRecord{}
	for rows.Next() {
		var (
			rec     TripRecord
			payload []byte
		)
		if err := rows.Scan(&rec.ServerID, &rec.LocalID, &rec.DeviceID, &payload, &rec.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan trip: %w", err)
		}
		if err := json.Unmarshal(payload, &rec.Trip); err != nil {
			return nil, fmt.Errorf("decode stored trip %d: %w", rec.ServerID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// listLimit defaults a non-positive limit to defaultListLimit and caps it at
// maxLimit. A non-positive maxLimit means no cap.
func listLimit(limit, maxLimit int) int {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if maxLimit > 0 && limit > maxLimit {
		limit = maxLimit
	}
	return limit
}

// CountTrips returns how many rows exist for the local ID. Used by verifiers;
// anything other than 0 or 1 means idempotency was broken.
func (s *TripService) CountTrips(ctx context.Context, localID string) (int, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	id, err := uuid.Parse(localID)
	if err != nil {
		return 0, fmt.Errorf("invalid local_id %q: %w", localID, err)
	}
	var n int
	err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM fleet.trip_logs WHERE local_id = $1`, id).Scan(&n)
	return n, err
}
