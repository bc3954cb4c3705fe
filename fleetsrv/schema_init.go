// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fleetsrv

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchema creates the trip table. local_id is the idempotency key:
// a second insert of the same local_id is a no-op.
func (s *TripService) initializeSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS fleet`); err != nil {
			return fmt.Errorf("failed to create fleet schema: %w", err)
		}

		createTripLogsSQL :=
			/*language=postgresql*/ `
CREATE TABLE IF NOT EXISTS fleet.trip_logs (
	server_id      BIGSERIAL PRIMARY KEY,
	local_id       UUID NOT NULL UNIQUE,
	user_id        TEXT NOT NULL,
	device_id      TEXT NOT NULL,
	vehicle_id     TEXT NOT NULL,
	driver_id      TEXT NOT NULL DEFAULT '',
	odometer_start BIGINT NOT NULL,
	odometer_end   BIGINT,
	started_at     TIMESTAMPTZ,
	ended_at       TIMESTAMPTZ,
	purpose        TEXT NOT NULL DEFAULT '',
	comment        TEXT NOT NULL DEFAULT '',
	payload        JSONB NOT NULL,
	received_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`
		if _, err := tx.Exec(ctx, createTripLogsSQL); err != nil {
			return fmt.Errorf("failed to create trip_logs table: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`CREATE INDEX IF NOT EXISTS trip_logs_user_received_idx ON fleet.trip_logs (user_id, received_at DESC)`); err != nil {
			return fmt.Errorf("failed to create trip_logs index: %w", err)
		}
		return nil
	})
}
