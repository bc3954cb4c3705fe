// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncState is the reconciliation state of a pending record.
type SyncState string

const (
	StatePending  SyncState = "pending"
	StateInFlight SyncState = "in_flight" // in memory only, never persisted
	StateFailed   SyncState = "failed"
	StateRejected SyncState = "rejected" // parked until the user discards or requeues it
)

func (s SyncState) valid() bool {
	switch s {
	case StatePending, StateInFlight, StateFailed, StateRejected:
		return true
	}
	return false
}

// atRest maps a state to what a store may persist.
func (s SyncState) atRest() SyncState {
	if s == StateInFlight || s == "" {
		return StatePending
	}
	return s
}

// PendingRecord is a captured payload that the remote store has not yet acknowledged.
type PendingRecord struct {
	LocalID       string          `msgpack:"local_id"`
	Payload       json.RawMessage `msgpack:"payload"`
	CreatedAt     time.Time       `msgpack:"created_at"`
	State         SyncState       `msgpack:"state"`
	LastError     string          `msgpack:"last_error,omitempty"`
	AttemptCount  int             `msgpack:"attempt_count"`
	LastAttemptAt time.Time       `msgpack:"last_attempt_at,omitempty"`
}

// NewPendingRecord builds a Pending record with a fresh UUID v4 local ID.
func NewPendingRecord(payload json.RawMessage, now time.Time) PendingRecord {
	return PendingRecord{
		LocalID:   uuid.NewString(),
		Payload:   payload,
		CreatedAt: now.UTC(),
		State:     StatePending,
	}
}

// Retryable reports whether automatic drains pick the record up.
func (r PendingRecord) Retryable() bool {
	return r.State != StateRejected
}

func (r PendingRecord) validate() error {
	if _, err := uuid.Parse(r.LocalID); err != nil {
		return fmt.Errorf("invalid local_id %q: %w", r.LocalID, err)
	}
	if len(r.Payload) == 0 {
		return ErrEmptyPayload
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("record %s has no created_at", r.LocalID)
	}
	if !r.State.valid() && r.State != "" {
		return fmt.Errorf("record %s has unknown state %q", r.LocalID, r.State)
	}
	return nil
}

// recordFailure advances the bookkeeping after an unsuccessful attempt.
func (r *PendingRecord) recordFailure(state SyncState, err error, at time.Time) {
	r.State = state
	r.AttemptCount++
	r.LastAttemptAt = at.UTC()
	if err != nil {
		r.LastError = err.Error()
	}
}
