// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable means the local storage medium cannot be opened or written.
	ErrStoreUnavailable = errors.New("local store unavailable")
	// ErrRecordNotFound is returned by Get for an unknown local ID.
	ErrRecordNotFound = errors.New("pending record not found")
	// ErrEmptyPayload rejects captures with nothing to store.
	ErrEmptyPayload = errors.New("payload is empty")
)

// Store is the durable on-device queue of pending records.
//
// Implementations serialize Put, Delete and GetAll behind a single lock and
// never persist a record in StateInFlight.
type Store interface {
	// Put inserts or overwrites the record atomically.
	Put(ctx context.Context, rec PendingRecord) error
	// GetAll returns every record at rest, oldest CreatedAt first.
	GetAll(ctx context.Context) ([]PendingRecord, error)
	Get(ctx context.Context, localID string) (PendingRecord, error)
	// Delete removes the record; deleting an absent key is not an error.
	Delete(ctx context.Context, localID string) error
	// Count returns the number of records without loading them.
	Count(ctx context.Context) (int, error)
	Close() error
}

// StoreError wraps a storage failure with the operation that hit it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// unavailable wraps err so that errors.Is(err, ErrStoreUnavailable) holds.
func unavailable(op string, err error) error {
	return &StoreError{Op: op, Err: fmt.Errorf("%w: %w", ErrStoreUnavailable, err)}
}

func storeErr(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}
