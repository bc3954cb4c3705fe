// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrNetwork marks a retryable remote failure: transport errors, timeouts,
// server errors and anything else that is not a validation rejection.
var ErrNetwork = errors.New("remote store unreachable")

// Ack is the remote store's confirmation that a record is durably accepted.
type Ack struct {
	LocalID    string
	ServerID   int64
	Duplicate  bool // the local ID had already been accepted earlier
	AcceptedAt time.Time
}

// RemoteStore is the authoritative record store. Insert must be idempotent
// on localID.
type RemoteStore interface {
	Insert(ctx context.Context, localID string, payload json.RawMessage) (Ack, error)
}

// RejectedError is a permanent validation failure reported by the remote store.
type RejectedError struct {
	Detail string
	Fields map[string]string
}

func (e *RejectedError) Error() string {
	if len(e.Fields) == 0 {
		return "rejected by remote store: " + e.Detail
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return fmt.Sprintf("rejected by remote store: %s (%s)", e.Detail, strings.Join(parts, "; "))
}

// IsRejected reports whether err is a remote validation rejection.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

// networkError wraps err so it matches ErrNetwork.
func networkError(err error) error {
	if errors.Is(err, ErrNetwork) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}

// classifyRemoteErr forces every non-rejection into the retryable class.
func classifyRemoteErr(err error) error {
	if err == nil || IsRejected(err) {
		return err
	}
	return networkError(err)
}

// insertWithTimeout bounds a single remote attempt. The attempt runs on a
// context detached from parent cancellation so that shutdown lets it finish.
func insertWithTimeout(ctx context.Context, remote RemoteStore, rec PendingRecord, timeout time.Duration) (Ack, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	ack, err := remote.Insert(callCtx, rec.LocalID, rec.Payload)
	return ack, classifyRemoteErr(err)
}
