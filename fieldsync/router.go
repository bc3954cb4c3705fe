// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// CaptureStatus is the result class of a capture.
type CaptureStatus int

const (
	// CaptureFailed means the data was not captured anywhere; the user must re-enter it.
	CaptureFailed CaptureStatus = iota
	SyncedImmediately
	// QueuedOffline means the record is stored locally and pending sync.
	QueuedOffline
)

func (s CaptureStatus) String() string {
	switch s {
	case SyncedImmediately:
		return "synced_immediately"
	case QueuedOffline:
		return "queued_offline"
	default:
		return "capture_failed"
	}
}

// CaptureOutcome is returned to the UI for each capture.
type CaptureOutcome struct {
	Status  CaptureStatus
	LocalID string
	Reason  error // set for CaptureFailed, and for QueuedOffline when a remote attempt failed
}

// Router decides whether a captured record goes to the remote store directly
// or to the local queue.
type Router struct {
	store   Store
	remote  RemoteStore
	signal  ConnectivitySignal
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewRouter(store Store, remote RemoteStore, signal ConnectivitySignal, config *Config) *Router {
	return &Router{
		store:   store,
		remote:  remote,
		signal:  signal,
		timeout: config.RemoteTimeout,
		logger:  config.logger(),
		now:     time.Now,
	}
}

// Capture durably records payload exactly once, remotely if possible and
// locally otherwise.
func (r *Router) Capture(ctx context.Context, payload json.RawMessage) CaptureOutcome {
	if len(payload) == 0 {
		return CaptureOutcome{Status: CaptureFailed, Reason: ErrEmptyPayload}
	}

	// The local ID is fixed before the remote attempt so an ambiguous
	// timeout is later redelivered under the same idempotency key.
	rec := NewPendingRecord(payload, r.now())

	var remoteErr error
	if r.signal.IsOnline() {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		_, err := r.remote.Insert(callCtx, rec.LocalID, rec.Payload)
		cancel()
		if err == nil {
			return CaptureOutcome{Status: SyncedImmediately, LocalID: rec.LocalID}
		}
		if IsRejected(err) {
			r.logger.Warn("Capture rejected by remote store", "local_id", rec.LocalID, "error", err)
			return CaptureOutcome{Status: CaptureFailed, LocalID: rec.LocalID, Reason: err}
		}
		remoteErr = classifyRemoteErr(err)
		r.logger.Info("Remote write failed, queueing locally", "local_id", rec.LocalID, "error", err)
	}

	if err := r.store.Put(ctx, rec); err != nil {
		r.logger.Error("Failed to persist captured record", "local_id", rec.LocalID, "error", err)
		return CaptureOutcome{Status: CaptureFailed, LocalID: rec.LocalID, Reason: errors.Join(err, remoteErr)}
	}
	return CaptureOutcome{Status: QueuedOffline, LocalID: rec.LocalID, Reason: remoteErr}
}
