// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package fieldsync captures records on a device that may be offline and
// reconciles them with the remote store without loss or duplication.
package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mbyo2/vehicle-log-sys-sub001/trip"
)

// Engine wires the router, reconciler and reporter around one store.
type Engine struct {
	Store  Store
	Remote RemoteStore
	Signal ConnectivitySignal

	router     *Router
	reconciler *Reconciler
	reporter   *Reporter
	config     *Config
	logger     *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewEngine validates config and assembles the engine. Start must be called
// for connectivity and periodic triggers to take effect.
func NewEngine(store Store, remote RemoteStore, signal ConnectivitySignal, config *Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if remote == nil {
		return nil, fmt.Errorf("remote store is required")
	}
	if signal == nil {
		return nil, fmt.Errorf("connectivity signal is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	reconciler := NewReconciler(store, remote, signal, config)
	return &Engine{
		Store:      store,
		Remote:     remote,
		Signal:     signal,
		router:     NewRouter(store, remote, signal, config),
		reconciler: reconciler,
		reporter:   NewReporter(store, reconciler, signal),
		config:     config,
		logger:     config.logger(),
	}, nil
}

// Start runs the trigger loop in the background. A drain is kicked off
// immediately when the signal reports online, to pick up records queued by
// a previous run.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine already started")
	}
	e.started = true

	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go func() {
		defer close(e.done)
		e.reconciler.Run(ctx)
	}()

	if e.Signal.IsOnline() {
		e.reconciler.startDrain(TriggerOnline)
	}
	e.logger.Info("Sync engine started", "online", e.Signal.IsOnline())
	return nil
}

// Close stops triggers, lets an in-progress record finish and closes the store.
func (e *Engine) Close() error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	e.reconciler.Close()
	return e.Store.Close()
}

// Capture records payload, remotely if possible and in the local queue otherwise.
func (e *Engine) Capture(ctx context.Context, payload json.RawMessage) CaptureOutcome {
	return e.router.Capture(ctx, payload)
}

// CaptureTrip validates a trip log before capturing it.
func (e *Engine) CaptureTrip(ctx context.Context, t trip.TripLog) CaptureOutcome {
	if err := t.Validate(); err != nil {
		return CaptureOutcome{Status: CaptureFailed, Reason: err}
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return CaptureOutcome{Status: CaptureFailed, Reason: fmt.Errorf("marshal trip log: %w", err)}
	}
	return e.router.Capture(ctx, payload)
}

// TriggerSync starts a drain in the background; false means one was already running.
func (e *Engine) TriggerSync() bool {
	return e.reconciler.TriggerSync()
}

// SyncNow drains on the calling goroutine.
func (e *Engine) SyncNow(ctx context.Context) (SyncSummary, bool) {
	return e.reconciler.SyncNow(ctx)
}

func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.reporter.PendingCount(ctx)
}

func (e *Engine) LastSyncSummary() (SyncSummary, bool) {
	return e.reporter.LastSyncResult()
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	return e.reporter.Snapshot(ctx)
}

func (e *Engine) Rejected(ctx context.Context) ([]PendingRecord, error) {
	return e.reporter.Rejected(ctx)
}

// Discard removes a queued record at the user's request.
func (e *Engine) Discard(ctx context.Context, localID string) error {
	return e.reconciler.Discard(ctx, localID)
}

// Requeue makes a rejected or failed record eligible for the next drain.
func (e *Engine) Requeue(ctx context.Context, localID string) error {
	return e.reconciler.Requeue(ctx, localID)
}
