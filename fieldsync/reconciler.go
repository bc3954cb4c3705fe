// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Trigger names what started a drain.
type Trigger string

const (
	TriggerOnline   Trigger = "online"
	TriggerManual   Trigger = "manual"
	TriggerPeriodic Trigger = "periodic"
)

// SyncSummary is the outcome of one drain cycle.
type SyncSummary struct {
	Trigger    Trigger
	Attempted  int
	Synced     int
	Failed     int
	Rejected   int
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error // set when the queue could not be read at all
}

// Reconciler drains the local store into the remote store. At most one drain
// runs at a time; triggers that arrive during a drain are dropped.
type Reconciler struct {
	store  Store
	remote RemoteStore
	signal ConnectivitySignal
	config *Config
	logger *slog.Logger
	now    func() time.Time

	draining atomic.Bool
	wg       sync.WaitGroup

	// lifetime is cancelled by Close; drains stop starting records once it is done
	lifetime context.Context
	cancel   context.CancelFunc

	// recMu serializes work on a single record between drains and user actions
	recMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	last     SyncSummary
	hasLast  bool
	backoff  time.Duration
	interval time.Duration
	resched  chan struct{}
}

func NewReconciler(store Store, remote RemoteStore, signal ConnectivitySignal, config *Config) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		store:    store,
		remote:   remote,
		signal:   signal,
		config:   config,
		logger:   config.logger(),
		now:      time.Now,
		lifetime: ctx,
		cancel:   cancel,
		interval: config.SyncInterval,
		resched:  make(chan struct{}, 1),
	}
}

// Run listens for connectivity transitions and the periodic timer until ctx
// is done or the reconciler is closed.
func (r *Reconciler) Run(ctx context.Context) {
	events, unsubscribe := r.signal.Subscribe()
	defer unsubscribe()

	timer := time.NewTimer(r.currentInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.lifetime.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev == BecameOnline {
				r.startDrain(TriggerOnline)
			}
		case <-r.resched:
			resetTimer(timer, r.currentInterval())
		case <-timer.C:
			if r.signal.IsOnline() {
				r.startDrain(TriggerPeriodic)
			}
			timer.Reset(r.currentInterval())
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// TriggerSync starts a background drain. It returns false when a drain is
// already running or the reconciler is closed.
func (r *Reconciler) TriggerSync() bool {
	return r.startDrain(TriggerManual)
}

func (r *Reconciler) startDrain(trigger Trigger) bool {
	if !r.acquire() {
		r.logger.Debug("Drain already running, trigger coalesced", "trigger", trigger)
		return false
	}
	go func() {
		defer r.release()
		r.drain(r.lifetime, trigger)
	}()
	return true
}

// SyncNow runs a drain on the calling goroutine. started is false when
// another drain was already running.
func (r *Reconciler) SyncNow(ctx context.Context) (summary SyncSummary, started bool) {
	if !r.acquire() {
		return SyncSummary{}, false
	}
	defer r.release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.lifetime, cancel)
	defer stop()

	return r.drain(ctx, TriggerManual), true
}

func (r *Reconciler) acquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if !r.draining.CompareAndSwap(false, true) {
		return false
	}
	r.wg.Add(1)
	return true
}

func (r *Reconciler) release() {
	r.draining.Store(false)
	r.wg.Done()
}

// Draining reports whether a drain cycle is in progress.
func (r *Reconciler) Draining() bool {
	return r.draining.Load()
}

func (r *Reconciler) drain(ctx context.Context, trigger Trigger) SyncSummary {
	summary := SyncSummary{Trigger: trigger, StartedAt: r.now()}
	r.logger.Info("Drain started", "trigger", trigger)

	records, err := r.store.GetAll(ctx)
	if err != nil {
		r.logger.Error("Failed to read pending records", "error", err)
		summary.Err = err
		return r.finish(ctx, summary)
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			r.logger.Info("Drain stopping, leaving remaining records queued", "trigger", trigger)
			break
		}
		if !rec.Retryable() {
			continue
		}
		switch r.attempt(ctx, rec.LocalID) {
		case attemptSynced:
			summary.Attempted++
			summary.Synced++
		case attemptFailed:
			summary.Attempted++
			summary.Failed++
		case attemptRejected:
			summary.Attempted++
			summary.Rejected++
		}
	}

	return r.finish(ctx, summary)
}

type attemptResult int

const (
	attemptSkipped attemptResult = iota
	attemptSynced
	attemptFailed
	attemptRejected
)

// attempt delivers one record. Once the remote call starts the attempt runs
// to completion even if ctx is cancelled.
func (r *Reconciler) attempt(ctx context.Context, localID string) attemptResult {
	r.recMu.Lock()
	defer r.recMu.Unlock()

	bookkeeping := context.WithoutCancel(ctx)

	// re-read: the user may have discarded or requeued it since GetAll
	rec, err := r.store.Get(bookkeeping, localID)
	if errors.Is(err, ErrRecordNotFound) {
		return attemptSkipped
	}
	if err != nil {
		r.logger.Error("Failed to load pending record", "local_id", localID, "error", err)
		return attemptFailed
	}
	if !rec.Retryable() {
		return attemptSkipped
	}

	rec.State = StateInFlight
	ack, err := insertWithTimeout(ctx, r.remote, rec, r.config.RemoteTimeout)
	if err == nil {
		if derr := r.store.Delete(bookkeeping, rec.LocalID); derr != nil {
			// stays queued; redelivery is a no-op remotely
			r.logger.Error("Remote accepted record but local delete failed", "local_id", rec.LocalID, "error", derr)
			return attemptFailed
		}
		r.logger.Debug("Record synced", "local_id", rec.LocalID, "server_id", ack.ServerID, "duplicate", ack.Duplicate)
		return attemptSynced
	}

	result := attemptFailed
	state := StateFailed
	if IsRejected(err) {
		result, state = attemptRejected, StateRejected
		r.logger.Warn("Record rejected by remote store, parking it", "local_id", rec.LocalID, "error", err)
	} else {
		r.logger.Warn("Record sync failed, will retry", "local_id", rec.LocalID, "attempt", rec.AttemptCount+1, "error", err)
	}

	rec.recordFailure(state, err, r.now())
	if perr := r.store.Put(bookkeeping, rec); perr != nil {
		r.logger.Error("Failed to persist attempt bookkeeping", "local_id", rec.LocalID, "error", perr)
	}
	return result
}

func (r *Reconciler) finish(ctx context.Context, summary SyncSummary) SyncSummary {
	summary.FinishedAt = r.now()

	r.mu.Lock()
	r.last = summary
	r.hasLast = true
	if summary.Synced > 0 || (summary.Failed == 0 && summary.Err == nil) {
		r.backoff = 0
		r.interval = r.config.SyncInterval
	} else {
		r.backoff = nextBackoff(r.backoff, r.config.BackoffMin, r.config.BackoffMax)
		r.interval = r.backoff
	}
	r.mu.Unlock()

	select {
	case r.resched <- struct{}{}:
	default:
	}

	r.observeDrain(context.WithoutCancel(ctx), summary, summary.Err != nil)
	r.logger.Info("Drain finished",
		"trigger", summary.Trigger,
		"attempted", summary.Attempted,
		"synced", summary.Synced,
		"failed", summary.Failed,
		"rejected", summary.Rejected,
	)
	return summary
}

func nextBackoff(cur, minDelay, maxDelay time.Duration) time.Duration {
	if cur <= 0 {
		return minDelay
	}
	cur *= 2
	if cur > maxDelay {
		return maxDelay
	}
	return cur
}

func (r *Reconciler) currentInterval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval
}

// LastSummary returns the most recent drain outcome; ok is false before the first drain.
func (r *Reconciler) LastSummary() (summary SyncSummary, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.hasLast
}

// Discard deletes a record on the user's explicit request.
func (r *Reconciler) Discard(ctx context.Context, localID string) error {
	r.recMu.Lock()
	defer r.recMu.Unlock()
	if err := r.store.Delete(ctx, localID); err != nil {
		return err
	}
	r.logger.Info("Pending record discarded by user", "local_id", localID)
	return nil
}

// Requeue returns a parked or failed record to Pending so the next drain retries it.
func (r *Reconciler) Requeue(ctx context.Context, localID string) error {
	r.recMu.Lock()
	defer r.recMu.Unlock()
	rec, err := r.store.Get(ctx, localID)
	if err != nil {
		return err
	}
	rec.State = StatePending
	rec.LastError = ""
	return r.store.Put(ctx, rec)
}

// Close stops new drains and waits for a running one to finish its current record.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
