// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"time"
)

// DrainTiming describes one completed drain cycle.
type DrainTiming struct {
	Trigger   Trigger
	Duration  time.Duration
	Attempted int
	Synced    int
	Failed    int
	Rejected  int
	Error     bool // the drain could not read the store
}

type DrainObserver interface {
	ObserveDrain(ctx context.Context, timing DrainTiming)
}

type DrainObserverFunc func(ctx context.Context, timing DrainTiming)

func (f DrainObserverFunc) ObserveDrain(ctx context.Context, timing DrainTiming) {
	f(ctx, timing)
}

func (r *Reconciler) observeDrain(ctx context.Context, summary SyncSummary, hadError bool) {
	if r.config.DrainObserver == nil && !r.config.LogDrainTimings {
		return
	}

	timing := DrainTiming{
		Trigger:   summary.Trigger,
		Duration:  summary.FinishedAt.Sub(summary.StartedAt),
		Attempted: summary.Attempted,
		Synced:    summary.Synced,
		Failed:    summary.Failed,
		Rejected:  summary.Rejected,
		Error:     hadError,
	}
	if r.config.DrainObserver != nil {
		r.config.DrainObserver.ObserveDrain(ctx, timing)
	}
	if r.config.LogDrainTimings {
		r.logger.Debug("Drain timing",
			"trigger", timing.Trigger,
			"duration", timing.Duration,
			"attempted", timing.Attempted,
			"synced", timing.Synced,
			"failed", timing.Failed,
			"rejected", timing.Rejected,
			"error", timing.Error,
		)
	}
}
