// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import "context"

// Status is a point-in-time view for the UI.
type Status struct {
	Pending  int
	Online   bool
	Draining bool
	Last     *SyncSummary
}

// Reporter is the read side of the engine. It never starts a drain.
type Reporter struct {
	store      Store
	reconciler *Reconciler
	signal     ConnectivitySignal
}

func NewReporter(store Store, reconciler *Reconciler, signal ConnectivitySignal) *Reporter {
	return &Reporter{store: store, reconciler: reconciler, signal: signal}
}

func (r *Reporter) PendingCount(ctx context.Context) (int, error) {
	return r.store.Count(ctx)
}

// LastSyncResult returns the latest drain summary; ok is false before the first drain.
func (r *Reporter) LastSyncResult() (SyncSummary, bool) {
	return r.reconciler.LastSummary()
}

func (r *Reporter) Snapshot(ctx context.Context) (Status, error) {
	pending, err := r.store.Count(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Pending:  pending,
		Online:   r.signal.IsOnline(),
		Draining: r.reconciler.Draining(),
	}
	if last, ok := r.reconciler.LastSummary(); ok {
		st.Last = &last
	}
	return st, nil
}

// Rejected lists the records parked after a remote validation rejection.
func (r *Reporter) Rejected(ctx context.Context) ([]PendingRecord, error) {
	all, err := r.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []PendingRecord
	for _, rec := range all {
		if rec.State == StateRejected {
			out = append(out, rec)
		}
	}
	return out, nil
}
