package fieldsync

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mbyo2/vehicle-log-sys-sub001/trip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, store Store, remote RemoteStore, monitor *Monitor) *Engine {
	t.Helper()
	e, err := NewEngine(store, remote, monitor, testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngine_CaptureOfflineThenSync(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	monitor := NewMonitor(false, nil)
	e := newTestEngine(t, newSQLiteTestStore(t), remote, monitor)

	out := e.Capture(ctx, json.RawMessage(`{"vehicle":"V1","odometer_start":100}`))
	require.Equal(t, QueuedOffline, out.Status)

	n, err := e.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, remote.callCount())

	_, ok := e.LastSyncSummary()
	assert.False(t, ok)

	monitor.SetOnline(true)
	require.True(t, e.TriggerSync())
	require.Eventually(t, func() bool {
		n, err := e.PendingCount(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, remote.callCount())
	assert.True(t, remote.has(out.LocalID))

	require.Eventually(t, func() bool {
		summary, ok := e.LastSyncSummary()
		return ok && summary.Synced == 1 && summary.Failed == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_NoLossAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")
	remote := newFakeRemote()

	store, err := OpenSQLiteStore(path, nil)
	require.NoError(t, err)
	first, err := NewEngine(store, remote, NewMonitor(false, nil), testConfig())
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 3; i++ {
		out := first.Capture(ctx, json.RawMessage(`{"vehicle_id":"V1"}`))
		require.Equal(t, QueuedOffline, out.Status)
		ids = append(ids, out.LocalID)
	}
	require.NoError(t, first.Close())

	// second run: one record is acknowledged but the ack is lost
	store, err = OpenSQLiteStore(path, nil)
	require.NoError(t, err)
	remote.lostAck[ids[1]] = true
	second, err := NewEngine(store, remote, NewMonitor(true, nil), testConfig())
	require.NoError(t, err)
	summary, started := second.SyncNow(ctx)
	require.True(t, started)
	assert.Equal(t, 2, summary.Synced)
	assert.Equal(t, 1, summary.Failed)
	require.NoError(t, second.Close())

	// third run delivers the remaining record again
	store, err = OpenSQLiteStore(path, nil)
	require.NoError(t, err)
	third := newTestEngine(t, store, remote, NewMonitor(true, nil))
	summary, _ = third.SyncNow(ctx)
	assert.Equal(t, 1, summary.Synced)

	n, err := third.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 3, remote.acceptedCount())
	for _, id := range ids {
		assert.True(t, remote.has(id))
	}
}

func TestEngine_StartDrainsQueueWhenOnline(t *testing.T) {
	ctx := context.Background()
	store := newBadgerTestStore(t)
	remote := newFakeRemote()
	seedRecords(t, store, 3)

	e := newTestEngine(t, store, remote, NewMonitor(true, nil))
	require.NoError(t, e.Start(ctx))
	require.Error(t, e.Start(ctx))

	require.Eventually(t, func() bool { return remote.acceptedCount() == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		st, err := e.Status(ctx)
		return err == nil && st.Pending == 0 && !st.Draining && st.Last != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_CaptureTripValidates(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	e := newTestEngine(t, newSQLiteTestStore(t), remote, NewMonitor(true, nil))

	out := e.CaptureTrip(ctx, trip.TripLog{OdometerStart: 10})
	assert.Equal(t, CaptureFailed, out.Status)
	var verr *trip.ValidationError
	assert.ErrorAs(t, out.Reason, &verr)
	assert.Zero(t, remote.callCount())

	out = e.CaptureTrip(ctx, trip.TripLog{VehicleID: "V1", DriverID: "D7", OdometerStart: 100, Purpose: "delivery"})
	require.Equal(t, SyncedImmediately, out.Status)

	var got trip.TripLog
	remote.mu.Lock()
	require.NoError(t, json.Unmarshal(remote.accepted[out.LocalID], &got))
	remote.mu.Unlock()
	assert.Equal(t, "D7", got.DriverID)
}

func TestEngine_RejectedListAndDiscard(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteTestStore(t)
	remote := newFakeRemote()
	rec := seedRecords(t, store, 1)[0]
	remote.setFail(rec.LocalID, &RejectedError{Detail: "bad odometer"})

	e := newTestEngine(t, store, remote, NewMonitor(true, nil))
	e.SyncNow(ctx)

	rejected, err := e.Rejected(ctx)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, rec.LocalID, rejected[0].LocalID)

	require.NoError(t, e.Discard(ctx, rec.LocalID))
	n, err := e.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, remote.has(rec.LocalID))
}

func TestNewEngine_Validation(t *testing.T) {
	store := newSQLiteTestStore(t)
	monitor := NewMonitor(true, nil)

	_, err := NewEngine(nil, newFakeRemote(), monitor, nil)
	assert.Error(t, err)
	_, err = NewEngine(store, nil, monitor, nil)
	assert.Error(t, err)
	_, err = NewEngine(store, newFakeRemote(), nil, nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.BackoffMax = cfg.BackoffMin / 2
	_, err = NewEngine(store, newFakeRemote(), monitor, cfg)
	assert.ErrorContains(t, err, "backoff max")

	e, err := NewEngine(store, newFakeRemote(), monitor, nil)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, e.config.RemoteTimeout)
}
