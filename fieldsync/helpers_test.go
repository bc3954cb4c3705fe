package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeRemote is an idempotent in-memory remote store with scripted failures.
type fakeRemote struct {
	mu       sync.Mutex
	accepted map[string]json.RawMessage
	order    []string
	calls    int
	fail     map[string]error // failure returned for a local ID
	lostAck  map[string]bool  // accept, then report a timeout once
	block    chan struct{}    // when set, Insert waits for it to close
	started  chan string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		accepted: make(map[string]json.RawMessage),
		fail:     make(map[string]error),
		lostAck:  make(map[string]bool),
		started:  make(chan string, 64),
	}
}

func (f *fakeRemote) Insert(ctx context.Context, localID string, payload json.RawMessage) (Ack, error) {
	f.mu.Lock()
	f.calls++
	failErr := f.fail[localID]
	block := f.block
	f.mu.Unlock()

	select {
	case f.started <- localID:
	default:
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return Ack{}, ctx.Err()
		}
	}
	if failErr != nil {
		return Ack{}, failErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	_, dup := f.accepted[localID]
	if !dup {
		f.accepted[localID] = payload
		f.order = append(f.order, localID)
	}
	if f.lostAck[localID] {
		delete(f.lostAck, localID)
		return Ack{}, context.DeadlineExceeded
	}
	return Ack{LocalID: localID, ServerID: int64(len(f.order)), Duplicate: dup, AcceptedAt: time.Now()}, nil
}

func (f *fakeRemote) setFail(localID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, localID)
		return
	}
	f.fail[localID] = err
}

func (f *fakeRemote) setBlock(ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = ch
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeRemote) acceptedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.accepted)
}

func (f *fakeRemote) has(localID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.accepted[localID]
	return ok
}

var errConnRefused = errors.New("dial tcp 10.0.0.1:443: connect: connection refused")

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.RemoteTimeout = 2 * time.Second
	return cfg
}

func seedRecords(t *testing.T, s Store, n int) []PendingRecord {
	t.Helper()
	recs := make([]PendingRecord, n)
	for i := range recs {
		recs[i] = testRecord(t, time.Duration(i)*time.Second, `{"vehicle_id":"V1"}`)
		require.NoError(t, s.Put(context.Background(), recs[i]))
	}
	return recs
}

func waitStarted(t *testing.T, f *fakeRemote) string {
	t.Helper()
	select {
	case id := <-f.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("remote insert never started")
		return ""
	}
}
