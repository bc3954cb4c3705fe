package fleetsrv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mbyo2/vehicle-log-sys-sub001/trip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memTripStore mirrors TripService semantics without Postgres.
type memTripStore struct {
	mu      sync.Mutex
	rows    map[string]TripRecord
	owners  map[string]string
	nextID  int64
	failErr error
}

func newMemTripStore() *memTripStore {
	return &memTripStore{rows: make(map[string]TripRecord), owners: make(map[string]string)}
}

func (m *memTripStore) InsertTrip(_ context.Context, userID, deviceID, localID string, payload json.RawMessage) (InsertResult, error) {
	m.mu.Lock()
	failErr := m.failErr
	m.mu.Unlock()
	if failErr != nil {
		return InsertResult{}, failErr
	}
	if _, err := uuid.Parse(localID); err != nil {
		return InsertResult{}, &trip.ValidationError{Fields: map[string]string{"local_id": "must be a UUID"}}
	}
	t, err := trip.Decode(payload)
	if err != nil {
		return InsertResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[localID]; ok {
		return InsertResult{ServerID: row.ServerID, ReceivedAt: row.ReceivedAt, Duplicate: true}, nil
	}
	m.nextID++
	row := TripRecord{ServerID: m.nextID, LocalID: localID, DeviceID: deviceID, Trip: t, ReceivedAt: time.Now().UTC()}
	m.rows[localID] = row
	m.owners[localID] = userID
	return InsertResult{ServerID: row.ServerID, ReceivedAt: row.ReceivedAt}, nil
}

func (m *memTripStore) ListTrips(_ context.Context, userID string, limit int) ([]TripRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []TripRecord{}
	for id, row := range m.rows {
		if m.owners[id] == userID {
			out = append(out, row)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memTripStore) setFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

func (m *memTripStore) has(localID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[localID]
	return ok
}

func (m *memTripStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type testAPI struct {
	server *httptest.Server
	store  *memTripStore
	token  string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	jwtAuth := NewJWTAuth("test-secret")
	store := newMemTripStore()
	handlers := NewHTTPTripHandlers(store, jwtAuth, nil)
	srv := httptest.NewServer(NewRouter(handlers, jwtAuth, nil))
	t.Cleanup(srv.Close)

	token, err := jwtAuth.GenerateToken("driver-1", "phone-1", time.Hour)
	require.NoError(t, err)
	return &testAPI{server: srv, store: store, token: token}
}

func (a *testAPI) post(t *testing.T, body any, key string) (*http.Response, []byte) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, a.server.URL+"/v1/trips", bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+a.token)
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestHandleCreateTrip_CreatedThenDuplicate(t *testing.T) {
	api := newTestAPI(t)
	localID := uuid.NewString()
	body := CreateTripRequest{LocalID: localID, Payload: json.RawMessage(`{"vehicle_id":"V1","odometer_start":100}`)}

	resp, raw := api.post(t, body, localID)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var first CreateTripResponse
	require.NoError(t, json.Unmarshal(raw, &first))
	assert.Equal(t, localID, first.LocalID)
	assert.False(t, first.Duplicate)

	resp, raw = api.post(t, body, localID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second CreateTripResponse
	require.NoError(t, json.Unmarshal(raw, &second))
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ServerID, second.ServerID)

	assert.Equal(t, 1, api.store.count())
}

func TestHandleCreateTrip_LocalIDFromHeader(t *testing.T) {
	api := newTestAPI(t)
	localID := uuid.NewString()

	resp, _ := api.post(t, CreateTripRequest{Payload: json.RawMessage(`{"vehicle_id":"V1"}`)}, localID)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, api.store.has(localID))

	resp, raw := api.post(t, CreateTripRequest{LocalID: localID, Payload: json.RawMessage(`{"vehicle_id":"V1"}`)}, uuid.NewString())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(raw), "does not match")

	resp, _ = api.post(t, CreateTripRequest{Payload: json.RawMessage(`{"vehicle_id":"V1"}`)}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleCreateTrip_ValidationIs422(t *testing.T) {
	api := newTestAPI(t)

	resp, raw := api.post(t, CreateTripRequest{LocalID: uuid.NewString(), Payload: json.RawMessage(`{"odometer_start":-5}`)}, "")
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(raw, &errResp))
	assert.Equal(t, "rejected", errResp.Error)
	assert.Contains(t, errResp.Fields, "vehicle_id")
	assert.Contains(t, errResp.Fields, "odometer_start")

	resp, _ = api.post(t, CreateTripRequest{LocalID: "nope", Payload: json.RawMessage(`{"vehicle_id":"V1"}`)}, "")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestHandleCreateTrip_ServiceErrors(t *testing.T) {
	api := newTestAPI(t)

	api.store.setFail(errors.New("connection reset"))
	resp, raw := api.post(t, CreateTripRequest{LocalID: uuid.NewString(), Payload: json.RawMessage(`{"vehicle_id":"V1"}`)}, "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, string(raw), "insert_failed")

	api.store.setFail(ErrServiceClosed)
	resp, _ = api.post(t, CreateTripRequest{LocalID: uuid.NewString(), Payload: json.RawMessage(`{"vehicle_id":"V1"}`)}, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandleCreateTrip_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	resp, err := http.Post(api.server.URL+"/v1/trips", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleListTrips(t *testing.T) {
	api := newTestAPI(t)
	for i := 0; i < 3; i++ {
		resp, _ := api.post(t, CreateTripRequest{LocalID: uuid.NewString(), Payload: json.RawMessage(`{"vehicle_id":"V1"}`)}, "")
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodGet, api.server.URL+"/v1/trips?limit=2", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+api.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list ListTripsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Len(t, list.Trips, 2)
	assert.Equal(t, "V1", list.Trips[0].Trip.VehicleID)
	assert.Equal(t, "phone-1", list.Trips[0].DeviceID)
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	resp, err := http.Get(api.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
