package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okapon-health/visitsync/pkg/store"
)

// fakeTouches mimics the store's touch discipline, including the
// status repair on duplicate keys.
type fakeTouches struct {
	byKey       map[string]store.Touch
	status      store.Status
	transitions []store.TouchKind
}

func newFakeTouches() *fakeTouches {
	return &fakeTouches{byKey: make(map[string]store.Touch), status: store.StatusPlanned}
}

func (f *fakeTouches) RecordTouch(_ context.Context, t store.Touch) (bool, error) {
	if _, ok := f.byKey[t.IdempotencyKey]; ok {
		return true, nil
	}
	f.byKey[t.IdempotencyKey] = t
	return false, nil
}

func (f *fakeTouches) ApplyTransition(_ context.Context, _ int64, kind store.TouchKind) error {
	f.transitions = append(f.transitions, kind)
	for _, from := range kind.AllowedFrom() {
		if from == string(f.status) {
			f.status = kind.Target()
			return nil
		}
	}
	return nil
}

func touchRouter(f *fakeTouches) http.Handler {
	svc := NewVisitService(f, nil, nil, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/visits/{id}/start", svc.HandleTouch(store.TouchStart))
	mux.HandleFunc("POST /api/visits/{id}/complete", svc.HandleTouch(store.TouchComplete))
	mux.HandleFunc("POST /api/visits/{id}/checkin", svc.HandleTouch(store.TouchCheckin))
	return mux
}

func postTouch(t *testing.T, h http.Handler, path, body, key string) (*httptest.ResponseRecorder, TouchResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp TouchResponse
	if w.Code == http.StatusOK {
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	}
	return w, resp
}

func TestTouchLifecycle(t *testing.T) {
	f := newFakeTouches()
	h := touchRouter(f)

	w, resp := postTouch(t, h, "/api/visits/5/start", `{"at":"2024-01-01T09:00:00Z"}`, "k-start")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, resp.Duplicate)
	assert.Equal(t, store.StatusInProgress, f.status)

	w, resp = postTouch(t, h, "/api/visits/5/complete", `{"at":"2024-01-01T10:00:00Z"}`, "k-complete")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, resp.Duplicate)
	assert.Equal(t, store.StatusCompleted, f.status)

	// Replaying the start key afterward reports duplicate and must not
	// revert the completed status.
	w, resp = postTouch(t, h, "/api/visits/5/start", `{"at":"2024-01-01T09:00:00Z"}`, "k-start")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Duplicate)
	assert.Equal(t, store.StatusCompleted, f.status, "replayed start must not revert a completed visit")
}

func TestTouchDuplicateRepairsTransition(t *testing.T) {
	f := newFakeTouches()
	h := touchRouter(f)

	// Simulate a touch row written without its status update.
	f.byKey["k1"] = store.Touch{VisitID: 5, Kind: store.TouchStart, IdempotencyKey: "k1"}

	w, resp := postTouch(t, h, "/api/visits/5/start", `{"at":"2024-01-01T09:00:00Z"}`, "k1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Duplicate)
	assert.Equal(t, store.StatusInProgress, f.status, "duplicate touch must still apply the transition")
}

func TestTouchValidation(t *testing.T) {
	h := touchRouter(newFakeTouches())

	w, _ := postTouch(t, h, "/api/visits/abc/start", `{"at":"2024-01-01T09:00:00Z"}`, "k")
	assert.Equal(t, http.StatusBadRequest, w.Code, "invalid id")

	w, _ = postTouch(t, h, "/api/visits/5/start", `{}`, "k")
	assert.Equal(t, http.StatusBadRequest, w.Code, "missing at")

	w, _ = postTouch(t, h, "/api/visits/5/start", `{"at":"yesterday"}`, "k")
	assert.Equal(t, http.StatusBadRequest, w.Code, "unparseable at")
}

func TestTouchStoreUnavailable(t *testing.T) {
	svc := NewVisitService(nil, nil, nil, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/visits/{id}/start", svc.HandleTouch(store.TouchStart))

	w, _ := postTouch(t, mux, "/api/visits/5/start", `{"at":"2024-01-01T09:00:00Z"}`, "k")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestTouchDerivedKeyDeterministic(t *testing.T) {
	f := newFakeTouches()
	h := touchRouter(f)
	body := `{"at":"2024-01-01T09:00:00Z","note":"door code 1234"}`

	// No Idempotency-Key header, no body key: retransmitting the same
	// request twice must deduplicate on the derived key.
	_, resp := postTouch(t, h, "/api/visits/5/checkin", body, "")
	assert.False(t, resp.Duplicate)
	_, resp = postTouch(t, h, "/api/visits/5/checkin", body, "")
	assert.True(t, resp.Duplicate)

	// A different body derives a different key.
	_, resp = postTouch(t, h, "/api/visits/5/checkin", `{"at":"2024-01-01T09:05:00Z"}`, "")
	assert.False(t, resp.Duplicate)

	require.Len(t, f.byKey, 2)
	for key := range f.byKey {
		assert.True(t, strings.HasPrefix(key, "auto:"), "derived keys are marked")
	}
}

func TestTouchGeolocationOnlyOnCheckin(t *testing.T) {
	f := newFakeTouches()
	h := touchRouter(f)
	body := `{"at":"2024-01-01T09:00:00Z","lat":35.6812,"lng":139.7671}`

	_, _ = postTouch(t, h, "/api/visits/5/checkin", body, "k-in")
	require.Contains(t, f.byKey, "k-in")
	require.NotNil(t, f.byKey["k-in"].Lat)
	assert.InDelta(t, 35.6812, *f.byKey["k-in"].Lat, 1e-9)

	_, _ = postTouch(t, h, "/api/visits/6/start", body, "k-start")
	assert.Nil(t, f.byKey["k-start"].Lat, "start touches do not carry geolocation")
}

func TestTouchReplayConsistencyAcrossManyKinds(t *testing.T) {
	// Property check over the endpoint matrix: every kind reports
	// duplicate=true on the second identical call.
	for i, kind := range []string{"start", "complete", "checkin"} {
		f := newFakeTouches()
		h := touchRouter(f)
		path := fmt.Sprintf("/api/visits/%d/%s", i+1, kind)
		key := "k-" + kind
		at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC).Format(time.RFC3339)
		body := fmt.Sprintf(`{"at":%q}`, at)

		_, first := postTouch(t, h, path, body, key)
		_, second := postTouch(t, h, path, body, key)
		assert.False(t, first.Duplicate, kind)
		assert.True(t, second.Duplicate, kind)
	}
}
