package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ulugris/orthosis/internal/db"
	"github.com/ulugris/orthosis/internal/monitoring"
	"github.com/ulugris/orthosis/internal/orchestrator"
	"github.com/ulugris/orthosis/internal/params"
)

func init() {
	monitoring.SetLogger(nil)
}

type fakeStatus struct{ snap orchestrator.Snapshot }

func (f fakeStatus) Snapshot() orchestrator.Snapshot { return f.snap }

type fakeParams struct{}

func (fakeParams) Values() [params.NumChannels]params.Set {
	return [params.NumChannels]params.Set{params.Defaults(), params.Defaults()}
}

func (fakeParams) Limits() params.Limits { return params.DefaultLimits() }

type fakeCatalog struct {
	sessions []db.Session
	err      error
	limit    int
}

func (f *fakeCatalog) Sessions(ctx context.Context, limit int) ([]db.Session, error) {
	f.limit = limit
	return f.sessions, f.err
}

func (f *fakeCatalog) ParamChanges(ctx context.Context, limit int) ([]db.ParamChange, error) {
	f.limit = limit
	return nil, f.err
}

func newTestHandler(catalog Catalog) http.Handler {
	status := fakeStatus{orchestrator.Snapshot{Status: orchestrator.Running, Samples: 420, Peer: "10.0.0.2:5000"}}
	return NewServer(status, fakeParams{}, catalog).Handler(http.NewServeMux())
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestShowStatus(t *testing.T) {
	rec := get(t, newTestHandler(nil), "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "running", body["status_name"])
	assert.Equal(t, float64(3), body["status"])
	assert.Equal(t, float64(420), body["samples"])
	assert.Equal(t, "10.0.0.2:5000", body["peer"])
}

func TestShowParams(t *testing.T) {
	rec := get(t, newTestHandler(nil), "/api/params")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Channels map[string]map[string]float64 `json:"channels"`
		Limits   params.Limits                 `json:"limits"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 40.0, body.Channels["R"]["peak_angle"])
	assert.Equal(t, 0.7, body.Channels["L"]["cycle_length"])
	assert.Len(t, body.Channels["L"], params.NumKnobs)
	assert.Equal(t, params.DefaultLimits(), body.Limits)
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestHandler(nil)
	for _, path := range []string{"/api/status", "/api/params", "/api/sessions"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("{}"))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
	}
}

func TestSessions(t *testing.T) {
	t.Run("catalog disabled", func(t *testing.T) {
		rec := get(t, newTestHandler(nil), "/api/sessions")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("listing", func(t *testing.T) {
		catalog := &fakeCatalog{sessions: []db.Session{{ID: "a", Samples: 12, Started: time.Unix(1700000000, 0)}}}
		rec := get(t, newTestHandler(catalog), "/api/sessions?limit=5")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 5, catalog.limit)

		var got []db.Session
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
		require.Len(t, got, 1)
		assert.Equal(t, "a", got[0].ID)
	})

	t.Run("empty list", func(t *testing.T) {
		rec := get(t, newTestHandler(&fakeCatalog{}), "/api/param_changes")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, "[]", rec.Body.String())
	})

	t.Run("bad limit", func(t *testing.T) {
		rec := get(t, newTestHandler(&fakeCatalog{}), "/api/sessions?limit=0")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("catalog error", func(t *testing.T) {
		rec := get(t, newTestHandler(&fakeCatalog{err: errors.New("locked")}), "/api/param_changes")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "locked")
	})
}

func TestMetricsRoute(t *testing.T) {
	monitoring.RecordSample()
	rec := get(t, newTestHandler(nil), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "orthosis_control_samples_total")
}

func TestServeShutsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- Serve(ctx, "127.0.0.1:0", http.NewServeMux()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestStatusCodeColor(t *testing.T) {
	assert.Contains(t, statusCodeColor(200), "200")
	assert.Contains(t, statusCodeColor(404), colorBoldRed)
	assert.Contains(t, statusCodeColor(302), colorYellow)
}
