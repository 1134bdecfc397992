package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ulugris/orthosis/internal/monitoring"
	"github.com/ulugris/orthosis/internal/params"
)

func init() {
	monitoring.SetLogger(nil)
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "catalog", "orthosis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenMigrates(t *testing.T) {
	db := openTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	// Running again is a no-op.
	require.NoError(t, db.MigrateUp())
}

func TestMigrateDown(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.MigrateDown())

	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	_, err = db.Exec(`SELECT count(*) FROM param_changes`)
	assert.Error(t, err, "table dropped")
}

func TestSessionRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	id, err := db.BeginSession(ctx, start)
	require.NoError(t, err)
	require.Len(t, id, 36)

	sessions, err := db.Sessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Stopped.IsZero())
	assert.Contains(t, sessions[0].String(), "running")

	stop := start.Add(90 * time.Second)
	require.NoError(t, db.EndSession(ctx, id, stop, "log/2024-03-01-100130", 9000))

	sessions, err = db.Sessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	s := sessions[0]
	assert.Equal(t, id, s.ID)
	assert.True(t, s.Started.Equal(start))
	assert.True(t, s.Stopped.Equal(stop))
	assert.Equal(t, "log/2024-03-01-100130", s.DumpPrefix)
	assert.Equal(t, 9000, s.Samples)
	assert.Contains(t, s.String(), "1m30s")
}

func TestEndUnknownSession(t *testing.T) {
	db := openTestDB(t)
	err := db.EndSession(context.Background(), "missing", time.Now(), "", 0)
	assert.ErrorContains(t, err, "not found")
}

func TestSessionsMostRecentFirst(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	var ids []string
	for i := range 3 {
		id, err := db.BeginSession(ctx, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	sessions, err := db.Sessions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, ids[2], sessions[0].ID)
	assert.Equal(t, ids[1], sessions[1].ID)
}

func TestParamChanges(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	at := time.Unix(1700000000, 0)

	require.NoError(t, db.RecordParamChange(ctx, at, params.Change{
		Channel: params.Left, Knob: params.PeakAngle, Value: 30, Accepted: true,
	}))
	require.NoError(t, db.RecordParamChange(ctx, at.Add(time.Second), params.Change{
		Channel: params.Right, Knob: params.PeakAngle, Value: 999999, Reason: "infeasible",
	}))

	changes, err := db.ParamChanges(ctx, 10)
	require.NoError(t, err)
	require.Len(t, changes, 2)

	assert.Equal(t, params.Right, changes[0].Channel)
	assert.False(t, changes[0].Accepted)
	assert.Equal(t, "infeasible", changes[0].Reason)

	assert.Equal(t, params.Left, changes[1].Channel)
	assert.Equal(t, params.PeakAngle, changes[1].Knob)
	assert.Equal(t, 30.0, changes[1].Value)
	assert.True(t, changes[1].Accepted)
	assert.True(t, changes[1].Time.Equal(at))
}

func TestAttachAdminRoutes(t *testing.T) {
	db := openTestDB(t)
	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	for _, path := range []string{"/debug/backup", "/debug/tailsql/"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			// Debug access may be refused, but the route must exist.
			assert.NotEqual(t, http.StatusNotFound, rec.Code)
			if path == "/debug/backup" && rec.Code == http.StatusOK {
				assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))
				assert.NotEmpty(t, rec.Header().Get("Content-Disposition"))
			}
		})
	}
}
