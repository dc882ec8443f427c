package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func dateServer(t *testing.T, skew time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Date", time.Now().Add(skew).UTC().Format(http.TimeFormat))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTimeSyncMeasuresOffset(t *testing.T) {
	srv := dateServer(t, time.Hour)
	ts := NewTimeSync([]string{srv.URL}, zaptest.NewLogger(t))

	assert.False(t, ts.IsSynced())
	assert.True(t, ts.ShouldResync())

	require.NoError(t, ts.Sync())
	assert.True(t, ts.IsSynced())
	assert.False(t, ts.ShouldResync())

	// Date headers carry whole seconds.
	assert.InDelta(t, time.Hour.Seconds(), ts.GetOffset().Seconds(), 2)
	assert.InDelta(t, time.Hour.Seconds(), time.Until(ts.Now()).Seconds(), 2)
}

func TestTimeSyncSkipsFailingServers(t *testing.T) {
	good := dateServer(t, 0)
	noDate := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Date"] = nil
	}))
	t.Cleanup(noDate.Close)

	ts := NewTimeSync([]string{noDate.URL, "http://127.0.0.1:1", good.URL}, zaptest.NewLogger(t))
	require.NoError(t, ts.Sync())
	assert.InDelta(t, 0, ts.GetOffset().Seconds(), 2)
}

func TestTimeSyncAllServersFail(t *testing.T) {
	ts := NewTimeSync([]string{"http://127.0.0.1:1"}, zaptest.NewLogger(t))

	assert.Error(t, ts.Sync())
	assert.False(t, ts.IsSynced())
	assert.WithinDuration(t, time.Now(), ts.Now(), time.Second, "unsynced clock falls back to local time")
}

func TestTimeSyncGoesStale(t *testing.T) {
	srv := dateServer(t, 0)
	ts := NewTimeSync([]string{srv.URL}, zaptest.NewLogger(t))
	ts.maxAge = 50 * time.Millisecond

	require.NoError(t, ts.Sync())
	assert.False(t, ts.ShouldResync())

	require.Eventually(t, ts.ShouldResync, time.Second, 5*time.Millisecond)
	require.NoError(t, ts.Sync())
	assert.False(t, ts.ShouldResync(), "a fresh sync resets the age")
}
